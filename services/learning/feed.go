// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"context"
	"time"

	"github.com/variantlab/creative-engine/services/learning/reward"
	"github.com/variantlab/creative-engine/services/learning/storage"
)

// OutcomeLog is the store-backed outcome feed behind the ingestion
// endpoint.
//
// The ad-platform sync re-posts a production's full metrics every time
// they change, so the log keeps only the latest snapshot per production,
// stamped with its arrival time. The batch runner fetches snapshots
// stamped after its watermark; an immature production keeps receiving
// updates and so keeps reappearing until it matures. Because snapshots
// are persisted, a standalone cycle run drains whatever the server (or a
// previous run) ingested.
//
// Thread Safety: safe for concurrent use; writes go through store
// transactions.
type OutcomeLog struct {
	store *storage.Store
	now   func() time.Time
}

// NewOutcomeLog creates a log over the given store.
func NewOutcomeLog(store *storage.Store) *OutcomeLog {
	return &OutcomeLog{store: store, now: time.Now}
}

// Push upserts the latest metric snapshots.
func (l *OutcomeLog) Push(outcomes []reward.RawMetrics) error {
	return l.store.PutOutcomeSnapshots(outcomes, l.now())
}

// FetchOutcomes returns every snapshot that arrived after since.
func (l *OutcomeLog) FetchOutcomes(_ context.Context, since time.Time) ([]reward.RawMetrics, error) {
	return l.store.ListOutcomeSnapshots(since)
}
