// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bandit

import (
	"sort"
	"strings"
	"sync"
)

// MapStore is an in-memory PosteriorStore.
//
// It backs tests and the cold-start similarity computation, which works on
// in-memory aggregates. Production code uses the BadgerDB store.
//
// Thread Safety: Safe for concurrent use.
type MapStore struct {
	mu    sync.RWMutex
	items map[string]Posterior
}

// NewMapStore creates an empty MapStore.
func NewMapStore() *MapStore {
	return &MapStore{items: make(map[string]Posterior)}
}

func mapKey(cohort, dimension, value string) string {
	return cohort + "\x00" + dimension + "\x00" + value
}

// GetElementPosterior returns the posterior for the key, if present.
func (m *MapStore) GetElementPosterior(cohort, dimension, value string) (Posterior, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.items[mapKey(cohort, dimension, value)]
	return p, ok, nil
}

// PutElementPosterior upserts the posterior keyed by
// (cohort, dimension, value).
func (m *MapStore) PutElementPosterior(p Posterior) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[mapKey(p.Cohort, p.Dimension, p.Value)] = p
	return nil
}

// ListElementPosteriors returns all posteriors for a cohort, optionally
// filtered to one dimension, in deterministic key order.
func (m *MapStore) ListElementPosteriors(cohort, dimension string) ([]Posterior, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := cohort + "\x00"
	if dimension != "" {
		prefix += dimension + "\x00"
	}
	keys := make([]string, 0)
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Posterior, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.items[k])
	}
	return out, nil
}
