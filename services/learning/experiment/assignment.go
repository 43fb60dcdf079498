// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experiment

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// AssignmentKey identifies one assignable unit. The time bucket is
// coarse (a day) so retried work inside the same bucket lands on the
// same arm.
type AssignmentKey struct {
	SubjectID  string
	CampaignID string
	TimeBucket string
}

// NewAssignmentKey builds a key with a daily UTC time bucket.
func NewAssignmentKey(subjectID, campaignID string, at time.Time) AssignmentKey {
	return AssignmentKey{
		SubjectID:  subjectID,
		CampaignID: campaignID,
		TimeBucket: at.UTC().Format("2006-01-02"),
	}
}

// Assign deterministically maps a key to an arm of the experiment.
//
// Description:
//
//	Hashes the stable identifiers with SHA-256 (never a language-default
//	hash, which may be randomized per process), reduces the first eight
//	bytes modulo 100, and walks the arms' cumulative split percentages.
//	Replaying the same key against the same experiment always yields the
//	same arm, which makes retries safe.
//
//	Split percentages that do not sum to 100 are scaled implicitly: the
//	final arm absorbs the remainder.
//
// Outputs:
//
//	string - The assigned arm id.
func Assign(e Experiment, key AssignmentKey) string {
	if len(e.Arms) == 0 {
		return ""
	}
	h := sha256.Sum256([]byte(key.SubjectID + "|" + key.CampaignID + "|" + key.TimeBucket + "|" + e.ID))
	bucket := binary.BigEndian.Uint64(h[:8]) % 100

	var cum uint64
	for _, a := range e.Arms {
		cum += uint64(a.SplitPercent)
		if bucket < cum {
			return a.ID
		}
	}
	return e.Arms[len(e.Arms)-1].ID
}
