// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variantlab/creative-engine/services/learning/bandit"
	"github.com/variantlab/creative-engine/services/learning/calibration"
	"github.com/variantlab/creative-engine/services/learning/coldstart"
	"github.com/variantlab/creative-engine/services/learning/experiment"
	"github.com/variantlab/creative-engine/services/learning/reward"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	cfg := DefaultConfig()
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestElementPosteriorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetElementPosterior("acct-1/video", "hook_type", "question")
	require.NoError(t, err)
	assert.False(t, ok)

	p := bandit.Posterior{
		Cohort:    "acct-1/video",
		Dimension: "hook_type",
		Value:     "question",
		Alpha:     11,
		Beta:      4,
	}
	require.NoError(t, s.PutElementPosterior(p))

	got, ok, err := s.GetElementPosterior("acct-1/video", "hook_type", "question")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestListElementPosteriorsScopedToDimension(t *testing.T) {
	s := openTestStore(t)
	posteriors := []bandit.Posterior{
		{Cohort: "acct-1/video", Dimension: "hook_type", Value: "question", Alpha: 3, Beta: 1},
		{Cohort: "acct-1/video", Dimension: "hook_type", Value: "statement", Alpha: 2, Beta: 2},
		{Cohort: "acct-1/video", Dimension: "pacing", Value: "fast", Alpha: 5, Beta: 1},
		{Cohort: "acct-2/video", Dimension: "hook_type", Value: "question", Alpha: 9, Beta: 9},
	}
	for _, p := range posteriors {
		require.NoError(t, s.PutElementPosterior(p))
	}

	got, err := s.ListElementPosteriors("acct-1/video", "hook_type")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Equal(t, "acct-1/video", p.Cohort)
		assert.Equal(t, "hook_type", p.Dimension)
	}
}

func TestScorerPosteriorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p := calibration.ScorerPosterior{
		Cohort:     "acct-1/video",
		Scorer:     "asset_match",
		Alpha:      12,
		Beta:       6,
		LastWeight: 0.42,
	}
	require.NoError(t, s.PutScorerPosterior(p))

	got, ok, err := s.GetScorerPosterior("acct-1/video", "asset_match")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestRewardRecordUpsert(t *testing.T) {
	s := openTestStore(t)
	r := reward.Record{
		ProductionID: "prod-1",
		Cohort:       "acct-1/video",
		Objective:    "conversions",
		Composite:    0.61,
		MaturedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutRewardRecord(r))

	// Re-synthesis after more data replaces the record.
	r.Composite = 0.65
	require.NoError(t, s.PutRewardRecord(r))

	got, ok, err := s.GetRewardRecord("acct-1/video", "prod-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.65, got.Composite, 1e-12)

	list, err := s.ListRewardRecords("acct-1/video")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestScoreBreakdownRoundTrip(t *testing.T) {
	s := openTestStore(t)
	contributions := map[string]float64{
		"asset_match":    0.9,
		"element_scores": 0.6,
		"freshness":      0.3,
	}
	require.NoError(t, s.PutScoreBreakdown("acct-1/video", "prod-1", contributions))

	got, ok, err := s.GetScoreBreakdown("acct-1/video", "prod-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contributions, got)

	_, ok, err = s.GetScoreBreakdown("acct-1/video", "prod-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p := coldstart.Profile{
		Cohort:        "acct-1/video",
		Org:           "org-1",
		Category:      "fitness",
		ShareLearning: true,
		Scores:        map[string]float64{"hook_type/question": 0.7},
		Counts:        map[string]float64{"hook_type/question": 40},
	}
	require.NoError(t, s.PutProfile(p))

	got, ok, err := s.GetProfile("acct-1/video")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	all, err := s.ListProfiles()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunningExperimentIndex(t *testing.T) {
	s := openTestStore(t)
	e := experiment.Experiment{
		ID:     "exp-1",
		Cohort: "acct-1/video",
		State:  experiment.StateRunning,
		Arms: []experiment.Arm{
			{ID: "a", Name: "control", Value: "statement", IsControl: true, SplitPercent: 50},
			{ID: "b", Name: "variant", Value: "question", SplitPercent: 50},
		},
	}
	require.NoError(t, s.PutExperiment(e))

	got, ok, err := s.RunningExperiment("acct-1/video")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exp-1", got.ID)

	// Completing the experiment clears the index.
	e.State = experiment.StateCompleted
	require.NoError(t, s.PutExperiment(e))
	_, ok, err = s.RunningExperiment("acct-1/video")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunningIndexNotClobberedByOtherExperiment(t *testing.T) {
	s := openTestStore(t)
	running := experiment.Experiment{ID: "exp-live", Cohort: "acct-1/video", State: experiment.StateRunning}
	require.NoError(t, s.PutExperiment(running))

	// A different, already-cancelled experiment in the same cohort must
	// not clear the live experiment's index entry.
	old := experiment.Experiment{ID: "exp-old", Cohort: "acct-1/video", State: experiment.StateCancelled}
	require.NoError(t, s.PutExperiment(old))

	got, ok, err := s.RunningExperiment("acct-1/video")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exp-live", got.ID)
}

func TestCausalEffectAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ce := experiment.CausalEffect{
		ID:           "ce-1",
		ExperimentID: "exp-1",
		Cohort:       "acct-1/video",
		Variable:     "hook_type",
		EffectSize:   0.07,
	}
	require.NoError(t, s.AppendCausalEffect(ce))

	// A rewrite attempt is refused even under a fresh record id: the
	// experiment, not the record, is the write-once unit.
	ce.ID = "ce-2"
	ce.EffectSize = 0.99
	err := s.AppendCausalEffect(ce)
	assert.ErrorIs(t, err, ErrImmutableRecord)

	list, err := s.ListCausalEffects("acct-1/video")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.InDelta(t, 0.07, list[0].EffectSize, 1e-12)
}

func TestOutcomeSnapshotsKeepLatestPerProduction(t *testing.T) {
	s := openTestStore(t)
	first := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	second := first.Add(6 * time.Hour)

	raw := reward.RawMetrics{
		ProductionID: "prod-1",
		Cohort:       "acct-1/video",
		Impressions:  500,
	}
	require.NoError(t, s.PutOutcomeSnapshots([]reward.RawMetrics{raw}, first))

	raw.Impressions = 2000
	require.NoError(t, s.PutOutcomeSnapshots([]reward.RawMetrics{raw}, second))

	got, err := s.ListOutcomeSnapshots(time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1, "re-posted metrics replace the prior snapshot")
	assert.Equal(t, int64(2000), got[0].Impressions)
}

func TestOutcomeSnapshotsSinceFilter(t *testing.T) {
	s := openTestStore(t)
	early := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	late := early.Add(12 * time.Hour)

	require.NoError(t, s.PutOutcomeSnapshots([]reward.RawMetrics{
		{ProductionID: "prod-old", Cohort: "acct-1/video"},
	}, early))
	require.NoError(t, s.PutOutcomeSnapshots([]reward.RawMetrics{
		{ProductionID: "prod-new", Cohort: "acct-1/video"},
	}, late))

	got, err := s.ListOutcomeSnapshots(early)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "prod-new", got[0].ProductionID)
}

func TestWatermarkZeroBeforeFirstCycle(t *testing.T) {
	s := openTestStore(t)
	at, err := s.GetWatermark("outcome-sync")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	want := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutWatermark("outcome-sync", want))
	got, err := s.GetWatermark("outcome-sync")
	require.NoError(t, err)
	assert.True(t, got.Equal(want))
}
