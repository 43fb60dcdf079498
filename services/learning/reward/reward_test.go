// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launched(daysAgo int, now time.Time) time.Time {
	return now.Add(-time.Duration(daysAgo) * 24 * time.Hour)
}

func TestSynthesize_NoMatureMetricReturnsNil(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := NewSynthesizer(DefaultConfig(), nil)

	// 2 days elapsed and 200 impressions: below every gate except none.
	raw := RawMetrics{
		ProductionID: "p1",
		Cohort:       "brand-a",
		Impressions:  200,
		Clicks:       10,
		Conversions:  2,
		SpendMicros:  40 * 1e6,
		Objective:    "conversions",
		LaunchedAt:   launched(2, now),
	}
	require.Nil(t, s.Synthesize(raw, now), "immature metrics must not produce a record")
}

func TestSynthesize_ImmatureMetricExcludedFromRecord(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := NewSynthesizer(DefaultConfig(), nil)

	// 2 days elapsed, 400 impressions: CTR (1d/250) is mature, CVR and CPA
	// (3d/500) are not.
	raw := RawMetrics{
		ProductionID: "p2",
		Cohort:       "brand-a",
		Impressions:  400,
		Clicks:       12,
		Conversions:  3,
		SpendMicros:  60 * 1e6,
		Objective:    "conversions",
		LaunchedAt:   launched(2, now),
	}
	rec := s.Synthesize(raw, now)
	require.NotNil(t, rec)
	assert.Contains(t, rec.Normalized, MetricCTR)
	assert.NotContains(t, rec.Normalized, MetricCVR)
	assert.NotContains(t, rec.Normalized, MetricCPA)
}

func TestSynthesize_CompositeBounded(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := NewSynthesizer(DefaultConfig(), nil)

	raw := RawMetrics{
		ProductionID:  "p3",
		Cohort:        "brand-a",
		Impressions:   50000,
		Clicks:        5000,
		Conversions:   900,
		SpendMicros:   1000 * 1e6,
		RevenueMicros: 9000 * 1e6,
		Objective:     "revenue",
		LaunchedAt:    launched(10, now),
	}
	rec := s.Synthesize(raw, now)
	require.NotNil(t, rec)
	assert.GreaterOrEqual(t, rec.Composite, 0.0)
	assert.LessOrEqual(t, rec.Composite, 1.0)
	// Extreme outcomes clamp at the 95th percentile, so this near-perfect
	// production should land high.
	assert.Greater(t, rec.Composite, 0.8)
}

func TestSynthesize_UnknownObjectiveFallsBackToEqualWeights(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := NewSynthesizer(DefaultConfig(), nil)

	raw := RawMetrics{
		ProductionID: "p4",
		Cohort:       "brand-a",
		Impressions:  5000,
		Clicks:       100,
		Conversions:  10,
		SpendMicros:  200 * 1e6,
		Objective:    "brand_lift", // not configured
		LaunchedAt:   launched(10, now),
	}
	rec := s.Synthesize(raw, now)
	require.NotNil(t, rec, "unknown objective must fall back, not fail")
	assert.Equal(t, "brand_lift", rec.Objective)
}

func TestSynthesize_Idempotent(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := NewSynthesizer(DefaultConfig(), nil)
	raw := RawMetrics{
		ProductionID: "p5",
		Cohort:       "brand-a",
		Impressions:  5000,
		Clicks:       150,
		Conversions:  20,
		SpendMicros:  300 * 1e6,
		Objective:    "conversions",
		LaunchedAt:   launched(5, now),
	}
	first := s.Synthesize(raw, now)
	second := s.Synthesize(raw, now)
	require.NotNil(t, first)
	assert.Equal(t, first, second, "same inputs must yield the same record")
}

func TestNormalize_CostMetricInverted(t *testing.T) {
	s := NewSynthesizer(DefaultConfig(), nil)
	cheap := s.normalize("brand-a", MetricCPA, 6)
	expensive := s.normalize("brand-a", MetricCPA, 110)
	assert.Greater(t, cheap, expensive, "lower CPA must normalize higher")
}

func TestNormalize_ClampsAtPercentileBounds(t *testing.T) {
	s := NewSynthesizer(DefaultConfig(), nil)
	assert.Equal(t, 1.0, s.normalize("brand-a", MetricCTR, 0.5))
	assert.Equal(t, 0.0, s.normalize("brand-a", MetricCTR, 0.0001))
}

func TestSynthesize_StratumKeyPopulated(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := NewSynthesizer(DefaultConfig(), nil)
	raw := RawMetrics{
		ProductionID: "p6",
		Cohort:       "brand-a",
		Impressions:  5000,
		Clicks:       150,
		Objective:    "traffic",
		LaunchedAt:   launched(5, now),
		FunnelStage:  "tof",
		AudienceType: "broad",
		SpendTier:    "high",
	}
	rec := s.Synthesize(raw, now)
	require.NotNil(t, rec)
	assert.Equal(t, StratumKey{
		FunnelStage:  "tof",
		AudienceType: "broad",
		SpendTier:    "high",
		TimeBucket:   "2025-06",
	}, rec.StratumKey)
}
