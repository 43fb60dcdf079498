// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reward converts raw production outcome metrics into a single
// bounded composite reward, gated by a per-metric maturation policy.
//
// A metric is trusted only once both a minimum elapsed time and a minimum
// impression volume are satisfied. If no metric is mature, synthesis
// returns nothing and the caller must not fabricate a reward. Composite
// weighting is selected by the declared campaign objective; an unknown
// objective falls back to equal weights rather than failing.
package reward

import (
	"log/slog"
	"time"
)

// Metric names used in maturation policies, baselines, and weight vectors.
const (
	MetricCTR  = "ctr"  // clicks / impressions
	MetricCVR  = "cvr"  // conversions / clicks
	MetricCPA  = "cpa"  // spend / conversions (inverted on normalize)
	MetricROAS = "roas" // revenue / spend
	MetricHold = "hold" // conversions / impressions (slow proxy)
)

// RawMetrics is one production's outcome feed row.
type RawMetrics struct {
	ProductionID  string            `json:"production_id"`
	Cohort        string            `json:"cohort"`
	Impressions   int64             `json:"impressions"`
	Clicks        int64             `json:"clicks"`
	Conversions   int64             `json:"conversions"`
	SpendMicros   int64             `json:"spend_micros"`
	RevenueMicros int64             `json:"revenue_micros"`
	Objective     string            `json:"objective"`
	ElementTags   map[string]string `json:"element_tags,omitempty"`
	LaunchedAt    time.Time         `json:"launched_at"`

	// Stratum fields feed the attribution engine's confounder buckets.
	FunnelStage  string `json:"funnel_stage"`
	AudienceType string `json:"audience_type"`
	SpendTier    string `json:"spend_tier"`
}

// Record is the finalized composite reward for one production.
//
// A Record is immutable once the maturation gate has passed; the store
// upserts it keyed by production id, so re-synthesis with unchanged inputs
// is a no-op and re-synthesis after new data replaces the prior record.
type Record struct {
	ProductionID string             `json:"production_id"`
	Cohort       string             `json:"cohort"`
	Objective    string             `json:"objective"`
	Composite    float64            `json:"composite"`
	Normalized   map[string]float64 `json:"normalized"`
	ElementTags  map[string]string  `json:"element_tags,omitempty"`
	StratumKey   StratumKey         `json:"stratum_key"`
	MaturedAt    time.Time          `json:"matured_at"`
}

// StratumKey is the tuple of coarse categorical buckets a production falls
// into, used for confounder-controlled comparisons.
type StratumKey struct {
	FunnelStage  string `json:"funnel_stage"`
	AudienceType string `json:"audience_type"`
	SpendTier    string `json:"spend_tier"`
	TimeBucket   string `json:"time_bucket"`
}

// MaturationRule gates one metric on elapsed time and impression volume.
type MaturationRule struct {
	MinElapsed     time.Duration `json:"min_elapsed" yaml:"min_elapsed"`
	MinImpressions int64         `json:"min_impressions" yaml:"min_impressions"`
}

// Baseline holds a cohort's percentile bounds for one metric. Values
// outside the bounds are clamped during normalization.
type Baseline struct {
	P5  float64 `json:"p5" yaml:"p5"`
	P95 float64 `json:"p95" yaml:"p95"`

	// Invert marks cost-like metrics (lower is better), e.g. CPA.
	Invert bool `json:"invert" yaml:"invert"`
}

// Config tunes the Synthesizer.
type Config struct {
	// Maturation maps metric name to its gate. Fast metrics (CTR) mature
	// quicker than slow ones (hold-out conversions).
	Maturation map[string]MaturationRule `json:"maturation" yaml:"maturation"`

	// Baselines maps metric name to the cohort-default percentile bounds.
	// Cohort-specific overrides are keyed "cohort/metric".
	Baselines map[string]Baseline `json:"baselines" yaml:"baselines"`

	// ObjectiveWeights maps campaign objective to a metric weight vector.
	ObjectiveWeights map[string]map[string]float64 `json:"objective_weights" yaml:"objective_weights"`
}

// DefaultConfig returns the standard maturation gates, baselines, and
// objective weight vectors.
func DefaultConfig() Config {
	return Config{
		Maturation: map[string]MaturationRule{
			MetricCTR:  {MinElapsed: 24 * time.Hour, MinImpressions: 250},
			MetricCVR:  {MinElapsed: 3 * 24 * time.Hour, MinImpressions: 500},
			MetricCPA:  {MinElapsed: 3 * 24 * time.Hour, MinImpressions: 500},
			MetricROAS: {MinElapsed: 7 * 24 * time.Hour, MinImpressions: 1000},
			MetricHold: {MinElapsed: 7 * 24 * time.Hour, MinImpressions: 1000},
		},
		Baselines: map[string]Baseline{
			MetricCTR:  {P5: 0.002, P95: 0.04},
			MetricCVR:  {P5: 0.005, P95: 0.10},
			MetricCPA:  {P5: 5, P95: 120, Invert: true},
			MetricROAS: {P5: 0.2, P95: 4.0},
			MetricHold: {P5: 0.0001, P95: 0.005},
		},
		ObjectiveWeights: map[string]map[string]float64{
			"conversions": {MetricCVR: 0.35, MetricCPA: 0.25, MetricROAS: 0.3, MetricCTR: 0.1},
			"traffic":     {MetricCTR: 0.6, MetricCVR: 0.2, MetricROAS: 0.2},
			"revenue":     {MetricROAS: 0.5, MetricCPA: 0.2, MetricCVR: 0.2, MetricCTR: 0.1},
		},
	}
}

// Synthesizer turns raw metrics into composite reward records.
//
// Thread Safety: Synthesizer is read-only after construction and safe for
// concurrent use.
type Synthesizer struct {
	cfg    Config
	logger *slog.Logger
}

// NewSynthesizer creates a Synthesizer with the given config. A zero-value
// Config is replaced by DefaultConfig().
func NewSynthesizer(cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.Maturation == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{cfg: cfg, logger: logger}
}

// Synthesize computes the composite reward for one production.
//
// Description:
//
//	Derives per-metric rates from the raw counters, drops every metric
//	whose maturation gate (elapsed time + impressions) has not passed,
//	normalizes the survivors against cohort baselines, and folds them
//	into a weighted composite in [0, 1].
//
// Outputs:
//
//	*Record - nil when no metric is mature; the caller must not fabricate
//	          a reward in that case.
func (s *Synthesizer) Synthesize(raw RawMetrics, now time.Time) *Record {
	elapsed := now.Sub(raw.LaunchedAt)
	derived := s.deriveRates(raw)

	normalized := make(map[string]float64)
	for name, value := range derived {
		rule, ok := s.cfg.Maturation[name]
		if !ok {
			continue
		}
		if elapsed < rule.MinElapsed || raw.Impressions < rule.MinImpressions {
			continue
		}
		normalized[name] = s.normalize(raw.Cohort, name, value)
	}
	if len(normalized) == 0 {
		return nil
	}

	weights, ok := s.cfg.ObjectiveWeights[raw.Objective]
	if !ok {
		// Unknown objective: equal weights over the mature metrics.
		s.logger.Warn("unknown campaign objective, using equal metric weights",
			"production_id", raw.ProductionID, "objective", raw.Objective)
		weights = make(map[string]float64, len(normalized))
		for name := range normalized {
			weights[name] = 1
		}
	}

	var composite, totalWeight float64
	for name, norm := range normalized {
		w := weights[name]
		composite += w * norm
		totalWeight += w
	}
	if totalWeight > 0 {
		composite /= totalWeight
	}

	return &Record{
		ProductionID: raw.ProductionID,
		Cohort:       raw.Cohort,
		Objective:    raw.Objective,
		Composite:    composite,
		Normalized:   normalized,
		ElementTags:  raw.ElementTags,
		StratumKey: StratumKey{
			FunnelStage:  raw.FunnelStage,
			AudienceType: raw.AudienceType,
			SpendTier:    raw.SpendTier,
			TimeBucket:   raw.LaunchedAt.UTC().Format("2006-01"),
		},
		MaturedAt: now.UTC(),
	}
}

// deriveRates computes the rate metrics present in the raw counters.
// Division by zero denominators simply omits the metric.
func (s *Synthesizer) deriveRates(raw RawMetrics) map[string]float64 {
	rates := make(map[string]float64, 5)
	if raw.Impressions > 0 {
		rates[MetricCTR] = float64(raw.Clicks) / float64(raw.Impressions)
		rates[MetricHold] = float64(raw.Conversions) / float64(raw.Impressions)
	}
	if raw.Clicks > 0 {
		rates[MetricCVR] = float64(raw.Conversions) / float64(raw.Clicks)
	}
	if raw.Conversions > 0 {
		rates[MetricCPA] = float64(raw.SpendMicros) / 1e6 / float64(raw.Conversions)
	}
	if raw.SpendMicros > 0 {
		rates[MetricROAS] = float64(raw.RevenueMicros) / float64(raw.SpendMicros)
	}
	return rates
}

// normalize maps a raw metric value to [0, 1] against the cohort baseline
// percentiles, clamping values outside the 5th/95th bounds. Cost-like
// metrics are inverted so higher always means better.
func (s *Synthesizer) normalize(cohort, metric string, value float64) float64 {
	base, ok := s.cfg.Baselines[cohort+"/"+metric]
	if !ok {
		base, ok = s.cfg.Baselines[metric]
	}
	if !ok || base.P95 <= base.P5 {
		return 0.5
	}
	norm := (value - base.P5) / (base.P95 - base.P5)
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	if base.Invert {
		norm = 1 - norm
	}
	return norm
}
