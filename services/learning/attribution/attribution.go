// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package attribution computes confounder-aware effect estimates from
// observational outcome data.
//
// Two analyses are provided: stratified single-element effects (guarding
// against Simpson's-paradox pooling by requiring sign agreement across
// strata) and pairwise interaction effects with bootstrapped confidence
// intervals. Every output is labeled correlational; only a completed
// experiment may claim causality.
package attribution

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
)

// LabelCorrelational marks every attribution output. See the experiment
// package for the only source of causal labels.
const LabelCorrelational = "correlational"

// Observation is one unit-level outcome row: the element tags the
// production carried, a binary success flag, and the stratum it belongs
// to. Strata are pre-joined coarse categorical buckets (funnel stage x
// audience type x spend tier x time bucket).
type Observation struct {
	ProductionID string            `json:"production_id"`
	Tags         map[string]string `json:"tags"`
	Success      bool              `json:"success"`
	Stratum      string            `json:"stratum"`
}

// Direction classifies how an element's effect behaves across strata.
type Direction string

const (
	// DirectionConsistent means the effect sign agrees in enough strata
	// to justify a pooled estimate.
	DirectionConsistent Direction = "consistent"

	// DirectionReversing means the effect changes sign across strata; the
	// pooled estimate is withheld (Simpson guard).
	DirectionReversing Direction = "reversing"

	// DirectionInsufficient means too few strata had enough data.
	DirectionInsufficient Direction = "insufficient"
)

// StratumEffect is the element effect inside one stratum.
type StratumEffect struct {
	Stratum      string  `json:"stratum"`
	WithRate     float64 `json:"with_rate"`
	WithoutRate  float64 `json:"without_rate"`
	Effect       float64 `json:"effect"`
	SampleWith   int     `json:"sample_with"`
	SampleAbsent int     `json:"sample_absent"`
}

// ElementEffect is the stratified effect estimate for one element value.
type ElementEffect struct {
	Dimension string          `json:"dimension"`
	Value     string          `json:"value"`
	Strata    []StratumEffect `json:"strata"`
	Direction Direction       `json:"direction"`

	// PooledEffect is populated only when Direction is consistent.
	PooledEffect float64 `json:"pooled_effect"`

	// AgreeingStrata is how many qualifying strata share the pooled sign.
	AgreeingStrata int `json:"agreeing_strata"`

	Label string `json:"label"`
}

// InteractionEffect measures whether two element values together deviate
// from independence. Keys are held in canonical (lexicographic) order so
// mirrored pairs never produce duplicate rows.
type InteractionEffect struct {
	DimensionA string `json:"dimension_a"`
	ValueA     string `json:"value_a"`
	DimensionB string `json:"dimension_b"`
	ValueB     string `json:"value_b"`

	// ObservedRate is the joint success rate where both elements occur.
	ObservedRate float64 `json:"observed_rate"`

	// ExpectedRate is E[A] * E[B] / E[global], the joint rate implied by
	// independence.
	ExpectedRate float64 `json:"expected_rate"`

	// EffectSize is ObservedRate - ExpectedRate.
	EffectSize float64 `json:"effect_size"`

	// CILow/CIHigh bound the bootstrap 95% confidence interval.
	CILow  float64 `json:"ci_low"`
	CIHigh float64 `json:"ci_high"`

	SampleCount int    `json:"sample_count"`
	Label       string `json:"label"`
}

// Config tunes the attribution engine.
type Config struct {
	// MinStratumSample is the minimum rows (on each side) a stratum needs
	// to contribute an effect.
	MinStratumSample int `json:"min_stratum_sample" yaml:"min_stratum_sample"`

	// MinAgreeingStrata is how many strata must share a sign before a
	// pooled effect is reported.
	MinAgreeingStrata int `json:"min_agreeing_strata" yaml:"min_agreeing_strata"`

	// MinPairSample is the minimum joint occurrences for an interaction
	// row to be retained.
	MinPairSample int `json:"min_pair_sample" yaml:"min_pair_sample"`

	// BootstrapResamples is the bootstrap iteration count for interaction
	// confidence intervals.
	BootstrapResamples int `json:"bootstrap_resamples" yaml:"bootstrap_resamples"`

	// TopK caps the retained interaction rows, ranked by |effect size|.
	TopK int `json:"top_k" yaml:"top_k"`

	// Seed drives bootstrap resampling, for reproducible batch runs.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the documented defaults (1000 bootstrap
// resamples).
func DefaultConfig() Config {
	return Config{
		MinStratumSample:   5,
		MinAgreeingStrata:  3,
		MinPairSample:      10,
		BootstrapResamples: 1000,
		TopK:               20,
		Seed:               1,
	}
}

// Engine runs the attribution analyses. Results are recomputed wholesale
// on each batch run, never incrementally mutated.
//
// Thread Safety: Engine methods take their dataset as input and share no
// state; a single Engine is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine. A zero-value Config is replaced by
// DefaultConfig().
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.BootstrapResamples == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// =============================================================================
// Stratified element effects
// =============================================================================

// ElementEffect computes the stratified effect of carrying one element
// value, comparing success rates with and without the element inside each
// stratum independently.
//
// A pooled (sample-weighted) effect is reported only when at least
// MinAgreeingStrata qualifying strata agree in sign. A sign reversal
// across strata is flagged as DirectionReversing and the pooled estimate
// withheld rather than averaged away.
func (e *Engine) ElementEffect(obs []Observation, dimension, value string) ElementEffect {
	byStratum := make(map[string][]Observation)
	for _, o := range obs {
		byStratum[o.Stratum] = append(byStratum[o.Stratum], o)
	}
	strata := make([]string, 0, len(byStratum))
	for s := range byStratum {
		strata = append(strata, s)
	}
	sort.Strings(strata)

	out := ElementEffect{
		Dimension: dimension,
		Value:     value,
		Label:     LabelCorrelational,
	}

	positives, negatives := 0, 0
	var weightedSum, weightTotal float64
	for _, s := range strata {
		rows := byStratum[s]
		var withN, withSucc, absentN, absentSucc int
		for _, o := range rows {
			if o.Tags[dimension] == value {
				withN++
				if o.Success {
					withSucc++
				}
			} else {
				absentN++
				if o.Success {
					absentSucc++
				}
			}
		}
		if withN < e.cfg.MinStratumSample || absentN < e.cfg.MinStratumSample {
			continue
		}
		se := StratumEffect{
			Stratum:      s,
			WithRate:     float64(withSucc) / float64(withN),
			WithoutRate:  float64(absentSucc) / float64(absentN),
			SampleWith:   withN,
			SampleAbsent: absentN,
		}
		se.Effect = se.WithRate - se.WithoutRate
		out.Strata = append(out.Strata, se)

		if se.Effect > 0 {
			positives++
		} else if se.Effect < 0 {
			negatives++
		}
		w := float64(withN + absentN)
		weightedSum += se.Effect * w
		weightTotal += w
	}

	switch {
	case positives >= e.cfg.MinAgreeingStrata && negatives == 0:
		out.Direction = DirectionConsistent
		out.AgreeingStrata = positives
		out.PooledEffect = weightedSum / weightTotal
	case negatives >= e.cfg.MinAgreeingStrata && positives == 0:
		out.Direction = DirectionConsistent
		out.AgreeingStrata = negatives
		out.PooledEffect = weightedSum / weightTotal
	case positives > 0 && negatives > 0:
		out.Direction = DirectionReversing
		e.logger.Warn("element effect reverses across strata, pooling withheld",
			"dimension", dimension, "value", value,
			"positive_strata", positives, "negative_strata", negatives)
	default:
		out.Direction = DirectionInsufficient
	}
	return out
}

// =============================================================================
// Interaction detection
// =============================================================================

// pairKey identifies one (dimension, value) element.
type pairKey struct {
	Dimension string
	Value     string
}

func (k pairKey) less(o pairKey) bool {
	if k.Dimension != o.Dimension {
		return k.Dimension < o.Dimension
	}
	return k.Value < o.Value
}

// Interactions computes pairwise interaction effects over the dataset.
//
// Description:
//
//	For every canonical pair of elements from different dimensions,
//	compares the observed joint success rate against the rate expected
//	under independence (E[A]*E[B]/E[global]). Confidence intervals come
//	from bootstrap resampling of the observation set. Pairs below
//	MinPairSample joint occurrences are dropped; the survivors are
//	ranked by |effect size| and capped at TopK.
//
// Outputs:
//
//	[]InteractionEffect - Sorted by |effect size| descending.
func (e *Engine) Interactions(obs []Observation) []InteractionEffect {
	if len(obs) == 0 {
		return nil
	}

	globalRate := successRate(obs, func(Observation) bool { return true })
	if globalRate == 0 {
		return nil
	}

	pairs := e.collectPairs(obs)
	results := make([]InteractionEffect, 0, len(pairs))
	for _, pr := range pairs {
		jointN := 0
		for _, o := range obs {
			if o.Tags[pr.a.Dimension] == pr.a.Value && o.Tags[pr.b.Dimension] == pr.b.Value {
				jointN++
			}
		}
		if jointN < e.cfg.MinPairSample {
			continue
		}

		effect, observed, expected := interactionEffect(obs, pr.a, pr.b, globalRate)
		low, high := e.bootstrapCI(obs, pr.a, pr.b)
		results = append(results, InteractionEffect{
			DimensionA:   pr.a.Dimension,
			ValueA:       pr.a.Value,
			DimensionB:   pr.b.Dimension,
			ValueB:       pr.b.Value,
			ObservedRate: observed,
			ExpectedRate: expected,
			EffectSize:   effect,
			CILow:        low,
			CIHigh:       high,
			SampleCount:  jointN,
			Label:        LabelCorrelational,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		ai, aj := math.Abs(results[i].EffectSize), math.Abs(results[j].EffectSize)
		if ai != aj {
			return ai > aj
		}
		// Stable order for equal effects.
		ki := results[i].DimensionA + results[i].ValueA + results[i].DimensionB + results[i].ValueB
		kj := results[j].DimensionA + results[j].ValueA + results[j].DimensionB + results[j].ValueB
		return ki < kj
	})
	if len(results) > e.cfg.TopK {
		results = results[:e.cfg.TopK]
	}
	return results
}

type elementPair struct {
	a, b pairKey
}

// collectPairs enumerates every canonical cross-dimension element pair
// present in the dataset, in deterministic order.
func (e *Engine) collectPairs(obs []Observation) []elementPair {
	seen := make(map[elementPair]bool)
	for _, o := range obs {
		keys := make([]pairKey, 0, len(o.Tags))
		for dim, val := range o.Tags {
			keys = append(keys, pairKey{Dimension: dim, Value: val})
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				if keys[i].Dimension == keys[j].Dimension {
					continue
				}
				seen[elementPair{a: keys[i], b: keys[j]}] = true
			}
		}
	}
	pairs := make([]elementPair, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a.less(pairs[j].a)
		}
		return pairs[i].b.less(pairs[j].b)
	})
	return pairs
}

// crossDimensionPairs enumerates every canonical pair formed by crossing
// all observed element values across different dimensions, co-occurring
// or not.
func (e *Engine) crossDimensionPairs(obs []Observation) []elementPair {
	values := make(map[pairKey]bool)
	for _, o := range obs {
		for dim, val := range o.Tags {
			values[pairKey{Dimension: dim, Value: val}] = true
		}
	}
	keys := make([]pairKey, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	pairs := make([]elementPair, 0)
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[i].Dimension == keys[j].Dimension {
				continue
			}
			pairs = append(pairs, elementPair{a: keys[i], b: keys[j]})
		}
	}
	return pairs
}

// interactionEffect computes observed joint rate, independence-expected
// rate, and their difference over one dataset.
func interactionEffect(obs []Observation, a, b pairKey, globalRate float64) (effect, observed, expected float64) {
	hasA := func(o Observation) bool { return o.Tags[a.Dimension] == a.Value }
	hasB := func(o Observation) bool { return o.Tags[b.Dimension] == b.Value }
	observed = successRate(obs, func(o Observation) bool { return hasA(o) && hasB(o) })
	expected = successRate(obs, hasA) * successRate(obs, hasB) / globalRate
	return observed - expected, observed, expected
}

// bootstrapCI resamples the observation set with replacement, recomputes
// the interaction effect each time, and returns the empirical 2.5/97.5
// percentiles.
func (e *Engine) bootstrapCI(obs []Observation, a, b pairKey) (low, high float64) {
	rng := rand.New(rand.NewSource(e.cfg.Seed))
	effects := make([]float64, 0, e.cfg.BootstrapResamples)
	resample := make([]Observation, len(obs))
	for i := 0; i < e.cfg.BootstrapResamples; i++ {
		for j := range resample {
			resample[j] = obs[rng.Intn(len(obs))]
		}
		g := successRate(resample, func(Observation) bool { return true })
		if g == 0 {
			continue
		}
		eff, _, _ := interactionEffect(resample, a, b, g)
		effects = append(effects, eff)
	}
	if len(effects) == 0 {
		return 0, 0
	}
	sort.Float64s(effects)
	return percentile(effects, 0.025), percentile(effects, 0.975)
}

// percentile returns the q-th empirical percentile of sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// successRate computes the success fraction of rows matching the filter.
// Returns 0 when no rows match.
func successRate(obs []Observation, match func(Observation) bool) float64 {
	n, succ := 0, 0
	for _, o := range obs {
		if match(o) {
			n++
			if o.Success {
				succ++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return float64(succ) / float64(n)
}

// UntestedCombinations returns high-potential element pairs that have
// never (or rarely) co-occurred: both elements individually beat the
// global success rate but the pair has fewer than MinPairSample joint
// rows. These feed the advisory context as exploration suggestions, never
// hard constraints.
func (e *Engine) UntestedCombinations(obs []Observation) []InteractionEffect {
	if len(obs) == 0 {
		return nil
	}
	globalRate := successRate(obs, func(Observation) bool { return true })
	if globalRate == 0 {
		return nil
	}
	// Unlike Interactions, the candidate set here is the full cross
	// product of observed values: a pair that never co-occurred is
	// exactly what we are looking for.
	pairs := e.crossDimensionPairs(obs)
	out := make([]InteractionEffect, 0)
	for _, pr := range pairs {
		jointN := 0
		for _, o := range obs {
			if o.Tags[pr.a.Dimension] == pr.a.Value && o.Tags[pr.b.Dimension] == pr.b.Value {
				jointN++
			}
		}
		if jointN >= e.cfg.MinPairSample {
			continue
		}
		rateA := successRate(obs, func(o Observation) bool { return o.Tags[pr.a.Dimension] == pr.a.Value })
		rateB := successRate(obs, func(o Observation) bool { return o.Tags[pr.b.Dimension] == pr.b.Value })
		if rateA <= globalRate || rateB <= globalRate {
			continue
		}
		out = append(out, InteractionEffect{
			DimensionA:   pr.a.Dimension,
			ValueA:       pr.a.Value,
			DimensionB:   pr.b.Dimension,
			ValueB:       pr.b.Value,
			ExpectedRate: rateA * rateB / globalRate,
			SampleCount:  jointN,
			Label:        LabelCorrelational,
		})
	}
	return out
}
