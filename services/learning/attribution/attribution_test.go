// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package attribution

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeObs builds n observations with the given tags, success count, and
// stratum.
func makeObs(n, successes int, tags map[string]string, stratum string) []Observation {
	out := make([]Observation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Observation{
			ProductionID: fmt.Sprintf("%s-%d", stratum, i),
			Tags:         tags,
			Success:      i < successes,
			Stratum:      stratum,
		})
	}
	return out
}

func TestElementEffect_ConsistentAcrossStrata(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	var obs []Observation
	withTag := map[string]string{"hook": "question"}
	without := map[string]string{"hook": "statement"}
	// Three strata, element helps in all of them.
	for _, s := range []string{"tof/broad", "bof/broad", "tof/narrow"} {
		obs = append(obs, makeObs(20, 14, withTag, s)...)
		obs = append(obs, makeObs(20, 8, without, s)...)
	}

	eff := e.ElementEffect(obs, "hook", "question")
	assert.Equal(t, DirectionConsistent, eff.Direction)
	assert.Equal(t, 3, eff.AgreeingStrata)
	assert.InDelta(t, 0.3, eff.PooledEffect, 1e-9)
	assert.Equal(t, LabelCorrelational, eff.Label)
}

func TestElementEffect_ReversalFlaggedNotPooled(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	withTag := map[string]string{"hook": "question"}
	without := map[string]string{"hook": "statement"}
	var obs []Observation
	// Helps in two strata, hurts in one: classic Simpson setup.
	obs = append(obs, makeObs(20, 16, withTag, "s1")...)
	obs = append(obs, makeObs(20, 6, without, "s1")...)
	obs = append(obs, makeObs(20, 15, withTag, "s2")...)
	obs = append(obs, makeObs(20, 7, without, "s2")...)
	obs = append(obs, makeObs(20, 4, withTag, "s3")...)
	obs = append(obs, makeObs(20, 16, without, "s3")...)

	eff := e.ElementEffect(obs, "hook", "question")
	assert.Equal(t, DirectionReversing, eff.Direction)
	assert.Zero(t, eff.PooledEffect, "pooled effect must be withheld on reversal")
}

func TestElementEffect_InsufficientStrata(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	// Only one stratum with enough data on both sides.
	obs := append(
		makeObs(20, 14, map[string]string{"hook": "question"}, "only"),
		makeObs(20, 8, map[string]string{"hook": "statement"}, "only")...,
	)
	eff := e.ElementEffect(obs, "hook", "question")
	assert.Equal(t, DirectionInsufficient, eff.Direction)
}

func TestElementEffect_ThinStrataSkipped(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	// Stratum with 2 rows per side is below MinStratumSample and must not
	// contribute.
	obs := append(
		makeObs(2, 2, map[string]string{"hook": "question"}, "thin"),
		makeObs(2, 0, map[string]string{"hook": "statement"}, "thin")...,
	)
	eff := e.ElementEffect(obs, "hook", "question")
	assert.Empty(t, eff.Strata)
}

func TestInteractions_IndependentElementsHaveZeroEffect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapResamples = 500
	e := NewEngine(cfg, nil)

	// Construct exact independence: P(success)=0.5 globally, with tag A
	// present in half the rows and tag B in half the rows, all four
	// cells balanced. Joint success rate then equals
	// E[A]*E[B]/E[global] = 0.5*0.5/0.5 = 0.5.
	var obs []Observation
	id := 0
	for _, a := range []string{"question", "statement"} {
		for _, b := range []string{"ugc", "studio"} {
			for i := 0; i < 40; i++ {
				obs = append(obs, Observation{
					ProductionID: fmt.Sprintf("p%d", id),
					Tags:         map[string]string{"hook": a, "style": b},
					Success:      i%2 == 0,
					Stratum:      "s",
				})
				id++
			}
		}
	}

	results := e.Interactions(obs)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.InDelta(t, 0.0, r.EffectSize, 1e-9,
			"independent elements must show zero effect (%s/%s x %s/%s)",
			r.DimensionA, r.ValueA, r.DimensionB, r.ValueB)
		assert.LessOrEqual(t, r.CILow, 0.0)
		assert.GreaterOrEqual(t, r.CIHigh, 0.0)
	}
}

func TestInteractions_SynergyDetected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapResamples = 500
	e := NewEngine(cfg, nil)

	// question+ugc together succeed far above what independence predicts.
	var obs []Observation
	obs = append(obs, makeObs(40, 36, map[string]string{"hook": "question", "style": "ugc"}, "s")...)
	obs = append(obs, makeObs(40, 12, map[string]string{"hook": "question", "style": "studio"}, "s")...)
	obs = append(obs, makeObs(40, 12, map[string]string{"hook": "statement", "style": "ugc"}, "s")...)
	obs = append(obs, makeObs(40, 12, map[string]string{"hook": "statement", "style": "studio"}, "s")...)

	results := e.Interactions(obs)
	require.NotEmpty(t, results)
	var synergy *InteractionEffect
	for i := range results {
		if results[i].ValueA == "question" && results[i].ValueB == "ugc" {
			synergy = &results[i]
		}
	}
	require.NotNil(t, synergy, "question x ugc pair missing from results")
	assert.Greater(t, synergy.EffectSize, 0.05)
	assert.Greater(t, synergy.ObservedRate, synergy.ExpectedRate)
	assert.Equal(t, LabelCorrelational, synergy.Label)
}

func TestInteractions_CanonicalOrderNoMirrors(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	obs := append(
		makeObs(40, 20, map[string]string{"hook": "question", "style": "ugc"}, "s"),
		makeObs(40, 20, map[string]string{"hook": "statement", "style": "studio"}, "s")...,
	)
	results := e.Interactions(obs)
	seen := map[string]bool{}
	for _, r := range results {
		a := r.DimensionA + "/" + r.ValueA
		b := r.DimensionB + "/" + r.ValueB
		require.Less(t, a, b, "pair keys must be in canonical order")
		key := a + "|" + b
		require.False(t, seen[key], "duplicate pair %s", key)
		seen[key] = true
	}
}

func TestInteractions_MinSampleFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPairSample = 50
	e := NewEngine(cfg, nil)
	obs := makeObs(40, 20, map[string]string{"hook": "question", "style": "ugc"}, "s")
	assert.Empty(t, e.Interactions(obs), "pairs below the sample floor must be dropped")
}

func TestInteractions_DeterministicAcrossRuns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapResamples = 200
	e := NewEngine(cfg, nil)
	obs := append(
		makeObs(40, 30, map[string]string{"hook": "question", "style": "ugc"}, "s"),
		makeObs(40, 10, map[string]string{"hook": "statement", "style": "studio"}, "s")...,
	)
	first := e.Interactions(obs)
	second := e.Interactions(obs)
	assert.Equal(t, first, second, "same seed and data must reproduce identical results")
}

func TestUntestedCombinations(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	var obs []Observation
	// Both elements individually strong, but they never co-occur.
	obs = append(obs, makeObs(30, 24, map[string]string{"hook": "question", "style": "studio"}, "s")...)
	obs = append(obs, makeObs(30, 24, map[string]string{"hook": "statement", "style": "ugc"}, "s")...)
	obs = append(obs, makeObs(60, 12, map[string]string{"hook": "plain", "style": "plain"}, "s")...)

	out := e.UntestedCombinations(obs)
	found := false
	for _, r := range out {
		if r.ValueA == "question" && r.ValueB == "ugc" {
			found = true
			assert.Equal(t, 0, r.SampleCount)
		}
	}
	assert.True(t, found, "strong-but-untested pair should be suggested")
}
