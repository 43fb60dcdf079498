// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package selection implements weighted candidate scoring and sampling.
//
// The Selector scores a pool of creative templates with a set of pluggable
// scorers, gates out candidates that cannot be produced or analyzed, and
// draws a weighted-random subset without replacement. Selection is a pure,
// bounded computation: all inputs arrive pre-fetched, randomness comes from
// a caller-supplied seed, and "no eligible candidates" is a structured
// result, never an error.
//
// Fallback policy (relaxing the gate, clearing the category filter) is
// deliberately owned by the caller, not the Selector; see the learning
// service facade.
package selection

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
)

// Selector draws weighted-random candidate subsets.
//
// Thread Safety: Selector is stateless; a single instance is safe for
// concurrent use. Each Select call builds its own seeded random source.
type Selector struct {
	logger *slog.Logger
}

// NewSelector creates a Selector. A nil logger falls back to slog.Default().
func NewSelector(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{logger: logger}
}

// Request bundles the per-call selection parameters.
type Request struct {
	// Candidates is the pool fetched for this round.
	Candidates []Candidate

	// Context carries the per-call cohort parameters.
	Context Context

	// Scorers is the active scorer set. Required, non-empty.
	Scorers []Scorer

	// Weights maps scorer name to its weight. Missing scorers weigh 0.
	// Every present weight must be finite and non-negative.
	Weights map[string]float64

	// GateThreshold drops candidates whose asset-match score is below the
	// threshold. Zero disables the gate entirely.
	GateThreshold float64

	// Count is the number of candidates to draw.
	Count int

	// Seed drives the weighted draw. The same seed over the same inputs
	// yields an identical Result.
	Seed int64
}

// Select scores, gates, and samples a candidate subset.
//
// Description:
//
//	Runs the full selection pipeline:
//	 1. Validate the weight vector (finite, non-negative).
//	 2. Score every candidate with every scorer.
//	 3. Apply the asset/detection gate when GateThreshold > 0.
//	 4. Compute weighted composites, normalized to a probability
//	    distribution (uniform fallback when total weight or every
//	    composite is zero).
//	 5. Draw Count candidates without replacement, weighted, seeded.
//
// Outputs:
//
//	Result - Always populated, including for an empty outcome.
//	error  - ErrInvalidWeights or ErrNoScorers only. Empty pools and
//	         fully-gated pools are not errors.
func (s *Selector) Select(req Request) (Result, error) {
	if len(req.Scorers) == 0 {
		return Result{}, ErrNoScorers
	}
	for name, w := range req.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return Result{}, fmt.Errorf("%w: scorer %q weight %v", ErrInvalidWeights, name, w)
		}
	}

	res := Result{PoolBeforeGate: len(req.Candidates)}
	if len(req.Candidates) == 0 {
		res.Empty = true
		res.Reason = "candidate pool is empty"
		return res, nil
	}

	// Score every candidate with every scorer.
	scored := make([]ScoreBreakdown, len(req.Candidates))
	for i, c := range req.Candidates {
		scores := make(map[string]float64, len(req.Scorers))
		for _, sc := range req.Scorers {
			scores[sc.Name()] = clamp01(sc.Score(c, req.Context))
		}
		scored[i] = ScoreBreakdown{CandidateID: c.ID, Scores: scores}
	}

	// Gate on asset availability and detection coverage.
	kept := make([]int, 0, len(req.Candidates))
	for i, c := range req.Candidates {
		if req.GateThreshold > 0 {
			if scored[i].Scores[ScorerAssetMatch] < req.GateThreshold {
				continue
			}
			// A candidate without detection coverage would otherwise sail
			// through a strict gate on default scores.
			if !c.HasDetection {
				continue
			}
		}
		kept = append(kept, i)
	}
	res.PoolAfterGate = len(kept)
	if len(kept) == 0 {
		res.Empty = true
		res.Reason = fmt.Sprintf("no candidates passed gate (0/%d)", len(req.Candidates))
		return res, nil
	}

	// Composite: weighted average with weights normalized to sum 1.
	var totalWeight float64
	for _, sc := range req.Scorers {
		totalWeight += req.Weights[sc.Name()]
	}
	breakdowns := make([]ScoreBreakdown, len(kept))
	for j, i := range kept {
		b := scored[i]
		if totalWeight == 0 {
			// Zero total weight: composites are uniform for all candidates.
			b.Composite = 1.0 / float64(len(kept))
		} else {
			var composite float64
			for _, sc := range req.Scorers {
				composite += req.Weights[sc.Name()] / totalWeight * b.Scores[sc.Name()]
			}
			b.Composite = composite
		}
		breakdowns[j] = b
	}

	// Normalize composites into a probability distribution.
	var totalComposite float64
	for _, b := range breakdowns {
		totalComposite += b.Composite
	}
	nonzero := 0
	for j := range breakdowns {
		if totalComposite == 0 {
			breakdowns[j].Probability = 1.0 / float64(len(breakdowns))
		} else {
			breakdowns[j].Probability = breakdowns[j].Composite / totalComposite
		}
		if breakdowns[j].Probability > 0 {
			nonzero++
		}
	}
	res.Breakdowns = breakdowns

	// Clamp the draw count.
	count := req.Count
	if count > len(kept) {
		count = len(kept)
	}
	if count > nonzero {
		count = nonzero
	}
	if count < req.Count {
		s.logger.Warn("selection draw count clamped",
			"requested", req.Count,
			"drawn", count,
			"pool_after_gate", len(kept),
			"nonzero_probability", nonzero,
		)
	}
	if count <= 0 {
		res.Empty = true
		if req.Count <= 0 {
			res.Reason = "requested draw count is zero"
		} else {
			res.Reason = "no candidate holds positive selection probability"
		}
		return res, nil
	}

	// Weighted draw without replacement, seeded for reproducibility.
	rng := rand.New(rand.NewSource(req.Seed))
	chosenIdx := drawWithoutReplacement(rng, breakdowns, count)
	res.Chosen = make([]Candidate, 0, len(chosenIdx))
	for _, j := range chosenIdx {
		res.Chosen = append(res.Chosen, req.Candidates[kept[j]])
	}
	return res, nil
}

// drawWithoutReplacement draws count indexes from the breakdown slice,
// weighted by Probability, removing each winner's mass before the next
// draw. Ties in cumulative mass are resolved by index order, which is
// stable because breakdowns preserve pool order.
func drawWithoutReplacement(rng *rand.Rand, breakdowns []ScoreBreakdown, count int) []int {
	remaining := make([]int, len(breakdowns))
	weights := make([]float64, len(breakdowns))
	for j := range breakdowns {
		remaining[j] = j
		weights[j] = breakdowns[j].Probability
	}

	chosen := make([]int, 0, count)
	for len(chosen) < count && len(remaining) > 0 {
		var total float64
		for _, j := range remaining {
			total += weights[j]
		}
		if total <= 0 {
			break
		}
		target := rng.Float64() * total
		pick := len(remaining) - 1
		var cum float64
		for k, j := range remaining {
			cum += weights[j]
			if target < cum {
				pick = k
				break
			}
		}
		chosen = append(chosen, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	sort.Ints(chosen)
	return chosen
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
