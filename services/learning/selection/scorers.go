// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package selection

import (
	"math"
	"strings"
)

// Scorer evaluates one candidate against the selection context.
//
// Implementations must be pure functions of their inputs: every input a
// scorer needs is pre-fetched into the Candidate row or the Context, and a
// scorer must never perform I/O or keep hidden mutable state. Purity is
// what makes each scorer exhaustively testable in isolation and makes a
// whole selection round deterministic for a fixed seed.
type Scorer interface {
	// Name identifies the scorer. Names are stable keys: they appear in
	// score breakdowns, weight vectors, and calibration posteriors.
	Name() string

	// Score returns a value in [0, 1]. Higher is better.
	Score(c Candidate, ctx Context) float64
}

// Scorer name constants. The asset scorer's name is special: the gate
// threshold applies to its output.
const (
	ScorerAssetMatch = "asset_match"
	ScorerAwareness  = "awareness_match"
	ScorerAudience   = "audience_match"
	ScorerFreshness  = "freshness"
	ScorerElement    = "element_performance"
)

// =============================================================================
// Asset Match
// =============================================================================

// AssetMatchScorer scores the fraction of a candidate's required assets
// that are available in the context.
//
// A candidate with no required assets scores 1.0: it can always be
// produced. The gate interacts with this scorer by name (ScorerAssetMatch).
type AssetMatchScorer struct{}

// Name returns ScorerAssetMatch.
func (AssetMatchScorer) Name() string { return ScorerAssetMatch }

// Score returns matched/required, or 1.0 when nothing is required.
func (AssetMatchScorer) Score(c Candidate, ctx Context) float64 {
	if len(c.RequiredAssets) == 0 {
		return 1.0
	}
	matched := 0
	for _, tag := range c.RequiredAssets {
		if ctx.AvailableAssets[tag] {
			matched++
		}
	}
	return float64(matched) / float64(len(c.RequiredAssets))
}

// =============================================================================
// Awareness Match
// =============================================================================

// AwarenessMatchScorer scores how well the candidate's declared awareness
// level fits the context's funnel position.
//
// The awareness ladder is ordered; adjacent levels are partial matches.
type AwarenessMatchScorer struct {
	// Target is the awareness level the caller wants to address. Empty
	// means "no preference" and every candidate scores 1.0.
	Target string
}

// awarenessLadder orders awareness levels from coldest to warmest.
var awarenessLadder = map[string]int{
	"unaware":        0,
	"problem_aware":  1,
	"solution_aware": 2,
	"product_aware":  3,
	"most_aware":     4,
}

// Name returns ScorerAwareness.
func (s AwarenessMatchScorer) Name() string { return ScorerAwareness }

// Score returns 1.0 for an exact level match, 0.5 for an adjacent level,
// and 0.1 otherwise. Unknown levels score a neutral 0.5 rather than 0 so a
// mislabeled template is dampened, not excluded.
func (s AwarenessMatchScorer) Score(c Candidate, _ Context) float64 {
	if s.Target == "" {
		return 1.0
	}
	want, okW := awarenessLadder[strings.ToLower(s.Target)]
	have, okH := awarenessLadder[strings.ToLower(c.AwarenessLevel)]
	if !okW || !okH {
		return 0.5
	}
	switch d := abs(want - have); d {
	case 0:
		return 1.0
	case 1:
		return 0.5
	default:
		return 0.1
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// =============================================================================
// Audience Match
// =============================================================================

// AudienceMatchScorer scores whether the candidate's declared audience tag
// appears among the context personas.
type AudienceMatchScorer struct{}

// Name returns ScorerAudience.
func (AudienceMatchScorer) Name() string { return ScorerAudience }

// Score returns 1.0 on a persona match, 0.5 when the context declares no
// personas (neutral), and 0.2 on a mismatch.
func (AudienceMatchScorer) Score(c Candidate, ctx Context) float64 {
	if len(ctx.Personas) == 0 {
		return 0.5
	}
	tag := strings.ToLower(c.AudienceTag)
	for _, p := range ctx.Personas {
		if strings.ToLower(p) == tag {
			return 1.0
		}
	}
	return 0.2
}

// =============================================================================
// Freshness
// =============================================================================

// FreshnessScorer favors templates that have been produced less often,
// keeping the pool from collapsing onto a few over-used winners.
type FreshnessScorer struct {
	// HalfLife is the usage count at which the score decays to 0.5.
	// Zero means the default of 5.
	HalfLife float64
}

// Name returns ScorerFreshness.
func (s FreshnessScorer) Name() string { return ScorerFreshness }

// Score returns exp(-usage * ln2 / halfLife), so an unused template scores
// 1.0 and the score halves every HalfLife uses.
func (s FreshnessScorer) Score(c Candidate, _ Context) float64 {
	hl := s.HalfLife
	if hl <= 0 {
		hl = 5
	}
	return math.Exp(-float64(c.UsageCount) * math.Ln2 / hl)
}

// =============================================================================
// Element Performance
// =============================================================================

// PosteriorSource supplies posterior-mean element scores for a cohort.
//
// The bandit package implements this. Means, not fresh Thompson samples,
// are used here so identical inputs yield identical scores within one
// selection round.
type PosteriorSource interface {
	PosteriorMean(cohort, dimension, value string) float64
}

// ElementScorer scores a candidate by the average posterior mean of its
// element tags.
//
// Element posteriors are learned from matured rewards; a candidate whose
// tags have no observations yet scores the uniform prior mean (0.5), so
// unknown elements are neither promoted nor punished.
type ElementScorer struct {
	Source PosteriorSource
}

// Name returns ScorerElement.
func (s ElementScorer) Name() string { return ScorerElement }

// Score averages the posterior means over the candidate's element tags.
func (s ElementScorer) Score(c Candidate, ctx Context) float64 {
	if s.Source == nil || len(c.ElementTags) == 0 {
		return 0.5
	}
	var sum float64
	for dim, val := range c.ElementTags {
		sum += s.Source.PosteriorMean(ctx.Cohort, dim, val)
	}
	return sum / float64(len(c.ElementTags))
}

// DefaultScorers returns the standard scorer set with the given posterior
// source and awareness target.
func DefaultScorers(src PosteriorSource, awarenessTarget string) []Scorer {
	return []Scorer{
		AssetMatchScorer{},
		AwarenessMatchScorer{Target: awarenessTarget},
		AudienceMatchScorer{},
		FreshnessScorer{},
		ElementScorer{Source: src},
	}
}
