// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package selection

import "time"

// Candidate is a selectable creative template.
//
// A Candidate is immutable once fetched for a selection round. All scoring
// features are pre-joined by the caller (one query, no follow-up fetches),
// so scorers never perform I/O.
//
// Thread Safety: Candidates are value types and safe to share once built.
type Candidate struct {
	// ID uniquely identifies the template.
	ID string `json:"id"`

	// Category is the creative category (e.g. "ugc", "static", "carousel").
	Category string `json:"category"`

	// AwarenessLevel is the funnel awareness stage this template targets.
	AwarenessLevel string `json:"awareness_level"`

	// AudienceTag is the declared audience segment.
	AudienceTag string `json:"audience_tag"`

	// HasDetection reports whether the template has been analyzed for
	// element detection. Candidates without detection coverage are dropped
	// by a strict gate so an un-analyzed template cannot bypass it with a
	// default perfect score.
	HasDetection bool `json:"has_detection"`

	// RequiredAssets lists the asset tags the template needs to render.
	RequiredAssets []string `json:"required_assets"`

	// UsageCount is how many productions have already used this template.
	UsageCount int `json:"usage_count"`

	// ElementTags are the creative element values carried by this template,
	// keyed by dimension (e.g. "hook" -> "question").
	ElementTags map[string]string `json:"element_tags,omitempty"`

	// CreatedAt is when the template entered the pool.
	CreatedAt time.Time `json:"created_at"`
}

// Context carries the per-call parameters of one selection round.
//
// A Context is created once per call and treated as read-only by all
// scorers and by the Selector.
type Context struct {
	// Cohort is the learning isolation boundary (one brand).
	Cohort string `json:"cohort"`

	// SubCohort optionally narrows to one product.
	SubCohort string `json:"sub_cohort,omitempty"`

	// AvailableAssets is the prefetched set of asset tags the caller can
	// supply for generation.
	AvailableAssets map[string]bool `json:"available_assets"`

	// Personas are optional audience descriptors for this round.
	Personas []string `json:"personas,omitempty"`

	// CategoryFilter restricts the pool to one category when non-empty.
	CategoryFilter string `json:"category_filter,omitempty"`

	// RichSignals reports whether ad-platform level outcome signals are
	// available for this cohort. Some scorers trust learned posteriors
	// more when richer feedback exists.
	RichSignals bool `json:"rich_signals"`
}

// ScoreBreakdown records every scorer's output for one candidate.
type ScoreBreakdown struct {
	CandidateID string             `json:"candidate_id"`
	Scores      map[string]float64 `json:"scores"`
	Composite   float64            `json:"composite"`
	Probability float64            `json:"probability"`
}

// Result is the outcome of one selection call.
//
// Selection never fails on "no eligible candidates": it reports the
// situation structurally via Empty and Reason instead of returning an
// error. Only configuration mistakes (invalid weights) produce errors.
type Result struct {
	// Chosen holds the selected candidates, possibly empty.
	Chosen []Candidate `json:"chosen"`

	// Breakdowns holds the per-scorer score detail for every candidate
	// that survived gating, parallel to the scored pool (not just the
	// chosen subset).
	Breakdowns []ScoreBreakdown `json:"breakdowns"`

	// Empty is true when no candidate could be selected.
	Empty bool `json:"empty"`

	// Reason is human-readable and non-empty only when Empty is true.
	Reason string `json:"reason,omitempty"`

	// PoolBeforeGate is the candidate count entering the gate.
	PoolBeforeGate int `json:"pool_before_gate"`

	// PoolAfterGate is the candidate count surviving the gate.
	PoolAfterGate int `json:"pool_after_gate"`
}
