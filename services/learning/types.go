// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"github.com/variantlab/creative-engine/services/learning/attribution"
	"github.com/variantlab/creative-engine/services/learning/bandit"
	"github.com/variantlab/creative-engine/services/learning/calibration"
	"github.com/variantlab/creative-engine/services/learning/experiment"
	"github.com/variantlab/creative-engine/services/learning/reward"
	"github.com/variantlab/creative-engine/services/learning/selection"
)

// ServiceVersion is the learning service version.
const ServiceVersion = "0.1.0"

// Selection tiers, reported so callers can see how hard the selector had
// to fall back.
const (
	TierStrict        = "strict"
	TierRelaxedGate   = "relaxed_gate"
	TierClearedFilter = "cleared_filter"
	TierExhausted     = "exhausted"
)

// SelectRequest asks for a weighted draw from a pre-fetched candidate
// pool.
type SelectRequest struct {
	// Context carries the cohort and per-call parameters. Cohort is
	// required.
	Context selection.Context `json:"context"`

	// Candidates is the caller's pre-fetched template pool.
	Candidates []selection.Candidate `json:"candidates"`

	// Count is how many candidates to draw.
	Count int `json:"count" validate:"gte=1"`

	// Seed drives the weighted draw; the same seed over the same pool
	// reproduces the draw.
	Seed int64 `json:"seed"`

	// AwarenessTarget is the funnel stage this round aims at.
	AwarenessTarget string `json:"awareness_target,omitempty"`
}

// SelectResponse carries the draw plus the learning state that shaped it.
type SelectResponse struct {
	Result selection.Result `json:"result"`

	// Tier reports which fallback level produced the result.
	Tier string `json:"tier"`

	// Weights is the effective scorer weight vector used, after
	// calibration.
	Weights map[string]float64 `json:"weights"`

	// ExplorationRate is the cohort's current exploration fraction.
	ExplorationRate float64 `json:"exploration_rate"`
}

// RegisterProductionRequest binds a launched production to the scorer
// contributions that selected its template, so the batch cycle can
// assign credit once outcomes mature.
type RegisterProductionRequest struct {
	Cohort        string             `json:"cohort" validate:"required"`
	ProductionID  string             `json:"production_id" validate:"required"`
	Contributions map[string]float64 `json:"contributions" validate:"required,min=1"`
}

// OutcomesRequest ingests a batch of raw outcome metrics from the ad
// platform sync.
type OutcomesRequest struct {
	Outcomes []reward.RawMetrics `json:"outcomes" validate:"required,min=1,dive"`
}

// ElementInsight is one element posterior summarized for the advisory
// surface.
type ElementInsight struct {
	Dimension    string  `json:"dimension"`
	Value        string  `json:"value"`
	Mean         float64 `json:"mean"`
	Observations float64 `json:"observations"`
}

// AdvisoryResponse summarizes what a cohort has learned. Everything in
// it except CausalEffects is correlational and labeled as such.
type AdvisoryResponse struct {
	Cohort string `json:"cohort"`

	// TopElements are the highest-mean element posteriors.
	TopElements []ElementInsight `json:"top_elements"`

	// StratifiedEffects are confounder-controlled effect estimates for
	// the top elements; pooled values are withheld on sign reversal.
	StratifiedEffects []attribution.ElementEffect `json:"stratified_effects,omitempty"`

	// Interactions are flagged element pairs deviating from
	// independence.
	Interactions []attribution.InteractionEffect `json:"interactions,omitempty"`

	// UntestedCombinations are promising pairs that have never run
	// together.
	UntestedCombinations []attribution.InteractionEffect `json:"untested_combinations,omitempty"`

	// CausalEffects are completed experiment results for this cohort.
	CausalEffects []experiment.CausalEffect `json:"causal_effects,omitempty"`

	// ExplorationRate is the cohort's current exploration fraction.
	ExplorationRate float64 `json:"exploration_rate"`

	// Observations is the cohort's total element observation count.
	Observations float64 `json:"observations"`
}

// ScorerCalibration reports one scorer's learned state.
type ScorerCalibration struct {
	Scorer          string            `json:"scorer"`
	StaticWeight    float64           `json:"static_weight"`
	EffectiveWeight float64           `json:"effective_weight"`
	Phase           calibration.Phase `json:"phase"`
}

// CalibrationResponse lists a cohort's scorer calibrations.
type CalibrationResponse struct {
	Cohort  string              `json:"cohort"`
	Scorers []ScorerCalibration `json:"scorers"`
}

// PriorResponse is a cold-start prior for one element.
type PriorResponse struct {
	Cohort  string `json:"cohort"`
	Element string `json:"element"`

	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
	Borrowed bool    `json:"borrowed"`
	Siblings int     `json:"siblings"`
}

// AssignRequest asks for a deterministic arm assignment in the cohort's
// running experiment.
type AssignRequest struct {
	Cohort     string `json:"cohort" validate:"required"`
	SubjectID  string `json:"subject_id" validate:"required"`
	CampaignID string `json:"campaign_id" validate:"required"`
}

// AssignResponse names the assigned arm; Assigned is false when no
// experiment is running.
type AssignResponse struct {
	Assigned     bool   `json:"assigned"`
	ExperimentID string `json:"experiment_id,omitempty"`
	ArmID        string `json:"arm_id,omitempty"`

	// HoldConstant echoes the pinned dimensions so the caller can honor
	// them during production.
	HoldConstant map[string]string `json:"hold_constant,omitempty"`

	// Variable and Value identify what the assigned arm varies.
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value,omitempty"`
}

// ExperimentOutcomeRequest records one unit-level outcome onto an arm.
type ExperimentOutcomeRequest struct {
	ArmID   string `json:"arm_id" validate:"required"`
	Success bool   `json:"success"`
}

// ErrorResponse is the error envelope for all learning endpoints.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// rewardThresholdSuccess converts a composite reward into the binary
// success flag attribution consumes, using the bandit's threshold so the
// two learners agree on what "worked" means.
func rewardThresholdSuccess(rec reward.Record, cfg bandit.Config) bool {
	return rec.Composite >= cfg.RewardThreshold
}
