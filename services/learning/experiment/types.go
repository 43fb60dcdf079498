// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experiment

import (
	"errors"
	"time"
)

// State is an experiment's lifecycle stage.
//
// Transitions: draft -> running -> analyzing -> {completed, inconclusive,
// cancelled}. The running -> analyzing transition is idempotent so
// concurrent analysis triggers cannot double-count; an analysis pass that
// reaches no verdict returns the experiment to running.
type State string

const (
	StateDraft        State = "draft"
	StateRunning      State = "running"
	StateAnalyzing    State = "analyzing"
	StateCompleted    State = "completed"
	StateInconclusive State = "inconclusive"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInconclusive || s == StateCancelled
}

// Arm is one experiment variant. Exactly one arm per experiment is the
// control. Outcome counters are cumulative and unit-level: one impression
// per subject, one success per converting subject.
type Arm struct {
	ID           string `json:"id"`
	Name         string `json:"name" validate:"required"`
	Value        string `json:"value" validate:"required"`
	IsControl    bool   `json:"is_control"`
	SplitPercent int    `json:"split_percent" validate:"gte=1,lte=99"`

	Impressions int64 `json:"impressions"`
	Successes   int64 `json:"successes"`

	// ProbBest is the most recent Monte Carlo P(best) estimate.
	ProbBest float64 `json:"prob_best"`
}

// Rate returns the arm's observed success rate, 0 when unobserved.
func (a Arm) Rate() float64 {
	if a.Impressions == 0 {
		return 0
	}
	return float64(a.Successes) / float64(a.Impressions)
}

// Experiment is a controlled comparison of 2-4 arms over exactly one test
// variable, with everything else held constant.
type Experiment struct {
	ID         string `json:"id"`
	Cohort     string `json:"cohort" validate:"required"`
	Hypothesis string `json:"hypothesis" validate:"required"`

	// Variable is the single element dimension under test.
	Variable string `json:"variable" validate:"required"`

	// HoldConstant pins every other dimension for the experiment's
	// duration.
	HoldConstant map[string]string `json:"hold_constant,omitempty"`

	Arms []Arm `json:"arms" validate:"required,min=2,max=4,dive"`

	// MinSamplePerArm gates winner declaration: every arm must reach it.
	MinSamplePerArm int64 `json:"min_sample_per_arm" validate:"gte=1"`

	// MaxDuration and MaxTotalSample bound the budget; exhausting either
	// without a winner yields an inconclusive verdict.
	MaxDuration    time.Duration `json:"max_duration"`
	MaxTotalSample int64         `json:"max_total_sample"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// ControlArm returns the control arm's index, or -1.
func (e Experiment) ControlArm() int {
	for i, a := range e.Arms {
		if a.IsControl {
			return i
		}
	}
	return -1
}

// TotalImpressions sums unit impressions across arms.
func (e Experiment) TotalImpressions() int64 {
	var total int64
	for _, a := range e.Arms {
		total += a.Impressions
	}
	return total
}

// CausalEffect is the write-once output of a completed experiment: the
// only artifact in the system allowed to carry a causal label. It feeds
// back as an advisory prior into future variable selection and never
// silently overrides learned posteriors.
type CausalEffect struct {
	ID             string    `json:"id"`
	ExperimentID   string    `json:"experiment_id"`
	Cohort         string    `json:"cohort"`
	Variable       string    `json:"variable"`
	ControlValue   string    `json:"control_value"`
	TreatmentValue string    `json:"treatment_value"`
	EffectSize     float64   `json:"effect_size"`
	CILow          float64   `json:"ci_low"`
	CIHigh         float64   `json:"ci_high"`
	ProbPositive   float64   `json:"prob_positive"`
	SampleControl  int64     `json:"sample_control"`
	SampleTreat    int64     `json:"sample_treatment"`
	CreatedAt      time.Time `json:"created_at"`
}

// Verdict is the outcome of one analysis pass.
type Verdict struct {
	ExperimentID string `json:"experiment_id"`

	// State the experiment ended the pass in.
	State State `json:"state"`

	// WinnerArmID is set only when a winner was declared.
	WinnerArmID string `json:"winner_arm_id,omitempty"`

	// FutileArmIDs lists arms whose P(best) fell below the futility
	// threshold; the recommendation is to pause them.
	FutileArmIDs []string `json:"futile_arm_ids,omitempty"`

	// ProbBest maps arm id to its P(best) estimate from this pass.
	ProbBest map[string]float64 `json:"prob_best"`

	// Effect is populated only on a completed verdict.
	Effect *CausalEffect `json:"effect,omitempty"`
}

// Store abstracts experiment persistence. The storage package provides
// the BadgerDB implementation; its upsert keys are the experiment id and
// (experiment, arm), and causal effects are append-only.
type Store interface {
	GetExperiment(id string) (Experiment, bool, error)
	PutExperiment(e Experiment) error
	RunningExperiment(cohort string) (Experiment, bool, error)
	AppendCausalEffect(ce CausalEffect) error
	ListCausalEffects(cohort string) ([]CausalEffect, error)
}

// Sentinel errors for lifecycle violations.
var (
	// ErrInvalidDefinition wraps validator failures and structural
	// problems such as zero or two control arms.
	ErrInvalidDefinition = errors.New("experiment: invalid definition")

	// ErrAlreadyRunning enforces the one-running-experiment-per-cohort
	// invariant.
	ErrAlreadyRunning = errors.New("experiment: cohort already has a running experiment")

	// ErrBadTransition is returned for a disallowed state transition.
	ErrBadTransition = errors.New("experiment: illegal state transition")

	// ErrNotFound is returned when the experiment id is unknown.
	ErrNotFound = errors.New("experiment: not found")
)
