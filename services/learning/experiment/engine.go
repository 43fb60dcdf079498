// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experiment

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config tunes verdict thresholds and the Monte Carlo budget.
type Config struct {
	// WinnerThreshold is the P(best) an arm must exceed, with every arm
	// at MinSamplePerArm, before a winner is declared.
	WinnerThreshold float64 `yaml:"winner_threshold" json:"winner_threshold" validate:"gt=0,lt=1"`

	// FutilityThreshold marks arms whose P(best) has collapsed; they are
	// reported for pausing, not silently dropped.
	FutilityThreshold float64 `yaml:"futility_threshold" json:"futility_threshold" validate:"gte=0,lt=1"`

	// MonteCarloDraws is the posterior sample count per analysis pass.
	MonteCarloDraws int `yaml:"monte_carlo_draws" json:"monte_carlo_draws" validate:"gte=1000"`

	// Seed fixes the analysis RNG so a re-run over the same counters
	// reproduces the same verdict.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		WinnerThreshold:   0.90,
		FutilityThreshold: 0.05,
		MonteCarloDraws:   10000,
		Seed:              1,
	}
}

// Engine owns the experiment lifecycle: definition, activation, outcome
// accumulation, and analysis.
//
// Thread Safety: every state transition and counter update is a
// load-modify-store over the Store, so the Engine serializes them behind
// a per-experiment mutex (and a per-cohort mutex for Start, which reads
// the running index). Reads take no lock.
type Engine struct {
	cfg      Config
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an Engine. A nil logger falls back to slog.Default().
func NewEngine(cfg Config, store Store, logger *slog.Logger) *Engine {
	if cfg.MonteCarloDraws == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one lock domain: "exp\x00<id>" for
// an experiment's read-modify-write cycles, "cohort\x00<cohort>" for the
// running-index check in Start.
func (en *Engine) lockFor(domain string) *sync.Mutex {
	en.mu.Lock()
	defer en.mu.Unlock()
	l, ok := en.locks[domain]
	if !ok {
		l = &sync.Mutex{}
		en.locks[domain] = l
	}
	return l
}

func experimentLock(id string) string { return "exp\x00" + id }

func cohortLock(cohort string) string { return "cohort\x00" + cohort }

// Create validates a definition and persists it in draft state.
//
// Description:
//
//	Structural checks go beyond field validation: exactly one arm must
//	be the control, split percentages must sum to 100, and the test
//	variable must not also appear in the hold-constant set. Arm and
//	experiment ids are assigned here.
func (en *Engine) Create(def Experiment) (Experiment, error) {
	if err := en.validate.Struct(def); err != nil {
		return Experiment{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	controls := 0
	split := 0
	for _, a := range def.Arms {
		if a.IsControl {
			controls++
		}
		split += a.SplitPercent
	}
	if controls != 1 {
		return Experiment{}, fmt.Errorf("%w: expected exactly one control arm, got %d", ErrInvalidDefinition, controls)
	}
	if split != 100 {
		return Experiment{}, fmt.Errorf("%w: arm splits sum to %d, want 100", ErrInvalidDefinition, split)
	}
	if _, held := def.HoldConstant[def.Variable]; held {
		return Experiment{}, fmt.Errorf("%w: test variable %q is also held constant", ErrInvalidDefinition, def.Variable)
	}

	def.ID = uuid.NewString()
	for i := range def.Arms {
		def.Arms[i].ID = uuid.NewString()
		def.Arms[i].Impressions = 0
		def.Arms[i].Successes = 0
		def.Arms[i].ProbBest = 0
	}
	def.State = StateDraft
	def.CreatedAt = en.now()
	def.StartedAt = time.Time{}
	def.EndedAt = time.Time{}

	if err := en.store.PutExperiment(def); err != nil {
		return Experiment{}, fmt.Errorf("persisting draft experiment: %w", err)
	}
	en.logger.Info("experiment created",
		"experiment_id", def.ID,
		"cohort", def.Cohort,
		"variable", def.Variable,
		"arms", len(def.Arms))
	return def, nil
}

// Start transitions a draft experiment to running.
//
// The one-running-experiment-per-cohort invariant is enforced here:
// overlapping experiments in a cohort would confound each other's
// attribution, so a second Start in the same cohort fails with
// ErrAlreadyRunning.
func (en *Engine) Start(id string) (Experiment, error) {
	lock := en.lockFor(experimentLock(id))
	lock.Lock()
	defer lock.Unlock()

	e, ok, err := en.store.GetExperiment(id)
	if err != nil {
		return Experiment{}, fmt.Errorf("loading experiment %s: %w", id, err)
	}
	if !ok {
		return Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State != StateDraft {
		return Experiment{}, fmt.Errorf("%w: cannot start from %s", ErrBadTransition, e.State)
	}

	// Two drafts started concurrently in one cohort must not both pass
	// the running-index check.
	cl := en.lockFor(cohortLock(e.Cohort))
	cl.Lock()
	defer cl.Unlock()

	if running, found, err := en.store.RunningExperiment(e.Cohort); err != nil {
		return Experiment{}, fmt.Errorf("checking running experiments for cohort %s: %w", e.Cohort, err)
	} else if found && !running.State.Terminal() {
		return Experiment{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, running.ID)
	}

	e.State = StateRunning
	e.StartedAt = en.now()
	if err := en.store.PutExperiment(e); err != nil {
		return Experiment{}, fmt.Errorf("persisting started experiment: %w", err)
	}
	en.logger.Info("experiment started", "experiment_id", e.ID, "cohort", e.Cohort)
	return e, nil
}

// RecordOutcome accumulates one unit-level outcome onto an arm.
// Concurrent posts against the same experiment serialize; none is lost.
func (en *Engine) RecordOutcome(experimentID, armID string, success bool) error {
	lock := en.lockFor(experimentLock(experimentID))
	lock.Lock()
	defer lock.Unlock()

	e, ok, err := en.store.GetExperiment(experimentID)
	if err != nil {
		return fmt.Errorf("loading experiment %s: %w", experimentID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, experimentID)
	}
	if e.State != StateRunning && e.State != StateAnalyzing {
		return fmt.Errorf("%w: outcome for experiment in state %s", ErrBadTransition, e.State)
	}
	for i := range e.Arms {
		if e.Arms[i].ID != armID {
			continue
		}
		e.Arms[i].Impressions++
		if success {
			e.Arms[i].Successes++
		}
		return en.store.PutExperiment(e)
	}
	return fmt.Errorf("%w: arm %s in experiment %s", ErrNotFound, armID, experimentID)
}

// Assign maps a subject to an arm of the cohort's running experiment.
// The second return is false when no experiment is running.
func (en *Engine) Assign(cohort string, key AssignmentKey) (Experiment, string, bool, error) {
	e, ok, err := en.store.RunningExperiment(cohort)
	if err != nil {
		return Experiment{}, "", false, fmt.Errorf("looking up running experiment for cohort %s: %w", cohort, err)
	}
	if !ok || e.State != StateRunning {
		return Experiment{}, "", false, nil
	}
	return e, Assign(e, key), true, nil
}

// Analyze runs one analysis pass over the experiment's current counters.
//
// Description:
//
//	Moves running -> analyzing (idempotently: an experiment already in
//	analyzing is re-analyzed, never double-counted), estimates each
//	arm's P(best) by Monte Carlo over Beta posteriors, and decides:
//
//	  - winner: some arm's P(best) exceeds the winner threshold and
//	    every arm has reached the minimum sample. The experiment
//	    completes and the write-once causal effect record is appended.
//	  - budget exhausted: max duration or max total sample reached with
//	    no winner. The experiment ends inconclusive; directional
//	    evidence stays advisory and no causal record is written.
//	  - otherwise: the experiment returns to running and arms below the
//	    futility threshold are reported for pausing.
//
//	The Mann-Whitney test against the control runs on every completed
//	verdict as a distribution-free cross-check and is logged alongside
//	the Bayesian decision.
func (en *Engine) Analyze(id string) (Verdict, error) {
	lock := en.lockFor(experimentLock(id))
	lock.Lock()
	defer lock.Unlock()

	e, ok, err := en.store.GetExperiment(id)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading experiment %s: %w", id, err)
	}
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch e.State {
	case StateRunning:
		e.State = StateAnalyzing
	case StateAnalyzing:
		// Re-entrant pass over the same counters.
	default:
		return Verdict{}, fmt.Errorf("%w: cannot analyze from %s", ErrBadTransition, e.State)
	}

	cmp := compareArms(e, en.cfg.MonteCarloDraws, en.cfg.Seed)
	verdict := Verdict{
		ExperimentID: e.ID,
		ProbBest:     make(map[string]float64, len(e.Arms)),
	}
	bestIdx := 0
	minSampled := true
	for i := range e.Arms {
		e.Arms[i].ProbBest = cmp.probBest[i]
		verdict.ProbBest[e.Arms[i].ID] = cmp.probBest[i]
		if cmp.probBest[i] > cmp.probBest[bestIdx] {
			bestIdx = i
		}
		if e.Arms[i].Impressions < e.MinSamplePerArm {
			minSampled = false
		}
		if cmp.probBest[i] < en.cfg.FutilityThreshold {
			verdict.FutileArmIDs = append(verdict.FutileArmIDs, e.Arms[i].ID)
		}
	}

	switch {
	case minSampled && cmp.probBest[bestIdx] > en.cfg.WinnerThreshold:
		e.State = StateCompleted
		e.EndedAt = en.now()
		verdict.WinnerArmID = e.Arms[bestIdx].ID
		effect, err := en.recordEffect(e, bestIdx, cmp)
		if err != nil {
			return Verdict{}, err
		}
		verdict.Effect = effect
	case en.budgetExhausted(e):
		e.State = StateInconclusive
		e.EndedAt = en.now()
		en.logger.Info("experiment budget exhausted without a winner",
			"experiment_id", e.ID,
			"total_impressions", e.TotalImpressions(),
			"best_prob", cmp.probBest[bestIdx])
	default:
		// No verdict yet: resume collection.
		e.State = StateRunning
	}
	verdict.State = e.State

	if err := en.store.PutExperiment(e); err != nil {
		return Verdict{}, fmt.Errorf("persisting analyzed experiment: %w", err)
	}
	return verdict, nil
}

// Cancel moves a non-terminal experiment to cancelled. No causal record
// is written.
func (en *Engine) Cancel(id string) (Experiment, error) {
	lock := en.lockFor(experimentLock(id))
	lock.Lock()
	defer lock.Unlock()

	e, ok, err := en.store.GetExperiment(id)
	if err != nil {
		return Experiment{}, fmt.Errorf("loading experiment %s: %w", id, err)
	}
	if !ok {
		return Experiment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State.Terminal() {
		return Experiment{}, fmt.Errorf("%w: cannot cancel from %s", ErrBadTransition, e.State)
	}
	e.State = StateCancelled
	e.EndedAt = en.now()
	if err := en.store.PutExperiment(e); err != nil {
		return Experiment{}, fmt.Errorf("persisting cancelled experiment: %w", err)
	}
	en.logger.Info("experiment cancelled", "experiment_id", e.ID)
	return e, nil
}

func (en *Engine) budgetExhausted(e Experiment) bool {
	if e.MaxTotalSample > 0 && e.TotalImpressions() >= e.MaxTotalSample {
		return true
	}
	if e.MaxDuration > 0 && !e.StartedAt.IsZero() && en.now().Sub(e.StartedAt) >= e.MaxDuration {
		return true
	}
	return false
}

// recordEffect appends the write-once causal record for a completed
// experiment. The winner may be the control; the record still names the
// best treatment arm so the effect direction is meaningful.
func (en *Engine) recordEffect(e Experiment, winner int, cmp posteriorComparison) (*CausalEffect, error) {
	control := e.ControlArm()
	treat := winner
	if treat == control {
		// Control won: report the strongest treatment's (negative)
		// effect against it.
		treat = -1
		for i := range e.Arms {
			if i == control {
				continue
			}
			if treat < 0 || e.Arms[i].ProbBest > e.Arms[treat].ProbBest {
				treat = i
			}
		}
	}
	if control < 0 || treat < 0 {
		return nil, fmt.Errorf("%w: completed experiment %s lacks a control/treatment pair", ErrInvalidDefinition, e.ID)
	}

	mean, low, high, probPos := effectSummary(cmp.effectSamples)
	mw := MannWhitneyBinary(
		e.Arms[control].Successes, e.Arms[control].Impressions,
		e.Arms[treat].Successes, e.Arms[treat].Impressions,
	)
	ce := CausalEffect{
		ID:             uuid.NewString(),
		ExperimentID:   e.ID,
		Cohort:         e.Cohort,
		Variable:       e.Variable,
		ControlValue:   e.Arms[control].Value,
		TreatmentValue: e.Arms[treat].Value,
		EffectSize:     mean,
		CILow:          low,
		CIHigh:         high,
		ProbPositive:   probPos,
		SampleControl:  e.Arms[control].Impressions,
		SampleTreat:    e.Arms[treat].Impressions,
		CreatedAt:      en.now(),
	}
	if err := en.store.AppendCausalEffect(ce); err != nil {
		return nil, fmt.Errorf("appending causal effect for experiment %s: %w", e.ID, err)
	}
	en.logger.Info("experiment completed",
		"experiment_id", e.ID,
		"winner_arm", e.Arms[winner].Name,
		"effect_size", mean,
		"mann_whitney_p", mw.PValue)
	return &ce, nil
}
