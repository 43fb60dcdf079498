// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/variantlab/creative-engine/pkg/validation"
	"github.com/variantlab/creative-engine/services/learning/attribution"
	"github.com/variantlab/creative-engine/services/learning/bandit"
	"github.com/variantlab/creative-engine/services/learning/batch"
	"github.com/variantlab/creative-engine/services/learning/calibration"
	"github.com/variantlab/creative-engine/services/learning/coldstart"
	"github.com/variantlab/creative-engine/services/learning/experiment"
	"github.com/variantlab/creative-engine/services/learning/reward"
	"github.com/variantlab/creative-engine/services/learning/selection"
	"github.com/variantlab/creative-engine/services/learning/storage"
	"github.com/variantlab/creative-engine/services/learning/telemetry"
)

// Service composes the learning subsystems behind one facade.
//
// Thread Safety: Safe for concurrent use. Shared state lives in the
// store; the subsystems synchronize their own mutations.
type Service struct {
	cfg         Config
	store       *storage.Store
	selector    *selection.Selector
	synthesizer *reward.Synthesizer
	bandit      *bandit.Bandit
	learner     *calibration.Learner
	attribution *attribution.Engine
	coldstart   *coldstart.Service
	experiments *experiment.Engine
	runner      *batch.Runner
	outcomes    *OutcomeLog
	metrics     *telemetry.Metrics
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires every subsystem against the given store.
func NewService(cfg Config, store *storage.Store, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := bandit.New(cfg.Bandit, store, cfg.Seed, logger)
	synth := reward.NewSynthesizer(cfg.Reward, logger)
	calCfg := cfg.Calibration
	if calCfg.StaticWeights == nil {
		// Recalibrate rails against the same baselines selection uses.
		calCfg.StaticWeights = cfg.Selection.Weights
	}
	learner := calibration.NewLearner(calCfg, store, logger)
	outcomes := NewOutcomeLog(store)

	s := &Service{
		cfg:         cfg,
		store:       store,
		selector:    selection.NewSelector(logger),
		synthesizer: synth,
		bandit:      b,
		learner:     learner,
		attribution: attribution.NewEngine(cfg.Attribution, logger),
		coldstart:   coldstart.NewService(cfg.ColdStart, logger),
		experiments: experiment.NewEngine(cfg.Experiment, store, logger),
		outcomes:    outcomes,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		now:         time.Now,
	}
	s.runner = batch.NewRunner(cfg.Batch, outcomes, store, synth, b, learner, logger)
	return s, nil
}

// WithMetrics attaches telemetry instruments, including the batch
// runner's cycle observer.
func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	s.runner.WithObserver(m)
	return s
}

// Runner exposes the batch runner for scheduler wiring.
func (s *Service) Runner() *batch.Runner {
	return s.runner
}

// ============================================================================
// Selection
// ============================================================================

// Select runs the tiered selection pipeline.
//
// Description:
//
//	Builds the cohort's effective scorer weights, then tries up to three
//	tiers:
//
//	  1. strict: the configured quality gate over the (optionally
//	     category-filtered) pool.
//	  2. relaxed_gate: the same pool with the gate disabled.
//	  3. cleared_filter: the full pool, gate disabled, category filter
//	     dropped.
//
//	Exhausting all tiers returns a structured empty result, never an
//	error: "nothing selectable" is a legitimate answer the caller must
//	surface, not retry.
func (s *Service) Select(ctx context.Context, req SelectRequest) (SelectResponse, error) {
	if err := validation.ValidateCohort(req.Context.Cohort); err != nil {
		return SelectResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Count <= 0 {
		req.Count = s.cfg.Selection.DefaultCount
	}

	start := s.now()
	cohort := req.Context.Cohort
	weights := s.effectiveWeights(cohort)
	scorers := selection.DefaultScorers(s.bandit, req.AwarenessTarget)

	type tier struct {
		name   string
		gate   float64
		filter string
	}
	tiers := []tier{
		{name: TierStrict, gate: s.cfg.Selection.GateThreshold, filter: req.Context.CategoryFilter},
		{name: TierRelaxedGate, gate: 0, filter: req.Context.CategoryFilter},
	}
	if req.Context.CategoryFilter != "" {
		tiers = append(tiers, tier{name: TierClearedFilter, gate: 0, filter: ""})
	}

	var last selection.Result
	for _, t := range tiers {
		selCtx := req.Context
		selCtx.CategoryFilter = t.filter
		res, err := s.selector.Select(selection.Request{
			Candidates:    filterByCategory(req.Candidates, t.filter),
			Context:       selCtx,
			Scorers:       scorers,
			Weights:       weights,
			GateThreshold: t.gate,
			Count:         req.Count,
			Seed:          req.Seed,
		})
		if err != nil {
			return SelectResponse{}, err
		}
		last = res
		if !res.Empty {
			if t.name != TierStrict {
				s.logger.Warn("selection fell back",
					"cohort", cohort,
					"tier", t.name,
					"pool_before_gate", res.PoolBeforeGate)
			}
			s.recordSelection(ctx, cohort, res, true, s.now().Sub(start))
			return SelectResponse{
				Result:          res,
				Tier:            t.name,
				Weights:         weights,
				ExplorationRate: s.explorationRate(cohort),
			}, nil
		}
	}

	s.logger.Warn("selection exhausted all tiers",
		"cohort", cohort,
		"pool", len(req.Candidates),
		"reason", last.Reason)
	s.recordSelection(ctx, cohort, last, false, s.now().Sub(start))
	return SelectResponse{
		Result:          last,
		Tier:            TierExhausted,
		Weights:         weights,
		ExplorationRate: s.explorationRate(cohort),
	}, nil
}

func filterByCategory(candidates []selection.Candidate, category string) []selection.Candidate {
	if category == "" {
		return candidates
	}
	out := make([]selection.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Category == category {
			out = append(out, c)
		}
	}
	return out
}

// effectiveWeights runs every configured scorer weight through the
// calibration learner. A learner failure falls back to the static weight
// for that scorer; selection availability outranks calibration fidelity.
func (s *Service) effectiveWeights(cohort string) map[string]float64 {
	weights := make(map[string]float64, len(s.cfg.Selection.Weights))
	for name, static := range s.cfg.Selection.Weights {
		w, _, err := s.learner.EffectiveWeight(cohort, name, static)
		if err != nil {
			s.logger.Warn("calibration lookup failed, using static weight",
				"cohort", cohort, "scorer", name, "error", err)
			w = static
		}
		weights[name] = w
	}
	return weights
}

func (s *Service) explorationRate(cohort string) float64 {
	posteriors, err := s.store.ListCohortElementPosteriors(cohort)
	if err != nil {
		s.logger.Warn("posterior listing failed", "cohort", cohort, "error", err)
		return s.cfg.Bandit.InitialExploration
	}
	var obs float64
	for _, p := range posteriors {
		obs += p.Observations()
	}
	return s.bandit.ExplorationRate(obs)
}

func (s *Service) recordSelection(ctx context.Context, cohort string, res selection.Result, selected bool, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := "selected"
	if !selected {
		outcome = "empty"
	}
	attrs := metric.WithAttributes(
		attribute.String("cohort", cohort),
		attribute.String("outcome", outcome),
	)
	s.metrics.SelectionPoolSize.Record(ctx, int64(res.PoolAfterGate), attrs)
	s.metrics.SelectionsTotal.Add(ctx, 1, attrs)
	s.metrics.SelectionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RegisterProduction binds a launched production to its scorer
// contributions for later credit assignment.
func (s *Service) RegisterProduction(req RegisterProductionRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateCohort(req.Cohort); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateProductionID(req.ProductionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.store.PutScoreBreakdown(req.Cohort, req.ProductionID, req.Contributions)
}

// ============================================================================
// Outcomes and the learning cycle
// ============================================================================

// IngestOutcomes persists raw metric snapshots for the next cycle.
func (s *Service) IngestOutcomes(req OutcomesRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.outcomes.Push(req.Outcomes); err != nil {
		return fmt.Errorf("persisting outcome snapshots: %w", err)
	}
	return nil
}

// RunCycle triggers one learning cycle immediately.
func (s *Service) RunCycle(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// ============================================================================
// Advisory
// ============================================================================

// Advisory summarizes a cohort's learned state.
//
// Description:
//
//	Reads the cohort's element posteriors and matured reward records,
//	and assembles: top posteriors, flagged interactions, untested
//	combinations, completed causal effects, and the exploration rate.
//	Attribution outputs are correlational and labeled; only the causal
//	effect records carry a causal claim.
//
// Outputs:
//
//	AdvisoryResponse - The summary.
//	error - ErrInsufficientEvidence when the cohort has no learned
//	        state at all.
func (s *Service) Advisory(cohort string) (AdvisoryResponse, error) {
	if err := validation.ValidateCohort(cohort); err != nil {
		return AdvisoryResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	posteriors, err := s.store.ListCohortElementPosteriors(cohort)
	if err != nil {
		return AdvisoryResponse{}, fmt.Errorf("listing posteriors for %s: %w", cohort, err)
	}
	records, err := s.store.ListRewardRecords(cohort)
	if err != nil {
		return AdvisoryResponse{}, fmt.Errorf("listing rewards for %s: %w", cohort, err)
	}
	if len(posteriors) == 0 && len(records) == 0 {
		return AdvisoryResponse{}, fmt.Errorf("%w: %s", ErrInsufficientEvidence, cohort)
	}

	resp := AdvisoryResponse{Cohort: cohort}

	var obs float64
	for _, p := range posteriors {
		obs += p.Observations()
		resp.TopElements = append(resp.TopElements, ElementInsight{
			Dimension:    p.Dimension,
			Value:        p.Value,
			Mean:         p.Mean(),
			Observations: p.Observations(),
		})
	}
	sort.Slice(resp.TopElements, func(i, j int) bool {
		a, b := resp.TopElements[i], resp.TopElements[j]
		if a.Mean != b.Mean {
			return a.Mean > b.Mean
		}
		return a.Dimension+a.Value < b.Dimension+b.Value
	})
	if len(resp.TopElements) > s.cfg.Attribution.TopK {
		resp.TopElements = resp.TopElements[:s.cfg.Attribution.TopK]
	}
	resp.Observations = obs
	resp.ExplorationRate = s.bandit.ExplorationRate(obs)

	observations := rewardObservations(records, s.cfg.Bandit)
	if len(observations) > 0 {
		for _, top := range resp.TopElements {
			resp.StratifiedEffects = append(resp.StratifiedEffects,
				s.attribution.ElementEffect(observations, top.Dimension, top.Value))
		}
		resp.Interactions = s.attribution.Interactions(observations)
		resp.UntestedCombinations = s.attribution.UntestedCombinations(observations)
	}

	effects, err := s.store.ListCausalEffects(cohort)
	if err != nil {
		return AdvisoryResponse{}, fmt.Errorf("listing causal effects for %s: %w", cohort, err)
	}
	resp.CausalEffects = effects
	return resp, nil
}

// rewardObservations converts matured reward records into attribution
// rows. The stratum string pre-joins the confounder buckets.
func rewardObservations(records []reward.Record, cfg bandit.Config) []attribution.Observation {
	out := make([]attribution.Observation, 0, len(records))
	for _, rec := range records {
		if len(rec.ElementTags) == 0 {
			continue
		}
		out = append(out, attribution.Observation{
			ProductionID: rec.ProductionID,
			Tags:         rec.ElementTags,
			Success:      rewardThresholdSuccess(rec, cfg),
			Stratum: strings.Join([]string{
				rec.StratumKey.FunnelStage,
				rec.StratumKey.AudienceType,
				rec.StratumKey.SpendTier,
				rec.StratumKey.TimeBucket,
			}, "|"),
		})
	}
	return out
}

// ============================================================================
// Calibration
// ============================================================================

// Calibration reports the cohort's effective scorer weights and phases.
func (s *Service) Calibration(cohort string) (CalibrationResponse, error) {
	if err := validation.ValidateCohort(cohort); err != nil {
		return CalibrationResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	resp := CalibrationResponse{Cohort: cohort}
	names := make([]string, 0, len(s.cfg.Selection.Weights))
	for name := range s.cfg.Selection.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		static := s.cfg.Selection.Weights[name]
		w, phase, err := s.learner.EffectiveWeight(cohort, name, static)
		if err != nil {
			return CalibrationResponse{}, fmt.Errorf("calibrating scorer %s: %w", name, err)
		}
		resp.Scorers = append(resp.Scorers, ScorerCalibration{
			Scorer:          name,
			StaticWeight:    static,
			EffectiveWeight: w,
			Phase:           phase,
		})
	}
	return resp, nil
}

// ============================================================================
// Cold start
// ============================================================================

// ColdStartPrior computes a borrowed prior for one element of a cohort.
func (s *Service) ColdStartPrior(cohort, element string) (PriorResponse, error) {
	if err := validation.ValidateCohort(cohort); err != nil {
		return PriorResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateElementKey(element); err != nil {
		return PriorResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	local, ok, err := s.store.GetProfile(cohort)
	if err != nil {
		return PriorResponse{}, fmt.Errorf("loading profile for %s: %w", cohort, err)
	}
	if !ok {
		return PriorResponse{}, fmt.Errorf("%w: no profile for %s", ErrInsufficientEvidence, cohort)
	}
	siblings, err := s.store.ListProfiles()
	if err != nil {
		return PriorResponse{}, fmt.Errorf("listing profiles: %w", err)
	}
	prior := s.coldstart.Prior(local, siblings, element)
	return PriorResponse{
		Cohort:   cohort,
		Element:  element,
		Alpha:    prior.Alpha,
		Beta:     prior.Beta,
		Borrowed: prior.Borrowed,
		Siblings: prior.Siblings,
	}, nil
}

// UpsertProfile stores a cohort's sharing profile.
func (s *Service) UpsertProfile(p coldstart.Profile) error {
	if err := validation.ValidateCohort(p.Cohort); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.store.PutProfile(p)
}

// ============================================================================
// Experiments
// ============================================================================

// CreateExperiment validates and persists a draft experiment.
func (s *Service) CreateExperiment(def experiment.Experiment) (experiment.Experiment, error) {
	return s.experiments.Create(def)
}

// StartExperiment activates a draft experiment.
func (s *Service) StartExperiment(id string) (experiment.Experiment, error) {
	return s.experiments.Start(id)
}

// GetExperiment loads an experiment.
func (s *Service) GetExperiment(id string) (experiment.Experiment, error) {
	e, ok, err := s.store.GetExperiment(id)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if !ok {
		return experiment.Experiment{}, fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
	}
	return e, nil
}

// AssignArm deterministically assigns a subject to the cohort's running
// experiment.
func (s *Service) AssignArm(req AssignRequest) (AssignResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return AssignResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateCohort(req.Cohort); err != nil {
		return AssignResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	key := experiment.NewAssignmentKey(req.SubjectID, req.CampaignID, s.now())
	e, armID, ok, err := s.experiments.Assign(req.Cohort, key)
	if err != nil {
		return AssignResponse{}, err
	}
	if !ok {
		return AssignResponse{}, nil
	}
	resp := AssignResponse{
		Assigned:     true,
		ExperimentID: e.ID,
		ArmID:        armID,
		HoldConstant: e.HoldConstant,
		Variable:     e.Variable,
	}
	for _, a := range e.Arms {
		if a.ID == armID {
			resp.Value = a.Value
			break
		}
	}
	return resp, nil
}

// RecordExperimentOutcome accumulates one unit-level outcome.
func (s *Service) RecordExperimentOutcome(experimentID string, req ExperimentOutcomeRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.experiments.RecordOutcome(experimentID, req.ArmID, req.Success)
}

// AnalyzeExperiment runs one analysis pass.
func (s *Service) AnalyzeExperiment(ctx context.Context, id string) (experiment.Verdict, error) {
	verdict, err := s.experiments.Analyze(id)
	if err != nil {
		return experiment.Verdict{}, err
	}
	if s.metrics != nil {
		s.metrics.ExperimentAnalysesTotal.Add(ctx, 1)
		if verdict.Effect != nil {
			s.metrics.CausalRecordsTotal.Add(ctx, 1)
		}
	}
	return verdict, nil
}

// CancelExperiment cancels a non-terminal experiment.
func (s *Service) CancelExperiment(id string) (experiment.Experiment, error) {
	return s.experiments.Cancel(id)
}
