// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package calibration learns how much to trust each selection scorer.
//
// One Beta posterior exists per (cohort, scorer). Credit assignment is
// contribution-weighted: the scorer that dominated a selection's composite
// receives a full update from the outcome, low-contribution scorers an
// attenuated one, so a scorer is never credited for an outcome it barely
// influenced. Learned weights blend with static baselines through an
// observation-count phase (cold/warm/hot) and are clamped by safety rails
// on every batch update.
package calibration

import (
	"log/slog"
	"sort"
)

// Phase is a scorer posterior's learning maturity.
type Phase string

const (
	// PhaseCold means too few observations: the posterior is ignored and
	// the static weight is used as-is.
	PhaseCold Phase = "cold"

	// PhaseWarm linearly blends static and posterior-derived weight.
	PhaseWarm Phase = "warm"

	// PhaseHot uses the posterior-derived weight only.
	PhaseHot Phase = "hot"
)

// ScorerPosterior is the Beta belief about one scorer's usefulness in one
// cohort. Created lazily on first credit; updated in weekly batches.
type ScorerPosterior struct {
	Cohort string  `json:"cohort"`
	Scorer string  `json:"scorer"`
	Alpha  float64 `json:"alpha"`
	Beta   float64 `json:"beta"`

	// LastWeight is the effective weight emitted by the previous batch
	// cycle, kept so the max-delta rail has a reference point.
	LastWeight float64 `json:"last_weight"`
}

// Mean returns alpha/(alpha+beta).
func (p ScorerPosterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// Observations returns alpha+beta-2.
func (p ScorerPosterior) Observations() float64 {
	return p.Alpha + p.Beta - 2
}

// Store abstracts scorer-posterior persistence. The storage package
// provides the BadgerDB implementation.
type Store interface {
	GetScorerPosterior(cohort, scorer string) (ScorerPosterior, bool, error)
	PutScorerPosterior(p ScorerPosterior) error
}

// Config tunes phases, credit attenuation, and the safety rails.
type Config struct {
	// ColdThreshold is the observation count below which the posterior is
	// ignored entirely.
	ColdThreshold float64 `json:"cold_threshold" yaml:"cold_threshold"`

	// HotThreshold is the observation count at which the posterior fully
	// replaces the static weight.
	HotThreshold float64 `json:"hot_threshold" yaml:"hot_threshold"`

	// RewardThreshold separates success from failure for credit updates.
	RewardThreshold float64 `json:"reward_threshold" yaml:"reward_threshold"`

	// Attenuation scales the update applied to non-dominant scorers.
	Attenuation float64 `json:"attenuation" yaml:"attenuation"`

	// WeightFloor and WeightCeiling bound every effective weight. No
	// scorer is ever fully zeroed.
	WeightFloor   float64 `json:"weight_floor" yaml:"weight_floor"`
	WeightCeiling float64 `json:"weight_ceiling" yaml:"weight_ceiling"`

	// MaxDelta bounds the move of an effective weight in one batch cycle,
	// even if the raw posterior implies a larger jump.
	MaxDelta float64 `json:"max_delta" yaml:"max_delta"`

	// StaticWeights holds the baseline weight per scorer, the reference
	// Recalibrate blends posteriors against. The service mirrors the
	// selection weights here at wiring time.
	StaticWeights map[string]float64 `json:"static_weights" yaml:"static_weights"`
}

// DefaultConfig returns the standard phase thresholds and rails.
func DefaultConfig() Config {
	return Config{
		ColdThreshold:   30,
		HotThreshold:    100,
		RewardThreshold: 0.5,
		Attenuation:     0.3,
		WeightFloor:     0.05,
		WeightCeiling:   2.0,
		MaxDelta:        0.15,
	}
}

// Learner maintains scorer posteriors and derives effective weights.
//
// Thread Safety: Learner holds no mutable state of its own; concurrency
// control lives in the store and the per-cohort batch lock.
type Learner struct {
	cfg    Config
	store  Store
	logger *slog.Logger
}

// NewLearner creates a Learner. A zero-value Config is replaced by
// DefaultConfig().
func NewLearner(cfg Config, store Store, logger *slog.Logger) *Learner {
	if cfg.HotThreshold == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{cfg: cfg, store: store, logger: logger}
}

// PhaseFor classifies an observation count.
func (l *Learner) PhaseFor(observations float64) Phase {
	switch {
	case observations < l.cfg.ColdThreshold:
		return PhaseCold
	case observations < l.cfg.HotThreshold:
		return PhaseWarm
	default:
		return PhaseHot
	}
}

// CreditAssign updates every contributing scorer's posterior from one
// matured outcome.
//
// Description:
//
//	contributions maps scorer name to weight_i * score_i from the
//	selection that produced this outcome. The scorer with the largest
//	normalized contribution receives a full unit update; every other
//	scorer's update is scaled by Attenuation.
//
// Inputs:
//
//	cohort        - Learning boundary.
//	reward        - Composite reward in [0, 1].
//	contributions - Per-scorer weighted scores from the selection round.
func (l *Learner) CreditAssign(cohort string, reward float64, contributions map[string]float64) error {
	if len(contributions) == 0 {
		return nil
	}
	var total float64
	dominant := ""
	dominantShare := -1.0
	names := make([]string, 0, len(contributions))
	for name, c := range contributions {
		if c < 0 {
			c = 0
		}
		total += c
		names = append(names, name)
	}
	sort.Strings(names) // deterministic update order
	for _, name := range names {
		share := 0.0
		if total > 0 {
			share = contributions[name] / total
		}
		if share > dominantShare {
			dominantShare = share
			dominant = name
		}
	}

	success := reward >= l.cfg.RewardThreshold
	for _, name := range names {
		p, ok, err := l.store.GetScorerPosterior(cohort, name)
		if err != nil {
			return err
		}
		if !ok {
			p = ScorerPosterior{Cohort: cohort, Scorer: name, Alpha: 1, Beta: 1}
		}
		increment := l.cfg.Attenuation
		if name == dominant {
			increment = 1.0
		}
		if success {
			p.Alpha += increment
		} else {
			p.Beta += increment
		}
		if err := l.store.PutScorerPosterior(p); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveWeight derives the weight to use for a scorer right now.
//
// Description:
//
//	Returns the weight the previous batch cycle emitted (LastWeight).
//	Before the first recalibration it derives a railed weight from the
//	static baseline instead. EffectiveWeight is a pure read: only
//	Recalibrate advances LastWeight, so any number of selections
//	between cycles see the same weight.
//
// Outputs:
//
//	float64 - The railed effective weight.
//	Phase   - The phase the scorer is in, for observability.
func (l *Learner) EffectiveWeight(cohort, scorer string, staticWeight float64) (float64, Phase, error) {
	p, ok, err := l.store.GetScorerPosterior(cohort, scorer)
	if err != nil {
		return staticWeight, PhaseCold, err
	}
	if !ok {
		return l.rail(staticWeight, staticWeight), PhaseCold, nil
	}
	phase := l.PhaseFor(p.Observations())
	if p.LastWeight != 0 {
		return p.LastWeight, phase, nil
	}
	w, _ := l.weightFor(p, staticWeight)
	return w, phase, nil
}

// Recalibrate advances every configured scorer's rail reference for one
// cohort. The batch runner calls it once per cohort per cycle, after
// credit assignment; it is the only writer of LastWeight.
func (l *Learner) Recalibrate(cohort string) error {
	names := make([]string, 0, len(l.cfg.StaticWeights))
	for name := range l.cfg.StaticWeights {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok, err := l.store.GetScorerPosterior(cohort, name)
		if err != nil {
			return err
		}
		if !ok {
			// No credit taken yet; the static weight applies as-is.
			continue
		}
		w, phase := l.weightFor(p, l.cfg.StaticWeights[name])
		if w == p.LastWeight {
			continue
		}
		l.logger.Debug("scorer weight recalibrated",
			"cohort", cohort, "scorer", name,
			"previous", p.LastWeight, "weight", w, "phase", string(phase))
		p.LastWeight = w
		if err := l.store.PutScorerPosterior(p); err != nil {
			return err
		}
	}
	return nil
}

// weightFor computes the railed effective weight for a posterior without
// touching the store.
func (l *Learner) weightFor(p ScorerPosterior, staticWeight float64) (float64, Phase) {
	phase := l.PhaseFor(p.Observations())
	// Posterior mean in [0,1] scales the static weight: a scorer proven
	// twice as reliable as chance ends up near its static weight, a
	// useless one sinks toward the floor.
	posteriorWeight := staticWeight * 2 * p.Mean()

	var target float64
	switch phase {
	case PhaseCold:
		target = staticWeight
	case PhaseWarm:
		frac := (p.Observations() - l.cfg.ColdThreshold) / (l.cfg.HotThreshold - l.cfg.ColdThreshold)
		target = staticWeight*(1-frac) + posteriorWeight*frac
	default:
		target = posteriorWeight
	}

	prev := p.LastWeight
	if prev == 0 {
		prev = staticWeight
	}
	return l.rail(target, prev), phase
}

// rail clamps target to the floor/ceiling bounds and to at most MaxDelta
// away from the previous cycle's weight.
func (l *Learner) rail(target, prev float64) float64 {
	if target > prev+l.cfg.MaxDelta {
		target = prev + l.cfg.MaxDelta
	}
	if target < prev-l.cfg.MaxDelta {
		target = prev - l.cfg.MaxDelta
	}
	if target < l.cfg.WeightFloor {
		target = l.cfg.WeightFloor
	}
	if target > l.cfg.WeightCeiling {
		target = l.cfg.WeightCeiling
	}
	return target
}
