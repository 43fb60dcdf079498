// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bandit maintains Beta posteriors over creative elements and
// samples them with Thompson Sampling.
//
// One posterior exists per (cohort, dimension, value) triple. Dimensions
// update independently: the action space is the union of per-dimension
// arms, not the cross-product, which keeps the arm count near the tens.
// Posteriors are created lazily on first observation and never deleted.
package bandit

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Posterior is a Beta(alpha, beta) belief about one element value's
// success probability. Both parameters default to 1 (uniform prior).
type Posterior struct {
	Cohort    string  `json:"cohort"`
	Dimension string  `json:"dimension"`
	Value     string  `json:"value"`
	Alpha     float64 `json:"alpha"`
	Beta      float64 `json:"beta"`
}

// Mean returns alpha/(alpha+beta).
func (p Posterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// Observations returns alpha+beta-2, the number of updates applied on top
// of the uniform prior.
func (p Posterior) Observations() float64 {
	return p.Alpha + p.Beta - 2
}

// PosteriorStore abstracts posterior persistence.
//
// The storage package provides the BadgerDB-backed implementation; tests
// use the in-memory MapStore. Upserts are idempotent on the
// (cohort, dimension, value) key.
type PosteriorStore interface {
	GetElementPosterior(cohort, dimension, value string) (Posterior, bool, error)
	PutElementPosterior(p Posterior) error
	ListElementPosteriors(cohort, dimension string) ([]Posterior, error)
}

// Config tunes the exploration-rate schedule.
type Config struct {
	// RewardThreshold separates success from failure: reward >= threshold
	// increments alpha, otherwise beta.
	RewardThreshold float64 `json:"reward_threshold" yaml:"reward_threshold"`

	// InitialExploration is the forced-random-choice probability before
	// any observations have matured.
	InitialExploration float64 `json:"initial_exploration" yaml:"initial_exploration"`

	// ExplorationFloor is the hard lower bound: the bandit never fully
	// exploits.
	ExplorationFloor float64 `json:"exploration_floor" yaml:"exploration_floor"`

	// DecayConstant controls how fast exploration decays with matured
	// observation count.
	DecayConstant float64 `json:"decay_constant" yaml:"decay_constant"`
}

// DefaultConfig returns the standard schedule: 30% initial exploration
// decaying toward a 5% floor over a few hundred observations.
func DefaultConfig() Config {
	return Config{
		RewardThreshold:    0.5,
		InitialExploration: 0.30,
		ExplorationFloor:   0.05,
		DecayConstant:      200,
	}
}

// Bandit is the element-level Thompson sampler.
//
// Thread Safety: Safe for concurrent use; sampling state is guarded by a
// mutex and persistence is delegated to the store.
type Bandit struct {
	cfg    Config
	store  PosteriorStore
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Bandit over the given store.
//
// Inputs:
//   - cfg: exploration schedule; zero value replaced by DefaultConfig().
//   - store: posterior persistence. Required.
//   - seed: seeds the Thompson sampler. Tests pass a fixed seed for
//     reproducible draws.
func New(cfg Config, store PosteriorStore, seed int64, logger *slog.Logger) *Bandit {
	if cfg.RewardThreshold == 0 && cfg.InitialExploration == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bandit{
		cfg:    cfg,
		store:  store,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Observe applies one matured reward to every (dimension, value) pair in
// tags. Each dimension updates independently.
//
// Observe itself is an increment; callers that may see the same
// production twice pair it with Forget so each production contributes at
// most one pseudo observation per key.
func (b *Bandit) Observe(cohort string, tags map[string]string, reward float64) error {
	// Fixed iteration order so repeated batch runs touch keys identically.
	dims := make([]string, 0, len(tags))
	for dim := range tags {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	for _, dim := range dims {
		value := tags[dim]
		p, ok, err := b.store.GetElementPosterior(cohort, dim, value)
		if err != nil {
			return err
		}
		if !ok {
			p = Posterior{Cohort: cohort, Dimension: dim, Value: value, Alpha: 1, Beta: 1}
		}
		if reward >= b.cfg.RewardThreshold {
			p.Alpha++
		} else {
			p.Beta++
		}
		if err := b.store.PutElementPosterior(p); err != nil {
			return err
		}
	}
	return nil
}

// Forget reverses one reward previously applied through Observe, used
// when a production's matured metrics are restated and its contribution
// must be replaced. Pseudo counts never drop below the uniform prior.
func (b *Bandit) Forget(cohort string, tags map[string]string, reward float64) error {
	dims := make([]string, 0, len(tags))
	for dim := range tags {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	for _, dim := range dims {
		value := tags[dim]
		p, ok, err := b.store.GetElementPosterior(cohort, dim, value)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if reward >= b.cfg.RewardThreshold {
			if p.Alpha > 1 {
				p.Alpha--
			}
		} else {
			if p.Beta > 1 {
				p.Beta--
			}
		}
		if err := b.store.PutElementPosterior(p); err != nil {
			return err
		}
	}
	return nil
}

// Sample returns the Thompson-sampled best value among candidates for one
// dimension: one Beta draw per value, highest draw wins.
//
// Use Sample for exploration decisions only. Deterministic scoring
// contexts (feeding a scorer) must use PosteriorMean instead so identical
// inputs produce identical scores within a selection round.
func (b *Bandit) Sample(cohort, dimension string, candidateValues []string) (string, error) {
	if len(candidateValues) == 0 {
		return "", nil
	}
	best := candidateValues[0]
	bestDraw := math.Inf(-1)
	for _, value := range candidateValues {
		p, ok, err := b.store.GetElementPosterior(cohort, dimension, value)
		if err != nil {
			return "", err
		}
		if !ok {
			p = Posterior{Alpha: 1, Beta: 1}
		}
		b.mu.Lock()
		draw := sampleBeta(b.rng, p.Alpha, p.Beta)
		b.mu.Unlock()
		if draw > bestDraw {
			bestDraw = draw
			best = value
		}
	}
	return best, nil
}

// PosteriorMean returns the posterior mean for one element value, or the
// uniform prior mean (0.5) when nothing has been observed.
func (b *Bandit) PosteriorMean(cohort, dimension, value string) float64 {
	p, ok, err := b.store.GetElementPosterior(cohort, dimension, value)
	if err != nil {
		b.logger.Error("posterior read failed, using prior mean",
			"cohort", cohort, "dimension", dimension, "value", value, "error", err)
		return 0.5
	}
	if !ok {
		return 0.5
	}
	return p.Mean()
}

// ExplorationRate returns the forced-random-choice probability for a
// cohort with the given matured observation count:
//
//	rate = max(floor, initial * exp(-observations / decay))
func (b *Bandit) ExplorationRate(observations float64) float64 {
	rate := b.cfg.InitialExploration * math.Exp(-observations/b.cfg.DecayConstant)
	if rate < b.cfg.ExplorationFloor {
		return b.cfg.ExplorationFloor
	}
	return rate
}

// =============================================================================
// Beta sampling
// =============================================================================

// sampleBeta draws from Beta(a, b) as Ga/(Ga+Gb) with two gamma draws.
// No statistics dependency exists in this codebase, so the samplers are
// implemented directly.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	ga := sampleGamma(rng, a)
	gb := sampleGamma(rng, b)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang
// squeeze method, with the standard boost for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Gamma(a) = Gamma(a+1) * U^(1/a)
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
