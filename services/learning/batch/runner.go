// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package batch runs the periodic learning cycle: pull fresh outcome
// metrics, synthesize rewards for matured productions, and feed the
// results to the element bandit and the scorer-weight learner.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/variantlab/creative-engine/services/learning/bandit"
	"github.com/variantlab/creative-engine/services/learning/calibration"
	"github.com/variantlab/creative-engine/services/learning/reward"
)

// ErrDependencyUnavailable signals that an upstream the cycle needs
// (the metrics feed, the store) is temporarily down. A failed feed
// aborts the cycle; a failure inside one cohort skips that cohort
// only. Either way the watermark is held so the next run retries the
// same window.
var ErrDependencyUnavailable = errors.New("batch: dependency unavailable")

// CycleObserver receives one summary per finished cycle, whether the
// watermark advanced or not. The telemetry package implements it.
type CycleObserver interface {
	ObserveCycle(matured, immature, failed int, elapsed time.Duration)
}

// OutcomeFeed supplies raw performance metrics.
//
// FetchOutcomes returns every production whose metrics changed after
// since. Productions that fail the maturation gate keep accumulating
// metric changes, so they reappear in later windows until they mature.
type OutcomeFeed interface {
	FetchOutcomes(ctx context.Context, since time.Time) ([]reward.RawMetrics, error)
}

// Store is the slice of persistence the runner needs.
type Store interface {
	PutRewardRecord(r reward.Record) error
	GetRewardRecord(cohort, productionID string) (reward.Record, bool, error)
	GetScoreBreakdown(cohort, productionID string) (map[string]float64, bool, error)
	GetWatermark(job string) (time.Time, error)
	PutWatermark(job string, at time.Time) error
}

// Config tunes the runner.
type Config struct {
	// JobName scopes the watermark key.
	JobName string `yaml:"job_name" json:"job_name"`

	// Schedule is the cron expression the scheduler runs the job on.
	Schedule string `yaml:"schedule" json:"schedule"`

	// MaxConcurrentCohorts bounds the fan-out; cohorts are independent
	// learning domains and never share posterior state.
	MaxConcurrentCohorts int `yaml:"max_concurrent_cohorts" json:"max_concurrent_cohorts" validate:"gte=1"`
}

// DefaultConfig runs the cycle every six hours.
func DefaultConfig() Config {
	return Config{
		JobName:              "outcome-sync",
		Schedule:             "0 */6 * * *",
		MaxConcurrentCohorts: 4,
	}
}

// Runner executes one learning cycle per invocation.
//
// Thread Safety: Run may be invoked concurrently (a manual trigger
// overlapping the schedule); per-cohort mutexes serialize posterior
// updates within a cohort.
type Runner struct {
	cfg      Config
	feed     OutcomeFeed
	store    Store
	synth    *reward.Synthesizer
	bandit   *bandit.Bandit
	learner  *calibration.Learner
	logger   *slog.Logger
	observer CycleObserver
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// WithObserver attaches a cycle observer.
func (r *Runner) WithObserver(o CycleObserver) *Runner {
	r.observer = o
	return r
}

// NewRunner wires the cycle. A nil logger falls back to slog.Default().
func NewRunner(cfg Config, feed OutcomeFeed, store Store, synth *reward.Synthesizer, b *bandit.Bandit, learner *calibration.Learner, logger *slog.Logger) *Runner {
	if cfg.JobName == "" {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		feed:    feed,
		store:   store,
		synth:   synth,
		bandit:  b,
		learner: learner,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Runner) cohortLock(cohort string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[cohort]
	if !ok {
		l = &sync.Mutex{}
		r.locks[cohort] = l
	}
	return l
}

// cycleStats aggregates counters across cohort goroutines.
type cycleStats struct {
	mu             sync.Mutex
	matured        int
	immature       int
	failed         int
	skippedCohorts []string
}

func (s *cycleStats) skipCohort(cohort string) {
	s.mu.Lock()
	s.skippedCohorts = append(s.skippedCohorts, cohort)
	s.mu.Unlock()
}

// Run executes one cycle.
//
// Description:
//
//	Loads the job watermark, fetches outcomes changed since it, groups
//	them per cohort, and processes cohorts concurrently. Within a
//	cohort, records are processed in production-id order so reruns of
//	the same window touch posteriors in the same sequence.
//
//	A record that fails stays isolated: the error is logged and the
//	rest of the cohort proceeds. A cohort that cannot reach a
//	dependency is skipped while the remaining cohorts finish, and the
//	watermark does not advance, so the whole window is retried next
//	cycle. Reward synthesis, posterior updates, and credit assignment
//	are idempotent per (production, window), which makes the retry
//	safe.
func (r *Runner) Run(ctx context.Context) error {
	start := r.now()
	since, err := r.store.GetWatermark(r.cfg.JobName)
	if err != nil {
		return fmt.Errorf("loading watermark for %s: %w", r.cfg.JobName, err)
	}

	outcomes, err := r.feed.FetchOutcomes(ctx, since)
	if err != nil {
		if errors.Is(err, ErrDependencyUnavailable) {
			r.logger.Warn("outcome feed unavailable, skipping cycle",
				"job", r.cfg.JobName, "error", err)
		}
		return fmt.Errorf("fetching outcomes since %s: %w", since.Format(time.RFC3339), err)
	}

	byCohort := make(map[string][]reward.RawMetrics)
	for _, raw := range outcomes {
		byCohort[raw.Cohort] = append(byCohort[raw.Cohort], raw)
	}
	cohorts := make([]string, 0, len(byCohort))
	for c := range byCohort {
		cohorts = append(cohorts, c)
	}
	sort.Strings(cohorts)

	stats := &cycleStats{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrentCohorts)
	for _, cohort := range cohorts {
		cohort := cohort
		g.Go(func() error {
			lock := r.cohortLock(cohort)
			lock.Lock()
			defer lock.Unlock()
			return r.processCohort(gctx, cohort, byCohort[cohort], start, stats)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if r.observer != nil {
		r.observer.ObserveCycle(stats.matured, stats.immature, stats.failed, r.now().Sub(start))
	}
	if len(stats.skippedCohorts) > 0 {
		sort.Strings(stats.skippedCohorts)
		r.logger.Warn("cohorts skipped on dependency failure, watermark held",
			"job", r.cfg.JobName, "cohorts", stats.skippedCohorts)
		return fmt.Errorf("cohorts %v: %w", stats.skippedCohorts, ErrDependencyUnavailable)
	}

	if err := r.store.PutWatermark(r.cfg.JobName, start); err != nil {
		return fmt.Errorf("advancing watermark for %s: %w", r.cfg.JobName, err)
	}
	r.logger.Info("learning cycle complete",
		"job", r.cfg.JobName,
		"cohorts", len(cohorts),
		"matured", stats.matured,
		"immature", stats.immature,
		"failed", stats.failed,
		"elapsed", r.now().Sub(start))
	return nil
}

func (r *Runner) processCohort(ctx context.Context, cohort string, records []reward.RawMetrics, now time.Time, stats *cycleStats) error {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ProductionID < records[j].ProductionID
	})
	for _, raw := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.processRecord(cohort, raw, now, stats); err != nil {
			if errors.Is(err, ErrDependencyUnavailable) {
				// The rest of this cohort's window would hit the same
				// dependency; other cohorts keep going.
				r.logger.Warn("cohort skipped, dependency unavailable",
					"cohort", cohort, "production_id", raw.ProductionID, "error", err)
				stats.skipCohort(cohort)
				return nil
			}
			stats.mu.Lock()
			stats.failed++
			stats.mu.Unlock()
			r.logger.Error("learning cycle record failed",
				"cohort", cohort,
				"production_id", raw.ProductionID,
				"error", err)
		}
	}
	// One rail advance per cohort per cycle.
	if err := r.learner.Recalibrate(cohort); err != nil {
		stats.mu.Lock()
		stats.failed++
		stats.mu.Unlock()
		r.logger.Error("scorer recalibration failed", "cohort", cohort, "error", err)
	}
	return nil
}

func (r *Runner) processRecord(cohort string, raw reward.RawMetrics, now time.Time, stats *cycleStats) error {
	rec := r.synth.Synthesize(raw, now)
	if rec == nil {
		stats.mu.Lock()
		stats.immature++
		stats.mu.Unlock()
		return nil
	}

	// A production already rewarded in a prior cycle comes back in two
	// ways: the same snapshot re-delivered after a held watermark, or a
	// restated snapshot with changed metrics. The first is a no-op; the
	// second replaces the old posterior contribution rather than adding
	// a second one.
	prev, known, err := r.store.GetRewardRecord(cohort, raw.ProductionID)
	if err != nil {
		return fmt.Errorf("loading prior reward for %s: %w", raw.ProductionID, err)
	}
	if known && sameContribution(prev, *rec) {
		r.logger.Debug("reward unchanged on redelivery",
			"cohort", cohort, "production_id", raw.ProductionID)
		return nil
	}

	if err := r.store.PutRewardRecord(*rec); err != nil {
		return fmt.Errorf("persisting reward for %s: %w", raw.ProductionID, err)
	}
	if known {
		if err := r.bandit.Forget(cohort, prev.ElementTags, prev.Composite); err != nil {
			return fmt.Errorf("reversing prior posteriors for %s: %w", raw.ProductionID, err)
		}
	}
	if err := r.bandit.Observe(cohort, rec.ElementTags, rec.Composite); err != nil {
		return fmt.Errorf("updating element posteriors for %s: %w", raw.ProductionID, err)
	}

	// Scorer credit is taken once, at first maturation. Restated metrics
	// do not re-credit: the selection the scorers argued for is the same.
	if !known {
		contributions, ok, err := r.store.GetScoreBreakdown(cohort, raw.ProductionID)
		if err != nil {
			return fmt.Errorf("loading score breakdown for %s: %w", raw.ProductionID, err)
		}
		if ok {
			if err := r.learner.CreditAssign(cohort, rec.Composite, contributions); err != nil {
				return fmt.Errorf("assigning scorer credit for %s: %w", raw.ProductionID, err)
			}
		} else {
			// Productions created outside the selector have no breakdown.
			r.logger.Debug("no score breakdown for production, skipping credit assignment",
				"cohort", cohort, "production_id", raw.ProductionID)
		}
	}

	stats.mu.Lock()
	stats.matured++
	stats.mu.Unlock()
	return nil
}

// sameContribution reports whether a re-synthesized record would touch
// the posteriors identically to the stored one.
func sameContribution(a, b reward.Record) bool {
	return a.Composite == b.Composite && maps.Equal(a.ElementTags, b.ElementTags)
}
