// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/variantlab/creative-engine/services/learning/bandit"
	"github.com/variantlab/creative-engine/services/learning/calibration"
	"github.com/variantlab/creative-engine/services/learning/coldstart"
	"github.com/variantlab/creative-engine/services/learning/experiment"
	"github.com/variantlab/creative-engine/services/learning/reward"
)

// Key prefixes. Cohort ids may contain slashes, so keys are never parsed
// back into fields; the JSON value carries the full record.
const (
	prefixElementPosterior = "post/"
	prefixScorerPosterior  = "scorer/"
	prefixReward           = "reward/"
	prefixBreakdown        = "breakdown/"
	prefixProfile          = "profile/"
	prefixExperiment       = "exp/"
	prefixRunningIndex     = "exprun/"
	prefixCausal           = "causal/"
	prefixWatermark        = "wm/"
	prefixOutcome          = "outcome/"
)

// ErrImmutableRecord is returned when a write would overwrite an
// append-only record.
var ErrImmutableRecord = errors.New("storage: record is append-only")

// Store is the BadgerDB-backed implementation of every learning
// persistence interface: bandit.PosteriorStore, calibration.Store, and
// experiment.Store, plus reward records, cohort profiles, and batch
// watermarks.
//
// Thread Safety: safe for concurrent use; BadgerDB transactions provide
// isolation.
type Store struct {
	db       *badger.DB
	gcStop   chan struct{}
	gcDone   chan struct{}
	inMemory bool
}

// Verify interface satisfaction at compile time.
var (
	_ bandit.PosteriorStore = (*Store)(nil)
	_ calibration.Store     = (*Store)(nil)
	_ experiment.Store      = (*Store)(nil)
)

// Open opens the learning store, starting the GC loop for persistent
// databases when configured.
func Open(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go gcLoop(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger, s.gcStop, s.gcDone)
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

// ============================================================================
// Generic helpers
// ============================================================================

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

// scanJSON decodes every value under a prefix into fresh T values.
func scanJSON[T any](s *Store, prefix string) ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var v T
			if err := it.Item().Value(func(data []byte) error {
				return json.Unmarshal(data, &v)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Element posteriors (bandit.PosteriorStore)
// ============================================================================

func elementKey(cohort, dimension, value string) string {
	return prefixElementPosterior + cohort + "\x00" + dimension + "\x00" + value
}

func (s *Store) GetElementPosterior(cohort, dimension, value string) (bandit.Posterior, bool, error) {
	var p bandit.Posterior
	ok, err := s.getJSON(elementKey(cohort, dimension, value), &p)
	return p, ok, err
}

func (s *Store) PutElementPosterior(p bandit.Posterior) error {
	return s.putJSON(elementKey(p.Cohort, p.Dimension, p.Value), p)
}

func (s *Store) ListElementPosteriors(cohort, dimension string) ([]bandit.Posterior, error) {
	return scanJSON[bandit.Posterior](s, prefixElementPosterior+cohort+"\x00"+dimension+"\x00")
}

// ListCohortElementPosteriors returns every posterior a cohort holds
// across all dimensions, for the advisory surface.
func (s *Store) ListCohortElementPosteriors(cohort string) ([]bandit.Posterior, error) {
	return scanJSON[bandit.Posterior](s, prefixElementPosterior+cohort+"\x00")
}

// ============================================================================
// Scorer posteriors (calibration.Store)
// ============================================================================

func scorerKey(cohort, scorer string) string {
	return prefixScorerPosterior + cohort + "\x00" + scorer
}

func (s *Store) GetScorerPosterior(cohort, scorer string) (calibration.ScorerPosterior, bool, error) {
	var p calibration.ScorerPosterior
	ok, err := s.getJSON(scorerKey(cohort, scorer), &p)
	return p, ok, err
}

func (s *Store) PutScorerPosterior(p calibration.ScorerPosterior) error {
	return s.putJSON(scorerKey(p.Cohort, p.Scorer), p)
}

// ============================================================================
// Reward records
// ============================================================================

// PutRewardRecord upserts a matured reward keyed by production id.
// Re-synthesis with unchanged inputs rewrites an identical value.
func (s *Store) PutRewardRecord(r reward.Record) error {
	return s.putJSON(prefixReward+r.Cohort+"\x00"+r.ProductionID, r)
}

func (s *Store) GetRewardRecord(cohort, productionID string) (reward.Record, bool, error) {
	var r reward.Record
	ok, err := s.getJSON(prefixReward+cohort+"\x00"+productionID, &r)
	return r, ok, err
}

// ListRewardRecords returns every matured reward for a cohort, in key
// order (production id).
func (s *Store) ListRewardRecords(cohort string) ([]reward.Record, error) {
	return scanJSON[reward.Record](s, prefixReward+cohort+"\x00")
}

// ============================================================================
// Score breakdowns
// ============================================================================

// PutScoreBreakdown records the per-scorer contributions captured when a
// production was selected, so later credit assignment can reconstruct
// which scorers argued for it.
func (s *Store) PutScoreBreakdown(cohort, productionID string, contributions map[string]float64) error {
	return s.putJSON(prefixBreakdown+cohort+"\x00"+productionID, contributions)
}

func (s *Store) GetScoreBreakdown(cohort, productionID string) (map[string]float64, bool, error) {
	var contributions map[string]float64
	ok, err := s.getJSON(prefixBreakdown+cohort+"\x00"+productionID, &contributions)
	return contributions, ok, err
}

// ============================================================================
// Cohort profiles
// ============================================================================

func (s *Store) PutProfile(p coldstart.Profile) error {
	return s.putJSON(prefixProfile+p.Cohort, p)
}

func (s *Store) GetProfile(cohort string) (coldstart.Profile, bool, error) {
	var p coldstart.Profile
	ok, err := s.getJSON(prefixProfile+cohort, &p)
	return p, ok, err
}

// ListProfiles returns all cohort profiles. The cold-start service
// filters them for eligibility; the store does not.
func (s *Store) ListProfiles() ([]coldstart.Profile, error) {
	return scanJSON[coldstart.Profile](s, prefixProfile)
}

// ============================================================================
// Experiments (experiment.Store)
// ============================================================================

func (s *Store) GetExperiment(id string) (experiment.Experiment, bool, error) {
	var e experiment.Experiment
	ok, err := s.getJSON(prefixExperiment+id, &e)
	return e, ok, err
}

// PutExperiment upserts the experiment and maintains the per-cohort
// running index in the same transaction, so RunningExperiment never
// observes a half-updated pair.
func (s *Store) PutExperiment(e experiment.Experiment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal experiment %s: %w", e.ID, err)
	}
	active := e.State == experiment.StateRunning || e.State == experiment.StateAnalyzing
	idxKey := []byte(prefixRunningIndex + e.Cohort)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixExperiment+e.ID), data); err != nil {
			return err
		}
		if active {
			return txn.Set(idxKey, []byte(e.ID))
		}
		// Clear the index only if it points at this experiment.
		item, err := txn.Get(idxKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var current string
		if err := item.Value(func(v []byte) error { current = string(v); return nil }); err != nil {
			return err
		}
		if current == e.ID {
			return txn.Delete(idxKey)
		}
		return nil
	})
}

func (s *Store) RunningExperiment(cohort string) (experiment.Experiment, bool, error) {
	var id string
	ok, err := s.getRaw(prefixRunningIndex+cohort, &id)
	if err != nil || !ok {
		return experiment.Experiment{}, false, err
	}
	return s.GetExperiment(id)
}

func (s *Store) getRaw(key string, out *string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { *out = string(v); return nil })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

// AppendCausalEffect writes a causal record, keyed by experiment id so a
// completed experiment can never contribute a second record. Causal
// records are the system's only causal artifacts and are never mutated
// after the fact.
func (s *Store) AppendCausalEffect(ce experiment.CausalEffect) error {
	data, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("marshal causal effect %s: %w", ce.ID, err)
	}
	key := []byte(prefixCausal + ce.Cohort + "\x00" + ce.ExperimentID)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: causal effect for experiment %s", ErrImmutableRecord, ce.ExperimentID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) ListCausalEffects(cohort string) ([]experiment.CausalEffect, error) {
	return scanJSON[experiment.CausalEffect](s, prefixCausal+cohort+"\x00")
}

// ============================================================================
// Outcome snapshots
// ============================================================================

// outcomeSnapshot stamps a raw metric snapshot with its arrival time so
// the batch runner can fetch only what changed since its watermark.
type outcomeSnapshot struct {
	Raw       reward.RawMetrics `json:"raw"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PutOutcomeSnapshots upserts the latest metric snapshot per production
// in one transaction. The ad-platform sync re-posts full metrics on
// every change, so only the newest snapshot is kept.
func (s *Store) PutOutcomeSnapshots(outcomes []reward.RawMetrics, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, raw := range outcomes {
			data, err := json.Marshal(outcomeSnapshot{Raw: raw, UpdatedAt: at})
			if err != nil {
				return fmt.Errorf("marshal outcome %s: %w", raw.ProductionID, err)
			}
			key := prefixOutcome + raw.Cohort + "\x00" + raw.ProductionID
			if err := txn.Set([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListOutcomeSnapshots returns every snapshot that arrived after since.
func (s *Store) ListOutcomeSnapshots(since time.Time) ([]reward.RawMetrics, error) {
	snaps, err := scanJSON[outcomeSnapshot](s, prefixOutcome)
	if err != nil {
		return nil, err
	}
	var out []reward.RawMetrics
	for _, snap := range snaps {
		if snap.UpdatedAt.After(since) {
			out = append(out, snap.Raw)
		}
	}
	return out, nil
}

// ============================================================================
// Batch watermarks
// ============================================================================

// PutWatermark records the exclusive upper bound a batch job has
// processed through.
func (s *Store) PutWatermark(job string, at time.Time) error {
	return s.putJSON(prefixWatermark+job, at)
}

// GetWatermark returns the job's watermark, zero time when the job has
// never completed a cycle.
func (s *Store) GetWatermark(job string) (time.Time, error) {
	var at time.Time
	ok, err := s.getJSON(prefixWatermark+job, &at)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return at, nil
}
