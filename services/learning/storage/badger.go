// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage persists learning state in an embedded BadgerDB.
//
// One database holds every durable artifact of the learning loop:
// element posteriors, scorer posteriors, matured reward records, cohort
// profiles, experiments with their causal effect records, and batch
// watermarks. All values are JSON; keys are prefix-partitioned per
// artifact so each reader can range-scan its own slice.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the learning database.
type Config struct {
	// Path is the directory for database files. Required unless
	// InMemory is set.
	Path string `yaml:"path" json:"path"`

	// InMemory disables disk persistence. Test use only.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is how often value log garbage collection runs.
	// Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the minimum discardable fraction before a GC
	// pass rewrites a value log file.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns production defaults: durable writes and a
// five-minute GC cadence.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a test configuration with no disk I/O and GC
// disabled.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// open opens the underlying BadgerDB per the configuration, creating
// the data directory when needed.
func open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// gcLoop periodically triggers value log garbage collection until the
// stop channel closes.
func gcLoop(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				if logger != nil {
					logger.Debug("badger value log GC completed")
				}
			case errors.Is(err, badger.ErrNoRewrite):
				// Nothing to collect.
			default:
				if logger != nil {
					logger.Warn("badger value log GC error", "error", err)
				}
			}
		}
	}
}
