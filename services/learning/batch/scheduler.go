// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one schedulable unit of work.
type Job func(ctx context.Context) error

// Scheduler runs learning jobs on cron expressions.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	// JobTimeout bounds one invocation. A cycle that cannot finish in
	// this window is cut off and retried on the next tick.
	JobTimeout time.Duration
}

// NewScheduler creates a stopped scheduler. A nil logger falls back to
// slog.Default().
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:       cron.New(),
		logger:     logger,
		JobTimeout: 30 * time.Minute,
	}
}

// Add registers a job under a cron expression.
func (s *Scheduler) Add(name, schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.JobTimeout)
		defer cancel()

		start := time.Now()
		s.logger.Info("scheduled job starting", "job", name)
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", name, "error", err)
			return
		}
		s.logger.Info("scheduled job completed", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("scheduling job %s (%s): %w", name, schedule, err)
	}
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and returns a context that completes when
// in-flight jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
