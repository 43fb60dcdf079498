// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined instruments for the learning service.
//
// All instruments use the "learning_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// --- Selection Metrics ---

	// SelectionsTotal counts selection requests by cohort and outcome
	// (selected, empty).
	SelectionsTotal metric.Int64Counter

	// SelectionDuration records end-to-end selection latency in seconds.
	SelectionDuration metric.Float64Histogram

	// SelectionPoolSize records how many candidates survived the quality
	// gate per request.
	SelectionPoolSize metric.Int64Histogram

	// --- Learning Cycle Metrics ---

	// RewardsSynthesizedTotal counts matured reward records per cycle.
	RewardsSynthesizedTotal metric.Int64Counter

	// ImmatureOutcomesTotal counts outcomes deferred by the maturation
	// gate.
	ImmatureOutcomesTotal metric.Int64Counter

	// CycleDuration records one learning cycle's duration in seconds.
	CycleDuration metric.Float64Histogram

	// --- Experiment Metrics ---

	// ExperimentAnalysesTotal counts analysis passes by resulting state.
	ExperimentAnalysesTotal metric.Int64Counter

	// CausalRecordsTotal counts appended causal effect records.
	CausalRecordsTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts errors by component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics registers every instrument with the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"learning_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"learning_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.SelectionsTotal, err = meter.Int64Counter(
		"learning_selections_total",
		metric.WithDescription("Total selection requests"),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create selections_total: %w", err)
	}

	m.SelectionDuration, err = meter.Float64Histogram(
		"learning_selection_duration_seconds",
		metric.WithDescription("Selection latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1),
	)
	if err != nil {
		return nil, fmt.Errorf("create selection_duration: %w", err)
	}

	m.SelectionPoolSize, err = meter.Int64Histogram(
		"learning_selection_pool_size",
		metric.WithDescription("Candidates surviving the quality gate"),
		metric.WithUnit("{candidate}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return nil, fmt.Errorf("create selection_pool_size: %w", err)
	}

	m.RewardsSynthesizedTotal, err = meter.Int64Counter(
		"learning_rewards_synthesized_total",
		metric.WithDescription("Matured reward records synthesized"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rewards_synthesized_total: %w", err)
	}

	m.ImmatureOutcomesTotal, err = meter.Int64Counter(
		"learning_immature_outcomes_total",
		metric.WithDescription("Outcomes deferred by the maturation gate"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create immature_outcomes_total: %w", err)
	}

	m.CycleDuration, err = meter.Float64Histogram(
		"learning_cycle_duration_seconds",
		metric.WithDescription("Learning cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 300, 900),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle_duration: %w", err)
	}

	m.ExperimentAnalysesTotal, err = meter.Int64Counter(
		"learning_experiment_analyses_total",
		metric.WithDescription("Experiment analysis passes"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create experiment_analyses_total: %w", err)
	}

	m.CausalRecordsTotal, err = meter.Int64Counter(
		"learning_causal_records_total",
		metric.WithDescription("Causal effect records appended"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create causal_records_total: %w", err)
	}

	m.ErrorsTotal, err = meter.Int64Counter(
		"learning_errors_total",
		metric.WithDescription("Total errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// ObserveCycle records one learning cycle's counters. It satisfies the
// batch runner's observer hook; the runner invokes it outside any
// request, so a background context is used.
func (m *Metrics) ObserveCycle(matured, immature, failed int, elapsed time.Duration) {
	ctx := context.Background()
	m.RewardsSynthesizedTotal.Add(ctx, int64(matured))
	m.ImmatureOutcomesTotal.Add(ctx, int64(immature))
	if failed > 0 {
		m.ErrorsTotal.Add(ctx, int64(failed),
			metric.WithAttributes(attribute.String("component", "batch")))
	}
	m.CycleDuration.Record(ctx, elapsed.Seconds())
}
