// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry wires OpenTelemetry metrics for the learning service.
//
// Metrics are exported through the Prometheus exporter by default; the
// /metrics endpoint serves the default Prometheus registry so the OTel
// instruments and client_golang's process collectors appear together.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ErrNilContext is returned when Init is called with a nil context.
var ErrNilContext = errors.New("telemetry: nil context")

// ErrUnknownExporter is returned for an unrecognized exporter name.
var ErrUnknownExporter = errors.New("telemetry: unknown exporter")

// Config controls metric export.
type Config struct {
	// ServiceName identifies this service in exported metrics.
	ServiceName string `yaml:"service_name" json:"service_name"`

	// ServiceVersion is the version string for this service.
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Environment identifies the deployment environment.
	Environment string `yaml:"environment" json:"environment"`

	// MetricExporter selects the exporter: "prometheus" or "none".
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter"`
}

// DefaultConfig returns development defaults. OTEL_METRICS_EXPORTER and
// ENGINE_ENV override the exporter and environment.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "creative-engine",
		ServiceVersion: "1.0.0",
		Environment:    getEnvOr("ENGINE_ENV", "development"),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
	}
}

// prometheusHandler stores the exporter's HTTP handler. Access via
// MetricsHandler().
var (
	prometheusHandler   http.Handler
	prometheusHandlerMu sync.RWMutex
)

// MetricsHandler returns the /metrics HTTP handler, or nil when the
// Prometheus exporter is not active.
//
// Thread Safety: Safe for concurrent use.
func MetricsHandler() http.Handler {
	prometheusHandlerMu.RLock()
	defer prometheusHandlerMu.RUnlock()
	return prometheusHandler
}

// Init initializes the metric stack.
//
// Description:
//
//	Installs a global MeterProvider per the configuration. After Init
//	returns, otel.Meter() works anywhere in the process. The returned
//	shutdown function flushes and stops the provider and must be called
//	on exit.
//
// Thread Safety: Call once at application startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	shutdown = func(context.Context) error { return nil }
	if cfg.MetricExporter == "none" {
		return shutdown, nil
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}

		// The OTel exporter registers with the default prometheus
		// registry, so promhttp.Handler() serves both instrument sets.
		prometheusHandlerMu.Lock()
		prometheusHandler = promhttp.Handler()
		prometheusHandlerMu.Unlock()

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(exporter),
		)
		otel.SetMeterProvider(mp)
		return mp.Shutdown, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// getEnvOr returns the environment variable value or the fallback.
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
