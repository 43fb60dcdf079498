// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/variantlab/creative-engine/pkg/logging"
	"github.com/variantlab/creative-engine/services/learning"
	"github.com/variantlab/creative-engine/services/learning/batch"
	"github.com/variantlab/creative-engine/services/learning/storage"
	"github.com/variantlab/creative-engine/services/learning/telemetry"
)

var (
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "creative-engine",
		Short: "Learning and experimentation engine for creative production",
		Long: `creative-engine selects creative templates, learns which
elements work from ad-platform outcomes, and runs controlled experiments
to turn correlations into causal knowledge.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the learning API server and the batch scheduler",
		RunE:  runServe,
	}

	cycleCmd = &cobra.Command{
		Use:   "cycle",
		Short: "Run one learning cycle against the configured store and exit",
		Long: `Runs a single outcome-sync cycle: synthesize matured rewards,
update element posteriors, and credit scorer calibration. Useful for
backfills and for debugging cycle behavior without the scheduler.`,
		RunE: runCycle,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging and Gin debug mode")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cycleCmd)
}

func newLogger() *logging.Logger {
	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: "learning",
		JSON:    !debug,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := learning.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger()
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	cfg.Storage.Logger = logger.Slog()
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	svc, err := learning.NewService(cfg, store, logger.Slog())
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}

	metrics, err := telemetry.NewMetrics(otel.Meter("learning"))
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}
	svc.WithMetrics(metrics)

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	router.Use(telemetry.GinMiddleware(metrics))
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	learning.RegisterRoutes(v1, learning.NewHandlers(svc))

	scheduler := batch.NewScheduler(logger.Slog())
	if err := scheduler.Add(cfg.Batch.JobName, cfg.Batch.Schedule, svc.RunCycle); err != nil {
		return fmt.Errorf("scheduling %s: %w", cfg.Batch.JobName, err)
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("learning server listening", "address", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down learning server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
	return nil
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg, err := learning.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger()
	defer logger.Close()

	cfg.Storage.Logger = logger.Slog()
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	svc, err := learning.NewService(cfg, store, logger.Slog())
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}

	start := time.Now()
	if err := svc.RunCycle(cmd.Context()); err != nil {
		return fmt.Errorf("learning cycle: %w", err)
	}
	logger.Info("learning cycle finished", "elapsed", time.Since(start))
	return nil
}
