// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lifecycleExporter records the order of LogExporter calls and can fail
// on demand.
type lifecycleExporter struct {
	mu       sync.Mutex
	calls    []string
	flushErr error
}

func (e *lifecycleExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "export")
	return nil
}

func (e *lifecycleExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "flush")
	return e.flushErr
}

func (e *lifecycleExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "close")
	return nil
}

func (e *lifecycleExporter) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// fileLogger builds a quiet file-backed logger in a temp dir and returns
// the logger plus the expected log file path.
func fileLogger(t *testing.T, cfg Config) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	cfg.LogDir = dir
	cfg.Quiet = true
	logger := New(cfg)
	t.Cleanup(func() { _ = logger.Close() })

	service := cfg.Service
	if service == "" {
		service = "creative-engine"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return logger, filepath.Join(dir, name)
}

// readLogLines syncs the logger's file and returns its non-empty lines.
func readLogLines(t *testing.T, logger *Logger, path string) []string {
	t.Helper()
	require.NoError(t, logger.file.Sync())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// =============================================================================
// Levels
// =============================================================================

func TestLevel_String(t *testing.T) {
	cases := map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
		Level(42):  "UNKNOWN",
	}
	for level, want := range cases {
		assert.Equal(t, want, level.String())
	}
}

func TestLevel_ToSlogLevel(t *testing.T) {
	cases := map[Level]slog.Level{
		LevelDebug: slog.LevelDebug,
		LevelInfo:  slog.LevelInfo,
		LevelWarn:  slog.LevelWarn,
		LevelError: slog.LevelError,
		Level(42):  slog.LevelInfo,
	}
	for level, want := range cases {
		assert.Equal(t, want, level.toSlogLevel())
	}
}

// =============================================================================
// File Output
// =============================================================================

func TestNew_CreatesDatedLogFile(t *testing.T) {
	logger, path := fileLogger(t, Config{Service: "learner"})

	logger.Info("cycle complete", "cohort", "acct-1/video")

	lines := readLogLines(t, logger, path)
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "cycle complete", entry["msg"])
	assert.Equal(t, "learner", entry["service"])
	assert.Equal(t, "acct-1/video", entry["cohort"])
}

func TestNew_DefaultsFileServiceName(t *testing.T) {
	logger, path := fileLogger(t, Config{})

	logger.Info("starting")

	assert.True(t, strings.HasPrefix(filepath.Base(path), "creative-engine_"))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestNew_FileOutputIsAlwaysJSON(t *testing.T) {
	// Config.JSON controls stderr only; the file format is fixed.
	logger, path := fileLogger(t, Config{Service: "learner", JSON: false})

	logger.Warn("slow selection", "elapsed_ms", 120)

	lines := readLogLines(t, logger, path)
	require.Len(t, lines, 1)
	var entry map[string]any
	assert.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
}

func TestNew_LevelFiltersOutput(t *testing.T) {
	logger, path := fileLogger(t, Config{Service: "learner", Level: LevelWarn})

	logger.Debug("noise")
	logger.Info("noise")
	logger.Warn("fallback engaged")
	logger.Error("store unavailable")

	lines := readLogLines(t, logger, path)
	assert.Len(t, lines, 2)
}

func TestNew_SurvivesUnwritableLogDir(t *testing.T) {
	// A plain file where the directory should go makes MkdirAll fail;
	// the logger must still come up on its fallback destination.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "taken")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Quiet: true})
	t.Cleanup(func() { _ = logger.Close() })

	assert.Nil(t, logger.file)
	assert.NotPanics(t, func() { logger.Info("still alive") })
}

// =============================================================================
// Child Loggers
// =============================================================================

func TestWith_AddsAttributes(t *testing.T) {
	logger, path := fileLogger(t, Config{Service: "learner"})

	child := logger.With("component", "batch")
	child.Info("cohort processed")
	logger.Info("cycle complete")

	lines := readLogLines(t, logger, path)
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "batch", first["component"])
	_, parentHasAttr := second["component"]
	assert.False(t, parentHasAttr, "parent logger must not inherit child attrs")
}

func TestSlog_SharesDestinations(t *testing.T) {
	logger, path := fileLogger(t, Config{Service: "learner"})

	logger.Slog().Info("via slog")

	lines := readLogLines(t, logger, path)
	assert.Len(t, lines, 1)
}

func TestNew_QuietWithoutFileStillLogs(t *testing.T) {
	logger := New(Config{Quiet: true})
	t.Cleanup(func() { _ = logger.Close() })

	assert.NotPanics(t, func() { logger.Info("heartbeat") })
}

// =============================================================================
// Export Path
// =============================================================================

func TestExporter_ReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Service: "learner", Quiet: true, Exporter: exporter})
	t.Cleanup(func() { _ = logger.Close() })

	logger.Info("selection served", "cohort", "acct-1/video", "count", 2)

	// Export runs on a goroutine; wait for delivery.
	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)

	entry := exporter.Entries()[0]
	assert.Equal(t, LevelInfo, entry.Level)
	assert.Equal(t, "selection served", entry.Message)
	assert.Equal(t, "learner", entry.Service)
	assert.Equal(t, "acct-1/video", entry.Attrs["cohort"])
	assert.Equal(t, 2, entry.Attrs["count"])
	assert.False(t, entry.Timestamp.IsZero())
}

func TestExporter_HonorsLevel(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Level: LevelWarn, Exporter: exporter})
	t.Cleanup(func() { _ = logger.Close() })

	logger.Debug("ignored")
	logger.Info("ignored")
	logger.Warn("kept")

	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "kept", exporter.Entries()[0].Message)
}

func TestClose_FlushesExporterBeforeClosing(t *testing.T) {
	exporter := &lifecycleExporter{}
	logger := New(Config{Quiet: true, Exporter: exporter})

	require.NoError(t, logger.Close())
	assert.Equal(t, []string{"flush", "close"}, exporter.Calls())
}

func TestClose_ReturnsFlushError(t *testing.T) {
	flushErr := errors.New("sink gone")
	exporter := &lifecycleExporter{flushErr: flushErr}
	logger := New(Config{Quiet: true, Exporter: exporter})

	err := logger.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, flushErr)
	// Close still runs after a failed flush.
	assert.Equal(t, []string{"flush", "close"}, exporter.Calls())
}

// =============================================================================
// Helpers
// =============================================================================

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"cohort", "acct-1/video", "count", 3, 42, "non-string-key", "dangling"})

	assert.Equal(t, map[string]any{
		"cohort": "acct-1/video",
		"count":  3,
	}, got)
}

func TestArgsToMap_Empty(t *testing.T) {
	assert.Empty(t, argsToMap(nil))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log/learner", expandPath("/var/log/learner"))
	assert.Equal(t, "", expandPath(""))
}

// =============================================================================
// Multi-Handler
// =============================================================================

func TestMultiHandler_FansOutByLevel(t *testing.T) {
	var verbose, errorsOnly bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&errorsOnly, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h)

	logger.Info("routine")
	logger.Error("broken")

	assert.Equal(t, 2, strings.Count(verbose.String(), "\n"))
	assert.Equal(t, 1, strings.Count(errorsOnly.String(), "\n"))
	assert.NotContains(t, errorsOnly.String(), "routine")
}

func TestMultiHandler_WithAttrsPropagates(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "learner")}))

	logger.Info("tagged")

	assert.Contains(t, a.String(), `"service":"learner"`)
	assert.Contains(t, b.String(), `"service":"learner"`)
}

// =============================================================================
// Built-in Exporters
// =============================================================================

func TestNopExporter(t *testing.T) {
	e := &NopExporter{}
	assert.NoError(t, e.Export(context.Background(), LogEntry{Message: "dropped"}))
	assert.NoError(t, e.Flush(context.Background()))
	assert.NoError(t, e.Close())
}

func TestBufferedExporter_EntriesIsACopy(t *testing.T) {
	e := NewBufferedExporter()
	require.NoError(t, e.Export(context.Background(), LogEntry{Message: "one"}))

	snapshot := e.Entries()
	snapshot[0].Message = "mutated"

	assert.Equal(t, "one", e.Entries()[0].Message)
}

func TestWriterExporter_Format(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)

	err := e.Export(context.Background(), LogEntry{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Level:     LevelWarn,
		Message:   "retrying",
		Attrs:     map[string]any{"attempt": 2},
	})
	require.NoError(t, err)

	line := buf.String()
	assert.Contains(t, line, "[2025-06-01T12:00:00Z] WARN: retrying")
	assert.Contains(t, line, "attempt:2")
	assert.True(t, strings.HasSuffix(line, "\n"))

	// Close must leave the writer usable for the caller.
	require.NoError(t, e.Close())
	_, err = buf.WriteString("still open")
	assert.NoError(t, err)
}
