// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/variantlab/creative-engine/services/learning/coldstart"
	"github.com/variantlab/creative-engine/services/learning/experiment"
)

// Handlers contains the HTTP handlers for the learning service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleSelect handles POST /v1/learning/select.
//
// Description:
//
//	Runs the tiered selection pipeline over the caller's candidate
//	pool. An empty result is a 200 with Result.Empty set, never an
//	error status.
//
// Response:
//
//	200 OK: SelectResponse
//	400 Bad Request: Validation error
//	500 Internal Server Error: Processing error
func (h *Handlers) HandleSelect(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSelect")

	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.Select(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
		logger.Error("Selection failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Selection failed", Code: "SELECT_FAILED"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleRegisterProduction handles POST /v1/learning/productions.
func (h *Handlers) HandleRegisterProduction(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRegisterProduction")

	var req RegisterProductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := h.svc.RegisterProduction(req); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
		logger.Error("Production registration failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Registration failed", Code: "REGISTER_FAILED"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "registered"})
}

// HandleIngestOutcomes handles POST /v1/learning/outcomes/batch.
func (h *Handlers) HandleIngestOutcomes(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIngestOutcomes")

	var req OutcomesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := h.svc.IngestOutcomes(req); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
		logger.Error("Outcome ingestion failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Ingestion failed", Code: "INGEST_FAILED"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded", "count": len(req.Outcomes)})
}

// HandleRunCycle handles POST /v1/learning/cycle.
//
// Triggers one learning cycle immediately, outside the schedule.
func (h *Handlers) HandleRunCycle(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRunCycle")

	if err := h.svc.RunCycle(c.Request.Context()); err != nil {
		logger.Error("Learning cycle failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Cycle failed", Code: "CYCLE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// HandleAdvisory handles GET /v1/learning/advisory.
func (h *Handlers) HandleAdvisory(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAdvisory")

	cohort := c.Query("cohort")
	resp, err := h.svc.Advisory(cohort)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		case errors.Is(err, ErrInsufficientEvidence):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "INSUFFICIENT_EVIDENCE"})
		default:
			logger.Error("Advisory failed", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Advisory failed", Code: "ADVISORY_FAILED"})
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCalibration handles GET /v1/learning/calibration.
func (h *Handlers) HandleCalibration(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCalibration")

	resp, err := h.svc.Calibration(c.Query("cohort"))
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
		logger.Error("Calibration lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Calibration failed", Code: "CALIBRATION_FAILED"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleColdStartPrior handles GET /v1/learning/priors.
func (h *Handlers) HandleColdStartPrior(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleColdStartPrior")

	resp, err := h.svc.ColdStartPrior(c.Query("cohort"), c.Query("element"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		case errors.Is(err, ErrInsufficientEvidence):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "INSUFFICIENT_EVIDENCE"})
		default:
			logger.Error("Prior lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Prior lookup failed", Code: "PRIOR_FAILED"})
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleUpsertProfile handles PUT /v1/learning/profiles.
func (h *Handlers) HandleUpsertProfile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpsertProfile")

	var p coldstart.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := h.svc.UpsertProfile(p); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
		logger.Error("Profile upsert failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Profile upsert failed", Code: "PROFILE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

// ============================================================================
// Experiments
// ============================================================================

// HandleCreateExperiment handles POST /v1/learning/experiments.
func (h *Handlers) HandleCreateExperiment(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreateExperiment")

	var def experiment.Experiment
	if err := c.ShouldBindJSON(&def); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	created, err := h.svc.CreateExperiment(def)
	if err != nil {
		if errors.Is(err, experiment.ErrInvalidDefinition) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_DEFINITION"})
			return
		}
		logger.Error("Experiment creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Creation failed", Code: "CREATE_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// HandleGetExperiment handles GET /v1/learning/experiments/:id.
func (h *Handlers) HandleGetExperiment(c *gin.Context) {
	e, err := h.svc.GetExperiment(c.Param("id"))
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Lookup failed", Code: "GET_FAILED"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// HandleStartExperiment handles POST /v1/learning/experiments/:id/start.
func (h *Handlers) HandleStartExperiment(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStartExperiment")

	started, err := h.svc.StartExperiment(c.Param("id"))
	if err != nil {
		writeExperimentError(c, logger, err, "START_FAILED")
		return
	}
	c.JSON(http.StatusOK, started)
}

// HandleAssignArm handles POST /v1/learning/experiments/assign.
func (h *Handlers) HandleAssignArm(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAssignArm")

	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	resp, err := h.svc.AssignArm(req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
		logger.Error("Assignment failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Assignment failed", Code: "ASSIGN_FAILED"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleExperimentOutcome handles POST /v1/learning/experiments/:id/outcomes.
func (h *Handlers) HandleExperimentOutcome(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleExperimentOutcome")

	var req ExperimentOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := h.svc.RecordExperimentOutcome(c.Param("id"), req); err != nil {
		writeExperimentError(c, logger, err, "OUTCOME_FAILED")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// HandleAnalyzeExperiment handles POST /v1/learning/experiments/:id/analyze.
func (h *Handlers) HandleAnalyzeExperiment(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAnalyzeExperiment")

	verdict, err := h.svc.AnalyzeExperiment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeExperimentError(c, logger, err, "ANALYZE_FAILED")
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// HandleCancelExperiment handles POST /v1/learning/experiments/:id/cancel.
func (h *Handlers) HandleCancelExperiment(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCancelExperiment")

	cancelled, err := h.svc.CancelExperiment(c.Param("id"))
	if err != nil {
		writeExperimentError(c, logger, err, "CANCEL_FAILED")
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

// writeExperimentError maps experiment sentinels to HTTP statuses.
func writeExperimentError(c *gin.Context, logger *slog.Logger, err error, fallbackCode string) {
	switch {
	case errors.Is(err, experiment.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, experiment.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "ALREADY_RUNNING"})
	case errors.Is(err, experiment.ErrBadTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "BAD_TRANSITION"})
	case errors.Is(err, experiment.ErrInvalidDefinition):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_DEFINITION"})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
	default:
		logger.Error("Experiment operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Operation failed", Code: fallbackCode})
	}
}

// ============================================================================
// Health
// ============================================================================

// HandleHealth handles GET /v1/learning/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "learning",
		"version": ServiceVersion,
	})
}

// HandleReady handles GET /v1/learning/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// getOrCreateRequestID extracts or generates the request id.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
