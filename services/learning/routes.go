// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all learning service routes on the given router group.
//
// Routes:
//
//	POST   /learning/select                     - Weighted candidate selection
//	POST   /learning/productions                - Register a launched production
//	POST   /learning/outcomes/batch             - Record raw outcome metrics
//	POST   /learning/cycle                      - Run one learning cycle now
//	GET    /learning/advisory                   - Element insights for a cohort
//	GET    /learning/calibration                - Scorer weight calibration
//	GET    /learning/priors                     - Cold-start prior for an element
//	PUT    /learning/profiles                   - Upsert a cohort profile
//	POST   /learning/experiments                - Create an experiment
//	GET    /learning/experiments/:id            - Fetch an experiment
//	POST   /learning/experiments/:id/start      - Start a draft experiment
//	POST   /learning/experiments/:id/outcomes   - Record an arm outcome
//	POST   /learning/experiments/:id/analyze    - Run interim or final analysis
//	POST   /learning/experiments/:id/cancel     - Cancel an experiment
//	POST   /learning/experiments/assign         - Deterministic arm assignment
//	GET    /learning/health                     - Liveness check
//	GET    /learning/ready                      - Readiness check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	learning := rg.Group("/learning")
	{
		learning.POST("/select", handlers.HandleSelect)
		learning.POST("/productions", handlers.HandleRegisterProduction)
		learning.POST("/outcomes/batch", handlers.HandleIngestOutcomes)
		learning.POST("/cycle", handlers.HandleRunCycle)
		learning.GET("/advisory", handlers.HandleAdvisory)
		learning.GET("/calibration", handlers.HandleCalibration)
		learning.GET("/priors", handlers.HandleColdStartPrior)
		learning.PUT("/profiles", handlers.HandleUpsertProfile)

		experiments := learning.Group("/experiments")
		{
			experiments.POST("", handlers.HandleCreateExperiment)
			experiments.POST("/assign", handlers.HandleAssignArm)
			experiments.GET("/:id", handlers.HandleGetExperiment)
			experiments.POST("/:id/start", handlers.HandleStartExperiment)
			experiments.POST("/:id/outcomes", handlers.HandleExperimentOutcome)
			experiments.POST("/:id/analyze", handlers.HandleAnalyzeExperiment)
			experiments.POST("/:id/cancel", handlers.HandleCancelExperiment)
		}

		learning.GET("/health", handlers.HandleHealth)
		learning.GET("/ready", handlers.HandleReady)
	}
}
