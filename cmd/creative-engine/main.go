// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command creative-engine runs the creative learning service.
//
// The service turns ad-platform outcome data into launch decisions:
//   - Weighted template selection with quality gates and tiered fallback
//   - Composite reward synthesis with maturation gating
//   - Per-cohort Thompson-sampling element posteriors
//   - Scorer weight calibration and stratified attribution
//   - Controlled experiments with Bayesian analysis
//
// Usage:
//
//	go run ./cmd/creative-engine serve
//	go run ./cmd/creative-engine serve --config config.yaml --debug
//	go run ./cmd/creative-engine cycle --config config.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8085/v1/learning/health
//
//	# Select from a candidate pool
//	curl -X POST http://localhost:8085/v1/learning/select \
//	  -H "Content-Type: application/json" \
//	  -d '{"context": {"cohort": "acct-1/video"}, "candidates": [...], "count": 5}'
//
//	# Inspect what a cohort has learned
//	curl "http://localhost:8085/v1/learning/advisory?cohort=acct-1/video"
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
