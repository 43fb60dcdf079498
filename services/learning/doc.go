// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package learning is the creative learning engine's service facade.
//
// It composes the subsystem packages into one surface:
//
//   - selection: weighted candidate scoring and seeded sampling
//   - reward: maturation-gated composite reward synthesis
//   - bandit: Thompson-sampling element posteriors
//   - calibration: scorer-weight learning with safety rails
//   - attribution: stratified correlational effect and interaction mining
//   - coldstart: opt-in prior borrowing across sibling cohorts
//   - experiment: controlled tests, the only source of causal labels
//   - batch: the scheduled learning cycle feeding the above
//   - storage: the BadgerDB store behind all of it
//
// The Service type owns the wiring; handlers.go and routes.go expose it
// over HTTP under /v1/learning. Every per-cohort quantity is isolated:
// cohorts never share posteriors, baselines, or experiments, and the only
// cross-cohort flow is the cold-start borrowing path, which both sides
// must opt into.
package learning
