// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package coldstart supplies shrunk, similarity-weighted priors from
// sibling cohorts when a cohort has too little local data.
//
// Sharing is opt-in per cohort and scoped to a single organization; only
// aggregate statistics (mean element-score vectors) ever cross a cohort
// boundary, never raw per-event records.
package coldstart

import (
	"log/slog"
	"math"
)

// Profile is one cohort's aggregate element-score vector, the only shape
// of data allowed to cross cohort boundaries.
type Profile struct {
	Cohort   string `json:"cohort"`
	Org      string `json:"org"`
	Category string `json:"category"`

	// ShareLearning is the cohort's opt-in flag. Profiles with the flag
	// unset neither give nor receive borrowed priors.
	ShareLearning bool `json:"share_learning"`

	// Scores maps "dimension/value" to the cohort's posterior mean for
	// that element.
	Scores map[string]float64 `json:"scores"`

	// Counts maps "dimension/value" to the cohort's observation count.
	Counts map[string]float64 `json:"counts"`
}

// Prior is a borrowed Beta prior for one element.
type Prior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`

	// Borrowed is false when no sibling data qualified and the uniform
	// prior was returned unchanged.
	Borrowed bool `json:"borrowed"`

	// Siblings is how many sibling cohorts contributed.
	Siblings int `json:"siblings"`
}

// Config tunes borrowing.
type Config struct {
	// MinLocalObservations is the local count at or above which no
	// borrowing happens: the cohort's own data speaks.
	MinLocalObservations float64 `json:"min_local_observations" yaml:"min_local_observations"`

	// Shrinkage pulls the blended sibling mean toward the uniform prior
	// mean (0.5) to avoid over-trusting thin external data.
	Shrinkage float64 `json:"shrinkage" yaml:"shrinkage"`

	// PriorStrength is the pseudo-observation count the borrowed prior
	// carries. Kept small so local data overtakes it quickly.
	PriorStrength float64 `json:"prior_strength" yaml:"prior_strength"`

	// MinSimilarity excludes siblings whose score vectors barely
	// correlate with the local cohort's.
	MinSimilarity float64 `json:"min_similarity" yaml:"min_similarity"`
}

// DefaultConfig returns the documented defaults (0.3 shrinkage).
func DefaultConfig() Config {
	return Config{
		MinLocalObservations: 10,
		Shrinkage:            0.3,
		PriorStrength:        6,
		MinSimilarity:        0.1,
	}
}

// Service computes borrowed priors.
//
// Thread Safety: stateless; safe for concurrent use.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// NewService creates a cold-start Service. A zero-value Config is
// replaced by DefaultConfig().
func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.PriorStrength == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger}
}

// Prior derives a Beta prior for one element of the local cohort.
//
// Description:
//
//	Returns the uniform prior untouched when the local cohort already
//	has enough observations for the element, when the local cohort has
//	not opted into sharing, or when no qualifying sibling exists.
//	Otherwise blends sibling posterior means weighted by cosine
//	similarity between score vectors, shrinks the blend toward 0.5, and
//	converts it to Beta pseudo-counts of PriorStrength total weight.
//
// Inputs:
//
//	local    - The borrowing cohort's profile.
//	siblings - Candidate donor profiles (any cohort the caller can see;
//	           filtering happens here).
//	element  - "dimension/value" key to derive the prior for.
func (s *Service) Prior(local Profile, siblings []Profile, element string) Prior {
	uniform := Prior{Alpha: 1, Beta: 1}
	if local.Counts[element] >= s.cfg.MinLocalObservations {
		return uniform
	}
	if !local.ShareLearning {
		return uniform
	}

	var weightedSum, weightTotal float64
	contributors := 0
	for _, sib := range siblings {
		if !s.eligible(local, sib) {
			continue
		}
		mean, ok := sib.Scores[element]
		if !ok {
			continue
		}
		sim := cosine(local.Scores, sib.Scores)
		if sim < s.cfg.MinSimilarity {
			continue
		}
		weightedSum += sim * mean
		weightTotal += sim
		contributors++
	}
	if contributors == 0 {
		return uniform
	}

	blended := weightedSum / weightTotal
	shrunk := (1-s.cfg.Shrinkage)*blended + s.cfg.Shrinkage*0.5

	s.logger.Debug("borrowed cold-start prior",
		"cohort", local.Cohort, "element", element,
		"siblings", contributors, "blended", blended, "shrunk", shrunk)

	return Prior{
		Alpha:    1 + shrunk*s.cfg.PriorStrength,
		Beta:     1 + (1-shrunk)*s.cfg.PriorStrength,
		Borrowed: true,
		Siblings: contributors,
	}
}

// eligible reports whether a sibling may donate to the local cohort:
// opted in, same organization, not the cohort itself, and either the same
// category or explicitly shared.
func (s *Service) eligible(local, sib Profile) bool {
	if sib.Cohort == local.Cohort {
		return false
	}
	if !sib.ShareLearning {
		return false
	}
	if sib.Org != local.Org {
		return false
	}
	return sib.Category == local.Category
}

// cosine computes cosine similarity between two sparse score vectors
// keyed by element. Missing keys contribute zero.
func cosine(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for k, va := range a {
		normA += va * va
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
