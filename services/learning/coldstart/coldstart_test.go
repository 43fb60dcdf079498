// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package coldstart

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func localProfile() Profile {
	return Profile{
		Cohort:        "brand-a",
		Org:           "org-1",
		Category:      "supplements",
		ShareLearning: true,
		Scores:        map[string]float64{"hook/question": 0.6, "style/ugc": 0.55},
		Counts:        map[string]float64{"hook/question": 3},
	}
}

func siblingProfile(cohort string) Profile {
	return Profile{
		Cohort:        cohort,
		Org:           "org-1",
		Category:      "supplements",
		ShareLearning: true,
		Scores:        map[string]float64{"hook/question": 0.8, "style/ugc": 0.5},
		Counts:        map[string]float64{"hook/question": 50},
	}
}

func TestPrior_BorrowsFromSimilarSibling(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	p := s.Prior(localProfile(), []Profile{siblingProfile("brand-b")}, "hook/question")

	assert.True(t, p.Borrowed)
	assert.Equal(t, 1, p.Siblings)
	// Single sibling: blended mean = 0.8, shrunk = 0.7*0.8 + 0.3*0.5 = 0.71.
	wantAlpha := 1 + 0.71*6
	wantBeta := 1 + 0.29*6
	assert.InDelta(t, wantAlpha, p.Alpha, 1e-9)
	assert.InDelta(t, wantBeta, p.Beta, 1e-9)
	// The shrunk prior mean sits between the sibling's 0.8 and uniform 0.5.
	mean := p.Alpha / (p.Alpha + p.Beta)
	assert.Greater(t, mean, 0.5)
	assert.Less(t, mean, 0.8)
}

func TestPrior_EnoughLocalDataMeansNoBorrowing(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	local := localProfile()
	local.Counts["hook/question"] = 50
	p := s.Prior(local, []Profile{siblingProfile("brand-b")}, "hook/question")
	assert.Equal(t, Prior{Alpha: 1, Beta: 1}, p)
}

func TestPrior_OptOutBlocksBorrowing(t *testing.T) {
	s := NewService(DefaultConfig(), nil)

	// Local cohort not opted in: no borrowing at all.
	local := localProfile()
	local.ShareLearning = false
	p := s.Prior(local, []Profile{siblingProfile("brand-b")}, "hook/question")
	assert.False(t, p.Borrowed)

	// Sibling not opted in: excluded as a donor.
	sib := siblingProfile("brand-b")
	sib.ShareLearning = false
	p = s.Prior(localProfile(), []Profile{sib}, "hook/question")
	assert.False(t, p.Borrowed)
}

func TestPrior_OrgBoundaryEnforced(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	sib := siblingProfile("brand-b")
	sib.Org = "org-2"
	p := s.Prior(localProfile(), []Profile{sib}, "hook/question")
	assert.False(t, p.Borrowed, "priors must never cross the org boundary")
}

func TestPrior_CategoryMismatchExcluded(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	sib := siblingProfile("brand-b")
	sib.Category = "apparel"
	p := s.Prior(localProfile(), []Profile{sib}, "hook/question")
	assert.False(t, p.Borrowed)
}

func TestPrior_SelfIsNotASibling(t *testing.T) {
	s := NewService(DefaultConfig(), nil)
	p := s.Prior(localProfile(), []Profile{siblingProfile("brand-a")}, "hook/question")
	assert.False(t, p.Borrowed)
}

func TestPrior_SimilarityWeighting(t *testing.T) {
	s := NewService(DefaultConfig(), nil)

	// Two siblings with different means; the one more similar to the
	// local score vector should pull the blend toward itself.
	similar := siblingProfile("brand-sim")
	similar.Scores = map[string]float64{"hook/question": 0.9, "style/ugc": 0.55}
	dissimilar := siblingProfile("brand-dis")
	dissimilar.Scores = map[string]float64{"hook/question": 0.2, "other/x": 0.9}

	p := s.Prior(localProfile(), []Profile{similar, dissimilar}, "hook/question")
	assert.True(t, p.Borrowed)
	assert.Equal(t, 2, p.Siblings)
	mean := p.Alpha / (p.Alpha + p.Beta)
	assert.Greater(t, mean, 0.5, "blend should lean toward the similar, high-scoring sibling")
}

func TestCosine(t *testing.T) {
	a := map[string]float64{"x": 1, "y": 0}
	assert.InDelta(t, 1.0, cosine(a, map[string]float64{"x": 2, "y": 0}), 1e-12)
	assert.InDelta(t, 0.0, cosine(a, map[string]float64{"y": 3}), 1e-12)
	assert.Equal(t, 0.0, cosine(a, map[string]float64{}))

	b := map[string]float64{"x": 1, "y": 1}
	assert.InDelta(t, math.Sqrt2/2, cosine(a, b), 1e-12)
}
