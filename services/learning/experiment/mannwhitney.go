// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experiment

import (
	"math"
	"sort"
)

// MannWhitneyResult holds the two-sample test output.
type MannWhitneyResult struct {
	// U is the statistic for sample A.
	U float64 `json:"u"`

	// Z is the normalized statistic under the normal approximation.
	Z float64 `json:"z"`

	// PValue is the two-sided p-value.
	PValue float64 `json:"p_value"`

	NA int `json:"n_a"`
	NB int `json:"n_b"`
}

// MannWhitney runs the distribution-free two-sample test with a
// tie-corrected variance term.
//
// Description:
//
//	Computes the Mann-Whitney U statistic over unit-level outcomes (one
//	row per subject; never pre-aggregated batch summaries, which bias
//	the test under unequal batch sizes). Binary outcomes produce two
//	huge tie groups, so the plain variance badly overstates dispersion;
//	the corrected term is
//
//	    sigma^2 = (na*nb/12) * (N+1 - sum(t^3-t) / (N*(N-1)))
//
//	where t ranges over tie-group sizes. The p-value comes from the
//	normal approximation, which is accurate for the sample sizes
//	experiments run at. Implemented from first principles; no external
//	statistics dependency.
//
// Outputs:
//
//	MannWhitneyResult - Zero-valued with PValue=1 when either sample is
//	                    empty or the variance degenerates (all values
//	                    tied).
func MannWhitney(a, b []float64) MannWhitneyResult {
	na, nb := len(a), len(b)
	res := MannWhitneyResult{NA: na, NB: nb, PValue: 1}
	if na == 0 || nb == 0 {
		return res
	}
	n := na + nb

	type obs struct {
		value float64
		fromA bool
	}
	all := make([]obs, 0, n)
	for _, v := range a {
		all = append(all, obs{value: v, fromA: true})
	}
	for _, v := range b {
		all = append(all, obs{value: v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].value < all[j].value })

	// Midranks with tie groups.
	ranks := make([]float64, n)
	var tieTerm float64
	for i := 0; i < n; {
		j := i
		for j < n && all[j].value == all[i].value {
			j++
		}
		t := float64(j - i)
		mid := (float64(i+1) + float64(j)) / 2
		for k := i; k < j; k++ {
			ranks[k] = mid
		}
		tieTerm += t*t*t - t
		i = j
	}

	var rankSumA float64
	for i, o := range all {
		if o.fromA {
			rankSumA += ranks[i]
		}
	}
	fa, fb, fn := float64(na), float64(nb), float64(n)
	res.U = rankSumA - fa*(fa+1)/2

	variance := fa * fb / 12 * (fn + 1 - tieTerm/(fn*(fn-1)))
	if variance <= 0 {
		// Every value tied: no evidence either way.
		return res
	}
	res.Z = (res.U - fa*fb/2) / math.Sqrt(variance)
	res.PValue = 2 * normalCDF(-math.Abs(res.Z))
	return res
}

// MannWhitneyBinary expands per-arm success counts into unit-level 0/1
// outcomes and runs MannWhitney. For binary data the counts are the
// complete unit-level dataset, so no aggregation bias is introduced.
func MannWhitneyBinary(successA, totalA, successB, totalB int64) MannWhitneyResult {
	return MannWhitney(binaryOutcomes(successA, totalA), binaryOutcomes(successB, totalB))
}

func binaryOutcomes(successes, total int64) []float64 {
	out := make([]float64, total)
	for i := int64(0); i < successes && i < total; i++ {
		out[i] = 1
	}
	return out
}

// normalCDF is the standard normal CDF via the error function.
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
