// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experiment

import (
	"math"
	"math/rand"
	"sort"
)

// posteriorComparison holds the Monte Carlo outputs of one analysis pass.
type posteriorComparison struct {
	// probBest maps arm index to P(best).
	probBest []float64

	// effectSamples holds treatment-minus-control rate draws for the
	// leading non-control arm, reused for the causal effect CI.
	effectSamples []float64
}

// compareArms estimates each arm's probability of having the true best
// success rate.
//
// Description:
//
//	Models every arm's binary outcome rate as Beta(1+successes,
//	1+failures) and draws draws-many Monte Carlo samples per arm. Each
//	joint draw tallies a win for the arm with the highest sampled rate;
//	P(best) is the win fraction. Effect samples (best non-control arm
//	minus control) are collected in the same pass so the winner's
//	confidence interval and P(effect > 0) come from the same posterior.
func compareArms(e Experiment, draws int, seed int64) posteriorComparison {
	rng := rand.New(rand.NewSource(seed))
	nArms := len(e.Arms)
	out := posteriorComparison{probBest: make([]float64, nArms)}
	if nArms == 0 || draws <= 0 {
		return out
	}

	control := e.ControlArm()
	wins := make([]int, nArms)
	sample := make([]float64, nArms)
	out.effectSamples = make([]float64, 0, draws)
	for d := 0; d < draws; d++ {
		best := 0
		for i, a := range e.Arms {
			alpha := 1 + float64(a.Successes)
			beta := 1 + float64(a.Impressions-a.Successes)
			sample[i] = sampleBetaMC(rng, alpha, beta)
			if sample[i] > sample[best] {
				best = i
			}
		}
		wins[best]++
		if control >= 0 {
			// Effect draw: best non-control arm vs control.
			bestTreat := -1
			for i := range e.Arms {
				if i == control {
					continue
				}
				if bestTreat < 0 || sample[i] > sample[bestTreat] {
					bestTreat = i
				}
			}
			if bestTreat >= 0 {
				out.effectSamples = append(out.effectSamples, sample[bestTreat]-sample[control])
			}
		}
	}
	for i := range wins {
		out.probBest[i] = float64(wins[i]) / float64(draws)
	}
	return out
}

// effectSummary reduces effect samples to a point estimate, 95% interval,
// and P(effect > 0).
func effectSummary(samples []float64) (mean, low, high, probPositive float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	positive := 0
	for _, v := range sorted {
		sum += v
		if v > 0 {
			positive++
		}
	}
	mean = sum / float64(len(sorted))
	low = sorted[int(0.025*float64(len(sorted)-1))]
	high = sorted[int(0.975*float64(len(sorted)-1))]
	probPositive = float64(positive) / float64(len(sorted))
	return mean, low, high, probPositive
}

// sampleBetaMC draws from Beta(a, b) with the same gamma-ratio
// construction the element bandit uses.
func sampleBetaMC(rng *rand.Rand, a, b float64) float64 {
	ga := sampleGammaMC(rng, a)
	gb := sampleGammaMC(rng, b)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// sampleGammaMC draws from Gamma(shape, 1) via Marsaglia-Tsang.
func sampleGammaMC(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGammaMC(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
