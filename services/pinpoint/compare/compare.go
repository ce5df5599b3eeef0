// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compare decides whether two samples of measurements differ.
//
// # Decision Rule
//
// The p-value is the smaller of the two-sample Kolmogorov-Smirnov and the
// Mann-Whitney U p-values. A comparison is Different when the p-value is at
// or below LowThreshold and the effect size reaches the requested
// magnitude. It is Same when the p-value exceeds a high threshold derived
// from the magnitude and the number of attempts: the more attempts, the
// more confident we are that an effect of that size would have shown up.
// Anything in between is Unknown and the caller should gather more data.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package compare

import (
	"math"
	"sort"
)

// LowThreshold is the p-value at or below which samples are considered
// different.
const LowThreshold = 0.01

// iqrEpsilon floors the interquartile range used to normalize effects.
const iqrEpsilon = 0.001

// normalIQR is the interquartile range of the standard normal distribution.
const normalIQR = 1.349

// Result is the outcome of a comparison.
type Result int

const (
	// Unknown means significance could not be reached with this data.
	Unknown Result = iota

	// Same means the samples are statistically indistinguishable at the
	// requested magnitude.
	Same

	// Different means the samples differ by at least the requested magnitude.
	Different

	// Pending is never returned by Compare. Callers use it when one side
	// still has outstanding measurements.
	Pending
)

// String returns the lower-case name of the result.
func (r Result) String() string {
	switch r {
	case Same:
		return "same"
	case Different:
		return "different"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// MarshalText renders the result in payloads and serializers.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Kind selects how the effect size is computed.
type Kind string

const (
	// KindPerformance compares continuous measurements; the effect is the
	// mean difference normalized by the larger interquartile range.
	KindPerformance Kind = "performance"

	// KindFunctional compares pass/fail indicators; the effect is the raw
	// difference in failure rate.
	KindFunctional Kind = "functional"
)

// Comparison carries the full detail of a decision.
type Comparison struct {
	Result        Result  `json:"result"`
	PValue        float64 `json:"p_value"`
	LowThreshold  float64 `json:"low_threshold"`
	HighThreshold float64 `json:"high_threshold"`
	Effect        float64 `json:"effect"`
}

// Compare decides whether a and b differ.
//
// Description:
//
//	See the package documentation for the decision rule. Either side empty,
//	or attempts <= 0, yields Unknown.
//
// Inputs:
//
//	a, b - Samples. Not modified.
//	attempts - Number of attempts backing the samples; drives the high threshold.
//	kind - How the effect size is computed.
//	magnitude - Minimum effect worth reporting. For KindPerformance this is
//	    in units of the larger interquartile range.
//
// Outputs:
//
//	Result - Same, Different or Unknown.
func Compare(a, b []float64, attempts int, kind Kind, magnitude float64) Result {
	return Detail(a, b, attempts, kind, magnitude).Result
}

// Detail is Compare returning the p-value, thresholds and effect as well.
func Detail(a, b []float64, attempts int, kind Kind, magnitude float64) Comparison {
	c := Comparison{Result: Unknown, PValue: 1, LowThreshold: LowThreshold, HighThreshold: 1}
	if len(a) == 0 || len(b) == 0 {
		return c
	}

	c.PValue = math.Min(KolmogorovSmirnov(a, b), MannWhitneyU(a, b))
	c.Effect = effect(a, b, kind)
	c.HighThreshold = HighThreshold(magnitude, attempts)
	if attempts <= 0 {
		return c
	}

	switch {
	case c.PValue <= LowThreshold && c.Effect >= magnitude:
		c.Result = Different
	case c.PValue > c.HighThreshold:
		c.Result = Same
	case c.PValue <= LowThreshold:
		// Significant but smaller than anything the caller cares about.
		c.Result = Same
	}
	return c
}

// HighThreshold returns the p-value above which samples are considered the
// same. It shrinks as attempts grow and never drops below LowThreshold.
func HighThreshold(magnitude float64, attempts int) float64 {
	if attempts <= 0 {
		return 1
	}
	z := math.Abs(magnitude) * normalIQR * math.Sqrt(float64(attempts)/2)
	return math.Max(LowThreshold, twoSidedNormal(z))
}

func effect(a, b []float64, kind Kind) float64 {
	diff := math.Abs(Mean(a) - Mean(b))
	if kind == KindFunctional {
		return diff
	}
	return diff / math.Max(math.Max(IQR(a), IQR(b)), iqrEpsilon)
}

// =============================================================================
// Statistics
// =============================================================================

// Mean returns the arithmetic mean, or 0 for an empty sample.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Percentile returns the p-th percentile (0 <= p <= 1) using linear
// interpolation between closest ranks. Returns 0 for an empty sample.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := sortedCopy(values)
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[len(s)-1]
	}
	pos := p * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

// IQR returns the interquartile range (75th minus 25th percentile).
func IQR(values []float64) float64 {
	return Percentile(values, 0.75) - Percentile(values, 0.25)
}

// KolmogorovSmirnov returns the asymptotic p-value of the two-sample
// Kolmogorov-Smirnov test.
func KolmogorovSmirnov(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 1
	}
	d := ksStatistic(sortedCopy(a), sortedCopy(b))
	if d == 0 {
		return 1
	}
	n := float64(len(a)) * float64(len(b)) / float64(len(a)+len(b))
	en := math.Sqrt(n)
	return clampProbability(kolmogorovQ((en + 0.12 + 0.11/en) * d))
}

// ksStatistic is the largest gap between the two empirical distribution
// functions. Tied values advance both sides together.
func ksStatistic(x, y []float64) float64 {
	nx, ny := float64(len(x)), float64(len(y))
	var i, j int
	var d float64
	for i < len(x) && j < len(y) {
		v := math.Min(x[i], y[j])
		for i < len(x) && x[i] == v {
			i++
		}
		for j < len(y) && y[j] == v {
			j++
		}
		if gap := math.Abs(float64(i)/nx - float64(j)/ny); gap > d {
			d = gap
		}
	}
	return d
}

// kolmogorovQ is the complementary Kolmogorov distribution function.
func kolmogorovQ(lambda float64) float64 {
	a2 := -2 * lambda * lambda
	fac := 2.0
	var sum, prev float64
	for j := 1; j <= 100; j++ {
		term := fac * math.Exp(a2*float64(j*j))
		sum += term
		if math.Abs(term) <= 0.001*prev || math.Abs(term) <= 1e-8*sum {
			return sum
		}
		fac = -fac
		prev = math.Abs(term)
	}
	// Did not converge: lambda is tiny, so the samples are close.
	return 1
}

// MannWhitneyU returns the two-sided p-value of the Mann-Whitney U test
// using the normal approximation with tie and continuity corrections.
func MannWhitneyU(a, b []float64) float64 {
	n1, n2 := len(a), len(b)
	if n1 == 0 || n2 == 0 {
		return 1
	}

	type obs struct {
		v     float64
		fromA bool
	}
	all := make([]obs, 0, n1+n2)
	for _, v := range a {
		all = append(all, obs{v: v, fromA: true})
	}
	for _, v := range b {
		all = append(all, obs{v: v})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].v < all[j].v })

	var rankSumA, tieTerm float64
	for i := 0; i < len(all); {
		j := i
		for j < len(all) && all[j].v == all[i].v {
			j++
		}
		// Ranks i+1..j share their average.
		avg := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			if all[k].fromA {
				rankSumA += avg
			}
		}
		t := float64(j - i)
		tieTerm += t*t*t - t
		i = j
	}

	fn1, fn2 := float64(n1), float64(n2)
	total := fn1 + fn2
	u1 := rankSumA - fn1*(fn1+1)/2
	mu := fn1 * fn2 / 2
	variance := fn1 * fn2 / 12 * ((total + 1) - tieTerm/(total*(total-1)))
	if variance <= 0 {
		return 1
	}
	z := (math.Abs(u1-mu) - 0.5) / math.Sqrt(variance)
	if z < 0 {
		z = 0
	}
	return clampProbability(twoSidedNormal(z))
}

// twoSidedNormal returns P(|Z| >= z) for a standard normal Z.
func twoSidedNormal(z float64) float64 {
	return math.Erfc(math.Abs(z) / math.Sqrt2)
}

func clampProbability(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}

func sortedCopy(values []float64) []float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	return s
}
