// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seq(start, n int, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(start) + float64(i)*step
	}
	return out
}

func TestCompare_IdenticalSamplesAreSame(t *testing.T) {
	a := seq(0, 50, 1)
	b := seq(0, 50, 1)
	assert.Equal(t, Same, Compare(a, b, 50, KindPerformance, 1.0))
}

func TestCompare_SameDistributionShiftedSlightly(t *testing.T) {
	a := seq(0, 100, 1)
	b := seq(0, 100, 1)
	b[0] = 0.5
	assert.Equal(t, Same, Compare(a, b, 100, KindPerformance, 1.0))
}

func TestCompare_SeparatedClustersAreDifferent(t *testing.T) {
	a := seq(0, 30, 0.5)
	b := seq(100, 30, 0.5)
	assert.Equal(t, Different, Compare(a, b, 30, KindPerformance, 1.0))
}

func TestCompare_BisectionScenarioValues(t *testing.T) {
	a := []float64{5, 10, 25, 10, 15}
	b := []float64{505, 510, 525, 510, 515}

	d := Detail(a, b, 5, KindPerformance, 1.0)
	assert.Equal(t, Different, d.Result)
	assert.Less(t, d.PValue, LowThreshold)
	assert.InDelta(t, 100.0, d.Effect, 1e-9)
}

func TestCompare_UnknownCases(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float64
		attempts int
	}{
		{"empty a", nil, []float64{1, 2}, 2},
		{"empty b", []float64{1, 2}, nil, 2},
		{"zero attempts", []float64{1, 2, 3}, []float64{100, 200, 300}, 0},
		{"tiny samples", []float64{1}, []float64{2}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Unknown, Compare(tt.a, tt.b, tt.attempts, KindPerformance, 1.0))
		})
	}
}

func TestCompare_SignificantButBelowMagnitudeIsSame(t *testing.T) {
	a := seq(0, 40, 1)
	b := seq(41, 40, 1)
	// Effect is about 2 IQRs; asking for 10 IQRs makes this uninteresting.
	assert.Equal(t, Same, Compare(a, b, 40, KindPerformance, 10))
}

func TestCompare_Symmetric(t *testing.T) {
	pairs := [][2][]float64{
		{{5, 10, 25, 10, 15}, {505, 510, 525, 510, 515}},
		{seq(0, 50, 1), seq(0, 50, 1)},
		{{1}, {2}},
		{seq(0, 20, 1), seq(3, 20, 1)},
	}
	for _, p := range pairs {
		ab := Compare(p[0], p[1], 10, KindPerformance, 1.0)
		ba := Compare(p[1], p[0], 10, KindPerformance, 1.0)
		assert.Equal(t, ab, ba)
	}
}

func TestCompare_Deterministic(t *testing.T) {
	a := []float64{3, 1, 2, 2, 5}
	b := []float64{2, 9, 8, 2, 7}
	first := Detail(a, b, 5, KindPerformance, 1.0)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Detail(a, b, 5, KindPerformance, 1.0))
	}
	assert.Equal(t, []float64{3, 1, 2, 2, 5}, a, "inputs are not reordered")
}

func TestCompare_Functional(t *testing.T) {
	passes := make([]float64, 40)
	failures := make([]float64, 40)
	for i := range failures {
		failures[i] = 1
	}
	assert.Equal(t, Different, Compare(passes, failures, 40, KindFunctional, 0.5))
}

func TestHighThreshold(t *testing.T) {
	assert.Equal(t, 1.0, HighThreshold(1, 0))
	assert.Equal(t, LowThreshold, HighThreshold(1, 1000), "floored at the low threshold")
	assert.Greater(t, HighThreshold(0.5, 4), HighThreshold(0.5, 16), "more attempts shrink the threshold")
}

func TestStatistics(t *testing.T) {
	v := []float64{5, 10, 25, 10, 15}
	assert.InDelta(t, 13.0, Mean(v), 1e-9)
	assert.InDelta(t, 5.0, IQR(v), 1e-9)
	assert.InDelta(t, 2.5, Percentile([]float64{4, 1, 3, 2}, 0.5), 1e-9)
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, IQR(nil))
}

func TestMannWhitneyU(t *testing.T) {
	a := []float64{5, 10, 25, 10, 15}
	b := []float64{505, 510, 525, 510, 515}
	assert.InDelta(t, 0.0122, MannWhitneyU(a, b), 0.002)
	assert.Equal(t, 1.0, MannWhitneyU([]float64{1, 1}, []float64{1, 1}), "all ties")
}

func TestKolmogorovSmirnov(t *testing.T) {
	a := []float64{5, 10, 25, 10, 15}
	b := []float64{505, 510, 525, 510, 515}
	p := KolmogorovSmirnov(a, b)
	assert.Greater(t, p, 0.001)
	assert.Less(t, p, 0.01)
	assert.Equal(t, 1.0, KolmogorovSmirnov(a, a))
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "same", Same.String())
	assert.Equal(t, "different", Different.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "pending", Pending.String())
}
