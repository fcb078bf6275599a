// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"math"
	"math/rand/v2"
	"testing"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(m Monitor, n int, s Sample) {
	for i := 0; i < n; i++ {
		m.Observe(s)
	}
}

func clean(f dt.ApiFamily) Sample  { return Sample{Family: f, LatencyNs: 12} }
func adverse(f dt.ApiFamily) Sample { return Sample{Family: f, LatencyNs: 12, Adverse: true} }

func TestThresholds(t *testing.T) {
	th := thresholds{1, 2, 3}
	tests := []struct {
		v    float64
		want dt.Severity
	}{
		{0, dt.SeverityNominal},
		{0.99, dt.SeverityNominal},
		{1, dt.SeverityElevated},
		{2.5, dt.SeverityWarning},
		{3, dt.SeverityCritical},
		{math.Inf(1), dt.SeverityCritical},
		{math.NaN(), dt.SeverityWarning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.classify(tt.v), "v=%v", tt.v)
	}
}

func TestAllMonitors_CalibrateThenNominalOnCleanInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, id := range KnownIDs() {
		t.Run(string(id), func(t *testing.T) {
			m := factories[id](0)
			assert.Equal(t, id, m.ID())
			assert.Equal(t, PhaseCalibrating, m.State().Phase)
			for i := 0; i < 4000; i++ {
				m.Observe(Sample{
					Family:    dt.FamilyStringMemory,
					LatencyNs: 12 + rng.Uint64N(5),
					Addr:      0x1000_0000 + rng.Uint64N(64)<<12,
				})
			}
			st := m.State()
			assert.Equal(t, PhaseActive, st.Phase)
			assert.Less(t, st.Severity, dt.SeverityWarning)
			sum := m.Summary()
			assert.Equal(t, id, sum.ID)
			assert.Equal(t, "active", sum.Phase)
			assert.Positive(t, sum.Observations)
		})
	}
}

func TestAdverseEWMA(t *testing.T) {
	m := NewAdverseEWMA(0)
	feed(m, 64, clean(dt.FamilyStdio))
	assert.Equal(t, State{Phase: PhaseActive}, m.FamilyState(dt.FamilyStdio))
	assert.Equal(t, PhaseCalibrating, m.FamilyState(dt.FamilySocket).Phase)

	feed(m, 200, adverse(dt.FamilyStdio))
	assert.Equal(t, dt.SeverityCritical, m.FamilyState(dt.FamilyStdio).Severity)
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)

	feed(m, 500, clean(dt.FamilyStdio))
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)
	assert.Equal(t, State{}, m.FamilyState(dt.ApiFamily(250)))
}

func TestEProcess(t *testing.T) {
	m := NewEProcess(0)
	feed(m, 100, clean(dt.FamilyAllocator))
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)

	feed(m, 10, adverse(dt.FamilyAllocator))
	assert.Equal(t, dt.SeverityCritical, m.FamilyState(dt.FamilyAllocator).Severity)

	// Evidence is per family.
	feed(m, 100, clean(dt.FamilyTime))
	assert.Equal(t, dt.SeverityNominal, m.FamilyState(dt.FamilyTime).Severity)

	// The floor at zero lets evidence restart after a clean stretch.
	feed(m, 300, clean(dt.FamilyAllocator))
	assert.Equal(t, dt.SeverityNominal, m.FamilyState(dt.FamilyAllocator).Severity)
	feed(m, 10, adverse(dt.FamilyAllocator))
	assert.Equal(t, dt.SeverityCritical, m.FamilyState(dt.FamilyAllocator).Severity)
}

func TestBetaPosterior(t *testing.T) {
	m := NewBetaPosterior(0)
	feed(m, 200, clean(dt.FamilyStdlib))
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	feed(m, 100, adverse(dt.FamilyStdlib))
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)

	feed(m, 3000, clean(dt.FamilyStdlib))
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)
}

func TestContention(t *testing.T) {
	m := NewContention(0)
	feed(m, 32, Sample{Contention: 10})
	assert.Equal(t, State{Phase: PhaseActive}, m.State())
	feed(m, 100, Sample{Contention: 250})
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)
}

func TestLatencyCUSUM(t *testing.T) {
	m := NewLatencyCUSUM(0)
	for i := 0; i < 500; i++ {
		m.Observe(Sample{LatencyNs: 12 + uint64(i%3)})
	}
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	feed(m, 50, Sample{LatencyNs: 2000})
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)

	// The other profile is independent and still calibrating.
	assert.Equal(t, PhaseCalibrating, m.profiles[dt.ProfileFull].w.phase())
}

func TestWasserstein(t *testing.T) {
	m := NewWasserstein(0)
	for i := 0; i < 512; i++ {
		m.Observe(Sample{LatencyNs: 12 + uint64(i%4)})
	}
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	feed(m, 512, Sample{LatencyNs: 1000})
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)

	assert.InDelta(t, 0.0, w1(&[latencyBins]float64{}, &[latencyBins]float64{1}), 1e-12)
	a, b := [latencyBins]float64{}, [latencyBins]float64{}
	a[3], b[6] = 1, 1
	assert.InDelta(t, 3.0, w1(&a, &b), 1e-12)
}

func TestCVaRTail(t *testing.T) {
	m := NewCVaRTail(0)
	feed(m, 256, Sample{LatencyNs: 10})
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	feed(m, 64, Sample{LatencyNs: 100})
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)
	assert.InDelta(t, 10.0, m.profiles[dt.ProfileFast].ratio, 1e-9)
}

func TestRescaledRangeExponent(t *testing.T) {
	flat := make([]float64, hurstWindow)
	assert.Equal(t, 0.5, rescaledRangeExponent(flat))

	ramp := make([]float64, hurstWindow)
	for i := range ramp {
		ramp[i] = float64(i)
	}
	assert.Greater(t, rescaledRangeExponent(ramp), 0.75)

	rng := rand.New(rand.NewPCG(9, 9))
	var sum float64
	for trial := 0; trial < 200; trial++ {
		x := make([]float64, hurstWindow)
		for i := range x {
			x[i] = rng.Float64()
		}
		sum += rescaledRangeExponent(x)
	}
	assert.InDelta(t, 0.53, sum/200, 0.06)
}

func TestHurst_TrendRaisesSeverity(t *testing.T) {
	m := NewHurst(0)
	rng := rand.New(rand.NewPCG(4, 4))
	for i := 0; i < 1024; i++ {
		m.Observe(Sample{LatencyNs: 100 + rng.Uint64N(100)})
	}
	require.Equal(t, PhaseActive, m.State().Phase)
	for i := 0; i < hurstWindow; i++ {
		m.Observe(Sample{LatencyNs: 1000 + 100*uint64(i)})
	}
	assert.GreaterOrEqual(t, m.State().Severity, dt.SeverityElevated)
}

func TestChangePoint(t *testing.T) {
	m := NewChangePoint(0)
	feed(m, 3000, clean(dt.FamilyPoll))
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	// A single surprising sample is not a regime change.
	m.Observe(adverse(dt.FamilyPoll))
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)

	feed(m, 100, clean(dt.FamilyPoll))
	peak := dt.SeverityNominal
	for i := 0; i < 12; i++ {
		m.Observe(adverse(dt.FamilyPoll))
		peak = max(peak, m.State().Severity)
	}
	assert.GreaterOrEqual(t, peak, dt.SeverityWarning)

	var total float64
	for _, p := range m.prob {
		total += p
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.Less(t, m.MAPRunLength(), maxRunLength)
}

func TestSpectral(t *testing.T) {
	m := NewSpectral(0)
	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < 256; i++ {
		m.Observe(Sample{LatencyNs: 10 + rng.Uint64N(50), Adverse: rng.IntN(2) == 0, Contention: uint32(rng.IntN(100))})
	}
	assert.Less(t, m.State().Severity, dt.SeverityWarning)

	// Everything moves together.
	for i := 0; i < 256; i++ {
		hot := rng.IntN(2) == 0
		s := Sample{LatencyNs: 10, Contention: 0, Addr: 0}
		if hot {
			s = Sample{LatencyNs: 5000, Adverse: true, Contention: 100}
		}
		m.Observe(s)
	}
	assert.GreaterOrEqual(t, m.State().Severity, dt.SeverityWarning)
	assert.InDelta(t, 3.0, m.lambda, 0.01)
}

func TestCorrelation_ZeroVarianceIsUncorrelated(t *testing.T) {
	rows := make([][spectralDims]float64, 10)
	for i := range rows {
		rows[i] = [spectralDims]float64{float64(i), 1, 0, float64(2 * i)}
	}
	c := correlation(rows)
	assert.InDelta(t, 1.0, c[0][3], 1e-9)
	assert.Zero(t, c[1][1])
	assert.Zero(t, c[0][2])
	assert.InDelta(t, 2.0, leadingEigenvalue(c), 1e-6)
	assert.Zero(t, leadingEigenvalue([spectralDims][spectralDims]float64{}))
}

func TestPageEntropy(t *testing.T) {
	m := NewPageEntropy(0)
	// Addressless samples are ignored.
	feed(m, 1000, Sample{})
	assert.Equal(t, PhaseCalibrating, m.State().Phase)

	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 1024; i++ {
		m.Observe(Sample{Addr: 0x4000_0000 + rng.Uint64N(4096)<<12})
	}
	require.Equal(t, PhaseActive, m.State().Phase)
	assert.Less(t, m.State().Severity, dt.SeverityWarning)

	// Hammering one page collapses entropy.
	feed(m, 2048, Sample{Addr: 0x4000_0000})
	assert.GreaterOrEqual(t, m.State().Severity, dt.SeverityWarning)
}

func TestDispersion(t *testing.T) {
	m := NewDispersion(0)
	rng := rand.New(rand.NewPCG(8, 8))
	for i := 0; i < 1024; i++ {
		m.Observe(Sample{Adverse: rng.IntN(10) == 0})
	}
	assert.Equal(t, PhaseActive, m.State().Phase)
	assert.Less(t, m.State().Severity, dt.SeverityWarning)

	// Alternate silent and saturated blocks.
	for b := 0; b < dispersionBlocks; b++ {
		feed(m, dispersionBlock, Sample{Adverse: b%2 == 0})
	}
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)
}
