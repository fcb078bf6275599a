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

// jitter feeds n Fast samples with latency base plus up to four.
func jitter(m Monitor, rng *rand.Rand, n int, base uint64) {
	for i := 0; i < n; i++ {
		m.Observe(Sample{Family: dt.FamilyStdio, LatencyNs: base + rng.Uint64N(5)})
	}
}

func at(ns uint64) Sample { return Sample{Family: dt.FamilyStdio, LatencyNs: ns} }

func TestLatencyShapeMonitors_IgnoreProfileMix(t *testing.T) {
	// Alternating Fast and Full costs is the engine's normal mix, not drift.
	for _, id := range []ID{IDKernelMMD, IDOrnsteinUhlenbeck, IDConformal, IDQuadraticVariation, IDInfoGeometry, IDApproachability} {
		t.Run(string(id), func(t *testing.T) {
			m := factories[id](0)
			for i := 0; i < 4000; i++ {
				s := Sample{Family: dt.FamilyStdio, LatencyNs: 12 + uint64(i%3)}
				if i%4 == 0 {
					s.Profile, s.LatencyNs = dt.ProfileFull, 70+uint64(i%5)
				}
				m.Observe(s)
			}
			st := m.State()
			assert.Equal(t, PhaseActive, st.Phase)
			assert.Equal(t, dt.SeverityNominal, st.Severity)
		})
	}
}

func TestKernelMMD(t *testing.T) {
	m := NewKernelMMD(0)
	rng := rand.New(rand.NewPCG(1, 1))
	jitter(m, rng, 256, 100)
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	// The first block after a two-doubling shift is far from its predecessor.
	feed(m, mmdBlock, at(400))
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)
	assert.InDelta(t, 2*(1-math.Exp(-2)), m.Summary().Statistic, 0.05)

	feed(m, 4*mmdBlock, at(400))
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)
}

func TestOrnsteinUhlenbeck(t *testing.T) {
	m := NewOrnsteinUhlenbeck(0)
	feed(m, 1000, at(100))
	assert.Equal(t, State{Phase: PhaseActive}, m.State(), "zero variance is nominal")

	m = NewOrnsteinUhlenbeck(0)
	rng := rand.New(rand.NewPCG(2, 2))
	jitter(m, rng, 2000, 1000)
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)
	assert.Less(t, m.Summary().Statistic, 0.5)

	// A steady ramp never reverts.
	for i := 0; i < 3000; i++ {
		m.Observe(at(1000 + 20*uint64(i)))
	}
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)
}

func TestConformal(t *testing.T) {
	m := NewConformal(0)
	rng := rand.New(rand.NewPCG(3, 3))
	jitter(m, rng, 256, 100)
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	// Each new extreme is novel until the calibration ring has seen a few.
	feed(m, 6, at(1000))
	assert.GreaterOrEqual(t, m.State().Severity, dt.SeverityWarning)

	feed(m, 200, at(1000))
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)
}

func TestQuadraticVariation(t *testing.T) {
	m := NewQuadraticVariation(0)
	feed(m, 500, at(100))
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	m = NewQuadraticVariation(0)
	rng := rand.New(rand.NewPCG(4, 4))
	jitter(m, rng, 512, 100)
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)

	for i := 0; i < 16; i++ {
		ns := uint64(3200)
		if i%2 == 1 {
			ns = 100
		}
		m.Observe(at(ns))
	}
	assert.GreaterOrEqual(t, m.State().Severity, dt.SeverityWarning)

	jitter(m, rng, 512, 100)
	assert.Equal(t, dt.SeverityNominal, m.State().Severity)
}

func TestFisherRao(t *testing.T) {
	var p, q [igBuckets]float64
	p[3], q[3] = 1, 1
	assert.InDelta(t, 0, fisherRao(&p, &q), 1e-9)
	q[3], q[4] = 0, 1
	assert.InDelta(t, math.Pi, fisherRao(&p, &q), 1e-9)
}

func TestInfoGeometry(t *testing.T) {
	m := NewInfoGeometry(0)
	feed(m, 512, at(100))
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	feed(m, 256, at(1600))
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)

	// Full-profile traffic is compared with its own baseline.
	feed(m, 512, Sample{Family: dt.FamilyStdio, LatencyNs: 1600, Profile: dt.ProfileFull})
	sum := m.Summary()
	assert.InDelta(t, 0, sum.Detail["distance_"+dt.ProfileFull.String()], 1e-6)
}

func TestPageNovelty(t *testing.T) {
	m := NewPageNovelty(0)
	feed(m, 1000, clean(dt.FamilyStringMemory))
	assert.Equal(t, PhaseCalibrating, m.State().Phase, "calls without an address are ignored")

	rng := rand.New(rand.NewPCG(5, 5))
	for i := 0; i < 2000; i++ {
		m.Observe(Sample{Family: dt.FamilyStringMemory, LatencyNs: 12, Addr: 0x1000_0000 + rng.Uint64N(64)<<12})
	}
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	// Spraying fresh pages misses every time.
	for i := uint64(0); i < 512; i++ {
		m.Observe(Sample{Family: dt.FamilyStringMemory, LatencyNs: 12, Addr: 0x7f00_0000_0000 + i<<12})
	}
	assert.Equal(t, dt.SeverityCritical, m.State().Severity)
	assert.Greater(t, m.Summary().Statistic, 0.99)
}

func TestApproachability(t *testing.T) {
	m := NewApproachability(0)
	feed(m, 512, at(100))
	assert.Equal(t, State{Phase: PhaseActive}, m.State())

	t.Run("latency leaves the target set", func(t *testing.T) {
		feed(m, 400, at(1600))
		assert.Equal(t, dt.SeverityCritical, m.State().Severity)
	})

	m = NewApproachability(0)
	feed(m, 512, at(100))
	t.Run("adverse rate leaves the target set", func(t *testing.T) {
		feed(m, 200, Sample{Family: dt.FamilyStdio, LatencyNs: 100, Adverse: true})
		assert.Equal(t, dt.SeverityCritical, m.State().Severity)

		feed(m, 2000, at(100))
		assert.Equal(t, dt.SeverityNominal, m.State().Severity)
		require.Contains(t, m.Summary().Detail, "rate")
	})
}
