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
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// =============================================================================
// Bayesian online change-point
// =============================================================================

const (
	maxRunLength = 64
	shortRun     = 16
)

// ChangePoint runs Bayesian online change-point detection over the adverse
// stream with a Beta-Bernoulli model. The run-length posterior is truncated
// at maxRunLength; the longest bucket absorbs longer runs and its evidence
// is capped so one surprising sample cannot dominate. The statistic is the
// posterior mass on runs shorter than shortRun, i.e. the belief that the
// regime changed recently.
type ChangePoint struct {
	hazard float64
	a0, b0 float64
	prob   [maxRunLength + 1]float64
	a, b   [maxRunLength + 1]float64
	next   [maxRunLength + 1]float64
	short  float64
	th     thresholds
	w      warmup
}

// NewChangePoint creates the monitor with hazard 1/100 and a Beta(0.5, 24.5)
// prior.
func NewChangePoint(warm uint64) *ChangePoint {
	m := &ChangePoint{
		hazard: 1.0 / 100,
		a0:     0.5,
		b0:     24.5,
		th:     thresholds{0.5, 0.7, 0.85},
		w:      warmup{need: orDefault(warm, 64)},
	}
	m.prob[0] = 1
	m.a[0], m.b[0] = m.a0, m.b0
	return m
}

func (m *ChangePoint) ID() ID { return IDChangePoint }

func (m *ChangePoint) Observe(s Sample) {
	x := b2f(s.Adverse)
	var cp float64
	for r := range m.prob {
		p1 := m.a[r] / (m.a[r] + m.b[r])
		pred := 1 - p1
		if s.Adverse {
			pred = p1
		}
		m.next[r] = m.prob[r] * pred
		cp += m.next[r] * m.hazard
	}

	// Grow runs from the top down so statistics are read before they are
	// overwritten. The last bucket merges the two runs that land in it.
	top, below := m.next[maxRunLength], m.next[maxRunLength-1]
	if mass := top + below; mass > 0 {
		m.a[maxRunLength] = (top*(m.a[maxRunLength]+x) + below*(m.a[maxRunLength-1]+x)) / mass
		m.b[maxRunLength] = (top*(m.b[maxRunLength]+1-x) + below*(m.b[maxRunLength-1]+1-x)) / mass
	}
	// Cap the evidence above the prior at maxRunLength observations.
	if n := m.a[maxRunLength] + m.b[maxRunLength] - m.a0 - m.b0; n > maxRunLength {
		f := maxRunLength / n
		m.a[maxRunLength] = m.a0 + (m.a[maxRunLength]-m.a0)*f
		m.b[maxRunLength] = m.b0 + (m.b[maxRunLength]-m.b0)*f
	}
	m.prob[maxRunLength] = (top + below) * (1 - m.hazard)
	for r := maxRunLength - 1; r >= 1; r-- {
		m.prob[r] = m.next[r-1] * (1 - m.hazard)
		m.a[r] = m.a[r-1] + x
		m.b[r] = m.b[r-1] + 1 - x
	}
	m.prob[0] = cp
	m.a[0], m.b[0] = m.a0, m.b0

	var total float64
	for _, p := range m.prob {
		total += p
	}
	if total <= 0 || math.IsNaN(total) {
		// Numerical collapse: restart from the prior and report it.
		m.prob = [maxRunLength + 1]float64{1}
		m.short = math.NaN()
		m.w.tick()
		return
	}
	m.short = 0
	for r := range m.prob {
		m.prob[r] /= total
		if r < shortRun {
			m.short += m.prob[r]
		}
	}
	m.w.tick()
}

func (m *ChangePoint) State() State { return m.w.state(m.th.classify(m.short)) }

// MAPRunLength returns the most probable run length.
func (m *ChangePoint) MAPRunLength() int {
	best := 0
	for r := range m.prob {
		if m.prob[r] > m.prob[best] {
			best = r
		}
	}
	return best
}

func (m *ChangePoint) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.short), m.short, map[string]float64{
		"map_run_length": float64(m.MAPRunLength()),
	})
}

// =============================================================================
// Spectral
// =============================================================================

const (
	spectralDims   = 4
	spectralWindow = 64
)

// Spectral tracks the largest eigenvalue of the correlation matrix of a
// four-dimensional feature window: log latency, adverse flag, contention
// and page bucket. Independent features give an eigenvalue near one; a
// value near the dimension means the features move together.
type Spectral struct {
	ring    [spectralWindow][spectralDims]float64
	n       uint64
	cadence uint64
	lambda  float64
	th      thresholds
	w       warmup
}

// NewSpectral creates the monitor.
func NewSpectral(warm uint64) *Spectral {
	return &Spectral{cadence: 16, th: thresholds{1.8, 2.4, 3.0}, w: warmup{need: max(orDefault(warm, spectralWindow), spectralWindow)}}
}

func (m *Spectral) ID() ID { return IDSpectral }

func (m *Spectral) Observe(s Sample) {
	m.ring[m.n%spectralWindow] = [spectralDims]float64{
		logLatency(s.LatencyNs),
		b2f(s.Adverse),
		float64(min(s.Contention, 100)) / 100,
		pageFeature(s.Addr),
	}
	m.n++
	m.w.tick()
	if m.n < spectralWindow || m.n%m.cadence != 0 {
		return
	}
	m.lambda = leadingEigenvalue(correlation(m.ring[:]))
}

func pageFeature(addr uint64) float64 {
	if addr == 0 {
		return 0
	}
	return float64(pageBucket(addr)) / pageBuckets
}

// correlation returns the correlation matrix of rows. Columns with zero
// variance are uncorrelated with everything, including themselves.
func correlation(rows [][spectralDims]float64) [spectralDims][spectralDims]float64 {
	var mean, sd [spectralDims]float64
	n := float64(len(rows))
	for _, r := range rows {
		for i, v := range r {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= n
	}
	var cov [spectralDims][spectralDims]float64
	for _, r := range rows {
		for i := range r {
			di := r[i] - mean[i]
			for j := i; j < spectralDims; j++ {
				cov[i][j] += di * (r[j] - mean[j])
			}
		}
	}
	for i := range sd {
		sd[i] = math.Sqrt(cov[i][i] / n)
	}
	var c [spectralDims][spectralDims]float64
	for i := 0; i < spectralDims; i++ {
		for j := i; j < spectralDims; j++ {
			if sd[i] < 1e-12 || sd[j] < 1e-12 {
				continue
			}
			v := cov[i][j] / n / (sd[i] * sd[j])
			c[i][j], c[j][i] = v, v
		}
	}
	return c
}

// leadingEigenvalue finds the largest eigenvalue of a symmetric positive
// semi-definite matrix by power iteration.
func leadingEigenvalue(c [spectralDims][spectralDims]float64) float64 {
	// Uneven start so no eigenvector of a correlation matrix is orthogonal
	// to it by symmetry.
	v := [spectralDims]float64{0.8, 0.45, 0.3, 0.25}
	var lambda float64
	for iter := 0; iter < 64; iter++ {
		var w [spectralDims]float64
		for i := range c {
			for j := range c[i] {
				w[i] += c[i][j] * v[j]
			}
		}
		var norm float64
		for _, x := range w {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			return 0
		}
		prev := lambda
		lambda = 0
		for i := range w {
			lambda += v[i] * w[i]
			v[i] = w[i] / norm
		}
		if iter > 4 && math.Abs(lambda-prev) < 1e-9 {
			break
		}
	}
	return lambda
}

func (m *Spectral) State() State { return m.w.state(m.th.classify(m.lambda)) }

func (m *Spectral) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.lambda), m.lambda, nil)
}

// =============================================================================
// Page entropy
// =============================================================================

const pageBuckets = 32

func pageBucket(addr uint64) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr>>12)
	return int(xxhash.Sum64(buf[:]) % pageBuckets)
}

// PageEntropy tracks the normalized Shannon entropy of the pages touched
// by validated pointers, hashed into a fixed number of buckets. Scans and
// sprays raise entropy; hammering one page lowers it. Samples without an
// address are ignored.
type PageEntropy struct {
	counts   [pageBuckets]float64
	n        uint64
	cadence  uint64
	halfLife uint64
	entropy  float64
	baseline float64
	th       thresholds
	w        warmup
}

// NewPageEntropy creates the monitor.
func NewPageEntropy(warm uint64) *PageEntropy {
	return &PageEntropy{cadence: 16, halfLife: 256, th: thresholds{0.15, 0.3, 0.5}, w: warmup{need: orDefault(warm, 256)}}
}

func (m *PageEntropy) ID() ID { return IDPageEntropy }

func (m *PageEntropy) Observe(s Sample) {
	if s.Addr == 0 {
		return
	}
	m.counts[pageBucket(s.Addr)]++
	m.n++
	m.w.tick()
	if m.n%m.halfLife == 0 {
		for i := range m.counts {
			m.counts[i] /= 2
		}
	}
	if m.n%m.cadence != 0 {
		return
	}
	m.entropy = normalizedEntropy(m.counts[:])
	switch {
	case m.w.phase() == PhaseCalibrating:
		m.baseline = m.entropy
	case m.th.classify(m.deviation()) == 0:
		m.baseline += (m.entropy - m.baseline) / 64
	}
}

func normalizedEntropy(counts []float64) float64 {
	var total float64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		if c > 0 {
			p := c / total
			h -= p * math.Log(p)
		}
	}
	return h / math.Log(float64(len(counts)))
}

func (m *PageEntropy) deviation() float64 { return math.Abs(m.entropy - m.baseline) }

func (m *PageEntropy) State() State { return m.w.state(m.th.classify(m.deviation())) }

func (m *PageEntropy) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.deviation()), m.deviation(), map[string]float64{
		"entropy":  m.entropy,
		"baseline": m.baseline,
	})
}

// =============================================================================
// Dispersion index
// =============================================================================

const (
	dispersionBlock  = 32
	dispersionBlocks = 16
)

// Dispersion counts adverse events in fixed blocks and reports the
// variance-to-mean ratio across recent blocks. Independent events give a
// ratio at or below one; bursts give much more.
type Dispersion struct {
	blocks  [dispersionBlocks]float64
	current float64
	n       uint64
	filled  uint64
	vmr     float64
	th      thresholds
	w       warmup
}

// NewDispersion creates the monitor.
func NewDispersion(warm uint64) *Dispersion {
	return &Dispersion{th: thresholds{2, 4, 8}, w: warmup{need: max(orDefault(warm, dispersionBlock*dispersionBlocks), dispersionBlock*dispersionBlocks)}}
}

func (m *Dispersion) ID() ID { return IDDispersion }

func (m *Dispersion) Observe(s Sample) {
	m.current += b2f(s.Adverse)
	m.n++
	m.w.tick()
	if m.n%dispersionBlock != 0 {
		return
	}
	m.blocks[m.filled%dispersionBlocks] = m.current
	m.filled++
	m.current = 0
	if m.filled < dispersionBlocks {
		return
	}
	var mean, ss float64
	for _, b := range m.blocks {
		mean += b
	}
	mean /= dispersionBlocks
	if mean == 0 {
		m.vmr = 0
		return
	}
	for _, b := range m.blocks {
		ss += (b - mean) * (b - mean)
	}
	m.vmr = ss / (dispersionBlocks - 1) / mean
}

func (m *Dispersion) State() State { return m.w.state(m.th.classify(m.vmr)) }

func (m *Dispersion) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.vmr), m.vmr, nil)
}
