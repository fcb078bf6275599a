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
	"math/bits"
	"slices"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// Latency monitors keep independent state per profile. The mix of Fast and
// Full calls is chosen by the decision engine, so comparing latencies
// across profiles would let the engine's own choices look like drift.

func profileOf(s Sample) dt.Profile {
	if int(s.Profile) >= dt.ProfileCount {
		return dt.ProfileFast
	}
	return s.Profile
}

func profileDetail(name string, v [dt.ProfileCount]float64) map[string]float64 {
	out := make(map[string]float64, dt.ProfileCount)
	for p := range v {
		out[name+"_"+dt.Profile(p).String()] = v[p]
	}
	return out
}

// =============================================================================
// Latency CUSUM
// =============================================================================

type cusumState struct {
	mean, scale float64
	s           float64
	w           warmup
}

// LatencyCUSUM is a one-sided Page-Hinkley test on standardized log
// latency. Location and scale adapt slowly with clipped updates so a
// sustained shift is reported before it is absorbed.
type LatencyCUSUM struct {
	k, alpha, floor, cap float64
	th                   thresholds
	profiles             [dt.ProfileCount]cusumState
}

// NewLatencyCUSUM creates the monitor with slack k = 1.
func NewLatencyCUSUM(warm uint64) *LatencyCUSUM {
	m := &LatencyCUSUM{k: 1, alpha: 1.0 / 256, floor: 0.05, cap: 64, th: thresholds{8, 16, 32}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 64)
	}
	return m
}

func (m *LatencyCUSUM) ID() ID { return IDLatencyCUSUM }

func (m *LatencyCUSUM) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	x := logLatency(s.LatencyNs)
	st.w.tick()
	if st.w.phase() == PhaseCalibrating || st.w.n == st.w.need {
		n := float64(st.w.n)
		st.mean += (x - st.mean) / n
		st.scale += (math.Abs(x-st.mean) - st.scale) / n
		return
	}
	scale := math.Max(st.scale, m.floor)
	z := (x - st.mean) / scale
	st.s = clamp(st.s+z-m.k, 0, m.cap)
	d := clamp(x-st.mean, -3*scale, 3*scale)
	st.mean += m.alpha * d
	st.scale += m.alpha * (math.Abs(d) - st.scale)
}

func (m *LatencyCUSUM) State() State {
	return familyMax(dt.ProfileCount, func(i int) State {
		st := &m.profiles[i]
		return st.w.state(m.th.classify(st.s))
	})
}

func (m *LatencyCUSUM) Summary() Summary {
	var stat [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		stat[i] = m.profiles[i].s
		n += m.profiles[i].w.n
	}
	st := m.State()
	return Summary{ID: m.ID(), Phase: st.Phase.String(), Severity: st.Severity.String(), Observations: n,
		Statistic: slices.Max(stat[:]), Detail: profileDetail("s", stat)}
}

// =============================================================================
// Wasserstein-1 drift
// =============================================================================

const latencyBins = 41

type histState struct {
	ref, cur [latencyBins]float64
	dist     float64
	w        warmup
}

// Wasserstein compares a decayed histogram of recent log2 latencies
// against a slowly adapting reference using the 1-Wasserstein distance,
// in units of doublings.
type Wasserstein struct {
	decay    float64
	cadence  uint64
	th       thresholds
	profiles [dt.ProfileCount]histState
}

// NewWasserstein creates the monitor.
func NewWasserstein(warm uint64) *Wasserstein {
	m := &Wasserstein{decay: 127.0 / 128, cadence: 16, th: thresholds{0.5, 1, 2}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 256)
	}
	return m
}

func (m *Wasserstein) ID() ID { return IDWasserstein }

func (m *Wasserstein) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	b := min(bits.Len64(s.LatencyNs), latencyBins-1)
	st.w.tick()
	if st.w.phase() == PhaseCalibrating {
		st.ref[b]++
		st.cur[b]++
		return
	}
	for i := range st.cur {
		st.cur[i] *= m.decay
	}
	st.cur[b]++
	if st.w.n%m.cadence != 0 {
		return
	}
	st.dist = w1(&st.ref, &st.cur)
	if m.th.classify(st.dist) == dt.SeverityNominal {
		blend(&st.ref, &st.cur, 0.01)
	}
}

// w1 is the 1-Wasserstein distance between two histograms on unit-spaced
// bins. Empty histograms have distance zero.
func w1(a, b *[latencyBins]float64) float64 {
	var na, nb float64
	for i := range a {
		na += a[i]
		nb += b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	var ca, cb, d float64
	for i := range a {
		ca += a[i] / na
		cb += b[i] / nb
		d += math.Abs(ca - cb)
	}
	return d
}

// blend moves ref toward the normalized shape of cur by weight w, keeping
// ref's mass.
func blend(ref, cur *[latencyBins]float64, w float64) {
	var nr, nc float64
	for i := range ref {
		nr += ref[i]
		nc += cur[i]
	}
	if nr == 0 || nc == 0 {
		return
	}
	for i := range ref {
		ref[i] = (1-w)*ref[i] + w*cur[i]*nr/nc
	}
}

func (m *Wasserstein) State() State {
	return familyMax(dt.ProfileCount, func(i int) State {
		st := &m.profiles[i]
		return st.w.state(m.th.classify(st.dist))
	})
}

func (m *Wasserstein) Summary() Summary {
	var stat [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		stat[i] = m.profiles[i].dist
		n += m.profiles[i].w.n
	}
	st := m.State()
	return Summary{ID: m.ID(), Phase: st.Phase.String(), Severity: st.Severity.String(), Observations: n,
		Statistic: slices.Max(stat[:]), Detail: profileDetail("w1", stat)}
}

// =============================================================================
// CVaR tail
// =============================================================================

const tailWindow = 128

type tailState struct {
	ring     [tailWindow]uint64
	n        uint64
	cvar     float64
	baseline float64
	ratio    float64
}

// CVaRTail tracks the mean of the worst 5% of latencies in a sliding
// window (conditional value at risk) relative to its own baseline.
type CVaRTail struct {
	cadence  uint64
	tail     int
	th       thresholds
	need     uint64
	profiles [dt.ProfileCount]tailState
}

// NewCVaRTail creates the monitor.
func NewCVaRTail(warm uint64) *CVaRTail {
	return &CVaRTail{
		cadence: 16,
		tail:    int(math.Ceil(0.05 * tailWindow)),
		th:      thresholds{2, 4, 8},
		need:    max(orDefault(warm, tailWindow), tailWindow),
	}
}

func (m *CVaRTail) ID() ID { return IDCVaRTail }

func (m *CVaRTail) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	st.ring[st.n%tailWindow] = s.LatencyNs
	st.n++
	if st.n < m.need || st.n%m.cadence != 0 {
		return
	}
	sorted := st.ring
	slices.Sort(sorted[:])
	var sum float64
	for _, v := range sorted[tailWindow-m.tail:] {
		sum += float64(v)
	}
	st.cvar = sum / float64(m.tail)
	if st.baseline == 0 {
		st.baseline = math.Max(st.cvar, 1)
	}
	st.ratio = st.cvar / st.baseline
	if m.th.classify(st.ratio) == dt.SeverityNominal {
		st.baseline += (st.cvar - st.baseline) / 64
		st.baseline = math.Max(st.baseline, 1)
	}
}

func (m *CVaRTail) profileState(p int) State {
	st := &m.profiles[p]
	if st.n < m.need || st.baseline == 0 {
		return State{Phase: PhaseCalibrating}
	}
	return State{Phase: PhaseActive, Severity: m.th.classify(st.ratio)}
}

func (m *CVaRTail) State() State {
	return familyMax(dt.ProfileCount, m.profileState)
}

func (m *CVaRTail) Summary() Summary {
	var ratio, cvar [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		ratio[i] = m.profiles[i].ratio
		cvar[i] = m.profiles[i].cvar
		n += m.profiles[i].n
	}
	detail := profileDetail("ratio", ratio)
	for k, v := range profileDetail("cvar_ns", cvar) {
		detail[k] = v
	}
	st := m.State()
	return Summary{ID: m.ID(), Phase: st.Phase.String(), Severity: st.Severity.String(), Observations: n,
		Statistic: slices.Max(ratio[:]), Detail: detail}
}

// =============================================================================
// Hurst persistence
// =============================================================================

const (
	hurstWindow            = 128
	hurstBaselineEstimates = 4
)

type hurstState struct {
	ring      [hurstWindow]float64
	n         uint64
	h         float64
	baseline  float64
	estimates int
	ready     bool
}

// Hurst estimates the Hurst exponent of log latency with rescaled-range
// analysis over a sliding window and reports its deviation from the
// baseline exponent. Persistent (trending) latency pushes H toward one.
type Hurst struct {
	cadence  uint64
	th       thresholds
	need     uint64
	profiles [dt.ProfileCount]hurstState
}

// NewHurst creates the monitor.
func NewHurst(warm uint64) *Hurst {
	return &Hurst{cadence: 32, th: thresholds{0.2, 0.3, 0.4}, need: max(orDefault(warm, hurstWindow), hurstWindow)}
}

func (m *Hurst) ID() ID { return IDHurst }

func (m *Hurst) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	st.ring[st.n%hurstWindow] = logLatency(s.LatencyNs)
	st.n++
	if st.n < m.need || st.n%m.cadence != 0 {
		return
	}
	// Reorder the ring oldest-first; R/S depends on order.
	var series [hurstWindow]float64
	start := st.n % hurstWindow
	for i := range series {
		series[i] = st.ring[(start+uint64(i))%hurstWindow]
	}
	st.h = rescaledRangeExponent(series[:])
	if !st.ready {
		// The baseline is the mean of the first few estimates; a single
		// window is too noisy.
		st.estimates++
		st.baseline += (st.h - st.baseline) / float64(st.estimates)
		st.ready = st.estimates >= hurstBaselineEstimates
		return
	}
	if m.th.classify(math.Abs(st.h-st.baseline)) == dt.SeverityNominal {
		st.baseline += (st.h - st.baseline) / 32
	}
}

// rescaledRangeExponent returns log(R/S)/log(n). A flat series has no
// persistence and returns 0.5.
func rescaledRangeExponent(x []float64) float64 {
	n := float64(len(x))
	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= n
	var y, lo, hi, ss float64
	for _, v := range x {
		d := v - mean
		y += d
		lo, hi = math.Min(lo, y), math.Max(hi, y)
		ss += d * d
	}
	sd := math.Sqrt(ss / n)
	r := hi - lo
	if sd < 1e-9 || r < 1e-9 {
		return 0.5
	}
	return math.Log(r/sd) / math.Log(n)
}

func (m *Hurst) profileState(p int) State {
	st := &m.profiles[p]
	if !st.ready {
		return State{Phase: PhaseCalibrating}
	}
	return State{Phase: PhaseActive, Severity: m.th.classify(math.Abs(st.h - st.baseline))}
}

func (m *Hurst) State() State {
	return familyMax(dt.ProfileCount, m.profileState)
}

func (m *Hurst) Summary() Summary {
	var h [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		h[i] = m.profiles[i].h
		n += m.profiles[i].n
	}
	st := m.State()
	return Summary{ID: m.ID(), Phase: st.Phase.String(), Severity: st.Severity.String(), Observations: n,
		Statistic: slices.Max(h[:]), Detail: profileDetail("h", h)}
}
