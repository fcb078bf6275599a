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

// profileSummary folds per-profile statistics into one Summary using the
// worst profile as the headline statistic.
func profileSummary(id ID, st State, name string, stat [dt.ProfileCount]float64, n uint64) Summary {
	return Summary{ID: id, Phase: st.Phase.String(), Severity: st.Severity.String(), Observations: n,
		Statistic: slices.Max(stat[:]), Detail: profileDetail(name, stat)}
}

// =============================================================================
// Kernel MMD
// =============================================================================

const mmdBlock = 16

type mmdState struct {
	prev, cur [mmdBlock]float64
	fill      int
	ready     bool
	mmd       float64
	w         warmup
}

// KernelMMD is a two-sample test between consecutive blocks of log2
// latency: the biased squared maximum mean discrepancy under a Gaussian
// kernel. Blocks drawn from one distribution score near zero; blocks one
// doubling apart score about 0.8 and two doublings apart about 1.7.
type KernelMMD struct {
	gamma    float64
	th       thresholds
	profiles [dt.ProfileCount]mmdState
}

// NewKernelMMD creates the monitor with a unit-bandwidth kernel.
func NewKernelMMD(warm uint64) *KernelMMD {
	m := &KernelMMD{gamma: 0.5, th: thresholds{0.15, 0.4, 0.8}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 4*mmdBlock)
	}
	return m
}

func (m *KernelMMD) ID() ID { return IDKernelMMD }

func (m *KernelMMD) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	st.cur[st.fill] = logLatency(s.LatencyNs)
	st.fill++
	st.w.tick()
	if st.fill < mmdBlock {
		return
	}
	st.fill = 0
	if st.ready {
		st.mmd = m.discrepancy(&st.prev, &st.cur)
	}
	st.prev = st.cur
	st.ready = true
}

func (m *KernelMMD) kernel(a, b float64) float64 {
	d := a - b
	return math.Exp(-m.gamma * d * d)
}

func (m *KernelMMD) discrepancy(x, y *[mmdBlock]float64) float64 {
	var kxx, kyy, kxy float64
	for i := range mmdBlock {
		for j := range mmdBlock {
			kxx += m.kernel(x[i], x[j])
			kyy += m.kernel(y[i], y[j])
			kxy += m.kernel(x[i], y[j])
		}
	}
	return math.Max(0, (kxx+kyy-2*kxy)/(mmdBlock*mmdBlock))
}

func (m *KernelMMD) State() State {
	return familyMax(dt.ProfileCount, func(i int) State {
		st := &m.profiles[i]
		return st.w.state(m.th.classify(st.mmd))
	})
}

func (m *KernelMMD) Summary() Summary {
	var stat [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		stat[i] = m.profiles[i].mmd
		n += m.profiles[i].w.n
	}
	return profileSummary(m.ID(), m.State(), "mmd", stat, n)
}

// =============================================================================
// Ornstein-Uhlenbeck persistence
// =============================================================================

type ouState struct {
	mean     float64
	last     float64
	sxx, sxy float64
	phi      float64
	w        warmup
}

// OrnsteinUhlenbeck fits the discrete OU model y(t) = phi * y(t-1) + e to
// log2 latency deviations from a slow mean. Healthy latency reverts
// quickly and phi stays small; a ramp or a random walk drives phi toward
// one. Deviations with negligible variance report zero.
type OrnsteinUhlenbeck struct {
	alpha, floor float64
	th           thresholds
	profiles     [dt.ProfileCount]ouState
}

// NewOrnsteinUhlenbeck creates the monitor.
func NewOrnsteinUhlenbeck(warm uint64) *OrnsteinUhlenbeck {
	m := &OrnsteinUhlenbeck{alpha: 1.0 / 256, floor: 1e-4, th: thresholds{0.8, 0.9, 0.97}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 128)
	}
	return m
}

func (m *OrnsteinUhlenbeck) ID() ID { return IDOrnsteinUhlenbeck }

func (m *OrnsteinUhlenbeck) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	x := logLatency(s.LatencyNs)
	st.w.tick()
	if st.w.n == 1 {
		st.mean = x
		return
	}
	y := x - st.mean
	st.sxx += m.alpha * (st.last*st.last - st.sxx)
	st.sxy += m.alpha * (st.last*y - st.sxy)
	st.last = y
	st.mean += m.alpha * (x - st.mean)
	if st.sxx < m.floor {
		st.phi = 0
		return
	}
	st.phi = st.sxy / st.sxx
}

func (m *OrnsteinUhlenbeck) State() State {
	return familyMax(dt.ProfileCount, func(i int) State {
		st := &m.profiles[i]
		return st.w.state(m.th.classify(st.phi))
	})
}

func (m *OrnsteinUhlenbeck) Summary() Summary {
	var stat [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		stat[i] = m.profiles[i].phi
		n += m.profiles[i].w.n
	}
	return profileSummary(m.ID(), m.State(), "phi", stat, n)
}

// =============================================================================
// Conformal novelty
// =============================================================================

const conformalCal = 128

type conformalState struct {
	center float64
	cal    [conformalCal]float64
	pushed int
	rate   float64
	w      warmup
}

// Conformal computes a split-conformal p-value for each latency against
// the last 128 nonconformity scores, where the score is the distance
// from a tracked center in doublings. The statistic is an EWMA of
// p <= level, the rate of samples the recent past calls novel. Scores
// within tol of each other count as ties so center jitter is not novelty.
type Conformal struct {
	alpha, flagAlpha float64
	level, tol       float64
	th               thresholds
	profiles         [dt.ProfileCount]conformalState
}

// NewConformal creates the monitor at level 0.05.
func NewConformal(warm uint64) *Conformal {
	m := &Conformal{alpha: 1.0 / 64, flagAlpha: 1.0 / 8, level: 0.05, tol: 0.05, th: thresholds{0.3, 0.5, 0.7}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 64)
	}
	return m
}

func (m *Conformal) ID() ID { return IDConformal }

func (m *Conformal) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	x := logLatency(s.LatencyNs)
	st.w.tick()
	if st.w.n == 1 {
		st.center = x
	}
	score := math.Abs(x - st.center)
	if filled := min(st.pushed, conformalCal); filled >= 32 {
		ge := 0
		for _, c := range st.cal[:filled] {
			if c >= score-m.tol {
				ge++
			}
		}
		p := float64(ge+1) / float64(filled+1)
		st.rate += m.flagAlpha * (b2f(p <= m.level) - st.rate)
	}
	st.cal[st.pushed%conformalCal] = score
	st.pushed++
	st.center += m.alpha * (x - st.center)
}

func (m *Conformal) State() State {
	return familyMax(dt.ProfileCount, func(i int) State {
		st := &m.profiles[i]
		return st.w.state(m.th.classify(st.rate))
	})
}

func (m *Conformal) Summary() Summary {
	var stat [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		stat[i] = m.profiles[i].rate
		n += m.profiles[i].w.n
	}
	return profileSummary(m.ID(), m.State(), "novel_rate", stat, n)
}

// =============================================================================
// Quadratic variation
// =============================================================================

type qvState struct {
	last        float64
	short, long float64
	ratio       float64
	w           warmup
}

// QuadraticVariation compares short-horizon realized quadratic variation
// of log2 latency increments against its long-run level. Jitter that
// suddenly grows without moving the mean lands here.
type QuadraticVariation struct {
	shortA, longA, floor float64
	th                   thresholds
	profiles             [dt.ProfileCount]qvState
}

// NewQuadraticVariation creates the monitor.
func NewQuadraticVariation(warm uint64) *QuadraticVariation {
	m := &QuadraticVariation{shortA: 1.0 / 32, longA: 1.0 / 1024, floor: 1e-3, th: thresholds{4, 8, 16}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 128)
	}
	return m
}

func (m *QuadraticVariation) ID() ID { return IDQuadraticVariation }

func (m *QuadraticVariation) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	x := logLatency(s.LatencyNs)
	st.w.tick()
	if st.w.n == 1 {
		st.last = x
		return
	}
	d := x - st.last
	st.last = x
	q := d * d
	st.short += m.shortA * (q - st.short)
	st.long += math.Max(m.longA, 1/float64(st.w.n-1)) * (q - st.long)
	st.ratio = st.short / math.Max(st.long, m.floor)
}

func (m *QuadraticVariation) State() State {
	return familyMax(dt.ProfileCount, func(i int) State {
		st := &m.profiles[i]
		return st.w.state(m.th.classify(st.ratio))
	})
}

func (m *QuadraticVariation) Summary() Summary {
	var stat [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		stat[i] = m.profiles[i].ratio
		n += m.profiles[i].w.n
	}
	return profileSummary(m.ID(), m.State(), "ratio", stat, n)
}

// =============================================================================
// Information geometry
// =============================================================================

const igBuckets = 16

type igState struct {
	recent, base [igBuckets]float64
	dist         float64
	w            warmup
}

// InfoGeometry measures the Fisher-Rao geodesic distance between a fast
// and a slow histogram of log2 latency buckets, 2*acos of their
// Bhattacharyya coefficient. The distance is bounded by pi.
type InfoGeometry struct {
	fast, slow float64
	cadence    uint64
	th         thresholds
	profiles   [dt.ProfileCount]igState
}

// NewInfoGeometry creates the monitor.
func NewInfoGeometry(warm uint64) *InfoGeometry {
	m := &InfoGeometry{fast: 1.0 / 64, slow: 1.0 / 2048, cadence: 16, th: thresholds{0.35, 0.7, 1.2}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 128)
	}
	return m
}

func (m *InfoGeometry) ID() ID { return IDInfoGeometry }

func (m *InfoGeometry) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	b := min(bits.Len64(s.LatencyNs), igBuckets-1)
	st.w.tick()
	n := float64(st.w.n)
	rf, rs := math.Max(m.fast, 1/n), math.Max(m.slow, 1/n)
	for i := range igBuckets {
		st.recent[i] *= 1 - rf
		st.base[i] *= 1 - rs
	}
	st.recent[b] += rf
	st.base[b] += rs
	if st.w.n%m.cadence == 0 {
		st.dist = fisherRao(&st.recent, &st.base)
	}
}

func fisherRao(p, q *[igBuckets]float64) float64 {
	var bc float64
	for i := range p {
		bc += math.Sqrt(p[i] * q[i])
	}
	return 2 * math.Acos(clamp(bc, 0, 1))
}

func (m *InfoGeometry) State() State {
	return familyMax(dt.ProfileCount, func(i int) State {
		st := &m.profiles[i]
		return st.w.state(m.th.classify(st.dist))
	})
}

func (m *InfoGeometry) Summary() Summary {
	var stat [dt.ProfileCount]float64
	var n uint64
	for i := range m.profiles {
		stat[i] = m.profiles[i].dist
		n += m.profiles[i].w.n
	}
	return profileSummary(m.ID(), m.State(), "distance", stat, n)
}

// =============================================================================
// Page novelty
// =============================================================================

const noveltySlots = 1 << 12

// PageNovelty keeps a direct-mapped cache of recently validated page
// numbers and reports the EWMA miss rate. A steady working set stops
// missing once warm; spraying fresh pages misses on every call. Calls
// without an address are ignored.
type PageNovelty struct {
	alpha float64
	tags  [noveltySlots]uint64
	miss  float64
	th    thresholds
	w     warmup
}

// NewPageNovelty creates the monitor.
func NewPageNovelty(warm uint64) *PageNovelty {
	return &PageNovelty{alpha: 1.0 / 64, th: thresholds{0.25, 0.5, 0.8}, w: warmup{need: orDefault(warm, 256)}}
}

func (m *PageNovelty) ID() ID { return IDPageNovelty }

func (m *PageNovelty) Observe(s Sample) {
	if s.Addr == 0 {
		return
	}
	// Tags are page+1 so an empty slot never matches.
	tag := s.Addr>>12 + 1
	slot := (tag * 0x9E3779B97F4A7C15) >> (64 - 12)
	hit := m.tags[slot] == tag
	m.tags[slot] = tag
	m.miss += m.alpha * (b2f(!hit) - m.miss)
	m.w.tick()
}

func (m *PageNovelty) State() State { return m.w.state(m.th.classify(m.miss)) }

func (m *PageNovelty) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.miss), m.miss, nil)
}

// =============================================================================
// Approachability
// =============================================================================

type approachState struct {
	recent, base float64
	w            warmup
}

// Approachability tracks the smoothed outcome vector (log2 latency excess
// over its baseline, adverse rate) and reports its Euclidean distance
// from the target set {excess <= slack, rate <= target}. Latency is kept
// per profile so the engine's profile mix is not read as excess; the
// adverse rate is global.
type Approachability struct {
	fastA, slowA     float64
	slack            float64
	target, rateUnit float64
	r                float64
	dist             float64
	th               thresholds
	w                warmup
	profiles         [dt.ProfileCount]approachState
}

// NewApproachability creates the monitor. Excess latency is measured in
// doublings beyond one; adverse rate in units of 0.25 beyond 0.05.
func NewApproachability(warm uint64) *Approachability {
	m := &Approachability{fastA: 1.0 / 128, slowA: 1.0 / 4096, slack: 1, target: 0.05, rateUnit: 0.25,
		th: thresholds{0.25, 0.5, 1}, w: warmup{need: orDefault(warm, 64)}}
	for i := range m.profiles {
		m.profiles[i].w.need = orDefault(warm, 128)
	}
	return m
}

func (m *Approachability) ID() ID { return IDApproachability }

func (m *Approachability) Observe(s Sample) {
	st := &m.profiles[profileOf(s)]
	x := logLatency(s.LatencyNs)
	st.w.tick()
	rf, rs := m.fastA, m.slowA
	if st.w.phase() == PhaseCalibrating || st.w.n == st.w.need {
		rf, rs = 1/float64(st.w.n), 1/float64(st.w.n)
	}
	st.recent += rf * (x - st.recent)
	st.base += rs * (x - st.base)
	m.r += m.fastA * (b2f(s.Adverse) - m.r)
	m.w.tick()
	m.dist = m.distance()
}

func (m *Approachability) distance() float64 {
	var excess float64
	for i := range m.profiles {
		st := &m.profiles[i]
		if st.w.phase() == PhaseActive {
			excess = math.Max(excess, st.recent-st.base-m.slack)
		}
	}
	over := math.Max(0, m.r-m.target) / m.rateUnit
	return math.Hypot(excess, over)
}

func (m *Approachability) State() State { return m.w.state(m.th.classify(m.dist)) }

func (m *Approachability) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.dist), m.dist, map[string]float64{"rate": m.r})
}
