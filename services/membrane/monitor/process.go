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

// =============================================================================
// Sliding adverse window
// =============================================================================

// bitWindow counts set bits among the last size pushes.
type bitWindow struct {
	words []uint64
	size  int
	pos   int
	n     int
	ones  int
}

func newBitWindow(size int) bitWindow {
	return bitWindow{words: make([]uint64, (size+63)/64), size: size}
}

func (b *bitWindow) push(bit bool) {
	w, mask := b.pos/64, uint64(1)<<(b.pos%64)
	if b.n == b.size {
		if b.words[w]&mask != 0 {
			b.ones--
		}
	} else {
		b.n++
	}
	if bit {
		b.words[w] |= mask
		b.ones++
	} else {
		b.words[w] &^= mask
	}
	b.pos++
	if b.pos == b.size {
		b.pos = 0
	}
}

func (b *bitWindow) rate() float64 {
	if b.n == 0 {
		return 0
	}
	return float64(b.ones) / float64(b.n)
}

// =============================================================================
// Azuma-Hoeffding
// =============================================================================

// AzumaHoeffding applies the Azuma-Hoeffding inequality to the martingale
// sum(x - p0) over a sliding window. The statistic is -ln of the tail
// bound, so 7 means the window is a one-in-a-thousand event at rate p0.
type AzumaHoeffding struct {
	p0   float64
	win  bitWindow
	stat float64
	th   thresholds
	w    warmup
}

// NewAzumaHoeffding creates the monitor over a 256-sample window.
func NewAzumaHoeffding(warm uint64) *AzumaHoeffding {
	return &AzumaHoeffding{p0: 0.02, win: newBitWindow(256), th: thresholds{3, 7, 14}, w: warmup{need: orDefault(warm, 256)}}
}

func (m *AzumaHoeffding) ID() ID { return IDAzumaHoeffding }

func (m *AzumaHoeffding) Observe(s Sample) {
	m.win.push(s.Adverse)
	m.w.tick()
	n := float64(m.win.n)
	excess := float64(m.win.ones) - m.p0*n
	if excess <= 0 {
		m.stat = 0
		return
	}
	m.stat = excess * excess / (2 * n)
}

func (m *AzumaHoeffding) State() State { return m.w.state(m.th.classify(m.stat)) }

func (m *AzumaHoeffding) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.stat), m.stat, map[string]float64{"window_adverse": float64(m.win.ones)})
}

// =============================================================================
// Large deviations
// =============================================================================

// bernoulliKL is KL(Bern(q) || Bern(p)) in nats.
func bernoulliKL(q, p float64) float64 {
	var d float64
	if q > 0 {
		d += q * math.Log(q/p)
	}
	if q < 1 {
		d += (1 - q) * math.Log((1-q)/(1-p))
	}
	return d
}

// LargeDeviations scores the windowed adverse rate with the Cramer rate
// function of the baseline Bernoulli: n * KL(q || p0), the exponent of
// the probability of seeing q when the true rate is p0.
type LargeDeviations struct {
	p0   float64
	win  bitWindow
	stat float64
	th   thresholds
	w    warmup
}

// NewLargeDeviations creates the monitor over a 512-sample window.
func NewLargeDeviations(warm uint64) *LargeDeviations {
	return &LargeDeviations{p0: 0.05, win: newBitWindow(512), th: thresholds{3, 7, 14}, w: warmup{need: orDefault(warm, 256)}}
}

func (m *LargeDeviations) ID() ID { return IDLargeDeviations }

func (m *LargeDeviations) Observe(s Sample) {
	m.win.push(s.Adverse)
	m.w.tick()
	q := m.win.rate()
	if q <= m.p0 {
		m.stat = 0
		return
	}
	m.stat = float64(m.win.n) * bernoulliKL(q, m.p0)
}

func (m *LargeDeviations) State() State { return m.w.state(m.th.classify(m.stat)) }

func (m *LargeDeviations) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.stat), m.stat, map[string]float64{"rate": m.win.rate()})
}

// =============================================================================
// PAC-Bayes bound
// =============================================================================

// PACBayes reports a high-confidence upper bound on the adverse rate: the
// windowed empirical rate plus sqrt(ln(2*sqrt(n)/delta) / 2n), the
// McAllester bound with a point-mass posterior.
type PACBayes struct {
	delta float64
	win   bitWindow
	bound float64
	th    thresholds
	w     warmup
}

// NewPACBayes creates the monitor with delta = 0.05 over 512 samples.
// Calibration covers at least half the window so the slack term is small
// when the monitor goes active.
func NewPACBayes(warm uint64) *PACBayes {
	return &PACBayes{delta: 0.05, win: newBitWindow(512), th: thresholds{0.15, 0.25, 0.45},
		w: warmup{need: max(orDefault(warm, 512), 256)}}
}

func (m *PACBayes) ID() ID { return IDPACBayes }

func (m *PACBayes) Observe(s Sample) {
	m.win.push(s.Adverse)
	m.w.tick()
	n := float64(m.win.n)
	slack := math.Sqrt(math.Log(2*math.Sqrt(n)/m.delta) / (2 * n))
	m.bound = math.Min(1, m.win.rate()+slack)
}

func (m *PACBayes) State() State { return m.w.state(m.th.classify(m.bound)) }

func (m *PACBayes) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.bound), m.bound, map[string]float64{"empirical": m.win.rate()})
}

// =============================================================================
// Borel-Cantelli recurrence
// =============================================================================

const borelBlock = 64

// BorelCantelli watches whether adverse events keep recurring. Each block
// of 64 samples contributes one indicator and the statistic is an EWMA of
// those indicators. A single burst touches few blocks; a persistent low
// rate touches almost all of them.
type BorelCantelli struct {
	alpha float64
	hit   bool
	recur float64
	th    thresholds
	w     warmup
}

// NewBorelCantelli creates the monitor.
func NewBorelCantelli(warm uint64) *BorelCantelli {
	return &BorelCantelli{alpha: 1.0 / 16, th: thresholds{0.3, 0.6, 0.9}, w: warmup{need: orDefault(warm, 4*borelBlock)}}
}

func (m *BorelCantelli) ID() ID { return IDBorelCantelli }

func (m *BorelCantelli) Observe(s Sample) {
	m.hit = m.hit || s.Adverse
	m.w.tick()
	if m.w.n%borelBlock != 0 {
		return
	}
	m.recur += m.alpha * (b2f(m.hit) - m.recur)
	m.hit = false
}

func (m *BorelCantelli) State() State { return m.w.state(m.th.classify(m.recur)) }

func (m *BorelCantelli) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.recur), m.recur, nil)
}

// =============================================================================
// Renewal
// =============================================================================

// Renewal treats clean samples as renewals and tracks adverse run
// lengths. The statistic is the larger of the open run and an EWMA of
// completed runs that fades while traffic stays clean.
type Renewal struct {
	alpha, fade float64
	run         float64
	meanRun     float64
	th          thresholds
	w           warmup
}

// NewRenewal creates the monitor.
func NewRenewal(warm uint64) *Renewal {
	return &Renewal{alpha: 1.0 / 8, fade: 511.0 / 512, th: thresholds{4, 16, 64}, w: warmup{need: orDefault(warm, 32)}}
}

func (m *Renewal) ID() ID { return IDRenewal }

func (m *Renewal) Observe(s Sample) {
	m.w.tick()
	if s.Adverse {
		m.run++
		return
	}
	if m.run > 0 {
		m.meanRun += m.alpha * (m.run - m.meanRun)
		m.run = 0
	}
	m.meanRun *= m.fade
}

func (m *Renewal) stat() float64 { return math.Max(m.run, m.meanRun) }

func (m *Renewal) State() State { return m.w.state(m.th.classify(m.stat())) }

func (m *Renewal) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.stat()), m.stat(),
		map[string]float64{"run": m.run, "mean_run": m.meanRun})
}

// =============================================================================
// Doob drift
// =============================================================================

// DoobDrift splits the adverse indicator into a slowly learned compensator
// and martingale innovations. A fast EWMA of the innovations should hover
// near zero; its z-score against the Bernoulli noise level measures drift
// that the compensator has not absorbed yet.
type DoobDrift struct {
	slow, fast float64
	base       float64
	drift      float64
	z          float64
	th         thresholds
	w          warmup
}

// NewDoobDrift creates the monitor.
func NewDoobDrift(warm uint64) *DoobDrift {
	return &DoobDrift{slow: 1.0 / 1024, fast: 1.0 / 32, th: thresholds{3, 5, 8}, w: warmup{need: orDefault(warm, 64)}}
}

func (m *DoobDrift) ID() ID { return IDDoobDrift }

func (m *DoobDrift) Observe(s Sample) {
	x := b2f(s.Adverse)
	m.w.tick()
	m.drift += m.fast * ((x - m.base) - m.drift)
	m.base += math.Max(m.slow, 1/float64(m.w.n)) * (x - m.base)
	p := clamp(m.base, 0.01, 0.99)
	sd := math.Sqrt(p * (1 - p) * m.fast / (2 - m.fast))
	m.z = math.Max(0, m.drift/sd)
}

func (m *DoobDrift) State() State { return m.w.state(m.th.classify(m.z)) }

func (m *DoobDrift) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.z), m.z,
		map[string]float64{"compensator": m.base, "drift": m.drift})
}

// =============================================================================
// Lempel-Ziv complexity
// =============================================================================

const lzBlock = 256

// lz76 counts the phrases of the Lempel-Ziv 1976 parsing of s. It needs
// at least two symbols.
func lz76(s []byte) int {
	n := len(s)
	c, l, i, k, kmax := 1, 1, 0, 1, 1
	for {
		if s[i+k-1] == s[l+k-1] {
			k++
			if l+k > n {
				return c + 1
			}
			continue
		}
		kmax = max(kmax, k)
		i++
		if i < l {
			k = 1
			continue
		}
		c++
		l += kmax
		if l+1 > n {
			return c
		}
		i, k, kmax = 0, 1, 1
	}
}

// LempelZiv measures the normalized LZ76 complexity of the adverse bit
// stream per 256-sample block. Quiet and periodic streams compress to a
// few phrases; an adversary randomizing its inputs does not.
type LempelZiv struct {
	block      [lzBlock]byte
	complexity float64
	th         thresholds
	w          warmup
}

// NewLempelZiv creates the monitor.
func NewLempelZiv(warm uint64) *LempelZiv {
	return &LempelZiv{th: thresholds{0.45, 0.7, 0.95}, w: warmup{need: max(orDefault(warm, lzBlock), lzBlock)}}
}

func (m *LempelZiv) ID() ID { return IDLempelZiv }

func (m *LempelZiv) Observe(s Sample) {
	m.block[m.w.n%lzBlock] = byte(b2f(s.Adverse))
	m.w.tick()
	if m.w.n%lzBlock == 0 {
		m.complexity = float64(lz76(m.block[:])) * math.Log2(lzBlock) / lzBlock
	}
}

func (m *LempelZiv) State() State { return m.w.state(m.th.classify(m.complexity)) }

func (m *LempelZiv) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.complexity), m.complexity, nil)
}

// =============================================================================
// Dobrushin coefficient
// =============================================================================

// Dobrushin estimates the two-state chain of consecutive adverse bits
// from decayed transition counts and reports its Dobrushin coefficient
// |P(1|1) - P(1|0)|. Near one the chain is sticky: once adverse, it stays
// adverse. Rows with too little mass report zero.
type Dobrushin struct {
	decay, minRow float64
	counts        [2][2]float64
	prev          int
	coef          float64
	th            thresholds
	w             warmup
}

// NewDobrushin creates the monitor.
func NewDobrushin(warm uint64) *Dobrushin {
	return &Dobrushin{decay: 127.0 / 128, minRow: 4, th: thresholds{0.5, 0.75, 0.9}, w: warmup{need: orDefault(warm, 64)}}
}

func (m *Dobrushin) ID() ID { return IDDobrushin }

func (m *Dobrushin) Observe(s Sample) {
	x := int(b2f(s.Adverse))
	if m.w.n > 0 {
		for i := range m.counts {
			m.counts[i][0] *= m.decay
			m.counts[i][1] *= m.decay
		}
		m.counts[m.prev][x]++
	}
	m.prev = x
	m.w.tick()

	r0 := m.counts[0][0] + m.counts[0][1]
	r1 := m.counts[1][0] + m.counts[1][1]
	if r0 < m.minRow || r1 < m.minRow {
		m.coef = 0
		return
	}
	m.coef = math.Abs(m.counts[1][1]/r1 - m.counts[0][1]/r0)
}

func (m *Dobrushin) State() State { return m.w.state(m.th.classify(m.coef)) }

func (m *Dobrushin) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.coef), m.coef, nil)
}

// =============================================================================
// Transfer entropy
// =============================================================================

// contentionHigh marks the contention level treated as congested.
const contentionHigh = 50

// TransferEntropy measures, in bits, how much the previous contention
// state predicts the next adverse bit beyond what the previous adverse
// bit already does. Adverse outcomes that follow congestion point at a
// timing attack rather than a broken caller.
type TransferEntropy struct {
	decay   float64
	minMass float64
	cadence uint64
	counts  [2][2][2]float64 // [x(t)][x(t-1)][y(t-1)]
	prevX   int
	prevY   int
	te      float64
	th      thresholds
	w       warmup
}

// NewTransferEntropy creates the monitor.
func NewTransferEntropy(warm uint64) *TransferEntropy {
	return &TransferEntropy{decay: 511.0 / 512, minMass: 64, cadence: 16, th: thresholds{0.05, 0.1, 0.2},
		w: warmup{need: orDefault(warm, 128)}}
}

func (m *TransferEntropy) ID() ID { return IDTransferEntropy }

func (m *TransferEntropy) Observe(s Sample) {
	x := int(b2f(s.Adverse))
	y := int(b2f(s.Contention >= contentionHigh))
	if m.w.n > 0 {
		for a := range m.counts {
			for b := range m.counts[a] {
				m.counts[a][b][0] *= m.decay
				m.counts[a][b][1] *= m.decay
			}
		}
		m.counts[x][m.prevX][m.prevY]++
	}
	m.prevX, m.prevY = x, y
	m.w.tick()
	if m.w.n%m.cadence == 0 {
		m.te = m.transfer()
	}
}

func (m *TransferEntropy) transfer() float64 {
	var total float64
	// past is indexed [x(t-1)][y(t-1)], joint [x(t)][x(t-1)].
	var past, joint [2][2]float64
	var prev [2]float64
	for x1 := range m.counts {
		for x0 := range m.counts[x1] {
			for y0, c := range m.counts[x1][x0] {
				total += c
				past[x0][y0] += c
				joint[x1][x0] += c
				prev[x0] += c
			}
		}
	}
	if total < m.minMass {
		return 0
	}
	var te float64
	for x1 := range m.counts {
		for x0 := range m.counts[x1] {
			for y0, c := range m.counts[x1][x0] {
				if c <= 0 {
					continue
				}
				te += c / total * math.Log2((c/past[x0][y0])/(joint[x1][x0]/prev[x0]))
			}
		}
	}
	return math.Max(0, te)
}

func (m *TransferEntropy) State() State { return m.w.state(m.th.classify(m.te)) }

func (m *TransferEntropy) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.te), m.te, nil)
}

// =============================================================================
// Mutual information
// =============================================================================

const miBuckets = 16

// MutualInfo measures, in bits, how much the log2 latency bucket of a
// call tells about whether it was adverse. By Fano's inequality a high
// value means an observer timing calls could classify them well, so the
// validation path leaks its verdicts.
type MutualInfo struct {
	decay   float64
	minMass float64
	cadence uint64
	counts  [miBuckets][2]float64
	mi      float64
	th      thresholds
	w       warmup
}

// NewMutualInfo creates the monitor.
func NewMutualInfo(warm uint64) *MutualInfo {
	return &MutualInfo{decay: 511.0 / 512, minMass: 64, cadence: 16, th: thresholds{0.05, 0.1, 0.2},
		w: warmup{need: orDefault(warm, 128)}}
}

func (m *MutualInfo) ID() ID { return IDMutualInfo }

func (m *MutualInfo) Observe(s Sample) {
	b := min(bits.Len64(s.LatencyNs), miBuckets-1)
	for i := range m.counts {
		m.counts[i][0] *= m.decay
		m.counts[i][1] *= m.decay
	}
	m.counts[b][int(b2f(s.Adverse))]++
	m.w.tick()
	if m.w.n%m.cadence == 0 {
		m.mi = m.information()
	}
}

func (m *MutualInfo) information() float64 {
	var total float64
	var px [2]float64
	var pb [miBuckets]float64
	for b := range m.counts {
		for x, c := range m.counts[b] {
			total += c
			px[x] += c
			pb[b] += c
		}
	}
	if total < m.minMass {
		return 0
	}
	var mi float64
	for b := range m.counts {
		for x, c := range m.counts[b] {
			if c > 0 {
				mi += c / total * math.Log2(c*total/(pb[b]*px[x]))
			}
		}
	}
	return math.Max(0, mi)
}

func (m *MutualInfo) State() State { return m.w.state(m.th.classify(m.mi)) }

func (m *MutualInfo) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.mi), m.mi, nil)
}

// =============================================================================
// Family skew
// =============================================================================

// FamilySkew expects adverse rates to look alike across API families and
// reports how far the worst family sits above the median of the families
// that have seen traffic. One family under attack while the rest stay
// clean shows up here before the global rate moves.
type FamilySkew struct {
	alpha   float64
	minSeen uint64
	cadence uint64
	rate    [dt.FamilyCount]float64
	seen    [dt.FamilyCount]uint64
	skew    float64
	th      thresholds
	w       warmup
}

// NewFamilySkew creates the monitor.
func NewFamilySkew(warm uint64) *FamilySkew {
	return &FamilySkew{alpha: 1.0 / 64, minSeen: 32, cadence: 8, th: thresholds{0.1, 0.25, 0.5},
		w: warmup{need: orDefault(warm, 64)}}
}

func (m *FamilySkew) ID() ID { return IDFamilySkew }

func (m *FamilySkew) Observe(s Sample) {
	f := familyOf(s)
	m.rate[f] += m.alpha * (b2f(s.Adverse) - m.rate[f])
	m.seen[f]++
	m.w.tick()
	if m.w.n%m.cadence == 0 {
		m.skew = m.spread()
	}
}

func (m *FamilySkew) spread() float64 {
	var buf [dt.FamilyCount]float64
	k := 0
	for f := range m.rate {
		if m.seen[f] >= m.minSeen {
			buf[k] = m.rate[f]
			k++
		}
	}
	if k < 2 {
		return 0
	}
	active := buf[:k]
	slices.Sort(active)
	median := active[k/2]
	if k%2 == 0 {
		median = (active[k/2-1] + active[k/2]) / 2
	}
	return active[k-1] - median
}

func (m *FamilySkew) State() State { return m.w.state(m.th.classify(m.skew)) }

func (m *FamilySkew) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.skew), m.skew, nil)
}

// =============================================================================
// Barrier certificate
// =============================================================================

// Barrier evaluates the barrier function B = (r/rMax)^2 + (c/cMax)^2 over
// the smoothed adverse rate r and the smoothed contention fraction c. The
// safe set is B < 1; the statistic is B itself.
type Barrier struct {
	alpha      float64
	rMax, cMax float64
	r, c       float64
	level      float64
	th         thresholds
	w          warmup
}

// NewBarrier creates the monitor.
func NewBarrier(warm uint64) *Barrier {
	return &Barrier{alpha: 1.0 / 64, rMax: 0.3, cMax: 1.2, th: thresholds{0.25, 0.6, 1}, w: warmup{need: orDefault(warm, 32)}}
}

func (m *Barrier) ID() ID { return IDBarrier }

func (m *Barrier) Observe(s Sample) {
	m.r += m.alpha * (b2f(s.Adverse) - m.r)
	m.c += m.alpha * (float64(min(s.Contention, 100))/100 - m.c)
	m.w.tick()
	m.level = (m.r/m.rMax)*(m.r/m.rMax) + (m.c/m.cMax)*(m.c/m.cMax)
}

func (m *Barrier) State() State { return m.w.state(m.th.classify(m.level)) }

func (m *Barrier) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.level), m.level, map[string]float64{"rate": m.r, "contention": m.c})
}
