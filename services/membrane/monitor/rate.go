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

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

func familyOf(s Sample) dt.ApiFamily {
	if !s.Family.Valid() {
		return dt.FamilyPointerValidation
	}
	return s.Family
}

// familyMax folds per-family states into one: active if any family is
// active, severity the maximum over active families.
func familyMax(n int, state func(i int) State) State {
	out := State{Phase: PhaseCalibrating}
	for i := 0; i < n; i++ {
		st := state(i)
		if !st.Active() {
			continue
		}
		out.Phase = PhaseActive
		out.Severity = max(out.Severity, st.Severity)
	}
	return out
}

// =============================================================================
// Adverse-rate EWMA
// =============================================================================

// AdverseEWMA tracks an exponentially weighted adverse rate per family.
type AdverseEWMA struct {
	alpha float64
	th    thresholds
	fams  [dt.FamilyCount]struct {
		rate float64
		w    warmup
	}
}

// NewAdverseEWMA creates the monitor. warm is the per-family calibration
// length; zero selects the default of 32.
func NewAdverseEWMA(warm uint64) *AdverseEWMA {
	m := &AdverseEWMA{alpha: 1.0 / 32, th: thresholds{0.02, 0.08, 0.25}}
	for i := range m.fams {
		m.fams[i].w.need = orDefault(warm, 32)
	}
	return m
}

func (m *AdverseEWMA) ID() ID { return IDAdverseEWMA }

func (m *AdverseEWMA) Observe(s Sample) {
	f := &m.fams[familyOf(s)]
	f.rate += m.alpha * (b2f(s.Adverse) - f.rate)
	f.w.tick()
}

func (m *AdverseEWMA) FamilyState(f dt.ApiFamily) State {
	if !f.Valid() {
		return State{}
	}
	st := &m.fams[f]
	return st.w.state(m.th.classify(st.rate))
}

func (m *AdverseEWMA) State() State {
	return familyMax(dt.FamilyCount, func(i int) State { return m.FamilyState(dt.ApiFamily(i)) })
}

func (m *AdverseEWMA) Summary() Summary {
	var peak float64
	var n uint64
	detail := make(map[string]float64)
	for i := range m.fams {
		f := &m.fams[i]
		n += f.w.n
		if f.w.n > 0 {
			detail[dt.ApiFamily(i).String()] = f.rate
			peak = math.Max(peak, f.rate)
		}
	}
	st := m.State()
	return Summary{ID: m.ID(), Phase: st.Phase.String(), Severity: st.Severity.String(), Observations: n, Statistic: peak, Detail: detail}
}

// =============================================================================
// E-process
// =============================================================================

// EProcess is an anytime-valid sequential test per family of the null
// hypothesis that the adverse rate is at most p0, against the alternative
// q1. It is kept in log space and floored at zero, so evidence restarts
// after a clean stretch instead of accumulating debt.
type EProcess struct {
	llrAdverse, llrClean float64
	cap                  float64
	th                   thresholds
	fams                 [dt.FamilyCount]struct {
		logE float64
		w    warmup
	}
}

// NewEProcess creates the monitor with p0 = 0.02 and q1 = 0.20.
func NewEProcess(warm uint64) *EProcess {
	const p0, q1 = 0.02, 0.20
	m := &EProcess{
		llrAdverse: math.Log(q1 / p0),
		llrClean:   math.Log((1 - q1) / (1 - p0)),
		cap:        50,
		th:         thresholds{math.Log(10), math.Log(100), math.Log(10000)},
	}
	for i := range m.fams {
		m.fams[i].w.need = orDefault(warm, 64)
	}
	return m
}

func (m *EProcess) ID() ID { return IDEProcess }

func (m *EProcess) Observe(s Sample) {
	f := &m.fams[familyOf(s)]
	step := m.llrClean
	if s.Adverse {
		step = m.llrAdverse
	}
	f.logE = clamp(f.logE+step, 0, m.cap)
	f.w.tick()
}

func (m *EProcess) FamilyState(f dt.ApiFamily) State {
	if !f.Valid() {
		return State{}
	}
	st := &m.fams[f]
	return st.w.state(m.th.classify(st.logE))
}

func (m *EProcess) State() State {
	return familyMax(dt.FamilyCount, func(i int) State { return m.FamilyState(dt.ApiFamily(i)) })
}

func (m *EProcess) Summary() Summary {
	var peak float64
	var n uint64
	detail := make(map[string]float64)
	for i := range m.fams {
		f := &m.fams[i]
		n += f.w.n
		if f.w.n > 0 {
			detail[dt.ApiFamily(i).String()] = f.logE
			peak = math.Max(peak, f.logE)
		}
	}
	st := m.State()
	return Summary{ID: m.ID(), Phase: st.Phase.String(), Severity: st.Severity.String(), Observations: n, Statistic: peak, Detail: detail}
}

// =============================================================================
// Beta-Bernoulli posterior
// =============================================================================

// BetaPosterior keeps a Beta posterior over the global adverse rate with
// exponential forgetting toward the prior, and classifies its upper
// credible bound (mean plus two standard deviations).
type BetaPosterior struct {
	alpha0, beta0 float64
	alpha, beta   float64
	lambda        float64
	upper         float64
	th            thresholds
	w             warmup
}

// NewBetaPosterior creates the monitor with a Beta(1, 49) prior and a
// forgetting factor of 0.995.
func NewBetaPosterior(warm uint64) *BetaPosterior {
	return &BetaPosterior{
		alpha0: 1, beta0: 49,
		alpha: 1, beta: 49,
		lambda: 0.995,
		th:     thresholds{0.05, 0.15, 0.4},
		w:      warmup{need: orDefault(warm, 64)},
	}
}

func (m *BetaPosterior) ID() ID { return IDBetaPosterior }

func (m *BetaPosterior) Observe(s Sample) {
	x := b2f(s.Adverse)
	m.alpha = m.alpha0 + m.lambda*(m.alpha-m.alpha0) + x
	m.beta = m.beta0 + m.lambda*(m.beta-m.beta0) + (1 - x)
	n := m.alpha + m.beta
	mean := m.alpha / n
	sd := math.Sqrt(m.alpha * m.beta / (n * n * (n + 1)))
	m.upper = math.Min(1, mean+2*sd)
	m.w.tick()
}

func (m *BetaPosterior) State() State { return m.w.state(m.th.classify(m.upper)) }

func (m *BetaPosterior) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.upper), m.upper, map[string]float64{
		"alpha": m.alpha,
		"beta":  m.beta,
	})
}

// =============================================================================
// Contention
// =============================================================================

// Contention is a mean-field congestion EWMA over caller-reported
// contention levels.
type Contention struct {
	level float64
	alpha float64
	th    thresholds
	w     warmup
}

// NewContention creates the monitor.
func NewContention(warm uint64) *Contention {
	return &Contention{alpha: 1.0 / 16, th: thresholds{50, 75, 96}, w: warmup{need: orDefault(warm, 16)}}
}

func (m *Contention) ID() ID { return IDContention }

func (m *Contention) Observe(s Sample) {
	m.level += m.alpha * (float64(min(s.Contention, 100)) - m.level)
	m.w.tick()
}

func (m *Contention) State() State { return m.w.state(m.th.classify(m.level)) }

func (m *Contention) Summary() Summary {
	return summarize(m.ID(), &m.w, m.th.classify(m.level), m.level, nil)
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}
