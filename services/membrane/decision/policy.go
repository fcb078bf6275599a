// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"math"
	"sync/atomic"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// Latency priors for an arm that has never been pulled.
var latencyPriorNs = [dt.ProfileCount]uint64{12, 70}

// latencyEWMAShift sets the governor's smoothing to 1/16.
const latencyEWMAShift = 4

type arm struct {
	pulls      atomic.Uint64
	latencySum atomic.Uint64
	adverse    atomic.Uint64

	// ewma is latency in ns scaled by 1<<latencyEWMAShift.
	ewma atomic.Uint64
}

// moments is an arm estimate.
type moments struct {
	pulls         uint64
	meanLatencyNs uint64
	adversePPM    uint32
}

// arms holds per-family Fast/Full statistics for the profile policy.
//
// Thread Safety: lock-free; concurrent updates may interleave, which only
// perturbs estimates.
type arms struct {
	fullBudgetNs uint64
	s            [dt.FamilyCount][dt.ProfileCount]arm
}

func newArms(cfg Config) *arms {
	a := &arms{fullBudgetNs: cfg.FullBudgetNs}
	a.reset()
	return a
}

func (a *arms) reset() {
	for f := range a.s {
		for p := range a.s[f] {
			st := &a.s[f][p]
			st.pulls.Store(0)
			st.latencySum.Store(0)
			st.adverse.Store(0)
			st.ewma.Store(latencyPriorNs[p] << latencyEWMAShift)
		}
	}
}

func (a *arms) record(f dt.ApiFamily, p dt.Profile, costNs uint64, adverse bool) {
	st := &a.s[f][p]
	st.pulls.Add(1)
	st.latencySum.Add(costNs)
	if adverse {
		st.adverse.Add(1)
	}
	old := st.ewma.Load()
	// ewma' = ewma*15/16 + cost, which settles at 16*cost.
	st.ewma.Store(old - old>>latencyEWMAShift + min(costNs, math.MaxUint64>>(latencyEWMAShift+1)))
}

// latencyNs returns the smoothed latency used by the governor.
func (a *arms) latencyNs(f dt.ApiFamily, p dt.Profile) uint64 {
	return a.s[f][p].ewma.Load() >> latencyEWMAShift
}

// riskPrior is the adverse rate an arm inherits from the family risk. Full
// validation catches more, so it inherits half.
func riskPrior(p dt.Profile, riskPPM uint32) uint32 {
	if p == dt.ProfileFull {
		return riskPPM / 2
	}
	return riskPPM
}

// estimate blends the arm's empirical adverse rate with the current risk
// so a stale arm still reacts to a burst.
func (a *arms) estimate(f dt.ApiFamily, p dt.Profile, riskPPM uint32) moments {
	st := &a.s[f][p]
	pulls := st.pulls.Load()
	prior := riskPrior(p, riskPPM)
	if pulls == 0 {
		return moments{meanLatencyNs: latencyPriorNs[p], adversePPM: prior}
	}
	empirical := min(st.adverse.Load()*1_000_000/pulls, 1_000_000)
	return moments{
		pulls:         pulls,
		meanLatencyNs: st.latencySum.Load() / pulls,
		adversePPM:    uint32((empirical*3 + uint64(prior)) / 4),
	}
}

// objectiveWeights returns (latency, risk) weights in thousandths.
func objectiveWeights(level dt.SafetyLevel) (uint64, uint64) {
	switch level {
	case dt.SafetyHardened:
		return 250, 750
	case dt.SafetyOff:
		return 1000, 0
	default:
		return 750, 250
	}
}

// loss is the mode-weighted latency+risk objective in milli-units.
func (a *arms) loss(level dt.SafetyLevel, latencyNs uint64, adversePPM uint32) uint64 {
	wl, wr := objectiveWeights(level)
	latencyNorm := min(latencyNs, math.MaxUint64/1_000_000) * 1_000_000 / a.fullBudgetNs
	latencyNorm = min(latencyNorm, 2_000_000)
	riskNorm := uint64(min(adversePPM, 1_000_000))
	return (wl*latencyNorm + wr*riskNorm) / 1_000_000
}

func (a *arms) expectedLoss(level dt.SafetyLevel, f dt.ApiFamily, p dt.Profile, riskPPM uint32) (uint64, uint64) {
	m := a.estimate(f, p, riskPPM)
	return a.loss(level, m.meanLatencyNs, m.adversePPM), m.pulls
}

// choose runs the exploring policy: each arm is tried once, then the arm
// with the lower optimistic loss wins, Full only by a margin.
func (a *arms) choose(level dt.SafetyLevel, f dt.ApiFamily, riskPPM uint32, explore float64, hysteresis uint64) dt.Profile {
	fastLoss, fastPulls := a.expectedLoss(level, f, dt.ProfileFast, riskPPM)
	fullLoss, fullPulls := a.expectedLoss(level, f, dt.ProfileFull, riskPPM)
	switch {
	case fastPulls == 0:
		return dt.ProfileFast
	case fullPulls == 0:
		return dt.ProfileFull
	}
	logTotal := math.Max(1, math.Log(float64(fastPulls+fullPulls)))
	fast := float64(fastLoss) - explore*math.Sqrt(2*logTotal/float64(fastPulls))
	full := float64(fullLoss) - explore*math.Sqrt(2*logTotal/float64(fullPulls))
	if full+float64(hysteresis) < fast {
		return dt.ProfileFull
	}
	return dt.ProfileFast
}

// best returns the arm with the lower estimated loss, without exploration.
func (a *arms) best(level dt.SafetyLevel, f dt.ApiFamily, riskPPM uint32) dt.Profile {
	fastLoss, _ := a.expectedLoss(level, f, dt.ProfileFast, riskPPM)
	fullLoss, _ := a.expectedLoss(level, f, dt.ProfileFull, riskPPM)
	if fullLoss < fastLoss {
		return dt.ProfileFull
	}
	return dt.ProfileFast
}

// ArmSummary is the telemetry view of one arm.
type ArmSummary struct {
	Profile       string `json:"profile"`
	Pulls         uint64 `json:"pulls"`
	MeanLatencyNs uint64 `json:"mean_latency_ns"`
	AdversePPM    uint32 `json:"adverse_ppm"`
	EWMALatencyNs uint64 `json:"ewma_latency_ns"`
}

func (a *arms) summary(f dt.ApiFamily, riskPPM uint32) [dt.ProfileCount]ArmSummary {
	var out [dt.ProfileCount]ArmSummary
	for p := range out {
		prof := dt.Profile(p)
		m := a.estimate(f, prof, riskPPM)
		out[p] = ArmSummary{
			Profile:       prof.String(),
			Pulls:         m.pulls,
			MeanLatencyNs: m.meanLatencyNs,
			AdversePPM:    m.adversePPM,
			EWMALatencyNs: a.latencyNs(f, prof),
		}
	}
	return out
}
