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

// minRiskObservations is the count below which the prior stands.
const minRiskObservations = 32

type riskFamily struct {
	calls   atomic.Uint64
	adverse atomic.Uint64
	ubPPM   atomic.Uint32
}

// baseRisk is the per-family adverse-rate upper bound: the mean of a
// Beta(1+adverse, 1+clean) posterior plus z standard deviations, recomputed
// on cadence and cached for the hot path. Counters halve once they reach
// the window so the estimate follows the recent past.
type baseRisk struct {
	cadence uint64
	window  uint64
	z       float64
	fam     [dt.FamilyCount]riskFamily
}

func newBaseRisk(cfg Config) *baseRisk {
	r := &baseRisk{cadence: cfg.RiskCadence, window: cfg.RiskWindow, z: cfg.ZScore}
	for i := range r.fam {
		r.fam[i].ubPPM.Store(cfg.PriorRiskPPM)
	}
	return r
}

// upperBoundPPM is a single atomic load.
func (r *baseRisk) upperBoundPPM(f dt.ApiFamily) uint32 {
	return r.fam[f].ubPPM.Load()
}

func (r *baseRisk) observe(f dt.ApiFamily, adverse bool) {
	st := &r.fam[f]
	bad := st.adverse.Load()
	if adverse {
		bad = st.adverse.Add(1)
	}
	n := st.calls.Add(1)
	if n < minRiskObservations || n%r.cadence != 0 {
		return
	}
	st.ubPPM.Store(upperBound(n, bad, r.z))
	if n >= r.window {
		st.calls.Store(n / 2)
		st.adverse.Store(bad / 2)
	}
}

func upperBound(n, bad uint64, z float64) uint32 {
	bad = min(bad, n)
	p := (float64(bad) + 1) / (float64(n) + 2)
	v := p * (1 - p) / (float64(n) + 3)
	ub := math.Min(1, p+z*math.Sqrt(v))
	return uint32(math.Round(ub * 1_000_000))
}

func (r *baseRisk) counts(f dt.ApiFamily) (calls, adverse uint64) {
	return r.fam[f].calls.Load(), r.fam[f].adverse.Load()
}
