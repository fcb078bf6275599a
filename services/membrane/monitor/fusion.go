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

// MaxBonusPPM saturates every risk bonus.
const MaxBonusPPM = 1_000_000

// fusion holds the per-family coefficients of
//
//	bonus_f = min(1e6, Σ_m w_m · mult_{f,m} · curve[sev_{f,m}] · bonus_m)
//
// Immutable once built; the ensemble swaps whole values.
type fusion struct {
	curve [dt.SeverityCount]float64
	coef  [dt.FamilyCount][]float64
}

func newFusion(reg Registry, roster []Entry) *fusion {
	f := &fusion{curve: reg.Curve}
	for fam := range f.coef {
		mults := reg.Families[dt.ApiFamily(fam).String()]
		f.coef[fam] = make([]float64, len(roster))
		for m, e := range roster {
			mult := 1.0
			if v, ok := mults[e.ID]; ok {
				mult = v
			}
			f.coef[fam][m] = e.Weight * mult * float64(e.BonusPPM)
		}
	}
	return f
}

// bonus fuses severities for one family. Calibrating monitors are passed
// as absent and contribute nothing.
func (f *fusion) bonus(fam dt.ApiFamily, sev []dt.Severity, active []bool) uint32 {
	var sum float64
	coef := f.coef[fam]
	for m := range coef {
		if m >= len(sev) || !active[m] {
			continue
		}
		sum += coef[m] * f.curve[sev[m].Clamp()]
	}
	return uint32(math.Min(sum, MaxBonusPPM))
}
