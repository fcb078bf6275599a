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

// capWeight scales the base regret cap per family. Families whose calls
// are cheap to over-validate get more room to explore.
var capWeight = map[dt.ApiFamily]float64{
	dt.FamilyPointerValidation: 1.2,
	dt.FamilyAllocator:         0.85,
	dt.FamilyStringMemory:      1.1,
	dt.FamilyStdio:             1.1,
	dt.FamilyMathFenv:          1.1,
}

// RegretCaps computes the per-family regret budget for level. Off has no
// budget to exhaust.
func RegretCaps(cfg Config, level dt.SafetyLevel) [dt.FamilyCount]uint64 {
	var caps [dt.FamilyCount]uint64
	base := cfg.StrictRegretCapMilli
	if level == dt.SafetyHardened {
		base = cfg.HardenedRegretCapMilli
	}
	for f := range caps {
		fam := dt.ApiFamily(f)
		switch {
		case level == dt.SafetyOff:
			caps[f] = math.MaxUint64
		default:
			w, ok := capWeight[fam]
			if !ok {
				w = 1
			}
			caps[f] = uint64(math.Round(float64(base) * w))
		}
		if v, ok := cfg.RegretCapOverrides[fam.String()]; ok && level != dt.SafetyOff {
			caps[f] = v
		}
	}
	return caps
}

// Ledger is the per-family cumulative regret account in milli-units.
//
// # Invariants
//
// Regret per family never decreases except through Reset and never
// exceeds the family's cap. Once at cap the family reports exhausted
// until Reset.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Charge is a CAS loop, so
// concurrent charges never push a family past its cap.
type Ledger struct {
	caps         [dt.FamilyCount]uint64
	regret       [dt.FamilyCount]atomic.Uint64
	enforcements [dt.FamilyCount]atomic.Uint64
	resets       atomic.Uint64
}

// NewLedger creates a ledger with the given caps.
func NewLedger(caps [dt.FamilyCount]uint64) *Ledger {
	return &Ledger{caps: caps}
}

// Charge adds milli to family's regret, truncated at the cap.
//
// Outputs:
//
//	charged - The amount actually added.
//	exhaustedNow - True only for the charge that reached the cap.
func (l *Ledger) Charge(family dt.ApiFamily, milli uint64) (charged uint64, exhaustedNow bool) {
	if !family.Valid() || milli == 0 {
		return 0, false
	}
	c := l.caps[family]
	v := &l.regret[family]
	for {
		old := v.Load()
		residual := c - min(old, c)
		charged = min(milli, residual)
		if charged == 0 {
			l.enforcements[family].Add(1)
			return 0, false
		}
		if v.CompareAndSwap(old, old+charged) {
			if charged < milli {
				l.enforcements[family].Add(1)
			}
			return charged, old+charged == c
		}
	}
}

// NoteEnforcement counts a decision routed to the best empirical arm
// because the budget is spent.
func (l *Ledger) NoteEnforcement(family dt.ApiFamily) {
	if family.Valid() {
		l.enforcements[family].Add(1)
	}
}

// Regret returns family's cumulative regret.
func (l *Ledger) Regret(family dt.ApiFamily) uint64 {
	if !family.Valid() {
		return 0
	}
	return l.regret[family].Load()
}

// Cap returns family's budget.
func (l *Ledger) Cap(family dt.ApiFamily) uint64 {
	if !family.Valid() {
		return 0
	}
	return l.caps[family]
}

// Exhausted reports whether family's budget is spent.
func (l *Ledger) Exhausted(family dt.ApiFamily) bool {
	return family.Valid() && l.regret[family].Load() >= l.caps[family]
}

// Reset zeroes every account.
func (l *Ledger) Reset() {
	for f := range l.regret {
		l.regret[f].Store(0)
	}
	l.resets.Add(1)
}

// LedgerSummary is the telemetry view of the ledger.
type LedgerSummary struct {
	TotalMilli        uint64 `json:"total_milli"`
	ExhaustedFamilies int    `json:"exhausted_families"`
	CapEnforcements   uint64 `json:"cap_enforcements"`
	Resets            uint64 `json:"resets"`
}

// Summary totals the ledger.
func (l *Ledger) Summary() LedgerSummary {
	var s LedgerSummary
	for f := range l.regret {
		r := l.regret[f].Load()
		s.TotalMilli += r
		if r >= l.caps[f] {
			s.ExhaustedFamilies++
		}
		s.CapEnforcements += l.enforcements[f].Load()
	}
	s.Resets = l.resets.Load()
	return s
}
