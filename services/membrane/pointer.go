// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package membrane

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/membrane/services/membrane/arena"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/decision"
	"github.com/AleutianAI/membrane/services/membrane/heal"
	"github.com/AleutianAI/membrane/services/membrane/monitor"
)

const pageShift = 12

// Extra carries the optional parts of a call's contract.
type Extra struct {
	// Align is the alignment the callee requires. Zero or one means none.
	Align uint64

	// RequireNonEmpty rejects zero-length requests.
	RequireNonEmpty bool

	// NullAllowed means the callee accepts a null pointer.
	NullAllowed bool

	// Dst is the destination buffer, if the caller has one. A
	// TruncateWithNull repair writes its terminator into it.
	Dst []byte
}

// PointerVerdict is the answer to ValidatePointer.
type PointerVerdict struct {
	Level    dt.SafetyLevel
	Decision dt.Decision

	// Rejected is set when a validation stage failed; Stage names it.
	Rejected bool
	Stage    dt.Stage

	// Remaining is the number of valid bytes from the address when
	// RemainingKnown.
	Remaining      uint64
	RemainingKnown bool

	// Proceed means the caller may perform the operation on Effective
	// bytes. When false the caller returns its safe default (Healed) or
	// refuses the call.
	Proceed   bool
	Effective uint64

	Healed bool
	Heal   heal.Outcome
	Audit  heal.Entry
}

// ValidatePointer decides, validates and settles one pointer-bearing call.
//
// Description:
//
//	The engine picks a profile and action. Caller-contract violations
//	are settled without validation or observation. Otherwise the Fast
//	pipeline (Null, Alignment, cached lookup, Bounds) or the Full pipeline
//	(all seven stages in the scheduler's order) runs against the arena. A
//	rejection is denied under Strict and repaired under Hardened; Off lets
//	it through. The run is fed back to the engine.
//
// Inputs:
//
//	family - API family of the call.
//	addr, size - The pointer and the number of bytes the call touches.
//	isWrite - The call writes through the pointer.
//	extra - Contract requirements and the optional destination buffer.
//
// Thread Safety: Safe for concurrent use. Allocation-free unless a heal
// is applied.
func (m *Membrane) ValidatePointer(family dt.ApiFamily, addr, size uint64, isWrite bool, extra Extra) PointerVerdict {
	var start time.Time
	if m.measured {
		start = time.Now()
	}
	if !family.Valid() {
		family = dt.FamilyPointerValidation
	}
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)

	level, d := m.engine.Decide(family, addr, size, isWrite, extra.NullAllowed,
		decision.Extra{Align: extra.Align, RequireNonEmpty: extra.RequireNonEmpty})
	v := PointerVerdict{Level: level, Decision: d}

	if d.Contract != dt.ContractNone {
		m.pipe.contracts.Add(1)
		return m.settle(family, addr, size, extra, v, heal.KindReturnSafeDefault)
	}
	if addr == 0 {
		v.Proceed, v.Effective = true, size
		m.pipe.proceeded.Add(1)
		return v
	}

	var run stageRun
	if d.Profile == dt.ProfileFull {
		run = m.runFull(family, addr, size, extra.Align)
	} else {
		run = m.runFast(addr, size, extra.Align)
	}
	m.pipe.runs[d.Profile].Add(1)
	v.Rejected, v.Stage = run.rejected, run.stage
	v.Remaining, v.RemainingKnown = run.remaining, run.known
	if run.rejected {
		m.pipe.rejections[run.stage].Add(1)
	}

	switch {
	case d.Action.Kind == dt.ActionDeny:
		v = m.settle(family, addr, size, extra, v, heal.KindNone)
	case run.rejected && level != dt.SafetyOff:
		v = m.settle(family, addr, size, extra, v, m.healKind(family, d, run.stage))
	default:
		v.Proceed, v.Effective = true, size
		m.pipe.proceeded.Add(1)
	}

	cost := run.costNs
	if m.measured {
		cost = uint64(time.Since(start))
	}
	m.engine.ObserveSample(monitor.Sample{
		Family:     family,
		Profile:    d.Profile,
		LatencyNs:  cost,
		Adverse:    run.rejected,
		Addr:       addr,
		Contention: contention(n),
	})
	return v
}

// settle refuses the call under Strict and applies kind under Hardened.
// KindNone always refuses.
func (m *Membrane) settle(family dt.ApiFamily, addr, size uint64, extra Extra, v PointerVerdict, kind heal.Kind) PointerVerdict {
	if kind == heal.KindNone || !v.Level.HealEnabled() {
		if v.Level == dt.SafetyOff {
			v.Proceed, v.Effective = true, size
			m.pipe.proceeded.Add(1)
			return v
		}
		m.pipe.refused.Add(1)
		return v
	}
	available := v.Remaining
	if kind == heal.KindTruncateWithNull && !v.RemainingKnown && extra.Dst != nil {
		available = uint64(len(extra.Dst))
	}
	out, entry := m.heal.Apply(kind, heal.Context{
		Family:    family,
		Addr:      addr,
		Requested: size,
		Available: available,
		Dst:       extra.Dst,
	})
	v.Healed, v.Heal, v.Audit = true, out, entry
	if (kind == heal.KindClampToBounds || kind == heal.KindTruncateWithNull) && out.Effective > 0 {
		v.Proceed, v.Effective = true, out.Effective
	}
	m.pipe.healed.Add(1)
	return v
}

// healKind picks the repair for a rejection. Bounds overflows on a live
// allocation are clamped, or truncated for string families; everything
// else returns a safe default.
func (m *Membrane) healKind(family dt.ApiFamily, d dt.Decision, stage dt.Stage) heal.Kind {
	if stage != dt.StageBounds {
		return heal.KindReturnSafeDefault
	}
	if d.Action.Kind == dt.ActionRepair {
		if k := heal.FromRepair(d.Action.Repair); k == heal.KindTruncateWithNull || k == heal.KindClampToBounds {
			return k
		}
	}
	if family == dt.FamilyStringMemory {
		return heal.KindTruncateWithNull
	}
	return heal.KindClampToBounds
}

func contention(inflight int64) uint32 {
	procs := int64(runtime.GOMAXPROCS(0))
	return uint32(min(100, max(0, inflight-1)*100/procs))
}

// =============================================================================
// Pipelines
// =============================================================================

type stageRun struct {
	rejected  bool
	stage     dt.Stage
	remaining uint64
	known     bool
	costNs    uint64
}

// runFast checks Null and Alignment, then answers Bounds from the cached
// lookup. Foreign addresses pass.
func (m *Membrane) runFast(addr, size, align uint64) stageRun {
	r := stageRun{costNs: uint64(dt.StageNull.CostNs() + dt.StageAlignment.CostNs())}
	if align > 1 && addr%align != 0 {
		r.rejected, r.stage = true, dt.StageAlignment
		return r
	}
	res := m.arena.Validate(addr)
	r.costNs += uint64(dt.StageBounds.CostNs())
	switch res.Outcome {
	case arena.CachedValid, arena.Validated:
		r.remaining, r.known = res.Remaining, true
		if size > res.Remaining {
			r.rejected, r.stage = true, dt.StageBounds
		}
	case arena.UseAfterFree:
		r.rejected, r.stage = true, dt.StageQuarantine
	case arena.Invalid:
		r.rejected, r.stage = true, dt.StageArena
	}
	return r
}

// runFull executes every stage in the scheduler's order over a single
// arena lookup and reports where it stopped.
func (m *Membrane) runFull(family dt.ApiFamily, addr, size, align uint64) stageRun {
	aligned := addr&7 == 0
	page := addr >> pageShift
	recent := m.lastPage[family].Swap(page) == page
	ordering := m.engine.CheckOrdering(family, aligned, recent)
	ins := m.arena.Inspect(addr)

	var r stageRun
	exit := dt.StageCount - 1
	for i, st := range ordering {
		r.costNs += uint64(st.CostNs())
		if !m.stagePasses(st, addr, size, align, ins) {
			r.rejected, r.stage, exit = true, st, i
			break
		}
	}
	m.engine.NoteCheckOrderOutcome(family, aligned, recent, ordering, exit, r.rejected)
	if ins.InBounds() {
		r.remaining, r.known = ins.Remaining(), true
	}
	return r
}

func (m *Membrane) stagePasses(st dt.Stage, addr, size, align uint64, ins arena.Inspection) bool {
	switch st {
	case dt.StageNull:
		return addr != 0
	case dt.StageAlignment:
		return align <= 1 || addr%align == 0
	case dt.StageBounds:
		return !ins.InBounds() || size <= ins.Remaining()
	case dt.StageArena:
		return ins.Region == arena.RegionNone || ins.State == arena.StateQuarantined ||
			ins.State == arena.StateFree || ins.InBounds()
	case dt.StageQuarantine:
		return ins.State != arena.StateQuarantined && ins.State != arena.StateFree
	case dt.StageCanary:
		return !ins.Live() || m.arena.CanaryIntact(addr)
	case dt.StageDeepScan:
		return !ins.Live() || m.arena.DeepScan(addr).OK()
	}
	return true
}

// =============================================================================
// Counters
// =============================================================================

type pipelineCounters struct {
	runs       [dt.ProfileCount]atomic.Uint64
	rejections [dt.StageCount]atomic.Uint64
	contracts  atomic.Uint64
	proceeded  atomic.Uint64
	refused    atomic.Uint64
	healed     atomic.Uint64
}

// PipelineSummary is the telemetry view of ValidatePointer.
type PipelineSummary struct {
	Runs       map[string]uint64 `json:"runs"`
	Rejections map[string]uint64 `json:"rejections"`
	Contracts  uint64            `json:"contracts"`
	Proceeded  uint64            `json:"proceeded"`
	Refused    uint64            `json:"refused"`
	Healed     uint64            `json:"healed"`
}

func (c *pipelineCounters) summary() PipelineSummary {
	s := PipelineSummary{
		Runs:       make(map[string]uint64, dt.ProfileCount),
		Rejections: make(map[string]uint64, dt.StageCount),
		Contracts:  c.contracts.Load(),
		Proceeded:  c.proceeded.Load(),
		Refused:    c.refused.Load(),
		Healed:     c.healed.Load(),
	}
	for p := range c.runs {
		s.Runs[dt.Profile(p).String()] = c.runs[p].Load()
	}
	for st := range c.rejections {
		s.Rejections[dt.Stage(st).String()] = c.rejections[st].Load()
	}
	return s
}
