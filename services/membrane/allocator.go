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
	"errors"
	"fmt"

	"github.com/AleutianAI/membrane/services/membrane/arena"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/heal"
)

var (
	// ErrRequestTooLarge is returned for allocations above the engine's
	// MaxRequestBytes limit.
	ErrRequestTooLarge = errors.New("allocation request exceeds limit")

	// ErrExhausted is returned when the arena cannot satisfy a request.
	ErrExhausted = errors.New("arena exhausted")

	// ErrInvalidPointer is returned by Realloc under Strict for an address
	// that is not a live allocation.
	ErrInvalidPointer = errors.New("invalid pointer")
)

// allocCostNs is the nominal cost reported for allocator calls.
const allocCostNs = 5

// Malloc allocates size bytes aligned to align (zero means the minimum).
//
// Requests above the current MaxRequestBytes limit are refused at every
// level except Off. An oversized request is hard evidence and is
// observed as adverse.
func (m *Membrane) Malloc(size, align uint64) (uint64, error) {
	if m.level != dt.SafetyOff {
		if lim := m.engine.Limits(); size > lim.MaxRequestBytes {
			m.engine.Observe(dt.FamilyAllocator, dt.ProfileFull, allocCostNs, true)
			return 0, fmt.Errorf("%w: %d > %d", ErrRequestTooLarge, size, lim.MaxRequestBytes)
		}
	}
	addr, ok := m.arena.AllocateAligned(size, align)
	m.engine.Observe(dt.FamilyAllocator, dt.ProfileFast, allocCostNs, false)
	if !ok {
		return 0, fmt.Errorf("%w: size %d align %d", ErrExhausted, size, align)
	}
	return addr, nil
}

// FreeVerdict is the answer to Free.
type FreeVerdict struct {
	Outcome arena.FreeOutcome

	// Healed is set when Hardened absorbed an invalid free; Audit is its
	// entry.
	Healed bool
	Audit  heal.Entry
}

// Free releases addr. Freeing null is a no-op.
//
// Description:
//
//	The arena classifies the free. Anything other than a clean Freed is
//	observed as adverse. Under Hardened, double frees and frees of foreign
//	or interior pointers are ignored and recorded in the audit log; under
//	Strict they are only reported.
func (m *Membrane) Free(addr uint64) FreeVerdict {
	if addr == 0 {
		return FreeVerdict{Outcome: arena.Freed}
	}
	out := m.arena.Free(addr)
	m.engine.Observe(dt.FamilyAllocator, dt.ProfileFast, allocCostNs, out.Adverse())

	v := FreeVerdict{Outcome: out}
	if !m.level.HealEnabled() {
		return v
	}
	kind := heal.KindNone
	switch out {
	case arena.FreeDoubleFree:
		kind = heal.KindIgnoreDoubleFree
	case arena.FreeNotFound, arena.FreeInvalidContext:
		kind = heal.KindIgnoreForeignFree
	}
	if kind != heal.KindNone {
		_, v.Audit = m.heal.Apply(kind, heal.Context{Family: dt.FamilyAllocator, Addr: addr})
		v.Healed = true
		m.pipe.healed.Add(1)
	}
	return v
}

// Realloc resizes the allocation at addr, preserving its leading bytes.
//
// Description:
//
//	A null addr behaves like Malloc. A live allocation is copied into a
//	new one and freed. For an address that is not live, Hardened treats
//	the call as a fresh Malloc and records the repair, Strict returns
//	ErrInvalidPointer and Off allocates without recording.
//
// Outputs:
//
//	uint64 - The new address.
//	bool - True when the call was healed.
//	error - ErrRequestTooLarge, ErrExhausted or ErrInvalidPointer.
func (m *Membrane) Realloc(addr, size uint64) (uint64, bool, error) {
	if addr == 0 {
		p, err := m.Malloc(size, 0)
		return p, false, err
	}
	ins := m.arena.Inspect(addr)
	if !ins.Live() || ins.Offset != 0 {
		m.engine.Observe(dt.FamilyAllocator, dt.ProfileFull, allocCostNs, true)
		switch {
		case m.level == dt.SafetyStrict:
			return 0, false, fmt.Errorf("%w: realloc of %#x", ErrInvalidPointer, addr)
		case m.level.HealEnabled():
			m.heal.Apply(heal.KindReallocAsMalloc, heal.Context{Family: dt.FamilyAllocator, Addr: addr, Requested: size})
			m.pipe.healed.Add(1)
			p, err := m.Malloc(size, 0)
			return p, true, err
		default:
			p, err := m.Malloc(size, 0)
			return p, false, err
		}
	}

	p, err := m.Malloc(size, ins.Record.Align)
	if err != nil {
		return 0, false, err
	}
	if n := min(size, ins.Record.Size); n > 0 {
		copy(m.arena.Bytes(p, n), m.arena.Bytes(addr, n))
	}
	m.Free(addr)
	return p, false, nil
}
