// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package arena

// FreeOutcome is the result of Free. Every outcome other than Freed is a
// fault the caller must surface; none of them panics.
type FreeOutcome uint8

const (
	// Freed: the allocation was live and is now quarantined.
	Freed FreeOutcome = iota

	// FreedCanaryCorrupted: freed, but the trailing canary was overwritten.
	FreedCanaryCorrupted

	// FreeNotFound: the address is outside every arena region.
	FreeNotFound

	// FreeDoubleFree: the slot is already quarantined or recycled.
	FreeDoubleFree

	// FreeInvalidContext: interior pointer, never-allocated slot or slack.
	FreeInvalidContext

	FreeOutcomeCount = int(iota)
)

// String returns the snake_case outcome name.
func (o FreeOutcome) String() string {
	switch o {
	case Freed:
		return "freed"
	case FreedCanaryCorrupted:
		return "freed_canary_corrupted"
	case FreeNotFound:
		return "not_found"
	case FreeDoubleFree:
		return "double_free"
	case FreeInvalidContext:
		return "invalid_context"
	default:
		return "unknown"
	}
}

// Adverse reports whether the outcome is evidence of a memory-safety fault.
func (o FreeOutcome) Adverse() bool {
	return o != Freed
}

// ValidateOutcome is the result of Validate.
type ValidateOutcome uint8

const (
	// CachedValid: served from the epoch-tagged validation cache.
	CachedValid ValidateOutcome = iota

	// Validated: full lookup found a live allocation covering the address.
	Validated

	// Invalid: inside an arena region but not inside any live allocation
	// (never-allocated slot, slack past the requested size).
	Invalid

	// UseAfterFree: the covering slot is quarantined or recycled.
	UseAfterFree

	// NotFound: the address is outside every arena region.
	NotFound

	ValidateOutcomeCount = int(iota)
)

// String returns the snake_case outcome name.
func (o ValidateOutcome) String() string {
	switch o {
	case CachedValid:
		return "cached_valid"
	case Validated:
		return "validated"
	case Invalid:
		return "invalid"
	case UseAfterFree:
		return "use_after_free"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Valid reports whether the address is inside a live allocation.
func (o ValidateOutcome) Valid() bool {
	return o == CachedValid || o == Validated
}

// ValidateResult carries the outcome plus the bounds hint for valid addresses.
type ValidateResult struct {
	Outcome ValidateOutcome

	// Base is the start of the covering allocation (zero for NotFound).
	Base uint64

	// Remaining is the number of requested bytes from the address to the
	// end of the allocation. Only meaningful when Outcome.Valid().
	Remaining uint64

	// Generation is the slot generation observed by the lookup.
	Generation uint32
}

// Region identifies which part of the address space an address decodes to.
type Region uint8

const (
	RegionNone Region = iota
	RegionSmall
	RegionLarge
)

// SlotState is the lifecycle state of a slot.
type SlotState uint8

const (
	StateUnused SlotState = iota
	StateLive
	StateQuarantined
	StateFree
)

// String returns the lower-case state name.
func (s SlotState) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateQuarantined:
		return "quarantined"
	case StateFree:
		return "free"
	default:
		return "unused"
	}
}

// Record is the allocation record for an address.
type Record struct {
	Base       uint64
	Size       uint64
	Align      uint64
	Generation uint32

	// Class is the size-class index, or -1 for large reservations.
	Class int
}

// Inspection is the result of a single O(1) lookup, shared by every
// validation stage of one call.
type Inspection struct {
	Region Region
	State  SlotState
	Record Record

	// Offset is addr - Record.Base.
	Offset uint64

	// Stride is the slot footprint (class stride or reservation length).
	Stride uint64
}

// Found reports whether the address decoded to a slot that has ever held
// an allocation.
func (i Inspection) Found() bool {
	return i.Region != RegionNone && i.State != StateUnused
}

// Live reports whether the address is inside a live slot (possibly in slack).
func (i Inspection) Live() bool {
	return i.State == StateLive
}

// InBounds reports whether the address lies within the requested bytes of
// a live allocation.
func (i Inspection) InBounds() bool {
	if i.State != StateLive {
		return false
	}
	return i.Offset < i.Record.Size || (i.Offset == 0 && i.Record.Size == 0)
}

// Remaining returns the requested bytes from the address to the end of the
// allocation, or zero when the address is not in bounds.
func (i Inspection) Remaining() uint64 {
	if !i.InBounds() {
		return 0
	}
	return i.Record.Size - i.Offset
}

// ScanReport is the result of DeepScan.
type ScanReport struct {
	OwnCanary       bool
	MetadataSane    bool
	NeighbourFaults int
}

// OK reports whether the deep scan found no corruption.
func (r ScanReport) OK() bool {
	return r.OwnCanary && r.MetadataSane && r.NeighbourFaults == 0
}
