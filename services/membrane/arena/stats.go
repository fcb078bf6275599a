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

// Stats is a point-in-time snapshot of arena accounting.
//
// Counters are read individually, so a snapshot taken under concurrent
// load is approximate but every field is within its valid range.
type Stats struct {
	Allocations        uint64 `json:"allocations"`
	AllocationFailures uint64 `json:"allocation_failures"`

	FreeOutcomes     map[string]uint64 `json:"free_outcomes"`
	ValidateOutcomes map[string]uint64 `json:"validate_outcomes"`

	LiveCount     int64 `json:"live_count"`
	LiveBytes     int64 `json:"live_bytes"`
	LiveFootprint int64 `json:"live_footprint"`
	PeakLiveBytes int64 `json:"peak_live_bytes"`
	PeakFootprint int64 `json:"peak_footprint"`

	ReservedBytes     uint64 `json:"reserved_bytes"`
	PeakReservedBytes uint64 `json:"peak_reserved_bytes"`

	QuarantineEntries   int    `json:"quarantine_entries"`
	QuarantineBytes     uint64 `json:"quarantine_bytes"`
	QuarantineEvictions uint64 `json:"quarantine_evictions"`

	LargeLive          int    `json:"large_live"`
	LargeResidentBytes uint64 `json:"large_resident_bytes"`

	Slabs uint64 `json:"slabs"`
	Epoch uint64 `json:"epoch"`

	// SlabGranularity is one slab's bytes summed over every (class, shard)
	// pair that owns at least one slab: the reservation overhead that
	// exists regardless of how many bytes are live.
	SlabGranularity uint64 `json:"slab_granularity"`
}

// Stats returns a snapshot of arena accounting. It walks every shard and
// large window, so call it from telemetry paths only.
func (a *Arena) Stats() Stats {
	st := Stats{
		Allocations:        a.allocs.Load(),
		AllocationFailures: a.allocFailures.Load(),
		FreeOutcomes:       make(map[string]uint64, FreeOutcomeCount),
		ValidateOutcomes:   make(map[string]uint64, ValidateOutcomeCount),
		LiveCount:          a.liveCount.Load(),
		LiveBytes:          a.liveBytes.Load(),
		LiveFootprint:      a.liveFootprint.Load(),
		PeakLiveBytes:      a.peakBytes.Load(),
		PeakFootprint:      a.peakFootprint.Load(),
		ReservedBytes:      a.reserved.Load(),
		PeakReservedBytes:  a.peakReserved.Load(),
		Epoch:              a.epoch.Load(),
	}
	for i := range a.freeOutcomes {
		st.FreeOutcomes[FreeOutcome(i).String()] = a.freeOutcomes[i].Load()
	}
	for i := range a.validations {
		st.ValidateOutcomes[ValidateOutcome(i).String()] = a.validations[i].Load()
	}
	st.QuarantineEntries, st.QuarantineBytes, st.QuarantineEvictions = a.quarantine.stats()
	st.LargeLive, st.LargeResidentBytes = a.large.live()

	for c := range a.classes {
		cls := &a.classes[c]
		for s := range cls.shards {
			sh := &cls.shards[s]
			sh.mu.Lock()
			n := sh.nslabs
			sh.mu.Unlock()
			st.Slabs += uint64(n)
			if n > 0 {
				st.SlabGranularity += uint64(cls.stride) * uint64(cls.slots)
			}
		}
	}
	return st
}

// Config returns the configuration the arena was built with.
func (a *Arena) Config() Config {
	return a.cfg
}
