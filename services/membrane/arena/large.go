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

import (
	"sync"
	"sync/atomic"
)

// largeRecord is one page-aligned reservation. Only state changes after
// publication.
type largeRecord struct {
	base  uint64
	size  uint64
	align uint64
	gen   uint32
	mem   []byte
	state atomic.Uint32
}

// largeTable serves page-or-larger alignments and sizes above the largest
// class. Each reservation owns a 4 GiB window of the simulated address
// space, so lookups are one shift and one atomic load. Released indices are
// recycled oldest-first to keep freed windows inspectable for as long as
// possible.
type largeTable struct {
	mu       sync.Mutex
	records  []atomic.Pointer[largeRecord]
	next     uint32
	recycled []uint32
	page     uint64
}

func newLargeTable(capacity int) *largeTable {
	return &largeTable{
		records: make([]atomic.Pointer[largeRecord], capacity),
		page:    systemPageSize(),
	}
}

func (t *largeTable) regionEnd() uint64 {
	return largeBase + uint64(len(t.records))<<largeShift
}

func (t *largeTable) contains(addr uint64) bool {
	return addr >= largeBase && addr < t.regionEnd()
}

func (t *largeTable) index(addr uint64) uint32 {
	return uint32((addr - largeBase) >> largeShift)
}

// reserveIndex picks a never-used index first, then the oldest recycled one.
// It returns the previous record at that index (if any) so the caller can
// unmap it and inherit its generation.
func (t *largeTable) reserveIndex() (idx uint32, prev *largeRecord, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(t.next) < len(t.records) {
		idx = t.next
		t.next++
		return idx, nil, true
	}
	if len(t.recycled) == 0 {
		return 0, nil, false
	}
	idx = t.recycled[0]
	t.recycled = t.recycled[1:]
	if cap(t.recycled) > 2*len(t.recycled)+64 {
		t.recycled = append([]uint32(nil), t.recycled...)
	}
	return idx, t.records[idx].Load(), true
}

func (t *largeTable) recycle(idx uint32) {
	t.mu.Lock()
	t.recycled = append(t.recycled, idx)
	t.mu.Unlock()
}

func (t *largeTable) roundToPage(n uint64) uint64 {
	return (n + t.page - 1) &^ (t.page - 1)
}

func (t *largeTable) live() (count int, bytes uint64) {
	for i := range t.records {
		if r := t.records[i].Load(); r != nil && SlotState(r.state.Load()) == StateLive {
			count++
			bytes += uint64(len(r.mem))
		}
	}
	return count, bytes
}
