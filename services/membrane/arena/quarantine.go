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

import "sync"

// qEntry is one freed slot awaiting recycling.
type qEntry struct {
	addr      uint64
	footprint uint64
	epoch     uint64
}

// quarantine is a fixed-capacity FIFO ring of freed slots, bounded by entry
// count, footprint bytes and epoch age. It is the only ordered critical
// section in the arena. Lock order: quarantine.mu before shard.mu.
type quarantine struct {
	mu        sync.Mutex
	ring      []qEntry
	head      int
	count     int
	bytes     uint64
	maxBytes  uint64
	maxAge    uint64
	evictions uint64
}

func newQuarantine(entries int, maxBytes, maxAge uint64) *quarantine {
	return &quarantine{
		ring:     make([]qEntry, entries),
		maxBytes: maxBytes,
		maxAge:   maxAge,
	}
}

// push appends e and evicts the oldest entries until every bound holds.
// release is called for each evicted entry while q.mu is held.
func (q *quarantine) push(e qEntry, release func(qEntry)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.ring) {
		release(q.popLocked())
	}
	q.ring[(q.head+q.count)%len(q.ring)] = e
	q.count++
	q.bytes += e.footprint

	for q.count > 1 && q.bytes > q.maxBytes {
		release(q.popLocked())
	}
	if q.maxAge > 0 {
		for q.count > 0 && age(e.epoch, q.ring[q.head].epoch) > q.maxAge {
			release(q.popLocked())
		}
	}
}

// age is now-then, or zero when concurrent frees pushed then out of
// order.
func age(now, then uint64) uint64 {
	if then > now {
		return 0
	}
	return now - then
}

// drain evicts every entry.
func (q *quarantine) drain(release func(qEntry)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count > 0 {
		release(q.popLocked())
	}
}

func (q *quarantine) popLocked() qEntry {
	e := q.ring[q.head]
	q.ring[q.head] = qEntry{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.bytes -= e.footprint
	q.evictions++
	return e
}

func (q *quarantine) stats() (entries int, bytes, evictions uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count, q.bytes, q.evictions
}
