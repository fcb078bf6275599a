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

import "sync/atomic"

// cacheGranuleShift groups addresses into 64-byte granules for indexing.
const cacheGranuleShift = 6

// cacheEntry records "[base, end) was live at epoch". Fields are written
// under a seqlock: seq is odd while a writer is mid-update.
type cacheEntry struct {
	seq   atomic.Uint64
	base  atomic.Uint64
	end   atomic.Uint64
	gen   atomic.Uint64
	epoch atomic.Uint64
}

// validationCache is a direct-mapped "recently validated" cache. Every free
// bumps the arena epoch, which invalidates all entries at once.
type validationCache struct {
	entries []cacheEntry
	mask    uint64
}

func newValidationCache(n int) *validationCache {
	return &validationCache{
		entries: make([]cacheEntry, n),
		mask:    uint64(n - 1),
	}
}

func (c *validationCache) slot(addr uint64) *cacheEntry {
	return &c.entries[(addr>>cacheGranuleShift)&c.mask]
}

// lookup returns the covering entry for addr if it was written at epoch.
func (c *validationCache) lookup(addr, epoch uint64) (base, end uint64, gen uint32, ok bool) {
	e := c.slot(addr)
	s1 := e.seq.Load()
	if s1&1 == 1 {
		return 0, 0, 0, false
	}
	base = e.base.Load()
	end = e.end.Load()
	g := e.gen.Load()
	ep := e.epoch.Load()
	if e.seq.Load() != s1 {
		return 0, 0, 0, false
	}
	if ep != epoch || addr < base || addr >= end {
		return 0, 0, 0, false
	}
	return base, end, uint32(g), true
}

// store publishes [base, end) for addr. Contended slots are skipped.
func (c *validationCache) store(addr, base, end uint64, gen uint32, epoch uint64) {
	e := c.slot(addr)
	s := e.seq.Load()
	if s&1 == 1 || !e.seq.CompareAndSwap(s, s+1) {
		return
	}
	e.base.Store(base)
	e.end.Store(end)
	e.gen.Store(uint64(gen))
	e.epoch.Store(epoch)
	e.seq.Store(s + 2)
}
