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
	"math/bits"
	"sync"
	"sync/atomic"
)

// Slot metadata is one 64-bit word so a lookup observes state, generation
// and size in a single atomic load:
//
//	[0:2]   state
//	[2:6]   log2(alignment)
//	[6:32]  generation (26 bits, never zero once used)
//	[32:64] requested size
const (
	metaStateBits = 2
	metaAlignBits = 4
	metaGenBits   = 26
	metaGenShift  = metaStateBits + metaAlignBits
	metaGenMask   = 1<<metaGenBits - 1
	metaSizeShift = 32
)

type meta uint64

func packMeta(state SlotState, alignLog uint8, gen uint32, size uint32) meta {
	return meta(uint64(state) |
		uint64(alignLog&0xF)<<metaStateBits |
		uint64(gen&metaGenMask)<<metaGenShift |
		uint64(size)<<metaSizeShift)
}

func (m meta) state() SlotState { return SlotState(m & 0x3) }
func (m meta) alignLog() uint8  { return uint8(m>>metaStateBits) & 0xF }
func (m meta) gen() uint32      { return uint32(m>>metaGenShift) & metaGenMask }
func (m meta) size() uint32     { return uint32(m >> metaSizeShift) }

func (m meta) with(state SlotState, gen uint32) meta {
	return packMeta(state, m.alignLog(), gen, m.size())
}

// nextGen advances a generation, skipping zero on wrap.
func nextGen(g uint32) uint32 {
	g = (g + 1) & metaGenMask
	if g == 0 {
		g = 1
	}
	return g
}

func alignLog2(align uint64) uint8 {
	if align <= 1 {
		return 0
	}
	return uint8(bits.TrailingZeros64(align))
}

// slab is a contiguous run of equally sized slots backed by one []byte.
// Slot i starts at base + i*stride in the simulated address space and at
// mem[i*stride] in the backing store.
type slab struct {
	base   uint64
	stride uint32
	slots  uint32
	mem    []byte
	meta   []atomic.Uint64
}

func newSlab(base uint64, stride, slots uint32) *slab {
	return &slab{
		base:   base,
		stride: stride,
		slots:  slots,
		mem:    make([]byte, uint64(stride)*uint64(slots)),
		meta:   make([]atomic.Uint64, slots),
	}
}

func (s *slab) load(i uint32) meta {
	return meta(s.meta[i].Load())
}

func (s *slab) slotMem(i uint32) []byte {
	off := uint64(i) * uint64(s.stride)
	return s.mem[off : off+uint64(s.stride) : off+uint64(s.stride)]
}

func (s *slab) bytes() uint64 {
	return uint64(len(s.mem))
}

// handle identifies a slot within a shard: slab<<maxSlotsLog | slot.
type handle uint32

func makeHandle(slab, slot uint32) handle { return handle(slab<<maxSlotsLog | slot) }
func (h handle) slab() uint32             { return uint32(h) >> maxSlotsLog }
func (h handle) slot() uint32             { return uint32(h) & (maxSlots - 1) }

// shard owns a subset of a class's slabs. Only the free list and the bump
// cursor are guarded by mu; slab pointers are published atomically so
// lookups never lock.
type shard struct {
	mu     sync.Mutex
	slabs  [maxSlabs]atomic.Pointer[slab]
	nslabs uint32
	bump   uint32
	free   []handle
}

// sizeClass groups the shards of one stride.
type sizeClass struct {
	index  int
	stride uint32
	slots  uint32
	shards []shard
	rr     atomic.Uint32
}
