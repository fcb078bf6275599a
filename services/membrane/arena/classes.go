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

import "sort"

// Address layout of the simulated address space.
//
//	small:  smallBase | class<<36 | shard<<32 | slab<<24 | slot*stride
//	large:  largeBase | index<<32
//
// Every address decodes to its owning structures with shifts and masks,
// so lookups never take a lock or walk a map.
const (
	smallBase  uint64 = 1 << 44
	classShift        = 36
	shardShift        = 32
	slabShift         = 24

	largeBase  uint64 = 1 << 47
	largeShift        = 32

	maxShards    = 16
	maxSlabs     = 256
	maxSlotsLog  = 12
	maxSlots     = 1 << maxSlotsLog
	slabSpanMask = 1<<slabShift - 1

	// CanarySize is the number of guard bytes written after every allocation.
	CanarySize = 8

	// MinAlign is the alignment of every small-class slot.
	MinAlign = 16

	// PageSize is the alignment above which requests take the large path.
	PageSize = 4096

	// MaxAlign is the largest alignment a large reservation can honor:
	// large bases are spaced 1<<largeShift apart.
	MaxAlign = 1 << largeShift

	// MaxClassSize is the largest small-class stride.
	MaxClassSize = 1 << 20
)

// classStrides lists every size-class stride in ascending order:
// 16..128 in steps of 16, then four sub-classes per power of two.
var classStrides = buildClasses()

func buildClasses() []uint32 {
	var out []uint32
	for s := uint32(16); s <= 128; s += 16 {
		out = append(out, s)
	}
	for p := uint32(128); p < MaxClassSize; p *= 2 {
		out = append(out, p+p/4, p+p/2, p+3*p/4, 2*p)
	}
	return out
}

// NumClasses returns the number of small size classes.
func NumClasses() int {
	return len(classStrides)
}

// ClassStride returns the slot stride of class c.
func ClassStride(c int) uint32 {
	return classStrides[c]
}

// ClassFor returns the smallest class that holds size bytes plus the canary
// at the given alignment, or -1 when the request belongs to the large path.
func ClassFor(size uint64, align uint64) int {
	if align == 0 {
		align = MinAlign
	}
	if align >= PageSize {
		return -1
	}
	need := size + CanarySize
	if need > MaxClassSize {
		return -1
	}
	c := sort.Search(len(classStrides), func(i int) bool {
		return uint64(classStrides[i]) >= need
	})
	for ; c < len(classStrides); c++ {
		if uint64(classStrides[c])%align == 0 {
			return c
		}
	}
	return -1
}

// slotsPerSlab returns how many slots of the given stride fit a slab of
// roughly target bytes, bounded to [2, maxSlots].
func slotsPerSlab(stride uint32, target uint32) uint32 {
	n := target / stride
	if n < 2 {
		n = 2
	}
	if n > maxSlots {
		n = maxSlots
	}
	return n
}

func classBase(c int) uint64 {
	return smallBase + uint64(c)<<classShift
}

func slabAddr(c, shard, slab int) uint64 {
	return classBase(c) | uint64(shard)<<shardShift | uint64(slab)<<slabShift
}
