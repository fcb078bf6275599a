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
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockedCanaryKey = false
	cfg.MaxReservedBytes = 1 << 30
	return cfg
}

func newTestArena(t *testing.T, cfg Config) *Arena {
	t.Helper()
	a, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// =============================================================================
// Size Classes
// =============================================================================

func TestClassFor(t *testing.T) {
	tests := []struct {
		name   string
		size   uint64
		align  uint64
		stride uint32
		large  bool
	}{
		{"zero size maps to minimum class", 0, 0, 16, false},
		{"exact fit with canary", 8, 16, 16, false},
		{"one past fit", 9, 16, 32, false},
		{"small step", 100, 16, 112, false},
		{"subclass", 150, 16, 160, false},
		{"aligned 64 skips non-multiples", 150, 64, 192, false},
		{"page alignment goes large", 10, 4096, 0, true},
		{"oversize goes large", MaxClassSize, 16, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ClassFor(tt.size, tt.align)
			if tt.large {
				assert.Equal(t, -1, c)
				return
			}
			require.GreaterOrEqual(t, c, 0)
			assert.Equal(t, tt.stride, ClassStride(c))
		})
	}
}

func TestClasses_AscendingAndBounded(t *testing.T) {
	require.Equal(t, 60, NumClasses())
	for i := 1; i < NumClasses(); i++ {
		assert.Greater(t, ClassStride(i), ClassStride(i-1))
		assert.Zero(t, ClassStride(i)%MinAlign)
	}
	assert.Equal(t, uint32(MaxClassSize), ClassStride(NumClasses()-1))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Shards = 3
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.CacheEntries = 1000
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// =============================================================================
// Allocate / Free
// =============================================================================

func TestAllocate_ZeroSize(t *testing.T) {
	a := newTestArena(t, testConfig())
	addr, ok := a.Allocate(0)
	require.True(t, ok)

	res := a.Validate(addr)
	assert.Equal(t, Validated, res.Outcome)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, Freed, a.Free(addr))
}

func TestAllocateAligned(t *testing.T) {
	a := newTestArena(t, testConfig())
	for _, align := range []uint64{0, 1, 8, 16, 32, 64, 256, 2048, 4096, 1 << 16} {
		addr, ok := a.AllocateAligned(100, align)
		require.True(t, ok, "align %d", align)
		if align > 0 {
			assert.Zero(t, addr%align, "align %d", align)
		}
		ins := a.Inspect(addr)
		assert.True(t, ins.InBounds())
		if align >= PageSize {
			assert.Equal(t, RegionLarge, ins.Region)
		} else {
			assert.Equal(t, RegionSmall, ins.Region)
		}
	}

	_, ok := a.AllocateAligned(10, 48)
	assert.False(t, ok, "non power-of-two alignment must fail")

	_, ok = a.AllocateAligned(10, MaxAlign<<1)
	assert.False(t, ok, "alignment above MaxAlign cannot be honored")
}

func TestFree_Outcomes(t *testing.T) {
	a := newTestArena(t, testConfig())

	live, ok := a.Allocate(64)
	require.True(t, ok)
	freed, ok := a.Allocate(64)
	require.True(t, ok)
	require.Equal(t, Freed, a.Free(freed))

	tests := []struct {
		name string
		addr uint64
		want FreeOutcome
	}{
		{"interior pointer", live + 8, FreeInvalidContext},
		{"double free", freed, FreeDoubleFree},
		{"foreign address", 0x7fff_0000_1000, FreeNotFound},
		{"null", 0, FreeNotFound},
		{"never allocated slab", slabAddr(5, 0, 200), FreeInvalidContext},
		{"live base", live, Freed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Free(tt.addr))
		})
	}
}

func TestFree_AdvancesGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.Shards = 1
	cfg.QuarantineEntries = 1
	a := newTestArena(t, cfg)

	addr, ok := a.Allocate(32)
	require.True(t, ok)
	gen := a.Inspect(addr).Record.Generation

	require.Equal(t, Freed, a.Free(addr))
	assert.Equal(t, gen+1, a.Inspect(addr).Record.Generation)
	assert.Equal(t, StateQuarantined, a.Inspect(addr).State)

	// A second free evicts the first entry from the one-slot quarantine.
	other, ok := a.Allocate(32)
	require.True(t, ok)
	require.Equal(t, Freed, a.Free(other))
	assert.Equal(t, StateFree, a.Inspect(addr).State)

	again, ok := a.Allocate(32)
	require.True(t, ok)
	assert.Equal(t, addr, again, "evicted slot is recycled")
	assert.Equal(t, gen+1, a.Inspect(again).Record.Generation)
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate_Outcomes(t *testing.T) {
	a := newTestArena(t, testConfig())
	addr, ok := a.Allocate(100)
	require.True(t, ok)

	res := a.Validate(addr + 10)
	assert.Equal(t, Validated, res.Outcome)
	assert.Equal(t, uint64(90), res.Remaining)
	assert.Equal(t, addr, res.Base)

	res = a.Validate(addr + 10)
	assert.Equal(t, CachedValid, res.Outcome)
	assert.Equal(t, uint64(90), res.Remaining)

	assert.Equal(t, Invalid, a.Validate(addr+100).Outcome, "slack is out of bounds")
	assert.Equal(t, NotFound, a.Validate(0x1234).Outcome)

	require.Equal(t, Freed, a.Free(addr))
	assert.Equal(t, UseAfterFree, a.Validate(addr+10).Outcome, "free invalidates the cache")
	assert.Equal(t, UseAfterFree, a.Validate(addr).Outcome)

	rem, ok := a.KnownRemaining(addr)
	assert.False(t, ok)
	assert.Zero(t, rem)
}

func TestValidate_NeverValidForFreedAddress(t *testing.T) {
	cfg := testConfig()
	cfg.QuarantineEntries = 64
	a := newTestArena(t, cfg)

	rng := rand.New(rand.NewPCG(1, 2))
	live := make(map[uint64]uint64)
	freed := make(map[uint64]bool)
	var liveList []uint64

	ops := 200_000
	if testing.Short() {
		ops = 20_000
	}
	for i := 0; i < ops; i++ {
		switch r := rng.IntN(10); {
		case r < 4 || len(liveList) == 0:
			size := uint64(rng.IntN(300))
			addr, ok := a.Allocate(size)
			require.True(t, ok)
			delete(freed, addr)
			live[addr] = size
			liveList = append(liveList, addr)
		case r < 8:
			j := rng.IntN(len(liveList))
			addr := liveList[j]
			liveList[j] = liveList[len(liveList)-1]
			liveList = liveList[:len(liveList)-1]
			delete(live, addr)
			require.Equal(t, Freed, a.Free(addr))
			freed[addr] = true
		default:
			for addr := range freed {
				res := a.Validate(addr)
				require.Equal(t, UseAfterFree, res.Outcome, "freed address %#x reported %s", addr, res.Outcome)
				require.Equal(t, FreeDoubleFree, a.Free(addr))
				break
			}
			j := rng.IntN(len(liveList))
			require.True(t, a.Validate(liveList[j]).Outcome.Valid())
		}
	}

	for addr, size := range live {
		res := a.Validate(addr)
		require.True(t, res.Outcome.Valid())
		require.Equal(t, size, res.Remaining)
		require.True(t, a.DeepScan(addr).OK())
	}
}

// =============================================================================
// Integrity
// =============================================================================

func TestCanary_OverflowDetected(t *testing.T) {
	cfg := testConfig()
	cfg.Shards = 1
	a := newTestArena(t, cfg)

	victim, ok := a.Allocate(40)
	require.True(t, ok)
	neighbour, ok := a.Allocate(40)
	require.True(t, ok)

	assert.True(t, a.CanaryIntact(victim))
	assert.True(t, a.DeepScan(neighbour).OK())

	// One byte past the requested size lands in the canary.
	a.Backing(victim)[40] ^= 0xFF

	assert.False(t, a.CanaryIntact(victim))
	report := a.DeepScan(neighbour)
	assert.True(t, report.OwnCanary)
	assert.Equal(t, 1, report.NeighbourFaults)
	assert.False(t, report.OK())

	assert.Equal(t, FreedCanaryCorrupted, a.Free(victim))
}

func TestBytes_BoundsChecked(t *testing.T) {
	a := newTestArena(t, testConfig())
	addr, ok := a.Allocate(16)
	require.True(t, ok)

	buf := a.Bytes(addr, 16)
	require.Len(t, buf, 16)
	copy(buf, "0123456789abcdef")
	assert.Equal(t, "89ab", string(a.Bytes(addr+8, 4)))

	assert.Nil(t, a.Bytes(addr, 17))
	assert.Nil(t, a.Bytes(addr+16, 1))
	assert.True(t, a.CanaryIntact(addr))

	tests := []struct {
		name string
		addr uint64
		n    uint64
	}{
		{"max length", addr, math.MaxUint64},
		{"max length at offset", addr + 1, math.MaxUint64},
		{"wraps to offset", addr + 8, math.MaxUint64 - 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Nil(t, a.Bytes(tt.addr, tt.n))
			})
		})
	}
}

func TestBacking_LiveOnly(t *testing.T) {
	a := newTestArena(t, testConfig())
	addr, ok := a.Allocate(40)
	require.True(t, ok)
	require.NotNil(t, a.Backing(addr))

	require.Equal(t, Freed, a.Free(addr))
	assert.Nil(t, a.Backing(addr), "freed slot")
	assert.Nil(t, a.Backing(0), "unmapped address")
}

func TestQuarantine_OutOfOrderEpochs(t *testing.T) {
	q := newQuarantine(8, 1<<20, 4)
	var evicted []uint64
	release := func(e qEntry) { evicted = append(evicted, e.addr) }

	// A later free can reach the ring before an earlier one.
	q.push(qEntry{addr: 1, footprint: 16, epoch: 10}, release)
	q.push(qEntry{addr: 2, footprint: 16, epoch: 9}, release)
	q.push(qEntry{addr: 3, footprint: 16, epoch: 11}, release)
	assert.Empty(t, evicted)

	q.push(qEntry{addr: 4, footprint: 16, epoch: 15}, release)
	assert.Equal(t, []uint64{1, 2}, evicted, "entries older than maxAge leave in FIFO order")

	entries, _, _ := q.stats()
	assert.Equal(t, 2, entries)
	assert.Equal(t, uint64(0), age(9, 10))
	assert.Equal(t, uint64(5), age(15, 10))
}

// =============================================================================
// Large Reservations
// =============================================================================

func TestLarge_Lifecycle(t *testing.T) {
	a := newTestArena(t, testConfig())
	size := uint64(3 << 20)

	addr, ok := a.Allocate(size)
	require.True(t, ok)
	ins := a.Inspect(addr)
	require.Equal(t, RegionLarge, ins.Region)
	assert.Equal(t, -1, ins.Record.Class)

	res := a.Validate(addr + size - 1)
	assert.Equal(t, Validated, res.Outcome)
	assert.Equal(t, uint64(1), res.Remaining)
	assert.Equal(t, Invalid, a.Validate(addr+size).Outcome)

	buf := a.Bytes(addr, size)
	require.Len(t, buf, int(size))
	buf[size-1] = 'x'
	assert.True(t, a.DeepScan(addr).OK())

	assert.Equal(t, FreeInvalidContext, a.Free(addr+4096))
	assert.Equal(t, Freed, a.Free(addr))
	assert.Equal(t, UseAfterFree, a.Validate(addr).Outcome)
	assert.Equal(t, FreeDoubleFree, a.Free(addr))
	assert.Zero(t, a.Stats().LargeLive)
}

func TestLarge_WindowsRecycledOldestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLargeReservations = 2
	a := newTestArena(t, cfg)

	first, ok := a.AllocateAligned(64, PageSize)
	require.True(t, ok)
	second, ok := a.AllocateAligned(64, PageSize)
	require.True(t, ok)
	_, ok = a.AllocateAligned(64, PageSize)
	assert.False(t, ok, "all windows in use")

	require.Equal(t, Freed, a.Free(second))
	require.Equal(t, Freed, a.Free(first))

	again, ok := a.AllocateAligned(64, PageSize)
	require.True(t, ok)
	assert.Equal(t, second, again)
	assert.Equal(t, uint32(2), a.Inspect(again).Record.Generation)
	assert.Equal(t, UseAfterFree, a.Validate(first).Outcome)
}

// =============================================================================
// Exhaustion & Concurrency
// =============================================================================

func TestExhaustion_FailsCleanlyAndRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReservedBytes = 4 << 20
	cfg.SlabBytes = 64 << 10
	a := newTestArena(t, cfg)

	var addrs []uint64
	for {
		addr, ok := a.Allocate(1000)
		if !ok {
			break
		}
		addrs = append(addrs, addr)
	}
	require.NotEmpty(t, addrs)
	st := a.Stats()
	assert.LessOrEqual(t, st.ReservedBytes, cfg.MaxReservedBytes)
	assert.Positive(t, st.AllocationFailures)

	for _, addr := range addrs {
		require.Equal(t, Freed, a.Free(addr))
	}
	a.DrainQuarantine()

	for range addrs {
		_, ok := a.Allocate(1000)
		require.True(t, ok, "recycled slots must satisfy the same demand")
	}
	assert.LessOrEqual(t, a.Stats().ReservedBytes, cfg.MaxReservedBytes)
}

func TestConcurrent_AllocateValidateFree(t *testing.T) {
	a := newTestArena(t, testConfig())

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		seed := uint64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(seed, 99))
			var mine []uint64
			for i := 0; i < 20_000; i++ {
				if len(mine) < 64 && rng.IntN(2) == 0 {
					addr, ok := a.Allocate(uint64(rng.IntN(2000)))
					if !ok {
						continue
					}
					mine = append(mine, addr)
					continue
				}
				if len(mine) == 0 {
					continue
				}
				j := rng.IntN(len(mine))
				if !a.Validate(mine[j]).Outcome.Valid() {
					t.Errorf("own live allocation %#x failed validation", mine[j])
				}
				if rng.IntN(2) == 0 {
					if out := a.Free(mine[j]); out != Freed {
						t.Errorf("free of own allocation returned %s", out)
					}
					mine[j] = mine[len(mine)-1]
					mine = mine[:len(mine)-1]
				}
			}
			for _, addr := range mine {
				a.Free(addr)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := a.Stats()
	assert.Zero(t, st.LiveCount)
	assert.Zero(t, st.LiveBytes)
	assert.Zero(t, st.FreeOutcomes[FreeDoubleFree.String()])
}
