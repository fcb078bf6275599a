// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package arena owns every live allocation's metadata and answers liveness
// and bounds queries in O(1).
//
// Allocations live in a simulated address space whose layout encodes the
// owning size class, shard, slab and slot (see classes.go), so an address
// is a stable integer handle into pre-allocated backing storage. Slot
// metadata is a single atomic word; validation never locks. Freed slots
// enter a bounded FIFO quarantine with their generation advanced, so a
// stale pointer is reported as UseAfterFree until the slot is reallocated.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Allocation takes one
// shard mutex; Free takes the quarantine mutex (and, on eviction, a shard
// mutex); Validate, KnownRemaining and Inspect are lock-free.
package arena

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/membrane/pkg/logging"
)

// ErrInvalidConfig is returned by New when the configuration is unusable.
var ErrInvalidConfig = errors.New("invalid arena config")

// Config controls arena sizing and quarantine bounds.
type Config struct {
	// Shards is the number of shards per size class. Power of two, 1..16.
	Shards int `yaml:"shards" validate:"oneof=1 2 4 8 16"`

	// SlabBytes is the target backing size of one slab.
	SlabBytes uint32 `yaml:"slab_bytes" validate:"gte=4096,lte=16777216"`

	// MaxReservedBytes caps total backing memory (slabs plus large
	// reservations). Allocation fails once it would be exceeded.
	MaxReservedBytes uint64 `yaml:"max_reserved_bytes" validate:"gt=0"`

	// QuarantineEntries is the quarantine ring capacity.
	QuarantineEntries int `yaml:"quarantine_entries" validate:"gte=1"`

	// QuarantineBytes caps the footprint held in quarantine.
	QuarantineBytes uint64 `yaml:"quarantine_bytes" validate:"gt=0"`

	// QuarantineMaxAge evicts entries older than this many frees. Zero
	// disables age-based eviction.
	QuarantineMaxAge uint64 `yaml:"quarantine_max_age"`

	// CacheEntries is the validation cache size. Power of two.
	CacheEntries int `yaml:"cache_entries" validate:"gte=1"`

	// MaxLargeReservations is the number of large reservation windows.
	MaxLargeReservations int `yaml:"max_large_reservations" validate:"gte=1,lte=16384"`

	// LockedCanaryKey keeps the canary secret in mlocked memory.
	LockedCanaryKey bool `yaml:"locked_canary_key"`
}

// DefaultConfig returns production defaults.
//
// Description:
//
//	16 shards per class, 256 KiB slabs, an 8 GiB reservation cap, and a
//	quarantine of 65,536 entries / 64 MiB / 1M frees of age.
func DefaultConfig() Config {
	return Config{
		Shards:               16,
		SlabBytes:            256 << 10,
		MaxReservedBytes:     8 << 30,
		QuarantineEntries:    1 << 16,
		QuarantineBytes:      64 << 20,
		QuarantineMaxAge:     1 << 20,
		CacheEntries:         4096,
		MaxLargeReservations: 4096,
		LockedCanaryKey:      true,
	}
}

func (c Config) check() error {
	pow2 := func(n int) bool { return n > 0 && n&(n-1) == 0 }
	switch {
	case !pow2(c.Shards) || c.Shards > maxShards:
		return fmt.Errorf("%w: shards must be a power of two <= %d, got %d", ErrInvalidConfig, maxShards, c.Shards)
	case c.SlabBytes < 4096 || c.SlabBytes > 1<<slabShift:
		return fmt.Errorf("%w: slab_bytes out of range: %d", ErrInvalidConfig, c.SlabBytes)
	case c.MaxReservedBytes == 0:
		return fmt.Errorf("%w: max_reserved_bytes must be positive", ErrInvalidConfig)
	case c.QuarantineEntries < 1 || c.QuarantineBytes == 0:
		return fmt.Errorf("%w: quarantine bounds must be positive", ErrInvalidConfig)
	case !pow2(c.CacheEntries):
		return fmt.Errorf("%w: cache_entries must be a power of two, got %d", ErrInvalidConfig, c.CacheEntries)
	case c.MaxLargeReservations < 1 || c.MaxLargeReservations > 1<<14:
		return fmt.Errorf("%w: max_large_reservations out of range: %d", ErrInvalidConfig, c.MaxLargeReservations)
	}
	return nil
}

// Arena is the allocation arena and validator.
type Arena struct {
	cfg        Config
	classes    []sizeClass
	quarantine *quarantine
	cache      *validationCache
	large      *largeTable
	canary     *canarySecret
	pressure   *logging.Throttled

	epoch        atomic.Uint64
	reserved     atomic.Uint64
	peakReserved atomic.Uint64

	liveCount     atomic.Int64
	liveBytes     atomic.Int64
	liveFootprint atomic.Int64
	peakBytes     atomic.Int64
	peakFootprint atomic.Int64

	allocs        atomic.Uint64
	allocFailures atomic.Uint64
	freeOutcomes  [FreeOutcomeCount]atomic.Uint64
	validations   [ValidateOutcomeCount]atomic.Uint64
}

// New creates an arena.
//
// Inputs:
//
//	cfg - Arena configuration. Use DefaultConfig() as a base.
//	logger - Optional logger for cadence-path events. Nil discards.
//
// Outputs:
//
//	*Arena - The arena. Call Close to destroy the canary secret.
//	error - ErrInvalidConfig (wrapped) or a secret-generation failure.
func New(cfg Config, logger *slog.Logger) (*Arena, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger).With("component", "arena")

	secret, err := newCanarySecret(cfg.LockedCanaryKey, logger)
	if err != nil {
		return nil, err
	}

	a := &Arena{
		cfg:        cfg,
		classes:    make([]sizeClass, len(classStrides)),
		quarantine: newQuarantine(cfg.QuarantineEntries, cfg.QuarantineBytes, cfg.QuarantineMaxAge),
		cache:      newValidationCache(cfg.CacheEntries),
		large:      newLargeTable(cfg.MaxLargeReservations),
		canary:     secret,
		pressure:   logging.NewThrottled(logger, 10*time.Second, 1),
	}
	for i, stride := range classStrides {
		a.classes[i] = sizeClass{
			index:  i,
			stride: stride,
			slots:  slotsPerSlab(stride, cfg.SlabBytes),
			shards: make([]shard, cfg.Shards),
		}
	}
	return a, nil
}

// Close destroys the canary secret and unmaps large reservations. The
// arena must not be used afterwards.
func (a *Arena) Close() {
	for i := range a.large.records {
		if r := a.large.records[i].Swap(nil); r != nil {
			unmapRegion(r.mem)
		}
	}
	a.canary.destroy()
}

// =============================================================================
// Allocation
// =============================================================================

// Allocate reserves size bytes at the minimum alignment.
//
// Zero-size requests map to the smallest class. Failure returns (0, false);
// the arena never returns a sentinel address.
func (a *Arena) Allocate(size uint64) (uint64, bool) {
	return a.AllocateAligned(size, MinAlign)
}

// AllocateAligned reserves size bytes aligned to align.
//
// Description:
//
//	align must be a power of two (zero means MinAlign) no larger than
//	MaxAlign. Alignments of at least PageSize and sizes above the largest
//	class are served by the large reservation path and never touch
//	size-class slabs.
//
// Outputs:
//
//	uint64 - Base address of the allocation.
//	bool - False if the request is malformed or memory is exhausted.
func (a *Arena) AllocateAligned(size, align uint64) (uint64, bool) {
	if align == 0 {
		align = MinAlign
	}
	if align&(align-1) != 0 || align > MaxAlign || size > 1<<largeShift-CanarySize {
		a.allocFailures.Add(1)
		return 0, false
	}
	if align < MinAlign {
		align = MinAlign
	}

	var addr uint64
	var ok bool
	if c := ClassFor(size, align); c >= 0 {
		addr, ok = a.allocateSmall(&a.classes[c], size, align)
	} else {
		addr, ok = a.allocateLarge(size, align)
	}
	if !ok {
		a.allocFailures.Add(1)
		return 0, false
	}
	a.allocs.Add(1)
	return addr, true
}

func (a *Arena) allocateSmall(cls *sizeClass, size, align uint64) (uint64, bool) {
	n := uint32(len(cls.shards))
	start := cls.rr.Add(1)
	for i := uint32(0); i < n; i++ {
		if addr, ok := a.allocateFromShard(cls, int((start+i)&(n-1)), size, align); ok {
			return addr, true
		}
	}
	return 0, false
}

func (a *Arena) allocateFromShard(cls *sizeClass, si int, size, align uint64) (uint64, bool) {
	sh := &cls.shards[si]

	sh.mu.Lock()
	var h handle
	found := false
	if n := len(sh.free); n > 0 {
		h = sh.free[n-1]
		sh.free = sh.free[:n-1]
		found = true
	} else if sh.nslabs > 0 && sh.bump < cls.slots {
		h = makeHandle(sh.nslabs-1, sh.bump)
		sh.bump++
		found = true
	} else if sh.nslabs < maxSlabs && a.reserve(uint64(cls.stride)*uint64(cls.slots)) {
		s := newSlab(slabAddr(cls.index, si, int(sh.nslabs)), cls.stride, cls.slots)
		sh.slabs[sh.nslabs].Store(s)
		h = makeHandle(sh.nslabs, 0)
		sh.nslabs++
		sh.bump = 1
		found = true
	}
	sh.mu.Unlock()
	if !found {
		return 0, false
	}

	s := sh.slabs[h.slab()].Load()
	slot := h.slot()
	gen := s.load(slot).gen()
	if gen == 0 {
		gen = 1
	}
	addr := s.base + uint64(slot)*uint64(s.stride)

	// The slot is exclusively ours until published as live.
	a.canary.write(s.slotMem(slot)[size:], addr, gen)
	s.meta[slot].Store(uint64(packMeta(StateLive, alignLog2(align), gen, uint32(size))))
	a.noteLive(1, int64(size), int64(cls.stride))
	return addr, true
}

func (a *Arena) allocateLarge(size, align uint64) (uint64, bool) {
	length := a.large.roundToPage(size + CanarySize)
	if length > 1<<largeShift || !a.reserve(length) {
		return 0, false
	}
	mem, err := mapRegion(length)
	if err != nil {
		a.unreserve(length)
		a.pressure.Warn("large reservation failed", "bytes", length, "error", err)
		return 0, false
	}
	idx, prev, ok := a.large.reserveIndex()
	if !ok {
		unmapRegion(mem)
		a.unreserve(length)
		return 0, false
	}

	gen := uint32(1)
	if prev != nil {
		gen = nextGen(prev.gen)
		unmapRegion(prev.mem)
	}
	base := largeBase + uint64(idx)<<largeShift
	rec := &largeRecord{base: base, size: size, align: align, gen: gen, mem: mem}
	a.canary.write(mem[size:], base, gen)
	rec.state.Store(uint32(StateLive))
	a.large.records[idx].Store(rec)
	a.noteLive(1, int64(size), int64(length))
	return base, true
}

// =============================================================================
// Free
// =============================================================================

// Free releases the allocation at addr into quarantine.
//
// Description:
//
//	addr must be the base address returned by Allocate. The generation is
//	advanced and the slot quarantined; it is recycled only after FIFO
//	eviction. A free on anything other than a live base address is
//	reported distinctly and leaves all state untouched.
//
// Outputs:
//
//	FreeOutcome - Freed, FreedCanaryCorrupted, FreeNotFound,
//	              FreeDoubleFree or FreeInvalidContext.
func (a *Arena) Free(addr uint64) FreeOutcome {
	out := a.free(addr)
	a.freeOutcomes[out].Add(1)
	return out
}

func (a *Arena) free(addr uint64) FreeOutcome {
	if a.large.contains(addr) {
		return a.freeLarge(addr)
	}
	s, slot, off, region := a.locateSmall(addr)
	if region == RegionNone {
		return FreeNotFound
	}
	if s == nil || off != 0 {
		return FreeInvalidContext
	}

	for {
		m := s.load(slot)
		switch m.state() {
		case StateUnused:
			return FreeInvalidContext
		case StateQuarantined, StateFree:
			return FreeDoubleFree
		}
		next := m.with(StateQuarantined, nextGen(m.gen()))
		if !s.meta[slot].CompareAndSwap(uint64(m), uint64(next)) {
			continue
		}
		intact := a.canary.check(s.slotMem(slot)[m.size():], addr, m.gen())
		epoch := a.epoch.Add(1)
		a.noteLive(-1, -int64(m.size()), -int64(s.stride))
		a.quarantine.push(qEntry{addr: addr, footprint: uint64(s.stride), epoch: epoch}, a.release)
		if !intact {
			return FreedCanaryCorrupted
		}
		return Freed
	}
}

func (a *Arena) freeLarge(addr uint64) FreeOutcome {
	idx := a.large.index(addr)
	rec := a.large.records[idx].Load()
	if rec == nil || addr != rec.base {
		return FreeInvalidContext
	}
	if !rec.state.CompareAndSwap(uint32(StateLive), uint32(StateQuarantined)) {
		return FreeDoubleFree
	}
	intact := a.canary.check(rec.mem[rec.size:], rec.base, rec.gen)
	a.epoch.Add(1)
	releaseRegion(rec.mem)
	a.unreserve(uint64(len(rec.mem)))
	a.noteLive(-1, -int64(rec.size), -int64(len(rec.mem)))
	a.large.recycle(idx)
	if !intact {
		return FreedCanaryCorrupted
	}
	return Freed
}

// release returns an evicted quarantine entry to its shard's free list.
// Called with the quarantine mutex held.
func (a *Arena) release(e qEntry) {
	s, slot, _, _ := a.locateSmall(e.addr)
	if s == nil {
		return
	}
	for {
		m := s.load(slot)
		if m.state() != StateQuarantined {
			return
		}
		if s.meta[slot].CompareAndSwap(uint64(m), uint64(m.with(StateFree, m.gen()))) {
			break
		}
	}
	sh, slabIdx := a.shardOf(e.addr)
	sh.mu.Lock()
	sh.free = append(sh.free, makeHandle(slabIdx, slot))
	sh.mu.Unlock()
}

// DrainQuarantine recycles every quarantined slot immediately.
func (a *Arena) DrainQuarantine() {
	a.quarantine.drain(a.release)
}

// =============================================================================
// Validation
// =============================================================================

// Validate classifies addr.
//
// Description:
//
//	Checks the epoch-tagged validation cache first (CachedValid), then
//	decodes the address and reads the slot metadata with one atomic load.
//	Interior pointers are accepted; Remaining counts requested bytes from
//	addr to the end of the allocation.
//
// Thread Safety: Lock-free.
func (a *Arena) Validate(addr uint64) ValidateResult {
	r := a.validate(addr)
	a.validations[r.Outcome].Add(1)
	return r
}

func (a *Arena) validate(addr uint64) ValidateResult {
	epoch := a.epoch.Load()
	if base, end, gen, ok := a.cache.lookup(addr, epoch); ok {
		return ValidateResult{Outcome: CachedValid, Base: base, Remaining: end - addr, Generation: gen}
	}

	ins, _ := a.inspect(addr)
	res := ValidateResult{Base: ins.Record.Base, Generation: ins.Record.Generation}
	switch {
	case ins.Region == RegionNone:
		res.Outcome = NotFound
		res.Base = 0
	case ins.State == StateUnused:
		res.Outcome = Invalid
	case ins.State == StateQuarantined || ins.State == StateFree:
		res.Outcome = UseAfterFree
	case !ins.InBounds():
		res.Outcome = Invalid
	default:
		res.Outcome = Validated
		res.Remaining = ins.Remaining()
		end := ins.Record.Base + ins.Record.Size
		a.cache.store(addr, ins.Record.Base, end, ins.Record.Generation, epoch)
	}
	return res
}

// KnownRemaining returns the requested bytes from addr to the end of its
// live allocation. It is a cheap hint for callers sizing copies.
func (a *Arena) KnownRemaining(addr uint64) (uint64, bool) {
	if _, end, _, ok := a.cache.lookup(addr, a.epoch.Load()); ok {
		return end - addr, true
	}
	ins, _ := a.inspect(addr)
	if !ins.InBounds() {
		return 0, false
	}
	return ins.Remaining(), true
}

// Inspect decodes addr into its slot record with a single lookup.
func (a *Arena) Inspect(addr uint64) Inspection {
	ins, _ := a.inspect(addr)
	return ins
}

func (a *Arena) inspect(addr uint64) (Inspection, []byte) {
	if a.large.contains(addr) {
		rec := a.large.records[a.large.index(addr)].Load()
		if rec == nil {
			return Inspection{Region: RegionLarge}, nil
		}
		return Inspection{
			Region: RegionLarge,
			State:  SlotState(rec.state.Load()),
			Record: Record{Base: rec.base, Size: rec.size, Align: rec.align, Generation: rec.gen, Class: -1},
			Offset: addr - rec.base,
			Stride: uint64(len(rec.mem)),
		}, rec.mem
	}

	s, slot, off, region := a.locateSmall(addr)
	if s == nil {
		return Inspection{Region: region}, nil
	}
	m := s.load(slot)
	base := addr - off
	return Inspection{
		Region: RegionSmall,
		State:  m.state(),
		Record: Record{
			Base:       base,
			Size:       uint64(m.size()),
			Align:      uint64(1) << m.alignLog(),
			Generation: m.gen(),
			Class:      int((addr - smallBase) >> classShift),
		},
		Offset: off,
		Stride: uint64(s.stride),
	}, s.slotMem(slot)
}

// locateSmall decodes a small-region address. region is RegionNone when
// addr is outside the small region; s is nil when the decoded slot has no
// backing (unpublished slab or slack past the last slot).
func (a *Arena) locateSmall(addr uint64) (s *slab, slot uint32, off uint64, region Region) {
	if addr < smallBase || addr >= smallBase+uint64(len(a.classes))<<classShift {
		return nil, 0, 0, RegionNone
	}
	cls := &a.classes[(addr-smallBase)>>classShift]
	si := int(addr>>shardShift) & (maxShards - 1)
	if si >= len(cls.shards) {
		return nil, 0, 0, RegionSmall
	}
	s = cls.shards[si].slabs[int(addr>>slabShift)&(maxSlabs-1)].Load()
	if s == nil {
		return nil, 0, 0, RegionSmall
	}
	rel := addr & slabSpanMask
	idx := rel / uint64(s.stride)
	if idx >= uint64(s.slots) {
		return nil, 0, 0, RegionSmall
	}
	return s, uint32(idx), rel - idx*uint64(s.stride), RegionSmall
}

func (a *Arena) shardOf(addr uint64) (*shard, uint32) {
	cls := &a.classes[(addr-smallBase)>>classShift]
	return &cls.shards[int(addr>>shardShift)&(maxShards-1)], uint32(addr>>slabShift) & (maxSlabs - 1)
}

// =============================================================================
// Integrity
// =============================================================================

// CanaryIntact reports whether the live allocation covering addr still has
// its trailing canary.
func (a *Arena) CanaryIntact(addr uint64) bool {
	ins, mem := a.inspect(addr)
	if !ins.Live() {
		return false
	}
	return a.canary.check(mem[ins.Record.Size:], ins.Record.Base, ins.Record.Generation)
}

// DeepScan verifies the allocation covering addr: its own canary, the
// sanity of its metadata, and the canaries of live neighbouring slots.
func (a *Arena) DeepScan(addr uint64) ScanReport {
	ins, mem := a.inspect(addr)
	if !ins.Live() {
		return ScanReport{}
	}
	rec := ins.Record
	report := ScanReport{
		OwnCanary: a.canary.check(mem[rec.Size:], rec.Base, rec.Generation),
		MetadataSane: rec.Generation != 0 &&
			rec.Size+CanarySize <= ins.Stride &&
			rec.Base%rec.Align == 0,
	}
	if ins.Region != RegionSmall {
		return report
	}
	s, slot, _, _ := a.locateSmall(rec.Base)
	for _, n := range [2]int64{int64(slot) - 1, int64(slot) + 1} {
		if n < 0 || n >= int64(s.slots) {
			continue
		}
		m := s.load(uint32(n))
		if m.state() != StateLive {
			continue
		}
		nb := s.base + uint64(n)*uint64(s.stride)
		if !a.canary.check(s.slotMem(uint32(n))[m.size():], nb, m.gen()) {
			report.NeighbourFaults++
		}
	}
	return report
}

// Bytes returns the backing bytes [addr, addr+n) if they lie within the
// requested size of a live allocation, or nil.
func (a *Arena) Bytes(addr, n uint64) []byte {
	ins, mem := a.inspect(addr)
	if !ins.InBounds() || n > ins.Record.Size-ins.Offset {
		return nil
	}
	return mem[ins.Offset : ins.Offset+n : ins.Offset+n]
}

// Backing returns the whole slot covering addr, including slack and the
// canary, or nil unless the slot is live. Writes past the requested size
// corrupt the canary exactly as an overflow would.
//
// It is for fault injection on a quiescent arena: a large reservation's
// memory is unmapped when its index is reused, so the slice must not be
// held across a concurrent Free.
func (a *Arena) Backing(addr uint64) []byte {
	ins, mem := a.inspect(addr)
	if ins.State != StateLive || mem == nil {
		return nil
	}
	return mem
}

// =============================================================================
// Accounting
// =============================================================================

func (a *Arena) reserve(n uint64) bool {
	for {
		cur := a.reserved.Load()
		if cur+n > a.cfg.MaxReservedBytes {
			a.pressure.Warn("arena reservation cap reached",
				"reserved", cur, "request", n, "cap", a.cfg.MaxReservedBytes)
			return false
		}
		if a.reserved.CompareAndSwap(cur, cur+n) {
			raiseMax(&a.peakReserved, cur+n)
			return true
		}
	}
}

func (a *Arena) unreserve(n uint64) {
	a.reserved.Add(^(n - 1))
}

func (a *Arena) noteLive(count, bytes, footprint int64) {
	a.liveCount.Add(count)
	b := a.liveBytes.Add(bytes)
	f := a.liveFootprint.Add(footprint)
	if count > 0 {
		raiseMaxInt(&a.peakBytes, b)
		raiseMaxInt(&a.peakFootprint, f)
	}
}

func raiseMax(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func raiseMaxInt(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Epoch returns the number of frees performed so far.
func (a *Arena) Epoch() uint64 {
	return a.epoch.Load()
}
