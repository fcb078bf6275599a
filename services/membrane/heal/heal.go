// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heal applies the deterministic corrective transformations the
// decision engine asks for and keeps an audit trail of every one.
//
// A heal never decides whether to engage. The engine decides; this package
// computes the corrected parameters, performs the one permitted write (a
// string terminator), and records enough to undo it.
package heal

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/membrane/pkg/logging"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

var (
	// ErrInvalidConfig is returned by New for out-of-range settings.
	ErrInvalidConfig = errors.New("invalid heal config")

	// ErrBufferMismatch is returned by Revert when the buffer no longer
	// holds the terminator the entry wrote.
	ErrBufferMismatch = errors.New("buffer does not match audit entry")
)

// =============================================================================
// Kinds
// =============================================================================

// Kind is a healing transformation. The first four mirror dt.RepairKind;
// the free-path kinds are applied by the allocator facade.
type Kind uint8

const (
	KindNone Kind = iota
	KindReturnSafeDefault
	KindTruncateWithNull
	KindClampToBounds
	KindIgnoreDoubleFree
	KindIgnoreForeignFree
	KindReallocAsMalloc

	KindCount = int(iota)
)

var kindNames = [KindCount]string{
	"none",
	"return_safe_default",
	"truncate_with_null",
	"clamp_to_bounds",
	"ignore_double_free",
	"ignore_foreign_free",
	"realloc_as_malloc",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if int(k) < KindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i, name := range kindNames {
		if name == s {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown heal kind %q", b)
}

// FromRepair maps the engine's repair kind onto a heal kind.
func FromRepair(r dt.RepairKind) Kind {
	switch r {
	case dt.RepairReturnSafeDefault:
		return KindReturnSafeDefault
	case dt.RepairTruncateWithNull:
		return KindTruncateWithNull
	case dt.RepairClampToBounds:
		return KindClampToBounds
	}
	return KindNone
}

// =============================================================================
// Apply
// =============================================================================

// Context is the call the heal applies to.
type Context struct {
	Family dt.ApiFamily
	Addr   uint64

	// Requested is the length the caller asked for.
	Requested uint64

	// Available is the number of bytes known to be valid at Addr. For
	// TruncateWithNull it includes room for the terminator.
	Available uint64

	// Dst, when set, is the destination buffer. TruncateWithNull writes
	// its terminator into it.
	Dst []byte
}

// Outcome is what the caller should do after the heal.
type Outcome struct {
	Kind Kind

	// Effective is the corrected length. Zero for kinds that replace the
	// operation with a safe default.
	Effective uint64

	// Terminated is true when a terminator was written into Dst.
	Terminated bool
}

// Entry is one audit record.
type Entry struct {
	Seq       uint64       `json:"seq"`
	UnixNano  int64        `json:"unix_nano"`
	Family    dt.ApiFamily `json:"family"`
	Kind      Kind         `json:"kind"`
	Addr      uint64       `json:"addr"`
	Requested uint64       `json:"requested"`
	Effective uint64       `json:"effective"`

	// Patched is set when Offset in the destination buffer was
	// overwritten; Saved is the byte it held.
	Patched bool   `json:"patched,omitempty"`
	Offset  uint64 `json:"offset,omitempty"`
	Saved   byte   `json:"saved,omitempty"`
}

// Time returns the entry's timestamp.
func (e Entry) Time() time.Time { return time.Unix(0, e.UnixNano) }

// Config configures a Policy.
type Config struct {
	// AuditCapacity is the number of entries the ring retains.
	AuditCapacity int `yaml:"audit_capacity" json:"audit_capacity" validate:"gte=16,lte=1048576"`

	// SinkBuffer is the number of entries queued for Drain. Zero disables
	// the queue.
	SinkBuffer int `yaml:"sink_buffer" json:"sink_buffer" validate:"gte=0,lte=1048576"`
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{AuditCapacity: 4096, SinkBuffer: 8192}
}

// Policy applies heals, counts them, and keeps the audit ring.
//
// Thread Safety: All methods are safe for concurrent use. Apply takes the
// ring lock briefly; the counters are atomic.
type Policy struct {
	mu   sync.Mutex
	ring []Entry
	next int
	full bool

	seq     atomic.Uint64
	counts  [KindCount]atomic.Uint64
	reverts atomic.Uint64
	dropped atomic.Uint64

	queue  chan Entry
	logger *slog.Logger
	drops  *logging.Throttled
}

// New creates a policy.
func New(cfg Config, logger *slog.Logger) (*Policy, error) {
	if cfg.AuditCapacity < 16 {
		return nil, fmt.Errorf("%w: audit_capacity %d < 16", ErrInvalidConfig, cfg.AuditCapacity)
	}
	if cfg.SinkBuffer < 0 {
		return nil, fmt.Errorf("%w: sink_buffer %d < 0", ErrInvalidConfig, cfg.SinkBuffer)
	}
	logger = logging.OrNop(logger).With("component", "heal")
	p := &Policy{
		ring:   make([]Entry, cfg.AuditCapacity),
		logger: logger,
		drops:  logging.NewThrottled(logger, 10*time.Second, 1),
	}
	if cfg.SinkBuffer > 0 {
		p.queue = make(chan Entry, cfg.SinkBuffer)
	}
	return p, nil
}

// Apply performs kind on ctx and records it.
//
// Description:
//
//	ReturnSafeDefault and the free-path ignores have an effective length
//	of zero. ClampToBounds limits the length to Available.
//	TruncateWithNull keeps Available-1 bytes and, when Dst can hold it,
//	writes a zero byte at that offset, saving the previous byte in the
//	entry. ReallocAsMalloc keeps the requested length. KindNone is passed
//	through and not recorded.
//
// Outputs:
//
//	Outcome - The corrected parameters.
//	Entry - The audit record. Zero for KindNone.
func (p *Policy) Apply(kind Kind, ctx Context) (Outcome, Entry) {
	out := Outcome{Kind: kind}
	switch kind {
	case KindReturnSafeDefault, KindIgnoreDoubleFree, KindIgnoreForeignFree:
	case KindClampToBounds:
		out.Effective = min(ctx.Requested, ctx.Available)
	case KindTruncateWithNull:
		if ctx.Available > 0 {
			out.Effective = min(ctx.Requested, ctx.Available-1)
		}
	case KindReallocAsMalloc:
		out.Effective = ctx.Requested
	default:
		return Outcome{Kind: KindNone, Effective: ctx.Requested}, Entry{}
	}

	e := Entry{
		Seq:       p.seq.Add(1),
		UnixNano:  time.Now().UnixNano(),
		Family:    ctx.Family,
		Kind:      kind,
		Addr:      ctx.Addr,
		Requested: ctx.Requested,
		Effective: out.Effective,
	}
	if kind == KindTruncateWithNull && ctx.Available > 0 && out.Effective < uint64(len(ctx.Dst)) {
		e.Patched, e.Offset, e.Saved = true, out.Effective, ctx.Dst[out.Effective]
		ctx.Dst[out.Effective] = 0
		out.Terminated = true
	}
	p.counts[kind].Add(1)
	p.record(e)
	return out, e
}

func (p *Policy) record(e Entry) {
	p.mu.Lock()
	p.ring[p.next] = e
	p.next++
	if p.next == len(p.ring) {
		p.next, p.full = 0, true
	}
	p.mu.Unlock()

	if p.queue == nil {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.dropped.Add(1)
		p.drops.Warn("audit sink backlog full, dropping entries", "dropped_total", p.dropped.Load())
	}
}

// Revert undoes the buffer write recorded in e. Entries that wrote
// nothing revert trivially.
func (p *Policy) Revert(e Entry, buf []byte) error {
	if !e.Patched {
		return nil
	}
	if e.Offset >= uint64(len(buf)) || buf[e.Offset] != 0 {
		return fmt.Errorf("%w: seq %d offset %d", ErrBufferMismatch, e.Seq, e.Offset)
	}
	buf[e.Offset] = e.Saved
	p.reverts.Add(1)
	return nil
}

// Recent returns up to n of the newest entries, oldest first.
func (p *Policy) Recent(n int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := p.next
	if p.full {
		size = len(p.ring)
	}
	n = min(max(n, 0), size)
	out := make([]Entry, n)
	start := p.next - n
	for i := range out {
		out[i] = p.ring[(start+i+len(p.ring))%len(p.ring)]
	}
	return out
}

// Count returns how many times kind was applied.
func (p *Policy) Count(kind Kind) uint64 {
	if int(kind) >= KindCount {
		return 0
	}
	return p.counts[kind].Load()
}

// Summary is the telemetry view of the policy.
type Summary struct {
	Total    uint64            `json:"total"`
	ByKind   map[string]uint64 `json:"by_kind"`
	Reverts  uint64            `json:"reverts"`
	Retained int               `json:"retained"`
	Pending  int               `json:"pending"`
	Dropped  uint64            `json:"dropped"`
	LastSeq  uint64            `json:"last_seq"`
}

// Summary returns the counters.
func (p *Policy) Summary() Summary {
	s := Summary{
		ByKind:  make(map[string]uint64, KindCount-1),
		Reverts: p.reverts.Load(),
		Dropped: p.dropped.Load(),
		LastSeq: p.seq.Load(),
	}
	for k := 1; k < KindCount; k++ {
		n := p.counts[k].Load()
		s.ByKind[Kind(k).String()] = n
		s.Total += n
	}
	p.mu.Lock()
	s.Retained = p.next
	if p.full {
		s.Retained = len(p.ring)
	}
	p.mu.Unlock()
	if p.queue != nil {
		s.Pending = len(p.queue)
	}
	return s
}
