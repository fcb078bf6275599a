// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/membrane/pkg/logging"
	"github.com/AleutianAI/membrane/services/membrane"
	"github.com/AleutianAI/membrane/services/membrane/config"
	"github.com/AleutianAI/membrane/services/membrane/heal"
)

var tracer = otel.Tracer("membrane.storage")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("store closed")

const (
	auditPrefix    = "a/"
	snapshotPrefix = "s/"
)

// AuditRecord is one stored healing entry.
type AuditRecord struct {
	// Instance is the membrane that applied the repair.
	Instance string `json:"instance"`

	// Batch identifies the drain that delivered the entry.
	Batch string `json:"batch"`

	Entry heal.Entry `json:"entry"`
}

// Store keeps audit entries and snapshots for one membrane instance.
//
// Description:
//
//	Audit keys are "a/<instance>/<seq>" and snapshot keys are
//	"s/<unix nanos>/<instance>", both big-endian so iteration is in
//	sequence and time order. Every record carries the configured
//	retention as a TTL.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db        *badger.DB
	gc        *gcRunner
	instance  string
	retention time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens a store for instance.
func Open(cfg Config, instance string) (*Store, error) {
	if instance == "" {
		instance = uuid.NewString()
	}
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:        db,
		instance:  instance,
		retention: cfg.Retention,
		logger:    logging.OrNop(cfg.Logger).With("component", "store", "instance", instance),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		if s.gc, err = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
	}
	return s, nil
}

// FromConfig opens the store described by the storage section.
func FromConfig(sc config.StorageConfig, instance string, logger *slog.Logger) (*Store, error) {
	cfg := DefaultConfig()
	cfg.Path = sc.Dir
	cfg.InMemory = sc.InMemory
	cfg.Retention = sc.Retention
	cfg.Logger = logger
	if sc.InMemory {
		cfg.SyncWrites = false
	}
	return Open(cfg, instance)
}

// Instance returns the instance ID stamped on written records.
func (s *Store) Instance() string { return s.instance }

// Close stops GC and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// =============================================================================
// Audit
// =============================================================================

// WriteEntries implements heal.Sink. The batch is stamped with a fresh
// batch ID.
func (s *Store) WriteEntries(ctx context.Context, entries []heal.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "store.WriteEntries")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(entries)))

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := uuid.NewString()
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		val, err := json.Marshal(AuditRecord{Instance: s.instance, Batch: batch, Entry: e})
		if err != nil {
			return fmt.Errorf("encode audit entry %d: %w", e.Seq, err)
		}
		if err := wb.SetEntry(s.entry(auditKey(s.instance, e.Seq), val)); err != nil {
			failSpan(span, err, "write failed")
			return fmt.Errorf("stage audit entry %d: %w", e.Seq, err)
		}
	}
	if err := wb.Flush(); err != nil {
		failSpan(span, err, "flush failed")
		return fmt.Errorf("flush audit batch: %w", err)
	}
	return nil
}

// Audit returns up to limit records of instance with Seq > after, in
// sequence order. An empty instance reads this store's own records.
func (s *Store) Audit(ctx context.Context, instance string, after uint64, limit int) ([]AuditRecord, error) {
	if instance == "" {
		instance = s.instance
	}
	if limit <= 0 {
		limit = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	prefix := []byte(auditPrefix + instance + "/")
	var out []AuditRecord
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: min(limit, 100)})
		defer it.Close()
		for it.Seek(auditKey(instance, after+1)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var rec AuditRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("decode audit record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// Snapshots
// =============================================================================

// WriteSnapshot stores snap keyed by its TakenAt time.
func (s *Store) WriteSnapshot(ctx context.Context, snap membrane.Snapshot) error {
	ctx, span := tracer.Start(ctx, "store.WriteSnapshot")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	instance := snap.InstanceID
	if instance == "" {
		instance = s.instance
	}
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = withTxn(ctx, s.db, func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(snapshotKey(snap.TakenAt, instance), val))
	})
	if err != nil {
		failSpan(span, err, "write failed")
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Snapshots returns up to limit snapshots taken at or after since, oldest
// first.
func (s *Store) Snapshots(ctx context.Context, since time.Time, limit int) ([]membrane.Snapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	prefix := []byte(snapshotPrefix)
	var out []membrane.Snapshot
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: min(limit, 100)})
		defer it.Close()
		for it.Seek(timePrefix(since)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			snap, err := decodeSnapshot(it.Item())
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

// Latest returns the most recent snapshot, or false when there is none.
func (s *Store) Latest(ctx context.Context) (membrane.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return membrane.Snapshot{}, false, ErrClosed
	}

	var snap membrane.Snapshot
	found := false
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(snapshotPrefix), Reverse: true, PrefetchValues: true, PrefetchSize: 1})
		defer it.Close()
		// Reverse iteration seeks from just past the prefix range.
		it.Seek([]byte(snapshotPrefix + "\xff"))
		if !it.ValidForPrefix([]byte(snapshotPrefix)) {
			return nil
		}
		var err error
		snap, err = decodeSnapshot(it.Item())
		found = err == nil
		return err
	})
	return snap, found, err
}

// =============================================================================
// Helpers
// =============================================================================

func failSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func (s *Store) entry(key, val []byte) *badger.Entry {
	e := badger.NewEntry(key, val)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e
}

func decodeSnapshot(item *badger.Item) (membrane.Snapshot, error) {
	var snap membrane.Snapshot
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &snap) }); err != nil {
		return membrane.Snapshot{}, fmt.Errorf("decode snapshot %q: %w", item.Key(), err)
	}
	return snap, nil
}

func auditKey(instance string, seq uint64) []byte {
	k := make([]byte, 0, len(auditPrefix)+len(instance)+1+8)
	k = append(k, auditPrefix...)
	k = append(k, instance...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, seq)
}

func timePrefix(t time.Time) []byte {
	var nanos uint64
	if !t.IsZero() && t.UnixNano() > 0 {
		nanos = uint64(t.UnixNano())
	}
	k := make([]byte, 0, len(snapshotPrefix)+8)
	k = append(k, snapshotPrefix...)
	return binary.BigEndian.AppendUint64(k, nanos)
}

func snapshotKey(t time.Time, instance string) []byte {
	k := timePrefix(t)
	k = append(k, '/')
	return append(k, instance...)
}
