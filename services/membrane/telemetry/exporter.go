// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/membrane/pkg/logging"
	"github.com/AleutianAI/membrane/services/membrane"
	"github.com/AleutianAI/membrane/services/membrane/heal"
)

// SnapshotSink receives periodic snapshots.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, snap membrane.Snapshot) error
}

// SnapshotSinkFunc adapts a function to SnapshotSink.
type SnapshotSinkFunc func(ctx context.Context, snap membrane.Snapshot) error

// WriteSnapshot implements SnapshotSink.
func (f SnapshotSinkFunc) WriteSnapshot(ctx context.Context, snap membrane.Snapshot) error {
	return f(ctx, snap)
}

// ExporterStats counts export rounds.
type ExporterStats struct {
	Rounds   uint64 `json:"rounds"`
	Failures uint64 `json:"failures"`
}

// Exporter pushes snapshots to sinks and drains the audit queue.
//
// Description:
//
//	Every Interval the exporter takes one snapshot and hands it to each
//	sink in turn. A failing sink is logged (throttled) and does not stop
//	the others. When an audit sink is set, the healing policy's queue is
//	drained into it on the same interval. On cancellation both loops
//	perform a final flush.
type Exporter struct {
	src      *membrane.Membrane
	sinks    []SnapshotSink
	audit    heal.Sink
	interval time.Duration
	logger   *slog.Logger
	warn     *logging.Throttled

	rounds   atomic.Uint64
	failures atomic.Uint64
}

// NewExporter builds an exporter over m. A non-positive interval uses 10s.
func NewExporter(m *membrane.Membrane, interval time.Duration, logger *slog.Logger, sinks ...SnapshotSink) *Exporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger = logging.OrNop(logger).With("component", "exporter")
	return &Exporter{
		src:      m,
		sinks:    sinks,
		interval: interval,
		logger:   logger,
		warn:     logging.NewThrottled(logger, time.Minute, 3),
	}
}

// WithAudit drains healing entries into sink while Run is active.
func (e *Exporter) WithAudit(sink heal.Sink) *Exporter {
	e.audit = sink
	return e
}

// Run exports until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if e.audit != nil {
		g.Go(func() error {
			e.src.Heal().Run(ctx, e.audit, e.interval, 0)
			return nil
		})
	}
	if len(e.sinks) > 0 {
		g.Go(func() error {
			t := time.NewTicker(e.interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					flush, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					e.Export(flush)
					cancel()
					return nil
				case <-t.C:
					e.Export(ctx)
				}
			}
		})
	}
	return g.Wait()
}

// Export runs one round and returns the number of failed sinks.
func (e *Exporter) Export(ctx context.Context) int {
	snap := e.src.Snapshot()
	failed := 0
	for _, s := range e.sinks {
		if err := s.WriteSnapshot(ctx, snap); err != nil {
			failed++
			e.warn.Warn("snapshot sink failed", "error", err)
		}
	}
	e.rounds.Add(1)
	if failed > 0 {
		e.failures.Add(1)
	}
	return failed
}

// Stats returns export counters.
func (e *Exporter) Stats() ExporterStats {
	return ExporterStats{Rounds: e.rounds.Load(), Failures: e.failures.Load()}
}
