// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heal

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Sink Interface
// =============================================================================

// Sink receives audit entries drained from a Policy.
//
// # Description
//
// The storage layer persists entries; tests collect them in memory. Sinks
// run on the exporter goroutine, never on the heal path.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Error Handling
//
// A failed write loses the batch. Drain reports the error and moves on;
// the ring still holds the newest entries.
type Sink interface {
	// WriteEntries persists a batch in sequence order.
	WriteEntries(ctx context.Context, entries []Entry) error
}

type nopSink struct{}

func (nopSink) WriteEntries(context.Context, []Entry) error { return nil }

// NopSink discards entries.
func NopSink() Sink { return nopSink{} }

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entries []Entry) error

// WriteEntries calls f.
func (f SinkFunc) WriteEntries(ctx context.Context, entries []Entry) error { return f(ctx, entries) }

// Drain moves up to limit queued entries into sink. It never blocks waiting
// for entries.
//
// Outputs:
//
//	int - Entries handed to the sink.
//	error - The sink's error, wrapped.
func (p *Policy) Drain(ctx context.Context, sink Sink, limit int) (int, error) {
	if p.queue == nil || limit <= 0 {
		return 0, nil
	}
	batch := make([]Entry, 0, min(limit, len(p.queue)))
loop:
	for len(batch) < limit {
		select {
		case e := <-p.queue:
			batch = append(batch, e)
		default:
			break loop
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := sink.WriteEntries(ctx, batch); err != nil {
		return 0, fmt.Errorf("write %d audit entries: %w", len(batch), err)
	}
	return len(batch), nil
}

// Run drains into sink every interval until ctx is done, then makes a
// final drain with a detached context.
func (p *Policy) Run(ctx context.Context, sink Sink, interval time.Duration, batch int) {
	if batch <= 0 {
		batch = 256
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			for {
				n, err := p.Drain(final, sink, batch)
				if err != nil {
					p.logger.Warn("final audit drain failed", "error", err)
				}
				if n == 0 || err != nil {
					break
				}
			}
			cancel()
			return
		case <-ticker.C:
			for {
				n, err := p.Drain(ctx, sink, batch)
				if err != nil {
					p.logger.Warn("audit drain failed", "error", err)
				}
				if n < batch || err != nil {
					break
				}
			}
		}
	}
}
