// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled is a token-bucket rate-limited view of a slog.Logger.
//
// Description:
//
//	Cadence paths such as epoch rebuilds can fire thousands of times per
//	second under load. Throttled lets them report transitions without
//	flooding the log. Dropped records are counted and the count is
//	attached to the next record that gets through as "suppressed".
//
// Thread Safety: Safe for concurrent use.
type Throttled struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottled creates a Throttled logger allowing burst records
// immediately and one record per interval afterwards.
//
// A nil logger yields a Throttled that discards everything.
func NewThrottled(logger *slog.Logger, interval time.Duration, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttled{
		logger:  OrNop(logger),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Info logs at Info level if the limiter allows it.
func (t *Throttled) Info(msg string, args ...any) { t.log(slog.LevelInfo, msg, args) }

// Warn logs at Warn level if the limiter allows it.
func (t *Throttled) Warn(msg string, args ...any) { t.log(slog.LevelWarn, msg, args) }

// Debug logs at Debug level if the limiter allows it.
func (t *Throttled) Debug(msg string, args ...any) { t.log(slog.LevelDebug, msg, args) }

// Suppressed returns the number of records dropped since the last
// record that was emitted.
func (t *Throttled) Suppressed() uint64 {
	return t.suppressed.Load()
}

func (t *Throttled) log(level slog.Level, msg string, args []any) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	switch level {
	case slog.LevelDebug:
		t.logger.Debug(msg, args...)
	case slog.LevelWarn:
		t.logger.Warn(msg, args...)
	default:
		t.logger.Info(msg, args...)
	}
}
