// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/membrane/pkg/logging"
	"github.com/AleutianAI/membrane/services/membrane/monitor"
)

// ApplyFunc publishes a reloaded registry. Ensemble.UpdateRegistry fits.
type ApplyFunc func(monitor.Registry) error

// WatcherStats counts reload attempts.
type WatcherStats struct {
	Reloads  uint64 `json:"reloads"`
	Failures uint64 `json:"failures"`
}

// Watcher reloads the monitor registry file when it changes.
//
// Description:
//
//	Watches the file's directory rather than the file so editors that
//	replace files by rename are seen. Events for other names are
//	ignored. Bursts are debounced. A registry that fails to parse or
//	validate is logged and the previous one stays in force. Only the
//	registry is reloaded; the safety level is fixed at construction.
//
// Thread Safety: Run must be called once. Stats and Close are safe for
// concurrent use.
type Watcher struct {
	path     string
	apply    ApplyFunc
	debounce time.Duration
	fs       *fsnotify.Watcher
	logger   *slog.Logger

	reloads  atomic.Uint64
	failures atomic.Uint64

	closeOnce sync.Once
}

// NewWatcher starts watching path's directory.
//
// Inputs:
//
//	path - Registry file to watch.
//	apply - Called with each valid reload.
//	debounce - Quiet period before reloading. Zero uses 250ms.
//	logger - Optional. Nil discards.
//
// Outputs:
//
//	*Watcher - Call Run to start processing and Close to stop.
//	error - fsnotify setup failures, wrapped.
func NewWatcher(path string, apply ApplyFunc, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if path == "" || apply == nil {
		return nil, fmt.Errorf("%w: watcher needs a path and an apply func", ErrInvalid)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     abs,
		apply:    apply,
		debounce: debounce,
		fs:       fs,
		logger:   logging.OrNop(logger).With("component", "registry_watcher", "path", abs),
	}, nil
}

// Run processes events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("registry watch error", "error", err)

		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	reg, err := LoadRegistry(ctx, w.path)
	if err == nil {
		err = w.apply(reg)
	}
	if err != nil {
		w.failures.Add(1)
		level := slog.LevelWarn
		if errors.Is(err, monitor.ErrUnknownMonitor) {
			level = slog.LevelError
		}
		w.logger.Log(ctx, level, "registry reload rejected, keeping previous", "error", err)
		return
	}
	w.reloads.Add(1)
	w.logger.Info("monitor registry reloaded", "monitors", len(reg.Monitors), "epoch_length", reg.EpochLength)
}

// Stats returns reload counters.
func (w *Watcher) Stats() WatcherStats {
	return WatcherStats{Reloads: w.reloads.Load(), Failures: w.failures.Load()}
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}
