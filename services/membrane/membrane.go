// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package membrane wires the runtime-hardening core together.
//
// A Membrane owns one arena, check-order scheduler, monitor ensemble,
// decision engine and healing policy, built once by New. There is no
// package-level state: tests and tools create as many membranes as they
// need.
//
// # Thread Safety
//
// Every method is safe for concurrent use.
package membrane

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/membrane/pkg/logging"
	"github.com/AleutianAI/membrane/services/membrane/arena"
	"github.com/AleutianAI/membrane/services/membrane/checkorder"
	"github.com/AleutianAI/membrane/services/membrane/config"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/decision"
	"github.com/AleutianAI/membrane/services/membrane/heal"
	"github.com/AleutianAI/membrane/services/membrane/monitor"
)

// =============================================================================
// Options
// =============================================================================

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registry   *monitor.Registry
	instanceID string
	measured   bool
}

// WithLogger sets the logger every component derives from.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry uses reg instead of loading the configured registry.
func WithRegistry(reg monitor.Registry) Option {
	return func(o *options) { o.registry = &reg }
}

// WithInstanceID fixes the instance ID stamped on snapshots.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithMeasuredCost reports wall-clock pipeline latency to the engine
// instead of the per-stage cost model.
func WithMeasuredCost() Option {
	return func(o *options) { o.measured = true }
}

// =============================================================================
// Membrane
// =============================================================================

// Membrane is the runtime-hardening core.
type Membrane struct {
	id       string
	level    dt.SafetyLevel
	cfg      config.Config
	started  time.Time
	measured bool

	arena  *arena.Arena
	sched  *checkorder.Scheduler
	ens    *monitor.Ensemble
	engine *decision.Engine
	heal   *heal.Policy
	logger *slog.Logger

	inflight atomic.Int64
	lastPage [dt.FamilyCount]atomic.Uint64
	pipe     pipelineCounters
}

// New builds a membrane.
//
// Description:
//
//	Resolves the safety level (the caller applies MEMBRANE_MODE through
//	config.Load), loads the monitor registry unless WithRegistry is given,
//	and constructs every component once.
//
// Outputs:
//
//	*Membrane - Call Close to release the arena.
//	error - Configuration or component construction failures, wrapped.
func New(cfg config.Config, opts ...Option) (*Membrane, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if o.instanceID == "" {
		o.instanceID = uuid.NewString()
	}
	logger := logging.OrNop(o.logger).With("instance", o.instanceID)

	var reg monitor.Registry
	if o.registry != nil {
		reg = *o.registry
	} else if reg, err = config.LoadRegistry(context.Background(), cfg.Ensemble.RegistryFile); err != nil {
		return nil, fmt.Errorf("load monitor registry: %w", err)
	}

	a, err := arena.New(cfg.Arena, logger)
	if err != nil {
		return nil, fmt.Errorf("create arena: %w", err)
	}
	sched := checkorder.New(logger)
	ens, err := monitor.NewEnsemble(reg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create ensemble: %w", err)
	}
	engine, err := decision.New(level, cfg.Decision, ens, sched, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create decision engine: %w", err)
	}
	hp, err := heal.New(cfg.Heal, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create healing policy: %w", err)
	}

	m := &Membrane{
		id:       o.instanceID,
		level:    level,
		cfg:      cfg,
		started:  time.Now(),
		measured: o.measured,
		arena:    a,
		sched:    sched,
		ens:      ens,
		engine:   engine,
		heal:     hp,
		logger:   logger.With("component", "membrane"),
	}
	m.logger.Info("membrane ready", "level", level.String(), "monitors", len(ens.Roster()))
	return m, nil
}

// Close releases the arena. The membrane must not be used afterwards.
func (m *Membrane) Close() {
	m.arena.Close()
}

// ID returns the instance ID.
func (m *Membrane) ID() string { return m.id }

// Level returns the safety level fixed at construction.
func (m *Membrane) Level() dt.SafetyLevel { return m.level }

// Arena returns the allocation arena.
func (m *Membrane) Arena() *arena.Arena { return m.arena }

// Engine returns the decision engine.
func (m *Membrane) Engine() *decision.Engine { return m.engine }

// Ensemble returns the monitor ensemble.
func (m *Membrane) Ensemble() *monitor.Ensemble { return m.ens }

// Heal returns the healing policy.
func (m *Membrane) Heal() *heal.Policy { return m.heal }

// Recalibrate resets the regret ledger and arm statistics.
func (m *Membrane) Recalibrate() { m.engine.Recalibrate() }

// WatchRegistry hot-reloads the configured registry file until ctx is
// done. It returns immediately with nil when no file is configured.
func (m *Membrane) WatchRegistry(ctx context.Context) error {
	path := m.cfg.Ensemble.RegistryFile
	if path == "" {
		return nil
	}
	w, err := config.NewWatcher(path, m.ens.UpdateRegistry, m.cfg.Ensemble.Debounce, m.logger)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// =============================================================================
// Snapshot
// =============================================================================

// SchemaVersion versions Snapshot.
const SchemaVersion = 1

// Snapshot is the kernel-wide telemetry view.
type Snapshot struct {
	SchemaVersion int               `json:"schema_version"`
	InstanceID    string            `json:"instance_id"`
	TakenAt       time.Time         `json:"taken_at"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Level         string            `json:"level"`
	Pipeline      PipelineSummary   `json:"pipeline"`
	Engine        decision.Snapshot `json:"engine"`
	Arena         arena.Stats       `json:"arena"`
	Heal          heal.Summary      `json:"heal"`
}

// Snapshot collects every component's telemetry. Not for the hot path.
func (m *Membrane) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		SchemaVersion: SchemaVersion,
		InstanceID:    m.id,
		TakenAt:       now.UTC(),
		UptimeSeconds: now.Sub(m.started).Seconds(),
		Level:         m.level.String(),
		Pipeline:      m.pipe.summary(),
		Engine:        m.engine.Snapshot(),
		Arena:         m.arena.Stats(),
		Heal:          m.heal.Summary(),
	}
}
