// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/membrane/pkg/logging"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/guard"
)

// slot owns one monitor and the last state read from it.
type slot struct {
	m     Monitor
	fm    FamilyMonitor
	mu    sync.Mutex
	drops atomic.Uint64

	// Written on the epoch path only.
	raw   State
	fam   [dt.FamilyCount]State
	phase Phase

	// gated is the packed State after the gate, for lock-free readers.
	gated atomic.Uint32
}

// Ensemble feeds observations to every monitor and, once per epoch,
// rebuilds the gated severity vector, evaluates the guard and publishes
// fused per-family risk bonuses.
//
// # Thread Safety
//
// Observe never blocks: a monitor busy on another goroutine skips the
// sample and counts a drop. The epoch path runs under a TryLock, so at
// most one goroutine rebuilds at a time and the others carry on. BonusPPM
// is one atomic load.
type Ensemble struct {
	slots    []*slot
	entries  []Entry
	epochLen uint64

	observations atomic.Uint64
	epochs       atomic.Uint64
	bonus        [dt.FamilyCount]atomic.Uint32
	guardBonus   atomic.Uint32
	fusion       atomic.Pointer[fusion]

	epochMu sync.Mutex
	gate    *gate
	guard   *guard.Guard

	logger *slog.Logger
	alerts *logging.Throttled
}

// NewEnsemble builds the enabled monitors of reg.
//
// Outputs:
//
//	*Ensemble - The ensemble.
//	error - ErrUnknownMonitor or ErrInvalidRegistry (wrapped) from
//	        Registry.Check, or guard.ErrInvalidRule.
func NewEnsemble(reg Registry, logger *slog.Logger) (*Ensemble, error) {
	if err := reg.Check(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger).With("component", "monitor")
	entries := reg.enabled()
	e := &Ensemble{
		entries:  entries,
		epochLen: reg.EpochLength,
		gate:     newGate(reg.Gate, len(entries)),
		logger:   logger,
		alerts:   logging.NewThrottled(logger, 5*time.Second, 4),
	}
	for _, entry := range entries {
		m := factories[entry.ID](entry.Warmup)
		s := &slot{m: m}
		s.fm, _ = m.(FamilyMonitor)
		e.slots = append(e.slots, s)
	}
	g, err := guard.New(reg.Guard, e.names(), logger)
	if err != nil {
		return nil, fmt.Errorf("build guard: %w", err)
	}
	e.guard = g
	e.fusion.Store(newFusion(reg, entries))
	return e, nil
}

func (e *Ensemble) names() []string {
	out := make([]string, len(e.entries))
	for i, entry := range e.entries {
		out[i] = string(entry.ID)
	}
	return out
}

// Roster returns the IDs of the running monitors in vector order.
func (e *Ensemble) Roster() []ID {
	out := make([]ID, len(e.entries))
	for i, entry := range e.entries {
		out[i] = entry.ID
	}
	return out
}

// Observe feeds s to every monitor and runs the epoch path on cadence.
func (e *Ensemble) Observe(s Sample) {
	for _, sl := range e.slots {
		if !sl.mu.TryLock() {
			sl.drops.Add(1)
			continue
		}
		sl.m.Observe(s)
		sl.mu.Unlock()
	}
	if e.observations.Add(1)%e.epochLen == 0 {
		if e.epochMu.TryLock() {
			e.epochLocked()
			e.epochMu.Unlock()
		}
	}
}

// Flush runs the epoch path now, waiting for a concurrent epoch to finish.
func (e *Ensemble) Flush() {
	e.epochMu.Lock()
	defer e.epochMu.Unlock()
	e.epochLocked()
}

func (e *Ensemble) epochLocked() {
	n := len(e.slots)
	raw := make([]State, n)
	for i, sl := range e.slots {
		// A busy monitor keeps last epoch's state.
		if sl.mu.TryLock() {
			sl.raw = sl.m.State()
			if sl.fm != nil {
				for f := range sl.fam {
					sl.fam[f] = sl.fm.FamilyState(dt.ApiFamily(f))
				}
			}
			sl.mu.Unlock()
		}
		raw[i] = sl.raw
		if sl.raw.Phase != sl.phase {
			e.logger.Info("monitor phase changed", "monitor", string(sl.m.ID()), "phase", sl.raw.Phase.String())
			sl.phase = sl.raw.Phase
		}
	}

	wealthBefore := e.gate.wealth
	caps := e.gate.apply(raw)
	if e.gate.wealth <= e.gate.cfg.MinWealth && wealthBefore > e.gate.cfg.MinWealth {
		e.logger.Warn("alarm wealth depleted, suppressing warning onsets", "wealth", e.gate.wealth)
	}

	readings := make([]guard.Reading, n)
	global := make([]dt.Severity, n)
	active := make([]bool, n)
	for i, sl := range e.slots {
		st := State{Phase: raw[i].Phase, Severity: min(raw[i].Severity, caps[i])}
		sl.gated.Store(st.pack())
		global[i] = st.Severity
		active[i] = st.Active()
		readings[i] = guard.Reading{Name: string(sl.m.ID()), Severity: st.Severity, Calibrating: !st.Active()}
		if st.Severity >= dt.SeverityWarning {
			e.alerts.Warn("monitor alarm", "monitor", string(sl.m.ID()), "severity", st.Severity.String())
		}
	}
	res := e.guard.Evaluate(readings)
	e.guardBonus.Store(res.BonusPPM)

	fu := e.fusion.Load()
	sev := make([]dt.Severity, n)
	act := make([]bool, n)
	for f := 0; f < dt.FamilyCount; f++ {
		for i, sl := range e.slots {
			sev[i], act[i] = global[i], active[i]
			if sl.fm != nil {
				fs := sl.fam[f]
				sev[i], act[i] = min(fs.Severity, caps[i]), fs.Active()
			}
		}
		b := uint64(fu.bonus(dt.ApiFamily(f), sev, act)) + uint64(res.BonusPPM)
		e.bonus[f].Store(uint32(min(b, MaxBonusPPM)))
	}
	e.epochs.Add(1)
}

// BonusPPM returns the fused risk bonus for family, guard term included.
//
// Thread Safety: Lock-free.
func (e *Ensemble) BonusPPM(family dt.ApiFamily) uint32 {
	if !family.Valid() {
		return 0
	}
	return e.bonus[family].Load()
}

// GuardBonusPPM returns the guard's share of the bonus.
func (e *Ensemble) GuardBonusPPM() uint32 {
	return e.guardBonus.Load()
}

// Gated returns the gated state of every monitor in roster order.
func (e *Ensemble) Gated() []State {
	out := make([]State, len(e.slots))
	for i, sl := range e.slots {
		out[i] = unpackState(sl.gated.Load())
	}
	return out
}

// MaxSeverity returns the highest gated severity of any active monitor.
func (e *Ensemble) MaxSeverity() dt.Severity {
	var out dt.Severity
	for _, st := range e.Gated() {
		if st.Active() {
			out = max(out, st.Severity)
		}
	}
	return out
}

// Nominal reports whether no active monitor is at Warning or above.
// Elevated is advisory and does not count.
func (e *Ensemble) Nominal() bool {
	return e.MaxSeverity() < dt.SeverityWarning
}

// Epochs returns the number of completed epochs.
func (e *Ensemble) Epochs() uint64 { return e.epochs.Load() }

// UpdateRegistry swaps fusion weights and guard rules from reg. The
// monitor roster and gate are fixed at construction; entries for monitors
// not running are ignored.
func (e *Ensemble) UpdateRegistry(reg Registry) error {
	if err := reg.Check(); err != nil {
		return err
	}
	byID := make(map[ID]Entry, len(reg.Monitors))
	for _, entry := range reg.Monitors {
		byID[entry.ID] = entry
	}
	roster := make([]Entry, len(e.entries))
	for i, cur := range e.entries {
		next, ok := byID[cur.ID]
		if !ok || !next.Enabled {
			next = Entry{ID: cur.ID, Enabled: false}
		}
		roster[i] = next
	}
	g, err := guard.New(reg.Guard, e.names(), e.logger)
	if err != nil {
		return fmt.Errorf("build guard: %w", err)
	}

	e.epochMu.Lock()
	e.guard = g
	e.epochMu.Unlock()
	e.fusion.Store(newFusion(reg, roster))
	e.logger.Info("monitor registry updated", "monitors", len(roster), "guard_rules", len(reg.Guard.Rules))
	return nil
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is the telemetry view of the ensemble.
type Snapshot struct {
	Observations uint64            `json:"observations"`
	Epochs       uint64            `json:"epochs"`
	Monitors     []Summary         `json:"monitors"`
	Gated        map[ID]string     `json:"gated"`
	Drops        map[ID]uint64     `json:"drops"`
	Gate         GateSummary       `json:"gate"`
	Guard        guard.Summary     `json:"guard"`
	BonusPPM     map[string]uint32 `json:"bonus_ppm"`
}

// Snapshot collects every monitor summary. It takes each monitor's lock
// in turn and should not be called on the hot path.
func (e *Ensemble) Snapshot() Snapshot {
	snap := Snapshot{
		Observations: e.observations.Load(),
		Epochs:       e.epochs.Load(),
		Gated:        make(map[ID]string, len(e.slots)),
		Drops:        make(map[ID]uint64, len(e.slots)),
		BonusPPM:     make(map[string]uint32, dt.FamilyCount),
	}
	for _, sl := range e.slots {
		sl.mu.Lock()
		snap.Monitors = append(snap.Monitors, sl.m.Summary())
		sl.mu.Unlock()
		id := sl.m.ID()
		st := unpackState(sl.gated.Load())
		if st.Active() {
			snap.Gated[id] = st.Severity.String()
		} else {
			snap.Gated[id] = PhaseCalibrating.String()
		}
		snap.Drops[id] = sl.drops.Load()
	}
	e.epochMu.Lock()
	snap.Gate = e.gate.summary()
	snap.Guard = e.guard.Summary()
	e.epochMu.Unlock()
	for f := 0; f < dt.FamilyCount; f++ {
		if b := e.bonus[f].Load(); b > 0 {
			snap.BonusPPM[dt.ApiFamily(f).String()] = b
		}
	}
	return snap
}
