// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor implements the online statistical monitors that watch the
// stream of call observations, and the ensemble that gates and fuses their
// severities into per-family risk bonuses.
//
// Every monitor implements Monitor. Monitors are not safe for concurrent
// use on their own; the Ensemble serialises access with a per-monitor
// TryLock and drops samples that arrive while a monitor is busy.
package monitor

import (
	"math"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// ID names a monitor in the registry, in metrics and in guard rules.
type ID string

const (
	IDAdverseEWMA   ID = "adverse_ewma"
	IDLatencyCUSUM  ID = "latency_cusum"
	IDEProcess      ID = "e_process"
	IDBetaPosterior ID = "beta_posterior"
	IDChangePoint   ID = "change_point"
	IDSpectral      ID = "spectral"
	IDPageEntropy   ID = "page_entropy"
	IDWasserstein   ID = "wasserstein"
	IDCVaRTail      ID = "cvar_tail"
	IDContention    ID = "contention"
	IDDispersion    ID = "dispersion"
	IDHurst         ID = "hurst"

	IDAzumaHoeffding     ID = "azuma_hoeffding"
	IDLargeDeviations    ID = "large_deviations"
	IDPACBayes           ID = "pac_bayes"
	IDBorelCantelli      ID = "borel_cantelli"
	IDRenewal            ID = "renewal"
	IDDoobDrift          ID = "doob_drift"
	IDLempelZiv          ID = "lempel_ziv"
	IDDobrushin          ID = "dobrushin"
	IDTransferEntropy    ID = "transfer_entropy"
	IDMutualInfo         ID = "mutual_info"
	IDFamilySkew         ID = "family_skew"
	IDBarrier            ID = "barrier"
	IDKernelMMD          ID = "kernel_mmd"
	IDOrnsteinUhlenbeck  ID = "ornstein_uhlenbeck"
	IDConformal          ID = "conformal"
	IDQuadraticVariation ID = "quadratic_variation"
	IDInfoGeometry       ID = "info_geometry"
	IDPageNovelty        ID = "page_novelty"
	IDApproachability    ID = "approachability"
)

// Phase is the lifecycle phase of a monitor.
type Phase uint8

const (
	// PhaseCalibrating means the monitor has not seen enough data; its
	// severity is not used.
	PhaseCalibrating Phase = iota

	// PhaseActive means the severity is meaningful.
	PhaseActive
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	if p == PhaseActive {
		return "active"
	}
	return "calibrating"
}

// State is a monitor's current output.
type State struct {
	Phase    Phase
	Severity dt.Severity
}

// Active reports whether the severity is meaningful.
func (s State) Active() bool { return s.Phase == PhaseActive }

func (s State) pack() uint32 { return uint32(s.Phase)<<8 | uint32(s.Severity) }

func unpackState(v uint32) State {
	return State{Phase: Phase(v >> 8), Severity: dt.Severity(v & 0xFF)}
}

// Sample is one observed call.
type Sample struct {
	Family    dt.ApiFamily
	LatencyNs uint64
	Adverse   bool

	// Addr is the pointer the call validated, or zero.
	Addr uint64

	// Contention is the caller-reported contention level, 0..100.
	Contention uint32

	Profile dt.Profile
}

// Summary is the telemetry view of one monitor.
type Summary struct {
	ID           ID                 `json:"id"`
	Phase        string             `json:"phase"`
	Severity     string             `json:"severity"`
	Observations uint64             `json:"observations"`
	Statistic    float64            `json:"statistic"`
	Detail       map[string]float64 `json:"detail,omitempty"`
}

// Monitor is one online detector.
type Monitor interface {
	ID() ID
	Observe(Sample)
	State() State
	Summary() Summary
}

// FamilyMonitor is a Monitor that also tracks a severity per family.
type FamilyMonitor interface {
	Monitor
	FamilyState(dt.ApiFamily) State
}

// =============================================================================
// Helpers
// =============================================================================

// thresholds maps a statistic to a severity. NaN is Warning.
type thresholds [3]float64

func (t thresholds) classify(v float64) dt.Severity {
	switch {
	case math.IsNaN(v):
		return dt.SeverityWarning
	case v >= t[2]:
		return dt.SeverityCritical
	case v >= t[1]:
		return dt.SeverityWarning
	case v >= t[0]:
		return dt.SeverityElevated
	}
	return dt.SeverityNominal
}

// warmup tracks the calibration phase of a monitor.
type warmup struct {
	n    uint64
	need uint64
}

func (w *warmup) tick() { w.n++ }

func (w *warmup) phase() Phase {
	if w.n < w.need {
		return PhaseCalibrating
	}
	return PhaseActive
}

func (w *warmup) state(sev dt.Severity) State {
	if w.n < w.need {
		return State{Phase: PhaseCalibrating}
	}
	return State{Phase: PhaseActive, Severity: sev}
}

func summarize(id ID, w *warmup, sev dt.Severity, stat float64, detail map[string]float64) Summary {
	st := w.state(sev)
	return Summary{
		ID:           id,
		Phase:        st.Phase.String(),
		Severity:     st.Severity.String(),
		Observations: w.n,
		Statistic:    stat,
		Detail:       detail,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// logLatency maps a latency onto a log2 scale so heavy tails stay bounded.
func logLatency(ns uint64) float64 {
	return math.Log2(float64(ns) + 1)
}
