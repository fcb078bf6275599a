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
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// GateState summarizes the alpha-investing controller.
type GateState uint8

const (
	GateCalibrating GateState = iota
	GateNormal
	GateGenerous
	GateDepleted
)

// String returns the lower-case state name.
func (s GateState) String() string {
	switch s {
	case GateNormal:
		return "normal"
	case GateGenerous:
		return "generous"
	case GateDepleted:
		return "depleted"
	default:
		return "calibrating"
	}
}

type alarm uint8

const (
	alarmNone alarm = iota
	alarmAccepted
	alarmSuppressed
)

// gate is the alpha-investing false-discovery controller. Each alarm onset
// (a monitor crossing to Warning or above) is a test that spends wealth;
// Critical onsets are strong evidence and earn a reward instead. When the
// wealth is exhausted further Warning onsets are suppressed: the monitor
// contributes at most Elevated until it clears and re-onsets. Clean epochs
// slowly refill the wealth.
//
// Not safe for concurrent use; the ensemble calls it from the epoch path.
type gate struct {
	cfg    GateConfig
	wealth float64
	alarms []alarm

	epochs, onsets, accepted, suppressed, rewarded uint64
	active                                         bool
}

func newGate(cfg GateConfig, n int) *gate {
	return &gate{cfg: cfg, wealth: cfg.InitialWealth, alarms: make([]alarm, n)}
}

// apply returns, for each monitor, the highest severity it may contribute
// this epoch.
func (g *gate) apply(states []State) []dt.Severity {
	caps := make([]dt.Severity, len(states))
	g.epochs++
	alarming := false
	g.active = false
	for i, st := range states {
		caps[i] = dt.SeverityCritical
		if !st.Active() {
			g.alarms[i] = alarmNone
			continue
		}
		g.active = true
		if st.Severity < dt.SeverityWarning {
			g.alarms[i] = alarmNone
			continue
		}
		alarming = true
		switch g.alarms[i] {
		case alarmAccepted:
			continue
		case alarmSuppressed:
			if st.Severity < dt.SeverityCritical {
				caps[i] = dt.SeverityElevated
				continue
			}
		default:
			g.onsets++
		}
		if g.test(st.Severity) {
			g.alarms[i] = alarmAccepted
			g.accepted++
		} else {
			g.alarms[i] = alarmSuppressed
			g.suppressed++
			caps[i] = dt.SeverityElevated
		}
	}
	if !alarming {
		g.wealth = min(g.cfg.InitialWealth, g.wealth+g.cfg.EpochRefill)
	}
	return caps
}

// test spends wealth on one onset and reports whether it is accepted.
func (g *gate) test(sev dt.Severity) bool {
	if sev >= dt.SeverityCritical {
		g.wealth = min(g.cfg.InitialWealth, g.wealth+g.cfg.Reward)
		g.rewarded++
		return true
	}
	if g.wealth <= g.cfg.MinWealth {
		return false
	}
	spend := max(g.cfg.MinSpend, g.cfg.SpendFraction*g.wealth)
	g.wealth = max(0, g.wealth-spend)
	return true
}

func (g *gate) state() GateState {
	switch {
	case !g.active:
		return GateCalibrating
	case g.wealth <= g.cfg.MinWealth:
		return GateDepleted
	case g.wealth >= g.cfg.GenerousAt:
		return GateGenerous
	}
	return GateNormal
}

// GateSummary is the telemetry view of the gate.
type GateSummary struct {
	State      string  `json:"state"`
	Wealth     float64 `json:"wealth"`
	Epochs     uint64  `json:"epochs"`
	Onsets     uint64  `json:"onsets"`
	Accepted   uint64  `json:"accepted"`
	Suppressed uint64  `json:"suppressed"`
	Rewarded   uint64  `json:"rewarded"`
}

func (g *gate) summary() GateSummary {
	return GateSummary{
		State:      g.state().String(),
		Wealth:     g.wealth,
		Epochs:     g.epochs,
		Onsets:     g.onsets,
		Accepted:   g.accepted,
		Suppressed: g.suppressed,
		Rewarded:   g.rewarded,
	}
}
