// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision is the per-call chokepoint. It fuses base risk, the
// monitor ensemble and the safety level into a validation profile and an
// action, under a regret-bounded online profile policy, and closes the
// loop from observed outcomes.
//
// # Risk
//
//	risk_f = min(1e6, baseUB_f + ensemble.BonusPPM(f))
//
// baseUB_f is a Beta posterior upper bound of the family's adverse rate;
// the ensemble bonus already carries the guard term.
//
// # Thread Safety
//
// Decide and Observe are safe for concurrent use and never block. All
// engine state is atomics; the ensemble and scheduler it delegates to use
// TryLock internally.
package decision

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/membrane/pkg/logging"
	"github.com/AleutianAI/membrane/services/membrane/checkorder"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/monitor"
)

// SchemaVersion identifies the Snapshot layout.
const SchemaVersion = 1

// Oracle bias thresholds on the check-order early-exit share.
const (
	cheapExitFastPPM = 800_000
	cheapExitFullPPM = 200_000
)

// Extra carries optional caller-contract requirements.
type Extra struct {
	// Align is the alignment the callee requires. Zero or one means none.
	Align uint64

	// RequireNonEmpty rejects zero-length requests.
	RequireNonEmpty bool
}

// Engine is the risk-adaptive decision engine.
type Engine struct {
	level  dt.SafetyLevel
	cfg    Config
	risk   *baseRisk
	ctl    *controller
	arms   *arms
	ledger *Ledger
	ens    *monitor.Ensemble
	sched  *checkorder.Scheduler

	decisions [dt.ProfileCount]atomic.Uint64
	actions   [3]atomic.Uint64
	contracts [4]atomic.Uint64
	repairs   [dt.RepairKindCount]atomic.Uint64
	observed  atomic.Uint64

	logger *slog.Logger
	budget *logging.Throttled
}

// New creates an engine. The safety level is fixed for the engine's
// lifetime.
//
// Inputs:
//
//	level - Process-wide safety level.
//	cfg - Engine tuning. Use DefaultConfig() as a base.
//	ens - Monitor ensemble fed by Observe. Required.
//	sched - Check-order scheduler behind CheckOrdering. Required.
//	logger - Optional logger for state transitions. Nil discards.
//
// Outputs:
//
//	*Engine - The engine.
//	error - ErrInvalidConfig (wrapped).
func New(level dt.SafetyLevel, cfg Config, ens *monitor.Ensemble, sched *checkorder.Scheduler, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if ens == nil || sched == nil {
		return nil, fmt.Errorf("%w: ensemble and scheduler are required", ErrInvalidConfig)
	}
	logger = logging.OrNop(logger).With("component", "decision", "level", level.String())
	return &Engine{
		level:  level,
		cfg:    cfg,
		risk:   newBaseRisk(cfg),
		ctl:    newController(cfg),
		arms:   newArms(cfg),
		ledger: NewLedger(RegretCaps(cfg, level)),
		ens:    ens,
		sched:  sched,
		logger: logger,
		budget: logging.NewThrottled(logger, 10*time.Second, 2),
	}, nil
}

// Level returns the safety level.
func (e *Engine) Level() dt.SafetyLevel { return e.level }

// Ledger returns the regret ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// RiskPPM returns the current fused risk for family.
func (e *Engine) RiskPPM(family dt.ApiFamily) uint32 {
	if !family.Valid() {
		family = dt.FamilyPointerValidation
	}
	r := uint64(e.risk.upperBoundPPM(family)) + uint64(e.ens.BonusPPM(family))
	return uint32(min(r, 1_000_000))
}

// Limits returns the triggers currently in force.
func (e *Engine) Limits() Limits { return e.ctl.limits(e.level) }

// =============================================================================
// Decide
// =============================================================================

// Decide renders the verdict for one call.
//
// Description:
//
//	Off always allows on the Fast path. Caller-contract violations are
//	answered with a fixed code without consulting the ensemble. Otherwise
//	the profile policy proposes an arm, the oracle bias and latency
//	governor adjust it, and the hard risk gates override both. The action
//	follows the safety level.
//
// Inputs:
//
//	family - API family of the call. Out-of-range families are treated as
//	         PointerValidation.
//	addr, size, isWrite - The pointer argument under decision.
//	nullHint - The callee accepts a null pointer.
//	extra - Optional contract requirements.
//
// Outputs:
//
//	dt.SafetyLevel - The engine's level.
//	dt.Decision - The verdict.
//
// Thread Safety: Lock-free, allocation-free.
func (e *Engine) Decide(family dt.ApiFamily, addr, size uint64, isWrite, nullHint bool, extra Extra) (dt.SafetyLevel, dt.Decision) {
	if !family.Valid() {
		family = dt.FamilyPointerValidation
	}
	if e.level == dt.SafetyOff {
		return e.level, e.finish(family, dt.ProfileFast, dt.Allow(), 0, dt.ContractNone)
	}

	if code := contract(addr, size, nullHint, extra); code != dt.ContractNone {
		e.contracts[code].Add(1)
		return e.level, e.finish(family, dt.ProfileFast, e.escalate(dt.RepairReturnSafeDefault), 0, code)
	}
	if addr == 0 {
		return e.level, e.finish(family, dt.ProfileFast, dt.Allow(), 0, dt.ContractNone)
	}

	risk := e.RiskPPM(family)
	lim := e.ctl.limits(e.level)
	if size > lim.MaxRequestBytes {
		return e.level, e.finish(family, dt.ProfileFull, e.escalate(repairKind(family, size, isWrite)), risk, dt.ContractNone)
	}

	profile := e.selectProfile(family, risk, lim)

	action := dt.Allow()
	switch {
	case e.level == dt.SafetyStrict && risk >= lim.DenyTriggerPPM:
		profile, action = dt.ProfileFull, dt.Deny()
	case e.level == dt.SafetyHardened && risk >= lim.RepairTriggerPPM:
		profile, action = dt.ProfileFull, dt.Repair(repairKind(family, size, isWrite))
	}
	return e.level, e.finish(family, profile, action, risk, dt.ContractNone)
}

func (e *Engine) selectProfile(family dt.ApiFamily, risk uint32, lim Limits) dt.Profile {
	var profile dt.Profile
	if e.ledger.Exhausted(family) {
		e.ledger.NoteEnforcement(family)
		profile = e.arms.best(e.level, family, risk)
	} else {
		profile = e.arms.choose(e.level, family, risk, e.cfg.ExplorationMilli, e.cfg.HysteresisMilli)
	}

	// Oracle bias: where rejections come from cheap stages the Fast
	// pipeline already catches them.
	if ppm, ok := e.sched.EarlyExitPPM(family); ok {
		switch {
		case ppm >= cheapExitFastPPM && risk <= lim.FullTriggerPPM/3:
			profile = dt.ProfileFast
		case ppm <= cheapExitFullPPM && risk >= lim.RepairTriggerPPM/2:
			profile = dt.ProfileFull
		}
	}

	// Latency governor.
	fastOver := e.arms.latencyNs(family, dt.ProfileFast) > e.cfg.FastBudgetNs
	fullOver := e.arms.latencyNs(family, dt.ProfileFull) > e.cfg.FullBudgetNs
	switch {
	case fullOver && !fastOver && risk < lim.RepairTriggerPPM:
		profile = dt.ProfileFast
	case fullOver && fastOver && risk >= lim.RepairTriggerPPM:
		profile = dt.ProfileFull
	}

	// Hard gates.
	if risk >= lim.FullTriggerPPM {
		return dt.ProfileFull
	}
	if e.level == dt.SafetyHardened && risk >= lim.RepairTriggerPPM/2 {
		return dt.ProfileFull
	}
	return profile
}

// contract checks the caller contract. Null with nullHint is not a
// violation.
func contract(addr, size uint64, nullHint bool, extra Extra) dt.ContractCode {
	switch {
	case addr == 0 && !nullHint:
		return dt.ContractNullPointer
	case addr != 0 && extra.Align > 1 && addr%extra.Align != 0:
		return dt.ContractMisaligned
	case extra.RequireNonEmpty && size == 0:
		return dt.ContractZeroLength
	}
	return dt.ContractNone
}

// escalate maps hard evidence to the level's refusal.
func (e *Engine) escalate(kind dt.RepairKind) dt.Action {
	if e.level.HealEnabled() {
		return dt.Repair(kind)
	}
	return dt.Deny()
}

// repairKind picks the corrective transformation from the call context.
func repairKind(family dt.ApiFamily, size uint64, isWrite bool) dt.RepairKind {
	switch {
	case family == dt.FamilyStringMemory:
		return dt.RepairTruncateWithNull
	case isWrite && size > 0:
		return dt.RepairClampToBounds
	}
	return dt.RepairReturnSafeDefault
}

func (e *Engine) finish(family dt.ApiFamily, profile dt.Profile, action dt.Action, risk uint32, code dt.ContractCode) dt.Decision {
	e.decisions[profile].Add(1)
	e.actions[action.Kind].Add(1)
	if action.Kind == dt.ActionRepair {
		e.repairs[action.Repair].Add(1)
	}
	return dt.Decision{
		Profile:  profile,
		Action:   action,
		RiskPPM:  risk,
		PolicyID: dt.PolicyID(e.level, family, profile, action),
		Contract: code,
	}
}

// =============================================================================
// Observe
// =============================================================================

// Observe closes the loop for one call.
func (e *Engine) Observe(family dt.ApiFamily, profile dt.Profile, costNs uint64, adverse bool) {
	e.ObserveSample(monitor.Sample{Family: family, Profile: profile, LatencyNs: costNs, Adverse: adverse})
}

// ObserveSample is Observe with the address and contention hint the
// ensemble's page and contention monitors consume.
//
// Description:
//
//	Updates base risk, the ensemble, the primal-dual controller, the
//	regret ledger and the chosen arm's moments. Regret is the chosen arm's
//	realised loss minus the other arm's estimated loss, floored at zero
//	and truncated at the family's cap. The counterfactual is estimated
//	before the chosen arm is updated.
func (e *Engine) ObserveSample(s monitor.Sample) {
	if !s.Family.Valid() {
		s.Family = dt.FamilyPointerValidation
	}
	if int(s.Profile) >= dt.ProfileCount {
		s.Profile = dt.ProfileFast
	}
	e.observed.Add(1)
	e.risk.observe(s.Family, s.Adverse)
	e.ens.Observe(s)
	e.ctl.observe(s.LatencyNs, s.Adverse)

	if e.level != dt.SafetyOff {
		risk := e.RiskPPM(s.Family)
		counter, _ := e.arms.expectedLoss(e.level, s.Family, s.Profile.Other(), risk)
		var realizedPPM uint32
		if s.Adverse {
			realizedPPM = 1_000_000
		}
		realized := e.arms.loss(e.level, s.LatencyNs, realizedPPM)
		if realized > counter {
			if _, now := e.ledger.Charge(s.Family, realized-counter); now {
				e.budget.Warn("regret budget exhausted, routing to best empirical arm",
					"family", s.Family.String(), "cap_milli", e.ledger.Cap(s.Family))
			}
		}
	}
	e.arms.record(s.Family, s.Profile, s.LatencyNs, s.Adverse)
}

// CheckOrdering returns the stage ordering for a call context.
func (e *Engine) CheckOrdering(family dt.ApiFamily, aligned, recentPage bool) [dt.StageCount]dt.Stage {
	return e.sched.Ordering(family, aligned, recentPage)
}

// NoteCheckOrderOutcome reports where a validation run exited.
func (e *Engine) NoteCheckOrderOutcome(family dt.ApiFamily, aligned, recentPage bool, ordering [dt.StageCount]dt.Stage, exitIndex int, exited bool) {
	e.sched.NoteOutcome(family, aligned, recentPage, ordering, exitIndex, exited)
}

// Recalibrate resets the regret ledger and arm moments so the policy
// explores again.
func (e *Engine) Recalibrate() {
	s := e.ledger.Summary()
	e.ledger.Reset()
	e.arms.reset()
	e.logger.Info("decision engine recalibrated", "regret_milli", s.TotalMilli, "exhausted_families", s.ExhaustedFamilies)
}

// =============================================================================
// Snapshot
// =============================================================================

// FamilySnapshot is the per-family view.
type FamilySnapshot struct {
	Family         string                      `json:"family"`
	RiskPPM        uint32                      `json:"risk_ppm"`
	BaseRiskPPM    uint32                      `json:"base_risk_ppm"`
	BonusPPM       uint32                      `json:"bonus_ppm"`
	Calls          uint64                      `json:"calls"`
	Adverse        uint64                      `json:"adverse"`
	RegretMilli    uint64                      `json:"regret_milli"`
	RegretCapMilli uint64                      `json:"regret_cap_milli"`
	Exhausted      bool                        `json:"exhausted"`
	Arms           [dt.ProfileCount]ArmSummary `json:"arms"`
}

// Snapshot is the schema-versioned telemetry view of the engine and
// everything it delegates to.
type Snapshot struct {
	SchemaVersion int                 `json:"schema_version"`
	Level         string              `json:"level"`
	Observed      uint64              `json:"observed"`
	Limits        Limits              `json:"limits"`
	LambdaLatency int64               `json:"lambda_latency"`
	LambdaRisk    int64               `json:"lambda_risk"`
	Profiles      map[string]uint64   `json:"profiles"`
	Actions       map[string]uint64   `json:"actions"`
	Repairs       map[string]uint64   `json:"repairs"`
	Contracts     map[string]uint64   `json:"contracts"`
	Ledger        LedgerSummary       `json:"ledger"`
	Families      []FamilySnapshot    `json:"families"`
	Ensemble      monitor.Snapshot    `json:"ensemble"`
	CheckOrder    checkorder.Snapshot `json:"check_order"`
}

// Snapshot collects the telemetry view. It is not for the hot path.
func (e *Engine) Snapshot() Snapshot {
	ll, lr := e.ctl.multipliers()
	snap := Snapshot{
		SchemaVersion: SchemaVersion,
		Level:         e.level.String(),
		Observed:      e.observed.Load(),
		Limits:        e.ctl.limits(e.level),
		LambdaLatency: ll,
		LambdaRisk:    lr,
		Profiles:      make(map[string]uint64, dt.ProfileCount),
		Actions:       make(map[string]uint64, len(e.actions)),
		Repairs:       make(map[string]uint64, dt.RepairKindCount),
		Contracts:     make(map[string]uint64, len(e.contracts)),
		Ledger:        e.ledger.Summary(),
		Families:      make([]FamilySnapshot, 0, dt.FamilyCount),
		Ensemble:      e.ens.Snapshot(),
		CheckOrder:    e.sched.Snapshot(),
	}
	for p := range e.decisions {
		snap.Profiles[dt.Profile(p).String()] = e.decisions[p].Load()
	}
	for a := range e.actions {
		snap.Actions[dt.ActionKind(a).String()] = e.actions[a].Load()
	}
	for k := 1; k < dt.RepairKindCount; k++ {
		snap.Repairs[dt.RepairKind(k).String()] = e.repairs[k].Load()
	}
	for c := 1; c < len(e.contracts); c++ {
		snap.Contracts[dt.ContractCode(c).String()] = e.contracts[c].Load()
	}
	for _, f := range dt.Families() {
		calls, adverse := e.risk.counts(f)
		risk := e.RiskPPM(f)
		snap.Families = append(snap.Families, FamilySnapshot{
			Family:         f.String(),
			RiskPPM:        risk,
			BaseRiskPPM:    e.risk.upperBoundPPM(f),
			BonusPPM:       e.ens.BonusPPM(f),
			Calls:          calls,
			Adverse:        adverse,
			RegretMilli:    e.ledger.Regret(f),
			RegretCapMilli: e.ledger.Cap(f),
			Exhausted:      e.ledger.Exhausted(f),
			Arms:           e.arms.summary(f, risk),
		})
	}
	return snap
}
