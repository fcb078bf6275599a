// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"errors"
	"fmt"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// ErrInvalidConfig is returned by New when the configuration is unusable.
var ErrInvalidConfig = errors.New("invalid decision config")

// Config tunes the decision engine. Every field has a working default in
// DefaultConfig; the safety level is passed separately and never reloaded.
type Config struct {
	// PriorRiskPPM is the base risk reported before a family has enough
	// observations for an estimate.
	PriorRiskPPM uint32 `yaml:"prior_risk_ppm" json:"prior_risk_ppm" validate:"lte=1000000"`

	// ZScore widens the base risk upper bound.
	ZScore float64 `yaml:"z_score" json:"z_score" validate:"gt=0,lte=10"`

	// RiskCadence is how many observations per family pass between base
	// risk recomputations.
	RiskCadence uint64 `yaml:"risk_cadence" json:"risk_cadence" validate:"gte=1"`

	// RiskWindow halves a family's counters once it has this many
	// observations, so old evidence decays. Must be a multiple of
	// 2*RiskCadence.
	RiskWindow uint64 `yaml:"risk_window" json:"risk_window" validate:"gte=2"`

	// ControlWindow is the primal-dual update period in observations.
	ControlWindow uint64 `yaml:"control_window" json:"control_window" validate:"gte=1"`

	// LatencyTargetNs and RiskTargetPPM are the primal-dual set points.
	LatencyTargetNs uint64 `yaml:"latency_target_ns" json:"latency_target_ns" validate:"gt=0"`
	RiskTargetPPM   uint32 `yaml:"risk_target_ppm" json:"risk_target_ppm" validate:"lte=1000000"`

	// FastBudgetNs and FullBudgetNs drive the latency governor. FullBudgetNs
	// also normalizes latency in the profile objective.
	FastBudgetNs uint64 `yaml:"fast_budget_ns" json:"fast_budget_ns" validate:"gt=0"`
	FullBudgetNs uint64 `yaml:"full_budget_ns" json:"full_budget_ns" validate:"gt=0"`

	// ExplorationMilli scales the optimism bonus of the profile policy.
	ExplorationMilli float64 `yaml:"exploration_milli" json:"exploration_milli" validate:"gte=0"`

	// HysteresisMilli is the margin Full must win by to replace Fast.
	HysteresisMilli uint64 `yaml:"hysteresis_milli" json:"hysteresis_milli"`

	// StrictRegretCapMilli and HardenedRegretCapMilli are the per-family
	// regret budgets before per-family weights.
	StrictRegretCapMilli   uint64 `yaml:"strict_regret_cap_milli" json:"strict_regret_cap_milli" validate:"gt=0"`
	HardenedRegretCapMilli uint64 `yaml:"hardened_regret_cap_milli" json:"hardened_regret_cap_milli" validate:"gt=0"`

	// RegretCapOverrides replaces the computed cap for named families.
	RegretCapOverrides map[string]uint64 `yaml:"regret_cap_overrides,omitempty" json:"regret_cap_overrides,omitempty"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PriorRiskPPM:           20_000,
		ZScore:                 3,
		RiskCadence:            64,
		RiskWindow:             2048,
		ControlWindow:          128,
		LatencyTargetNs:        60,
		RiskTargetPPM:          8_000,
		FastBudgetNs:           50,
		FullBudgetNs:           200,
		ExplorationMilli:       30,
		HysteresisMilli:        25,
		StrictRegretCapMilli:   200_000,
		HardenedRegretCapMilli: 110_000,
	}
}

// Check validates relationships the struct tags cannot express.
func (c Config) Check() error {
	switch {
	case c.PriorRiskPPM > 1_000_000 || c.RiskTargetPPM > 1_000_000:
		return fmt.Errorf("%w: ppm values must be <= 1000000", ErrInvalidConfig)
	case c.ZScore <= 0:
		return fmt.Errorf("%w: z_score must be positive", ErrInvalidConfig)
	case c.RiskCadence == 0 || c.RiskWindow == 0 || c.RiskWindow%(2*c.RiskCadence) != 0:
		return fmt.Errorf("%w: risk_window must be a positive multiple of 2*risk_cadence", ErrInvalidConfig)
	case c.ControlWindow == 0:
		return fmt.Errorf("%w: control_window must be positive", ErrInvalidConfig)
	case c.FastBudgetNs == 0 || c.FullBudgetNs == 0 || c.LatencyTargetNs == 0:
		return fmt.Errorf("%w: latency budgets must be positive", ErrInvalidConfig)
	case c.ExplorationMilli < 0:
		return fmt.Errorf("%w: exploration_milli must not be negative", ErrInvalidConfig)
	case c.StrictRegretCapMilli == 0 || c.HardenedRegretCapMilli == 0:
		return fmt.Errorf("%w: regret caps must be positive", ErrInvalidConfig)
	}
	for name := range c.RegretCapOverrides {
		if _, ok := dt.ParseFamily(name); !ok {
			return fmt.Errorf("%w: unknown family %q in regret_cap_overrides", ErrInvalidConfig, name)
		}
	}
	return nil
}
