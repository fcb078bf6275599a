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
	"errors"
	"fmt"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/guard"
)

var (
	// ErrUnknownMonitor is returned when the registry names a monitor that
	// does not exist.
	ErrUnknownMonitor = errors.New("unknown monitor")

	// ErrInvalidRegistry is returned for any other registry problem.
	ErrInvalidRegistry = errors.New("invalid monitor registry")
)

// Entry configures one monitor.
type Entry struct {
	ID      ID   `yaml:"id" json:"id" validate:"required"`
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Weight scales the monitor's contribution to fusion.
	Weight float64 `yaml:"weight" json:"weight" validate:"gte=0,lte=10"`

	// BonusPPM is the risk bonus the monitor adds at Critical with weight 1.
	BonusPPM uint32 `yaml:"bonus_ppm" json:"bonus_ppm" validate:"lte=1000000"`

	// Warmup overrides the calibration length. Zero keeps the default.
	Warmup uint64 `yaml:"warmup,omitempty" json:"warmup,omitempty"`
}

// GateConfig parameterizes the alpha-investing controller.
type GateConfig struct {
	InitialWealth float64 `yaml:"initial_wealth" json:"initial_wealth" validate:"gt=0"`
	MinWealth     float64 `yaml:"min_wealth" json:"min_wealth" validate:"gte=0"`
	SpendFraction float64 `yaml:"spend_fraction" json:"spend_fraction" validate:"gt=0,lte=1"`
	MinSpend      float64 `yaml:"min_spend" json:"min_spend" validate:"gte=0"`
	Reward        float64 `yaml:"reward" json:"reward" validate:"gte=0"`
	EpochRefill   float64 `yaml:"epoch_refill" json:"epoch_refill" validate:"gte=0"`
	GenerousAt    float64 `yaml:"generous_at" json:"generous_at" validate:"gte=0"`
}

// Registry is the full monitor configuration: roster, fusion weights,
// gate parameters and guard rules.
type Registry struct {
	// EpochLength is the number of observations between severity rebuilds.
	EpochLength uint64 `yaml:"epoch_length" json:"epoch_length" validate:"gte=1,lte=65536"`

	// Curve maps severity 0..3 to a fraction of a monitor's bonus.
	Curve [dt.SeverityCount]float64 `yaml:"curve" json:"curve"`

	Monitors []Entry `yaml:"monitors" json:"monitors" validate:"dive"`

	// Families holds per-family weight multipliers keyed by family name
	// then monitor ID. Missing entries are 1.
	Families map[string]map[ID]float64 `yaml:"families,omitempty" json:"families,omitempty"`

	Gate  GateConfig   `yaml:"gate" json:"gate"`
	Guard guard.Config `yaml:"guard" json:"guard"`
}

type factory func(warm uint64) Monitor

var factories = map[ID]factory{
	IDAdverseEWMA:        func(w uint64) Monitor { return NewAdverseEWMA(w) },
	IDLatencyCUSUM:       func(w uint64) Monitor { return NewLatencyCUSUM(w) },
	IDEProcess:           func(w uint64) Monitor { return NewEProcess(w) },
	IDBetaPosterior:      func(w uint64) Monitor { return NewBetaPosterior(w) },
	IDChangePoint:        func(w uint64) Monitor { return NewChangePoint(w) },
	IDSpectral:           func(w uint64) Monitor { return NewSpectral(w) },
	IDPageEntropy:        func(w uint64) Monitor { return NewPageEntropy(w) },
	IDWasserstein:        func(w uint64) Monitor { return NewWasserstein(w) },
	IDCVaRTail:           func(w uint64) Monitor { return NewCVaRTail(w) },
	IDContention:         func(w uint64) Monitor { return NewContention(w) },
	IDDispersion:         func(w uint64) Monitor { return NewDispersion(w) },
	IDHurst:              func(w uint64) Monitor { return NewHurst(w) },
	IDAzumaHoeffding:     func(w uint64) Monitor { return NewAzumaHoeffding(w) },
	IDLargeDeviations:    func(w uint64) Monitor { return NewLargeDeviations(w) },
	IDPACBayes:           func(w uint64) Monitor { return NewPACBayes(w) },
	IDBorelCantelli:      func(w uint64) Monitor { return NewBorelCantelli(w) },
	IDRenewal:            func(w uint64) Monitor { return NewRenewal(w) },
	IDDoobDrift:          func(w uint64) Monitor { return NewDoobDrift(w) },
	IDLempelZiv:          func(w uint64) Monitor { return NewLempelZiv(w) },
	IDDobrushin:          func(w uint64) Monitor { return NewDobrushin(w) },
	IDTransferEntropy:    func(w uint64) Monitor { return NewTransferEntropy(w) },
	IDMutualInfo:         func(w uint64) Monitor { return NewMutualInfo(w) },
	IDFamilySkew:         func(w uint64) Monitor { return NewFamilySkew(w) },
	IDBarrier:            func(w uint64) Monitor { return NewBarrier(w) },
	IDKernelMMD:          func(w uint64) Monitor { return NewKernelMMD(w) },
	IDOrnsteinUhlenbeck:  func(w uint64) Monitor { return NewOrnsteinUhlenbeck(w) },
	IDConformal:          func(w uint64) Monitor { return NewConformal(w) },
	IDQuadraticVariation: func(w uint64) Monitor { return NewQuadraticVariation(w) },
	IDInfoGeometry:       func(w uint64) Monitor { return NewInfoGeometry(w) },
	IDPageNovelty:        func(w uint64) Monitor { return NewPageNovelty(w) },
	IDApproachability:    func(w uint64) Monitor { return NewApproachability(w) },
}

// KnownIDs returns every monitor ID that can appear in a registry, in
// registry order.
func KnownIDs() []ID {
	return []ID{
		IDAdverseEWMA, IDEProcess, IDBetaPosterior, IDChangePoint,
		IDLatencyCUSUM, IDWasserstein, IDCVaRTail, IDHurst,
		IDSpectral, IDPageEntropy, IDContention, IDDispersion,
		IDAzumaHoeffding, IDLargeDeviations, IDPACBayes, IDBorelCantelli,
		IDRenewal, IDDoobDrift, IDLempelZiv, IDDobrushin,
		IDTransferEntropy, IDMutualInfo, IDFamilySkew, IDBarrier,
		IDKernelMMD, IDOrnsteinUhlenbeck, IDConformal, IDQuadraticVariation,
		IDInfoGeometry, IDPageNovelty, IDApproachability,
	}
}

// DefaultGateConfig returns the default alpha-investing parameters.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		InitialWealth: 500,
		MinWealth:     10,
		SpendFraction: 0.05,
		MinSpend:      1,
		Reward:        10,
		EpochRefill:   1,
		GenerousAt:    300,
	}
}

// DefaultRegistry returns the built-in registry with every monitor enabled.
func DefaultRegistry() Registry {
	bonus := map[ID]uint32{
		IDAdverseEWMA:        250_000,
		IDEProcess:           300_000,
		IDBetaPosterior:      200_000,
		IDChangePoint:        100_000,
		IDLatencyCUSUM:       80_000,
		IDWasserstein:        60_000,
		IDCVaRTail:           60_000,
		IDHurst:              40_000,
		IDSpectral:           80_000,
		IDPageEntropy:        60_000,
		IDContention:         50_000,
		IDDispersion:         80_000,
		IDAzumaHoeffding:     60_000,
		IDLargeDeviations:    60_000,
		IDPACBayes:           80_000,
		IDBorelCantelli:      50_000,
		IDRenewal:            60_000,
		IDDoobDrift:          80_000,
		IDLempelZiv:          40_000,
		IDDobrushin:          50_000,
		IDTransferEntropy:    40_000,
		IDMutualInfo:         40_000,
		IDFamilySkew:         60_000,
		IDBarrier:            80_000,
		IDKernelMMD:          50_000,
		IDOrnsteinUhlenbeck:  40_000,
		IDConformal:          40_000,
		IDQuadraticVariation: 50_000,
		IDInfoGeometry:       50_000,
		IDPageNovelty:        60_000,
		IDApproachability:    60_000,
	}
	reg := Registry{
		EpochLength: 16,
		Curve:       [dt.SeverityCount]float64{0, 0.1, 0.4, 1},
		Families: map[string]map[ID]float64{
			dt.FamilyStringMemory.String(): {IDAdverseEWMA: 1.5, IDEProcess: 1.5},
			dt.FamilyAllocator.String():    {IDEProcess: 1.25, IDDispersion: 1.25},
		},
		Gate: DefaultGateConfig(),
		Guard: guard.Config{
			BonusPPM: 150_000,
			Rules: []guard.Rule{
				{ID: "ewma_implies_beta", Kind: guard.KindImplies, If: string(IDAdverseEWMA), AtLeast: dt.SeverityCritical, Then: string(IDBetaPosterior), ThenAtLeast: dt.SeverityElevated},
				{ID: "latency_agree", Kind: guard.KindSpread, Group: []string{string(IDLatencyCUSUM), string(IDWasserstein), string(IDCVaRTail)}, MaxSpread: 2},
				{ID: "eprocess_ceiling", Kind: guard.KindCeiling, Anchor: string(IDEProcess), MaxCritical: 2},
			},
		},
	}
	for _, id := range KnownIDs() {
		reg.Monitors = append(reg.Monitors, Entry{ID: id, Enabled: true, Weight: 1, BonusPPM: bonus[id]})
	}
	return reg
}

// Check validates the registry beyond what struct tags express.
func (r Registry) Check() error {
	if r.EpochLength == 0 {
		return fmt.Errorf("%w: epoch_length must be positive", ErrInvalidRegistry)
	}
	for i, c := range r.Curve {
		if c < 0 || c > 1 || (i > 0 && c < r.Curve[i-1]) {
			return fmt.Errorf("%w: curve must be non-decreasing within [0, 1]", ErrInvalidRegistry)
		}
	}
	seen := make(map[ID]bool, len(r.Monitors))
	for _, e := range r.Monitors {
		if _, ok := factories[e.ID]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMonitor, e.ID)
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: duplicate monitor %q", ErrInvalidRegistry, e.ID)
		}
		if e.Weight < 0 || e.BonusPPM > 1_000_000 {
			return fmt.Errorf("%w: %s: weight or bonus out of range", ErrInvalidRegistry, e.ID)
		}
		seen[e.ID] = true
	}
	for fam, weights := range r.Families {
		if _, ok := dt.ParseFamily(fam); !ok {
			return fmt.Errorf("%w: unknown family %q", ErrInvalidRegistry, fam)
		}
		for id, w := range weights {
			if _, ok := factories[id]; !ok {
				return fmt.Errorf("%w: %q in family %s", ErrUnknownMonitor, id, fam)
			}
			if w < 0 {
				return fmt.Errorf("%w: negative weight for %s in family %s", ErrInvalidRegistry, id, fam)
			}
		}
	}
	if r.Gate.InitialWealth <= 0 || r.Gate.SpendFraction <= 0 || r.Gate.SpendFraction > 1 {
		return fmt.Errorf("%w: gate wealth and spend fraction must be positive", ErrInvalidRegistry)
	}
	return nil
}

// enabled returns the enabled entries in registry order.
func (r Registry) enabled() []Entry {
	out := make([]Entry, 0, len(r.Monitors))
	for _, e := range r.Monitors {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}
