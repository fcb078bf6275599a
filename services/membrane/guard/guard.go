// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard checks pre-registered consistency rules over the monitor
// severity vector. Monitors that disagree in ways the rules forbid raise a
// decaying fault level, which the decision engine adds to its risk.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/membrane/pkg/logging"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// ErrInvalidRule is returned by New when a rule is malformed.
var ErrInvalidRule = errors.New("invalid guard rule")

// RuleKind selects how a rule is evaluated.
type RuleKind string

const (
	// KindImplies: If at or above AtLeast requires Then at or above ThenAtLeast.
	KindImplies RuleKind = "implies"

	// KindSpread: max - min over Group <= MaxSpread.
	KindSpread RuleKind = "spread"

	// KindCeiling: at most MaxCritical monitors Critical while Anchor is Nominal.
	KindCeiling RuleKind = "ceiling"
)

const (
	// FaultStep is added to the fault level on every violating epoch.
	FaultStep = 250_000

	// FaultMax caps the fault level.
	FaultMax = 1_000_000
)

// Rule is one consistency rule. Fields not used by Kind are ignored.
type Rule struct {
	ID   string   `yaml:"id" json:"id" validate:"required"`
	Kind RuleKind `yaml:"kind" json:"kind" validate:"required,oneof=implies spread ceiling"`

	If          string      `yaml:"if,omitempty" json:"if,omitempty"`
	AtLeast     dt.Severity `yaml:"at_least,omitempty" json:"at_least,omitempty"`
	Then        string      `yaml:"then,omitempty" json:"then,omitempty"`
	ThenAtLeast dt.Severity `yaml:"then_at_least,omitempty" json:"then_at_least,omitempty"`

	Group     []string `yaml:"group,omitempty" json:"group,omitempty"`
	MaxSpread uint8    `yaml:"max_spread,omitempty" json:"max_spread,omitempty"`

	Anchor      string `yaml:"anchor,omitempty" json:"anchor,omitempty"`
	MaxCritical int    `yaml:"max_critical,omitempty" json:"max_critical,omitempty"`
}

// Config is the guard section of the monitor registry.
type Config struct {
	// BonusPPM is the risk bonus at full fault level.
	BonusPPM uint32 `yaml:"bonus_ppm" json:"bonus_ppm" validate:"lte=1000000"`
	Rules    []Rule `yaml:"rules" json:"rules" validate:"dive"`
}

// Reading is one monitor's gated output for an epoch.
type Reading struct {
	Name        string
	Severity    dt.Severity
	Calibrating bool
}

// Result is the outcome of one evaluation.
type Result struct {
	Violated []string `json:"violated,omitempty"`
	Fault    uint32   `json:"fault"`
	BonusPPM uint32   `json:"bonus_ppm"`
}

// compiled is a rule with monitor names resolved to roster indices. An
// index of -1 means the name is not in the roster.
type compiled struct {
	rule   Rule
	a, b   int
	group  []int
	anchor int
}

// Guard evaluates rules epoch by epoch.
//
// Thread Safety: Evaluate and Summary are safe for concurrent use; the
// ensemble calls Evaluate from one epoch path at a time.
type Guard struct {
	mu         sync.Mutex
	rules      []compiled
	bonusPPM   uint32
	fault      uint32
	evals      uint64
	violations map[string]uint64
	last       []string
	logger     *logging.Throttled
}

// New compiles cfg against roster, the ordered monitor names the readings
// will carry.
//
// Description:
//
//	Names not in the roster are kept but resolve to nothing, so a rule
//	mentioning an unknown or disabled monitor never fires.
//
// Outputs:
//
//	*Guard - The guard.
//	error - ErrInvalidRule (wrapped) for an unknown kind, a missing ID or
//	        a rule without the fields its kind needs.
func New(cfg Config, roster []string, logger *slog.Logger) (*Guard, error) {
	index := make(map[string]int, len(roster))
	for i, name := range roster {
		index[name] = i
	}
	lookup := func(name string) int {
		if i, ok := index[name]; ok {
			return i
		}
		return -1
	}

	g := &Guard{
		bonusPPM:   min(cfg.BonusPPM, FaultMax),
		violations: make(map[string]uint64, len(cfg.Rules)),
		logger:     logging.NewThrottled(logging.OrNop(logger).With("component", "guard"), 10*time.Second, 2),
	}
	for _, r := range cfg.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule without id", ErrInvalidRule)
		}
		c := compiled{rule: r, a: -1, b: -1, anchor: -1}
		switch r.Kind {
		case KindImplies:
			if r.If == "" || r.Then == "" {
				return nil, fmt.Errorf("%w: %s: implies needs if and then", ErrInvalidRule, r.ID)
			}
			c.a, c.b = lookup(r.If), lookup(r.Then)
		case KindSpread:
			if len(r.Group) < 2 {
				return nil, fmt.Errorf("%w: %s: spread needs at least two monitors", ErrInvalidRule, r.ID)
			}
			for _, name := range r.Group {
				if i := lookup(name); i >= 0 {
					c.group = append(c.group, i)
				}
			}
		case KindCeiling:
			if r.Anchor == "" {
				return nil, fmt.Errorf("%w: %s: ceiling needs an anchor", ErrInvalidRule, r.ID)
			}
			c.anchor = lookup(r.Anchor)
		default:
			return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidRule, r.ID, r.Kind)
		}
		g.rules = append(g.rules, c)
	}
	return g, nil
}

// Evaluate checks every rule against readings and updates the fault level.
//
// Description:
//
//	readings must follow the roster order given to New. Calibrating
//	readings and readings past the end of the slice are treated as
//	absent. A violating epoch raises the fault by FaultStep; a clean one
//	decays it by a quarter.
func (g *Guard) Evaluate(readings []Reading) Result {
	var violated []string
	for i := range g.rules {
		if g.rules[i].violated(readings) {
			violated = append(violated, g.rules[i].rule.ID)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.evals++
	if len(violated) > 0 {
		g.fault = min(g.fault+FaultStep, FaultMax)
		for _, id := range violated {
			g.violations[id]++
		}
		g.logger.Warn("consistency rules violated", "rules", strings.Join(violated, ","), "fault", g.fault)
	} else {
		g.fault = g.fault * 3 / 4
	}
	g.last = violated
	return Result{Violated: violated, Fault: g.fault, BonusPPM: g.bonusLocked()}
}

func (g *Guard) bonusLocked() uint32 {
	return uint32(uint64(g.fault) * uint64(g.bonusPPM) / FaultMax)
}

// BonusPPM returns the current guard risk bonus.
func (g *Guard) BonusPPM() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bonusLocked()
}

func active(readings []Reading, i int) (dt.Severity, bool) {
	if i < 0 || i >= len(readings) || readings[i].Calibrating {
		return 0, false
	}
	return readings[i].Severity, true
}

func (c *compiled) violated(readings []Reading) bool {
	switch c.rule.Kind {
	case KindImplies:
		a, okA := active(readings, c.a)
		b, okB := active(readings, c.b)
		return okA && okB && a >= c.rule.AtLeast && b < c.rule.ThenAtLeast

	case KindSpread:
		lo, hi, n := dt.SeverityCritical, dt.SeverityNominal, 0
		for _, i := range c.group {
			s, ok := active(readings, i)
			if !ok {
				continue
			}
			n++
			lo, hi = min(lo, s), max(hi, s)
		}
		return n >= 2 && uint8(hi-lo) > c.rule.MaxSpread

	case KindCeiling:
		anchor, ok := active(readings, c.anchor)
		if !ok || anchor != dt.SeverityNominal {
			return false
		}
		critical := 0
		for i := range readings {
			if i == c.anchor {
				continue
			}
			if s, ok := active(readings, i); ok && s >= dt.SeverityCritical {
				critical++
			}
		}
		return critical > c.rule.MaxCritical
	}
	return false
}

// Summary is the telemetry view of the guard.
type Summary struct {
	Rules       int               `json:"rules"`
	Evaluations uint64            `json:"evaluations"`
	Fault       uint32            `json:"fault"`
	BonusPPM    uint32            `json:"bonus_ppm"`
	Violations  map[string]uint64 `json:"violations"`
	LastEpoch   []string          `json:"last_epoch,omitempty"`
}

// Summary returns a copy of the guard's counters.
func (g *Guard) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := make(map[string]uint64, len(g.violations))
	for k, n := range g.violations {
		v[k] = n
	}
	return Summary{
		Rules:       len(g.rules),
		Evaluations: g.evals,
		Fault:       g.fault,
		BonusPPM:    g.bonusLocked(),
		Violations:  v,
		LastEpoch:   append([]string(nil), g.last...),
	}
}
