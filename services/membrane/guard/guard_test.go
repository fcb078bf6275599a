// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"testing"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var roster = []string{"adverse_ewma", "e_process", "beta_posterior", "latency_cusum", "wasserstein"}

func readings(sev ...dt.Severity) []Reading {
	out := make([]Reading, len(sev))
	for i, s := range sev {
		out[i] = Reading{Name: roster[i], Severity: s}
	}
	return out
}

func testRules() Config {
	return Config{
		BonusPPM: 200_000,
		Rules: []Rule{
			{ID: "ewma_implies_beta", Kind: KindImplies, If: "adverse_ewma", AtLeast: dt.SeverityCritical, Then: "beta_posterior", ThenAtLeast: dt.SeverityElevated},
			{ID: "latency_agree", Kind: KindSpread, Group: []string{"latency_cusum", "wasserstein"}, MaxSpread: 2},
			{ID: "eprocess_ceiling", Kind: KindCeiling, Anchor: "e_process", MaxCritical: 1},
		},
	}
}

func TestNew_InvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing id", Rule{Kind: KindSpread, Group: []string{"a", "b"}}},
		{"unknown kind", Rule{ID: "x", Kind: "sometimes"}},
		{"implies without then", Rule{ID: "x", Kind: KindImplies, If: "a"}},
		{"spread of one", Rule{ID: "x", Kind: KindSpread, Group: []string{"a"}}},
		{"ceiling without anchor", Rule{ID: "x", Kind: KindCeiling}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Rules: []Rule{tt.rule}}, roster, nil)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestEvaluate_Rules(t *testing.T) {
	const (
		n = dt.SeverityNominal
		e = dt.SeverityElevated
		w = dt.SeverityWarning
		c = dt.SeverityCritical
	)
	tests := []struct {
		name     string
		in       []Reading
		violated []string
	}{
		{"all nominal", readings(n, n, n, n, n), nil},
		{"implication holds", readings(c, w, e, n, n), nil},
		{"implication broken", readings(c, w, n, n, n), []string{"ewma_implies_beta"}},
		{"spread within bound", readings(n, n, n, w, n), nil},
		{"spread exceeded", readings(n, n, n, c, n), []string{"latency_agree"}},
		{"ceiling holds with anchor raised", readings(c, c, e, c, c), nil},
		{"ceiling exceeded", readings(c, n, e, c, w), []string{"eprocess_ceiling"}},
		{"short vector", readings(c), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(testRules(), roster, nil)
			require.NoError(t, err)
			res := g.Evaluate(tt.in)
			assert.Equal(t, tt.violated, res.Violated)
		})
	}
}

func TestEvaluate_DegenerateInputsNeverFire(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ID: "ghost", Kind: KindImplies, If: "missing", AtLeast: 0, Then: "adverse_ewma", ThenAtLeast: dt.SeverityCritical},
		{ID: "ghost_spread", Kind: KindSpread, Group: []string{"latency_cusum", "missing"}, MaxSpread: 0},
		{ID: "ghost_anchor", Kind: KindCeiling, Anchor: "missing"},
	}}
	g, err := New(cfg, roster, nil)
	require.NoError(t, err)
	assert.Empty(t, g.Evaluate(readings(dt.SeverityNominal, dt.SeverityCritical, dt.SeverityCritical, dt.SeverityCritical, dt.SeverityNominal)).Violated)

	// Calibrating monitors are absent.
	g, err = New(testRules(), roster, nil)
	require.NoError(t, err)
	in := readings(dt.SeverityCritical, dt.SeverityWarning, dt.SeverityNominal, dt.SeverityNominal, dt.SeverityNominal)
	in[2].Calibrating = true
	assert.Empty(t, g.Evaluate(in).Violated)
}

func TestFaultLevel_RisesAndDecays(t *testing.T) {
	g, err := New(testRules(), roster, nil)
	require.NoError(t, err)
	bad := readings(dt.SeverityCritical, dt.SeverityWarning, dt.SeverityNominal, dt.SeverityNominal, dt.SeverityNominal)
	clean := readings(dt.SeverityNominal, dt.SeverityNominal, dt.SeverityNominal, dt.SeverityNominal, dt.SeverityNominal)

	res := g.Evaluate(bad)
	assert.Equal(t, uint32(FaultStep), res.Fault)
	assert.Equal(t, uint32(50_000), res.BonusPPM)

	for i := 0; i < 10; i++ {
		res = g.Evaluate(bad)
	}
	assert.Equal(t, uint32(FaultMax), res.Fault)
	assert.Equal(t, uint32(200_000), g.BonusPPM())

	res = g.Evaluate(clean)
	assert.Equal(t, uint32(750_000), res.Fault)
	for i := 0; i < 100; i++ {
		res = g.Evaluate(clean)
	}
	assert.Zero(t, res.Fault)

	s := g.Summary()
	assert.Equal(t, 3, s.Rules)
	assert.Equal(t, uint64(112), s.Evaluations)
	assert.Equal(t, uint64(11), s.Violations["ewma_implies_beta"])
	assert.Empty(t, s.LastEpoch)
}

func TestRuleYAML(t *testing.T) {
	doc := `
bonus_ppm: 150000
rules:
  - id: ewma_implies_beta
    kind: implies
    if: adverse_ewma
    at_least: critical
    then: beta_posterior
    then_at_least: elevated
  - id: latency_agree
    kind: spread
    group: [latency_cusum, wasserstein]
    max_spread: 2
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, dt.SeverityCritical, cfg.Rules[0].AtLeast)
	assert.Equal(t, dt.SeverityElevated, cfg.Rules[0].ThenAtLeast)
	assert.Equal(t, KindSpread, cfg.Rules[1].Kind)
	_, err := New(cfg, roster, nil)
	assert.NoError(t, err)
}
