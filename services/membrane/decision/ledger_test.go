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
	"math"
	"sync/atomic"
	"testing"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func flatCaps(c uint64) [dt.FamilyCount]uint64 {
	var caps [dt.FamilyCount]uint64
	for i := range caps {
		caps[i] = c
	}
	return caps
}

func TestRegretCaps(t *testing.T) {
	cfg := DefaultConfig()

	strict := RegretCaps(cfg, dt.SafetyStrict)
	assert.Equal(t, uint64(240_000), strict[dt.FamilyPointerValidation])
	assert.Equal(t, uint64(170_000), strict[dt.FamilyAllocator])
	assert.Equal(t, uint64(200_000), strict[dt.FamilyTime])

	hardened := RegretCaps(cfg, dt.SafetyHardened)
	assert.Equal(t, uint64(121_000), hardened[dt.FamilyStringMemory])
	assert.Equal(t, uint64(110_000), hardened[dt.FamilyPoll])

	off := RegretCaps(cfg, dt.SafetyOff)
	assert.Equal(t, uint64(math.MaxUint64), off[dt.FamilyStdio])

	cfg.RegretCapOverrides = map[string]uint64{"time": 7}
	assert.Equal(t, uint64(7), RegretCaps(cfg, dt.SafetyStrict)[dt.FamilyTime])
	assert.Equal(t, uint64(math.MaxUint64), RegretCaps(cfg, dt.SafetyOff)[dt.FamilyTime])
}

func TestLedger_ChargeTruncatesAtCap(t *testing.T) {
	l := NewLedger(flatCaps(100))
	f := dt.FamilyStdio

	charged, now := l.Charge(f, 60)
	assert.Equal(t, uint64(60), charged)
	assert.False(t, now)
	assert.False(t, l.Exhausted(f))

	charged, now = l.Charge(f, 60)
	assert.Equal(t, uint64(40), charged)
	assert.True(t, now)
	assert.True(t, l.Exhausted(f))

	charged, now = l.Charge(f, 5)
	assert.Zero(t, charged)
	assert.False(t, now, "exhaustion is reported once")
	assert.Equal(t, uint64(100), l.Regret(f))

	s := l.Summary()
	assert.Equal(t, uint64(100), s.TotalMilli)
	assert.Equal(t, 1, s.ExhaustedFamilies)
	assert.Equal(t, uint64(2), s.CapEnforcements)

	l.Reset()
	assert.Zero(t, l.Regret(f))
	assert.False(t, l.Exhausted(f))
	assert.Equal(t, uint64(1), l.Summary().Resets)
}

func TestLedger_IgnoresInvalidInput(t *testing.T) {
	l := NewLedger(flatCaps(100))
	charged, now := l.Charge(dt.ApiFamily(200), 10)
	assert.Zero(t, charged)
	assert.False(t, now)
	charged, _ = l.Charge(dt.FamilyTime, 0)
	assert.Zero(t, charged)
	assert.Zero(t, l.Regret(dt.ApiFamily(200)))
	assert.Zero(t, l.Cap(dt.ApiFamily(200)))
	assert.False(t, l.Exhausted(dt.ApiFamily(200)))
}

func TestLedger_ConcurrentChargesNeverOvershoot(t *testing.T) {
	const c = 50_000
	l := NewLedger(flatCaps(c))
	var total, exhaustedNow atomic.Uint64

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			for i := 0; i < 1000; i++ {
				charged, now := l.Charge(dt.FamilyAllocator, 7)
				total.Add(charged)
				if now {
					exhaustedNow.Add(1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(c), l.Regret(dt.FamilyAllocator))
	assert.Equal(t, uint64(c), total.Load())
	assert.Equal(t, uint64(1), exhaustedNow.Load())
}
