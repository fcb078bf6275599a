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

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// Limits are the risk triggers in force for one decision.
type Limits struct {
	FullTriggerPPM   uint32 `json:"full_trigger_ppm"`
	RepairTriggerPPM uint32 `json:"repair_trigger_ppm"`
	DenyTriggerPPM   uint32 `json:"deny_trigger_ppm"`
	MaxRequestBytes  uint64 `json:"max_request_bytes"`
}

const (
	lambdaLatencyMax = 20_000
	lambdaRiskMin    = -20_000
	lambdaRiskMax    = 200_000
)

// controller is the primal-dual limits controller. Two multipliers track
// the error between realised and target latency and adverse rate over
// fixed windows of observations. A positive risk multiplier lowers every
// trigger; latency pressure raises them.
//
// Thread Safety: observe and limits are lock-free. The goroutine that
// closes a window applies its update; counts that race into the boundary
// land in the next window.
type controller struct {
	window        uint64
	latencyTarget int64
	riskTarget    int64

	calls   atomic.Uint64
	cost    atomic.Uint64
	adverse atomic.Uint64

	lambdaLatency atomic.Int64
	lambdaRisk    atomic.Int64
	updates       atomic.Uint64
}

func newController(cfg Config) *controller {
	return &controller{
		window:        cfg.ControlWindow,
		latencyTarget: int64(cfg.LatencyTargetNs),
		riskTarget:    int64(cfg.RiskTargetPPM),
	}
}

func (c *controller) observe(costNs uint64, adverse bool) {
	c.cost.Add(costNs)
	if adverse {
		c.adverse.Add(1)
	}
	if c.calls.Add(1)%c.window != 0 {
		return
	}
	cost := c.cost.Swap(0)
	bad := c.adverse.Swap(0)
	avg := int64(cost / c.window)
	ppm := int64(min(bad*1_000_000/c.window, 1_000_000))

	// Tightening is fast and relaxing is slow.
	dl := clampInt(avg-c.latencyTarget, -256, 256) / 4
	dr := clampInt((ppm-c.riskTarget)/256, -128, 4096)
	addClamped(&c.lambdaLatency, dl, -lambdaLatencyMax, lambdaLatencyMax)
	addClamped(&c.lambdaRisk, dr, lambdaRiskMin, lambdaRiskMax)
	c.updates.Add(1)
}

func (c *controller) limits(level dt.SafetyLevel) Limits {
	if level == dt.SafetyOff {
		return Limits{
			FullTriggerPPM:   900_000,
			RepairTriggerPPM: 980_000,
			DenyTriggerPPM:   1_000_000,
			MaxRequestBytes:  math.MaxUint64 / 4,
		}
	}
	ll := c.lambdaLatency.Load()
	lr := c.lambdaRisk.Load()

	full, repair, deny := int64(220_000), int64(1_000_000), int64(500_000)
	maxBytes := uint64(128 << 20)
	if level == dt.SafetyHardened {
		full, repair, deny = 80_000, 140_000, 1_000_000
		maxBytes = 256 << 20
	}
	out := Limits{
		FullTriggerPPM:   uint32(clampInt(full-lr+ll, 5_000, 900_000)),
		RepairTriggerPPM: uint32(clampInt(repair-lr/2+ll/2, 10_000, 980_000)),
		DenyTriggerPPM:   1_000_000,
		MaxRequestBytes:  maxBytes,
	}
	if level == dt.SafetyStrict {
		out.DenyTriggerPPM = uint32(clampInt(deny-lr/4+ll/4, 50_000, 1_000_000))
	}
	return out
}

func (c *controller) multipliers() (latency, risk int64) {
	return c.lambdaLatency.Load(), c.lambdaRisk.Load()
}

func clampInt(v, lo, hi int64) int64 {
	return max(lo, min(hi, v))
}

func addClamped(v *atomic.Int64, d, lo, hi int64) {
	for {
		old := v.Load()
		next := clampInt(old+d, lo, hi)
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}
