// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gauges holds the OpenTelemetry observable gauges.
//
// Description:
//
//	One callback takes a single snapshot per collection and observes
//	monitor severities, per-family risk and regret, and the primal-dual
//	multipliers. All gauges use the "membrane_otel_" prefix so they never
//	collide with the Collector's names on a shared registry.
//
// Thread Safety: Safe for concurrent use after creation.
type Gauges struct {
	MonitorSeverity metric.Int64ObservableGauge
	FamilyRisk      metric.Int64ObservableGauge
	FamilyRegret    metric.Int64ObservableGauge
	Multipliers     metric.Int64ObservableGauge
	HealRetained    metric.Int64ObservableGauge

	reg metric.Registration
}

// RegisterGauges creates the gauges on meter and registers their callback.
func RegisterGauges(meter metric.Meter, src Source) (*Gauges, error) {
	g := &Gauges{}
	var err error

	if g.MonitorSeverity, err = meter.Int64ObservableGauge(
		"membrane_otel_monitor_severity",
		metric.WithDescription("Monitor severity, 0 nominal to 3 critical"),
	); err != nil {
		return nil, fmt.Errorf("create monitor_severity: %w", err)
	}
	if g.FamilyRisk, err = meter.Int64ObservableGauge(
		"membrane_otel_family_risk",
		metric.WithDescription("Risk bound per API family"),
		metric.WithUnit("ppm"),
	); err != nil {
		return nil, fmt.Errorf("create family_risk: %w", err)
	}
	if g.FamilyRegret, err = meter.Int64ObservableGauge(
		"membrane_otel_family_regret",
		metric.WithDescription("Accumulated regret per API family"),
		metric.WithUnit("{milli}"),
	); err != nil {
		return nil, fmt.Errorf("create family_regret: %w", err)
	}
	if g.Multipliers, err = meter.Int64ObservableGauge(
		"membrane_otel_limits_multiplier",
		metric.WithDescription("Primal-dual latency and risk multipliers"),
	); err != nil {
		return nil, fmt.Errorf("create limits_multiplier: %w", err)
	}
	if g.HealRetained, err = meter.Int64ObservableGauge(
		"membrane_otel_heal_retained",
		metric.WithDescription("Audit entries retained in the ring"),
	); err != nil {
		return nil, fmt.Errorf("create heal_retained: %w", err)
	}

	g.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Snapshot()
		for _, m := range s.Engine.Ensemble.Monitors {
			o.ObserveInt64(g.MonitorSeverity, int64(severityValue(m.Severity)),
				metric.WithAttributes(attribute.String("monitor", string(m.ID))))
		}
		for _, f := range s.Engine.Families {
			attrs := metric.WithAttributes(attribute.String("family", f.Family))
			o.ObserveInt64(g.FamilyRisk, int64(f.RiskPPM), attrs)
			o.ObserveInt64(g.FamilyRegret, int64(f.RegretMilli), attrs)
		}
		o.ObserveInt64(g.Multipliers, s.Engine.LambdaLatency,
			metric.WithAttributes(attribute.String("constraint", "latency")))
		o.ObserveInt64(g.Multipliers, s.Engine.LambdaRisk,
			metric.WithAttributes(attribute.String("constraint", "risk")))
		o.ObserveInt64(g.HealRetained, int64(s.Heal.Retained))
		return nil
	}, g.MonitorSeverity, g.FamilyRisk, g.FamilyRegret, g.Multipliers, g.HealRetained)
	if err != nil {
		return nil, fmt.Errorf("register gauge callback: %w", err)
	}
	return g, nil
}

// Unregister removes the callback.
func (g *Gauges) Unregister() error {
	if g.reg == nil {
		return nil
	}
	err := g.reg.Unregister()
	g.reg = nil
	return err
}
