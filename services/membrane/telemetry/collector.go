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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/membrane/services/membrane"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// Source produces snapshots. *membrane.Membrane satisfies it.
type Source interface {
	Snapshot() membrane.Snapshot
}

// -----------------------------------------------------------------------------
// Prometheus Collector
// -----------------------------------------------------------------------------

// Collector exposes membrane snapshots as Prometheus metrics.
//
// Description:
//
//	Each scrape takes one Snapshot and emits const metrics from it, so the
//	hot path carries no Prometheus instrumentation at all. Counters come
//	from the monotonic snapshot counters; everything else is a gauge.
//
// Thread Safety: Safe for concurrent scrapes.
type Collector struct {
	src Source

	observed      *prometheus.Desc
	pipelineRuns  *prometheus.Desc
	rejections    *prometheus.Desc
	settled       *prometheus.Desc
	familyRisk    *prometheus.Desc
	familyRegret  *prometheus.Desc
	familyCap     *prometheus.Desc
	exhausted     *prometheus.Desc
	monitorSev    *prometheus.Desc
	lambda        *prometheus.Desc
	heals         *prometheus.Desc
	arenaLive     *prometheus.Desc
	arenaReserved *prometheus.Desc
	quarantine    *prometheus.Desc
	freeOutcomes  *prometheus.Desc
	uptime        *prometheus.Desc
}

// NewCollector builds a collector over src. Register it with a
// prometheus.Registerer.
func NewCollector(namespace string, src Source) *Collector {
	if namespace == "" {
		namespace = "membrane"
	}
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:           src,
		observed:      d("observations_total", "Calls observed by the decision engine.", "level"),
		pipelineRuns:  d("pipeline_runs_total", "Validation pipeline runs by profile.", "profile"),
		rejections:    d("stage_rejections_total", "Validation rejections by stage.", "stage"),
		settled:       d("settled_total", "Calls by settlement.", "outcome"),
		familyRisk:    d("family_risk_ppm", "Current risk bound per API family.", "family"),
		familyRegret:  d("family_regret_milli", "Accumulated regret per API family.", "family"),
		familyCap:     d("family_regret_cap_milli", "Regret cap per API family.", "family"),
		exhausted:     d("family_regret_exhausted", "1 when the family's regret budget is spent.", "family"),
		monitorSev:    d("monitor_severity", "Monitor severity (0 nominal .. 3 critical).", "monitor"),
		lambda:        d("limits_multiplier", "Primal-dual multipliers.", "constraint"),
		heals:         d("heals_total", "Healing actions by kind.", "kind"),
		arenaLive:     d("arena_live_bytes", "Bytes in live allocations."),
		arenaReserved: d("arena_reserved_bytes", "Backing bytes reserved by the arena."),
		quarantine:    d("arena_quarantine_bytes", "Footprint held in quarantine."),
		freeOutcomes:  d("arena_frees_total", "Frees by outcome.", "outcome"),
		uptime:        d("uptime_seconds", "Seconds since the membrane was built."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.observed, c.pipelineRuns, c.rejections, c.settled, c.familyRisk,
		c.familyRegret, c.familyCap, c.exhausted, c.monitorSev, c.lambda,
		c.heals, c.arenaLive, c.arenaReserved, c.quarantine, c.freeOutcomes,
		c.uptime,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	counter(c.observed, s.Engine.Observed, s.Level)
	for profile, n := range s.Pipeline.Runs {
		counter(c.pipelineRuns, n, profile)
	}
	for stage, n := range s.Pipeline.Rejections {
		counter(c.rejections, n, stage)
	}
	counter(c.settled, s.Pipeline.Proceeded, "proceeded")
	counter(c.settled, s.Pipeline.Refused, "refused")
	counter(c.settled, s.Pipeline.Healed, "healed")
	counter(c.settled, s.Pipeline.Contracts, "contract")

	for _, f := range s.Engine.Families {
		gauge(c.familyRisk, float64(f.RiskPPM), f.Family)
		gauge(c.familyRegret, float64(f.RegretMilli), f.Family)
		gauge(c.familyCap, float64(f.RegretCapMilli), f.Family)
		gauge(c.exhausted, boolFloat(f.Exhausted), f.Family)
	}
	for _, m := range s.Engine.Ensemble.Monitors {
		gauge(c.monitorSev, severityValue(m.Severity), string(m.ID))
	}
	gauge(c.lambda, float64(s.Engine.LambdaLatency), "latency")
	gauge(c.lambda, float64(s.Engine.LambdaRisk), "risk")

	for kind, n := range s.Heal.ByKind {
		counter(c.heals, n, kind)
	}
	gauge(c.arenaLive, float64(s.Arena.LiveBytes))
	gauge(c.arenaReserved, float64(s.Arena.ReservedBytes))
	gauge(c.quarantine, float64(s.Arena.QuarantineBytes))
	for outcome, n := range s.Arena.FreeOutcomes {
		counter(c.freeOutcomes, n, outcome)
	}
	gauge(c.uptime, s.UptimeSeconds)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func severityValue(name string) float64 {
	sev, err := dt.ParseSeverity(name)
	if err != nil {
		return 0
	}
	return float64(sev)
}
