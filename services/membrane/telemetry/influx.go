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

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/membrane/services/membrane"
	"github.com/AleutianAI/membrane/services/membrane/config"
)

// PointWriter is the part of the InfluxDB blocking write API the sink
// uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes snapshots to InfluxDB.
type InfluxSink struct {
	client influxdb2.Client
	writer PointWriter
}

// NewInfluxSink connects to the server in cfg. It does not probe the
// server; the first write reports connectivity errors.
func NewInfluxSink(cfg config.InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx sink: empty url")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{client: client, writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

// NewInfluxSinkWithWriter wraps an existing writer.
func NewInfluxSinkWithWriter(w PointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

// WriteSnapshot implements SnapshotSink.
func (s *InfluxSink) WriteSnapshot(ctx context.Context, snap membrane.Snapshot) error {
	if err := s.writer.WritePoint(ctx, Points(snap)...); err != nil {
		return fmt.Errorf("write influx points: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Points converts a snapshot into InfluxDB points: one "membrane" point
// with the kernel totals and one "membrane_family" point per API family.
func Points(snap membrane.Snapshot) []*write.Point {
	points := make([]*write.Point, 0, 1+len(snap.Engine.Families))

	p := influxdb2.NewPointWithMeasurement("membrane").
		AddTag("instance", snap.InstanceID).
		AddTag("level", snap.Level).
		AddField("observed", snap.Engine.Observed).
		AddField("proceeded", snap.Pipeline.Proceeded).
		AddField("refused", snap.Pipeline.Refused).
		AddField("healed", snap.Pipeline.Healed).
		AddField("contracts", snap.Pipeline.Contracts).
		AddField("regret_total_milli", snap.Engine.Ledger.TotalMilli).
		AddField("exhausted_families", snap.Engine.Ledger.ExhaustedFamilies).
		AddField("lambda_latency", snap.Engine.LambdaLatency).
		AddField("lambda_risk", snap.Engine.LambdaRisk).
		AddField("live_bytes", snap.Arena.LiveBytes).
		AddField("reserved_bytes", snap.Arena.ReservedBytes).
		AddField("quarantine_bytes", snap.Arena.QuarantineBytes).
		SetTime(snap.TakenAt)
	points = append(points, p)

	for _, f := range snap.Engine.Families {
		if f.Calls == 0 {
			continue
		}
		points = append(points, influxdb2.NewPointWithMeasurement("membrane_family").
			AddTag("instance", snap.InstanceID).
			AddTag("family", f.Family).
			AddField("risk_ppm", f.RiskPPM).
			AddField("bonus_ppm", f.BonusPPM).
			AddField("calls", f.Calls).
			AddField("adverse", f.Adverse).
			AddField("regret_milli", f.RegretMilli).
			AddField("exhausted", f.Exhausted).
			SetTime(snap.TakenAt))
	}
	return points
}
