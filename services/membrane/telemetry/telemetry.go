// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports membrane snapshots.
//
// Nothing here touches the hot path. Every exporter pulls a
// membrane.Snapshot on its own schedule: the Prometheus Collector on each
// scrape, the OpenTelemetry gauges on each collection, and the Exporter
// on its ticker for the InfluxDB and storage sinks.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/membrane/services/membrane/config"
)

var (
	// ErrUnknownExporter is returned for an unsupported trace exporter.
	ErrUnknownExporter = errors.New("unknown exporter")

	// ErrNilSource is returned when Setup has nothing to export.
	ErrNilSource = errors.New("nil snapshot source")
)

// Provider holds the metric and trace pipelines built by Setup.
type Provider struct {
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	gauges   *Gauges
	shutdown []func(context.Context) error
}

// Setup builds the exporters selected by cfg.
//
// Description:
//
//	A dedicated Prometheus registry carries the snapshot Collector, Go
//	runtime collectors and the OpenTelemetry gauges (through the otel
//	Prometheus exporter). OTelStdout adds a periodic stdout reader.
//	Traces installs a global TracerProvider so config and storage spans
//	are exported.
//
// Inputs:
//
//	ctx - Used for exporter connections.
//	cfg - The telemetry section of the membrane config.
//	src - Snapshot source, usually the membrane.
//	instanceID - Stamped on the OpenTelemetry resource.
//
// Outputs:
//
//	*Provider - Call Shutdown on exit.
//	error - Exporter construction failures.
func Setup(ctx context.Context, cfg config.TelemetryConfig, src Source, instanceID string) (*Provider, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	p := &Provider{registry: prometheus.NewRegistry()}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "membrane"),
		attribute.String("service.instance.id", instanceID),
	)

	if cfg.Prometheus {
		if err := p.registry.Register(NewCollector("membrane", src)); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
		p.registry.MustRegister(collectors.NewGoCollector())
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	exporter, err := promexporter.New(promexporter.WithRegisterer(p.registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	opts = append(opts, sdkmetric.WithReader(exporter))
	if cfg.OTelStdout {
		out, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.Interval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(out, readerOpts...)))
	}
	p.meters = sdkmetric.NewMeterProvider(opts...)
	p.shutdown = append(p.shutdown, p.meters.Shutdown)

	if p.gauges, err = RegisterGauges(p.meters.Meter("membrane"), src); err != nil {
		p.Shutdown(ctx)
		return nil, err
	}

	if cfg.Traces != "" && cfg.Traces != "none" {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			p.Shutdown(ctx)
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Traces {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Traces)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// Registry returns the Prometheus registry.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Shutdown flushes and stops every exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.gauges != nil {
		if err := p.gauges.Unregister(); err != nil {
			errs = append(errs, err)
		}
		p.gauges = nil
	}
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
