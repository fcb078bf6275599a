// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the membrane configuration document and the monitor
// registry.
//
// The document is YAML with one section per component. MEMBRANE_MODE
// overrides safety_level after loading. The monitor registry is embedded
// and may be replaced by an external file, which Watcher hot-reloads.
//
// Thread Safety:
//
//	All exported functions are safe for concurrent use.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/membrane/pkg/logging"
	"github.com/AleutianAI/membrane/services/membrane/arena"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/decision"
	"github.com/AleutianAI/membrane/services/membrane/heal"
	"github.com/AleutianAI/membrane/services/membrane/monitor"
)

// MaxYAMLFileSize bounds configuration and registry files (1MB).
const MaxYAMLFileSize = 1024 * 1024

// ErrInvalid is returned for documents that parse but fail validation.
var ErrInvalid = errors.New("invalid membrane config")

//go:embed registry.yaml
var defaultRegistryYAML []byte

var tracer = otel.Tracer("membrane.config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Document
// =============================================================================

// Config is the root configuration document.
type Config struct {
	// SafetyLevel is strict, hardened or off (aliases accepted). It is read
	// once at construction and never reloaded.
	SafetyLevel string `yaml:"safety_level" json:"safety_level"`

	Arena     arena.Config    `yaml:"arena" json:"arena"`
	Ensemble  EnsembleConfig  `yaml:"ensemble" json:"ensemble"`
	Decision  decision.Config `yaml:"decision" json:"decision"`
	Heal      heal.Config     `yaml:"heal" json:"heal"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// EnsembleConfig locates the monitor registry.
type EnsembleConfig struct {
	// RegistryFile replaces the embedded registry when set.
	RegistryFile string `yaml:"registry_file" json:"registry_file"`

	// Watch hot-reloads RegistryFile.
	Watch bool `yaml:"watch" json:"watch"`

	// Debounce coalesces bursts of file events.
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"gte=0"`
}

// TelemetryConfig selects the snapshot exporters.
type TelemetryConfig struct {
	// Interval is the export period.
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`

	// Prometheus registers the snapshot collector.
	Prometheus bool `yaml:"prometheus" json:"prometheus"`

	// OTelStdout prints OpenTelemetry gauges to stdout each interval.
	OTelStdout bool `yaml:"otel_stdout" json:"otel_stdout"`

	// Traces selects the span exporter for config and storage spans.
	Traces string `yaml:"traces" json:"traces" validate:"omitempty,oneof=none stdout otlp"`

	// OTLPEndpoint is the collector address when Traces is otlp.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" validate:"required_if=Traces otlp"`

	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool `yaml:"otlp_insecure" json:"otlp_insecure"`

	Influx InfluxConfig `yaml:"influx" json:"influx"`

	Archive ArchiveConfig `yaml:"archive" json:"archive"`
}

// ArchiveConfig is the optional Cloud Storage snapshot archive. Empty
// Bucket disables it.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file" json:"-" validate:"omitempty,file"`
}

// InfluxConfig is the optional InfluxDB sink. Empty URL disables it.
type InfluxConfig struct {
	URL    string `yaml:"url" json:"url" validate:"omitempty,url"`
	Token  string `yaml:"token" json:"-"`
	Org    string `yaml:"org" json:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" json:"bucket" validate:"required_with=URL"`
}

// StorageConfig is the audit and snapshot store.
type StorageConfig struct {
	// Dir is the badger directory. Empty with InMemory false disables
	// persistence.
	Dir      string `yaml:"dir" json:"dir"`
	InMemory bool   `yaml:"in_memory" json:"in_memory"`

	// Retention expires stored audit entries and snapshots. Zero keeps
	// them forever.
	Retention time.Duration `yaml:"retention" json:"retention" validate:"gte=0"`
}

// Enabled reports whether a store should be opened.
func (s StorageConfig) Enabled() bool { return s.InMemory || s.Dir != "" }

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir     string `yaml:"dir" json:"dir"`
	Service string `yaml:"service" json:"service"`
	JSON    bool   `yaml:"json" json:"json"`
	Quiet   bool   `yaml:"quiet" json:"quiet"`
}

// Logging converts to the logger's configuration.
func (l LoggingConfig) Logging() (logging.Config, error) {
	level := logging.LevelInfo
	if l.Level != "" {
		var err error
		if level, err = logging.ParseLevel(l.Level); err != nil {
			return logging.Config{}, err
		}
	}
	service := l.Service
	if service == "" {
		service = "membrane"
	}
	return logging.Config{Level: level, LogDir: l.Dir, Service: service, JSON: l.JSON, Quiet: l.Quiet}, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SafetyLevel: dt.SafetyStrict.String(),
		Arena:       arena.DefaultConfig(),
		Ensemble:    EnsembleConfig{Debounce: 250 * time.Millisecond},
		Decision:    decision.DefaultConfig(),
		Heal:        heal.DefaultConfig(),
		Telemetry:   TelemetryConfig{Interval: 10 * time.Second, Prometheus: true},
	}
}

// Level parses SafetyLevel.
func (c Config) Level() (dt.SafetyLevel, error) {
	level, err := dt.ParseSafetyLevel(c.SafetyLevel)
	if err != nil {
		return dt.SafetyStrict, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return level, nil
}

// ApplyEnv lets MEMBRANE_MODE override the safety level. An unparseable
// value is ignored.
func (c *Config) ApplyEnv() {
	v, ok := os.LookupEnv(dt.ModeEnvVar)
	if !ok {
		return
	}
	if level, err := dt.ParseSafetyLevel(v); err == nil {
		c.SafetyLevel = level.String()
	}
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if err := c.Decision.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Ensemble.Watch && c.Ensemble.RegistryFile == "" {
		return fmt.Errorf("%w: ensemble.watch requires ensemble.registry_file", ErrInvalid)
	}
	return nil
}

// Load reads path over Default, applies MEMBRANE_MODE and validates. An
// empty path loads only the defaults.
func Load(ctx context.Context, path string) (Config, error) {
	_, span := tracer.Start(ctx, "config.Load")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	cfg := Default()
	if path != "" {
		data, err := readBounded(path)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			return Config{}, err
		}
		if err := decodeStrict(data, &cfg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "parse failed")
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return Config{}, err
	}
	span.SetAttributes(attribute.String("safety_level", cfg.SafetyLevel))
	return cfg, nil
}

// =============================================================================
// Registry
// =============================================================================

// DefaultRegistry parses the embedded registry.
func DefaultRegistry() (monitor.Registry, error) {
	return ParseRegistry(defaultRegistryYAML)
}

// DefaultRegistryYAML returns a copy of the embedded registry document.
func DefaultRegistryYAML() []byte {
	return bytes.Clone(defaultRegistryYAML)
}

// ParseRegistry decodes and validates a registry document.
func ParseRegistry(data []byte) (monitor.Registry, error) {
	var reg monitor.Registry
	if err := decodeStrict(data, &reg); err != nil {
		return monitor.Registry{}, fmt.Errorf("parse registry: %w", err)
	}
	if err := validate.Struct(reg); err != nil {
		return monitor.Registry{}, fmt.Errorf("%w: %v", monitor.ErrInvalidRegistry, err)
	}
	if err := reg.Check(); err != nil {
		return monitor.Registry{}, err
	}
	return reg, nil
}

// LoadRegistry reads the registry at path, or the embedded one when path
// is empty.
func LoadRegistry(ctx context.Context, path string) (monitor.Registry, error) {
	_, span := tracer.Start(ctx, "config.LoadRegistry")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	if path == "" {
		return DefaultRegistry()
	}
	data, err := readBounded(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return monitor.Registry{}, err
	}
	reg, err := ParseRegistry(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid registry")
		return monitor.Registry{}, fmt.Errorf("%s: %w", path, err)
	}
	span.SetAttributes(attribute.Int("monitors", len(reg.Monitors)))
	return reg, nil
}

// =============================================================================
// Helpers
// =============================================================================

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxYAMLFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalid, path, MaxYAMLFileSize)
	}
	return data, nil
}

// decodeStrict rejects unknown keys so typos do not silently fall back to
// defaults.
func decodeStrict(data []byte, out any) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
