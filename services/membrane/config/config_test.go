// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/membrane/pkg/logging"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/monitor"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, dt.SafetyStrict, level)
	assert.False(t, cfg.Storage.Enabled())
}

func TestLoad(t *testing.T) {
	t.Setenv(dt.ModeEnvVar, "")
	os.Unsetenv(dt.ModeEnvVar)

	tests := []struct {
		name    string
		body    string
		wantErr error
		check   func(t *testing.T, cfg Config)
	}{
		{
			name: "overrides sections",
			body: `
safety_level: repair
arena:
  shards: 4
decision:
  risk_target_ppm: 5000
telemetry:
  interval: 2s
storage:
  in_memory: true
`,
			check: func(t *testing.T, cfg Config) {
				level, _ := cfg.Level()
				assert.Equal(t, dt.SafetyHardened, level)
				assert.Equal(t, 4, cfg.Arena.Shards)
				assert.Equal(t, uint32(5000), cfg.Decision.RiskTargetPPM)
				assert.Equal(t, uint64(64), cfg.Decision.RiskCadence, "unset keys keep defaults")
				assert.Equal(t, 2*time.Second, cfg.Telemetry.Interval)
				assert.True(t, cfg.Storage.Enabled())
			},
		},
		{name: "empty document", body: "", check: func(t *testing.T, cfg Config) {
			assert.Equal(t, "strict", cfg.SafetyLevel)
		}},
		{name: "unknown key", body: "arena:\n  shardz: 4\n", wantErr: nil},
		{name: "bad level", body: "safety_level: maximum\n", wantErr: ErrInvalid},
		{name: "bad shards", body: "arena:\n  shards: 3\n", wantErr: ErrInvalid},
		{name: "watch without file", body: "ensemble:\n  watch: true\n", wantErr: ErrInvalid},
		{name: "influx without bucket", body: "telemetry:\n  influx:\n    url: http://localhost:8086\n    org: o\n", wantErr: ErrInvalid},
		{name: "bad risk window", body: "decision:\n  risk_window: 100\n", wantErr: ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "membrane.yaml", tt.body)
			cfg, err := Load(context.Background(), path)
			if tt.check == nil {
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_EnvOverridesLevel(t *testing.T) {
	path := writeFile(t, t.TempDir(), "membrane.yaml", "safety_level: strict\n")

	t.Setenv(dt.ModeEnvVar, "hardened")
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "hardened", cfg.SafetyLevel)

	t.Setenv(dt.ModeEnvVar, "tsm")
	cfg, err = Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "hardened", cfg.SafetyLevel)

	t.Setenv(dt.ModeEnvVar, "bogus")
	cfg, err = Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.SafetyLevel)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	big := writeFile(t, t.TempDir(), "big.yaml", "# "+strings.Repeat("x", MaxYAMLFileSize))
	_, err = Load(context.Background(), big)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoggingConfig(t *testing.T) {
	lc, err := LoggingConfig{Level: "warn", JSON: true}.Logging()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, "membrane", lc.Service)
	assert.True(t, lc.JSON)

	_, err = LoggingConfig{Level: "loud"}.Logging()
	assert.Error(t, err)
}

func TestEmbeddedRegistry_MatchesBuiltIn(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	assert.Equal(t, monitor.DefaultRegistry(), reg)

	_, err = monitor.NewEnsemble(reg, nil)
	assert.NoError(t, err)
}

func TestParseRegistry_Rejects(t *testing.T) {
	base := string(DefaultRegistryYAML())
	tests := []struct {
		name string
		body string
		want error
	}{
		{"unknown monitor", strings.Replace(base, "id: hurst,", "id: fourier,", 1), monitor.ErrUnknownMonitor},
		{"zero epoch", strings.Replace(base, "epoch_length: 16", "epoch_length: 0", 1), monitor.ErrInvalidRegistry},
		{"decreasing curve", strings.Replace(base, "[0, 0.1, 0.4, 1]", "[0, 0.5, 0.4, 1]", 1), monitor.ErrInvalidRegistry},
		{"bad family", strings.Replace(base, "string_memory:", "strings:", 1), monitor.ErrInvalidRegistry},
		{"bad rule kind", strings.Replace(base, "kind: spread", "kind: sideways", 1), monitor.ErrInvalidRegistry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
	_, err := ParseRegistry([]byte("epoch_length: [1, 2]"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsAndRejects(t *testing.T) {
	dir := t.TempDir()
	base := string(DefaultRegistryYAML())
	path := writeFile(t, dir, "registry.yaml", base)

	var mu sync.Mutex
	var applied []monitor.Registry
	apply := func(reg monitor.Registry) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, reg)
		return nil
	}
	w, err := NewWatcher(path, apply, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Unrelated files in the directory are ignored.
	writeFile(t, dir, "other.yaml", "x: 1\n")

	writeFile(t, dir, "registry.yaml", strings.Replace(base, "epoch_length: 16", "epoch_length: 32", 1))
	require.Eventually(t, func() bool { return w.Stats().Reloads == 1 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, uint64(32), applied[len(applied)-1].EpochLength)
	mu.Unlock()

	writeFile(t, dir, "registry.yaml", "epoch_length: 0\n")
	require.Eventually(t, func() bool { return w.Stats().Failures == 1 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Len(t, applied, 1)
	mu.Unlock()
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher("", func(monitor.Registry) error { return nil }, 0, nil)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = NewWatcher(filepath.Join(t.TempDir(), "missing", "r.yaml"), func(monitor.Registry) error { return nil }, 0, nil)
	assert.Error(t, err)
}
