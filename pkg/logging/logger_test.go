// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesJSONToNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "membrane", Output: &buf})
	defer logger.Close()

	logger.Info("epoch rebuilt", "epoch", 3)

	out := buf.String()
	if !strings.Contains(out, `"msg":"epoch rebuilt"`) {
		t.Errorf("expected JSON record, got %q", out)
	}
	if !strings.Contains(out, `"service":"membrane"`) {
		t.Errorf("expected service attribute, got %q", out)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	out := buf.String()
	if strings.Contains(out, `"msg":"debug"`) || strings.Contains(out, `"msg":"info"`) {
		t.Errorf("records below Warn leaked: %q", out)
	}
	if !strings.Contains(out, `"msg":"warn"`) || !strings.Contains(out, `"msg":"error"`) {
		t.Errorf("expected warn and error records, got %q", out)
	}
}

func TestNew_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Error("nothing")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "storm", Quiet: true})
	logger.Info("written to file", "ops", 1000)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "storm_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestLogger_Close_Idempotent(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	child := logger.With("family", "string_memory")
	child.Info("risk elevated")

	if !strings.Contains(buf.String(), `"family":"string_memory"`) {
		t.Errorf("child attributes missing: %q", buf.String())
	}
}

func TestNopAndOrNop(t *testing.T) {
	if Nop().Enabled(context.Background(), slog.LevelError) {
		t.Error("Nop logger should not be enabled at Error")
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
	l := slog.Default()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf syncBuffer
	logger := New(Config{Output: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("concurrent", "worker", i, "iter", j)
			}
		}(i)
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "\n"); got != 400 {
		t.Errorf("expected 400 records, got %d", got)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}))

	logger.Info("only a")
	logger.Error("both")

	if !strings.Contains(a.String(), "only a") || !strings.Contains(a.String(), "both") {
		t.Errorf("handler a = %q", a.String())
	}
	if strings.Contains(b.String(), "only a") || !strings.Contains(b.String(), "both") {
		t.Errorf("handler b = %q", b.String())
	}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("multiHandler should be enabled when any child is")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}

// =============================================================================
// Throttled Tests
// =============================================================================

func TestThrottled_DropsAndReportsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	th := NewThrottled(base, time.Hour, 2)

	for i := 0; i < 10; i++ {
		th.Warn("quarantine pressure", "i", i)
	}

	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 records through the limiter, got %d", got)
	}
	if th.Suppressed() != 8 {
		t.Errorf("Suppressed() = %d, want 8", th.Suppressed())
	}
}

func TestThrottled_NilLogger(t *testing.T) {
	th := NewThrottled(nil, 0, 0)
	th.Info("discarded")
	th.Debug("discarded")
	if th.Suppressed() != 0 {
		t.Errorf("unlimited throttle suppressed %d records", th.Suppressed())
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
