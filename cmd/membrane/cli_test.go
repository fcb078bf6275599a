// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/membrane/pkg/extensions"
	"github.com/AleutianAI/membrane/services/membrane"
	"github.com/AleutianAI/membrane/services/membrane/config"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/heal"
	"github.com/AleutianAI/membrane/services/membrane/monitor"
	"github.com/AleutianAI/membrane/services/membrane/storage/badger"
	"github.com/AleutianAI/membrane/services/membrane/telemetry"
	"github.com/AleutianAI/membrane/services/membrane/workload"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testMembrane(t *testing.T, level dt.SafetyLevel) *membrane.Membrane {
	t.Helper()
	c := config.Default()
	c.SafetyLevel = level.String()
	c.Arena.LockedCanaryKey = false
	c.Arena.Shards = 1
	c.Arena.MaxReservedBytes = 64 << 20
	c.Arena.QuarantineEntries = 256
	c.Arena.QuarantineBytes = 1 << 20
	m, err := membrane.New(c, membrane.WithRegistry(monitor.DefaultRegistry()), membrane.WithInstanceID("cli-test"))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// =============================================================================
// probe and storm
// =============================================================================

func TestProbe(t *testing.T) {
	tests := []struct {
		name  string
		level dt.SafetyLevel
		want  ProbeResult
	}{
		{"hardened heals overflows", dt.SafetyHardened, ProbeResult{Calls: 100, Adverse: 10, Proceeded: 90, Healed: 10}},
		{"off lets everything through", dt.SafetyOff, ProbeResult{Calls: 100, Adverse: 10, Proceeded: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMembrane(t, tt.level)
			got, err := probe(context.Background(), m, ProbeSpec{Family: dt.FamilyStringMemory, Calls: 100, AdverseEvery: 10})
			require.NoError(t, err)
			tt.want.Family = dt.FamilyStringMemory.String()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProbe_StrictRefuses(t *testing.T) {
	m := testMembrane(t, dt.SafetyStrict)
	got, err := probe(context.Background(), m, ProbeSpec{Family: dt.FamilyStringMemory, Calls: 100, AdverseEvery: 10})
	require.NoError(t, err)
	assert.Zero(t, got.Healed)
	assert.GreaterOrEqual(t, got.Refused, 10, "every overflow is refused; rising risk may deny clean calls too")
	assert.Equal(t, 100, got.Proceeded+got.Refused)
}

func TestProbe_Cancelled(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := probe(ctx, m, ProbeSpec{Family: dt.FamilyIoFd, Calls: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunStorm(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	report, err := runStorm(context.Background(), m, StormOptions{
		Spec:    workload.Spec{Kind: workload.RandomChurn, Ops: 2000, MaxLive: 128, MaxSize: 1024, Seed: 7},
		Workers: 2,
		Probe:   ProbeSpec{Family: dt.FamilyStringMemory, Calls: 200, AdverseEvery: 20},
	})
	require.NoError(t, err)

	require.Len(t, report.Workers, 2)
	for _, w := range report.Workers {
		assert.Equal(t, workload.RandomChurn, w.Kind)
		assert.Positive(t, w.Allocs)
	}
	assert.Equal(t, "hardened", report.Level)
	assert.Equal(t, 10, report.Probes.Healed)
	assert.Equal(t, uint64(10), report.Heals[heal.KindTruncateWithNull.String()])
	assert.Equal(t, uint64(10), report.Pipeline.Healed)

	var buf bytes.Buffer
	require.NoError(t, writeStormReport(&buf, report, false))
	assert.Contains(t, buf.String(), "random_churn")
	assert.Contains(t, buf.String(), "healed=10")

	buf.Reset()
	require.NoError(t, writeStormReport(&buf, report, true))
	var decoded StormReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, report.Probes, decoded.Probes)
}

// =============================================================================
// replay
// =============================================================================

func auditRecords(seqs ...uint64) []badger.AuditRecord {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]badger.AuditRecord, 0, len(seqs))
	for i, s := range seqs {
		kind := heal.KindClampToBounds
		if i%2 == 1 {
			kind = heal.KindTruncateWithNull
		}
		out = append(out, badger.AuditRecord{
			Instance: "r",
			Batch:    []string{"b1", "b2"}[i/3%2],
			Entry: heal.Entry{
				Seq:       s,
				UnixNano:  base.Add(time.Duration(i) * time.Second).UnixNano(),
				Family:    dt.FamilyStringMemory,
				Kind:      kind,
				Requested: 100,
				Effective: 40,
			},
		})
	}
	return out
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name  string
		recs  []badger.AuditRecord
		after uint64
		gaps  uint64
	}{
		{"contiguous", auditRecords(1, 2, 3, 4), 0, 0},
		{"missing head", auditRecords(3, 4), 0, 2},
		{"after offsets the head", auditRecords(11, 12), 10, 0},
		{"holes", auditRecords(1, 4, 5, 9), 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := summarize(tt.recs, tt.after)
			assert.Equal(t, tt.gaps, s.Gaps)
			assert.Equal(t, len(tt.recs), s.Entries)
			assert.Equal(t, tt.recs[0].Entry.Seq, s.FirstSeq)
			assert.Equal(t, uint64(40*len(tt.recs)), s.Bytes["effective"])
		})
	}

	s := summarize(auditRecords(1, 2, 3, 4), 0)
	assert.Equal(t, map[string]int{heal.KindClampToBounds.String(): 2, heal.KindTruncateWithNull.String(): 2}, s.ByKind)
	assert.Equal(t, 2, s.Batches)
	assert.Equal(t, 3*time.Second, s.Span)

	empty := summarize(nil, 0)
	assert.Zero(t, empty.Entries)
}

func TestReplay(t *testing.T) {
	store, err := badger.Open(badger.InMemoryConfig(), "r")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	var entries []heal.Entry
	for _, rec := range auditRecords(1, 2, 3, 5) {
		entries = append(entries, rec.Entry)
	}
	require.NoError(t, store.WriteEntries(ctx, entries))

	r, err := replay(ctx, store, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "r", r.Instance)
	assert.Len(t, r.Records, 4)
	assert.Equal(t, uint64(1), r.Summary.Gaps)
	assert.Equal(t, 1, r.Summary.Batches)

	var buf bytes.Buffer
	require.NoError(t, writeReplay(&buf, r, false))
	out := buf.String()
	assert.Contains(t, out, "# audit r")
	assert.Contains(t, out, "WARN: 1 entries missing")
}

// =============================================================================
// HTTP API
// =============================================================================

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func healSome(t *testing.T, m *membrane.Membrane, n int) {
	t.Helper()
	_, err := probe(context.Background(), m, ProbeSpec{Family: dt.FamilyStringMemory, Calls: n * 10, AdverseEvery: 10})
	require.NoError(t, err)
}

func TestRouter_SnapshotAndHealth(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	healSome(t, m, 3)
	router := newRouter(m, nil, nil, nil, false)

	rec := get(t, router, "/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"level":"hardened"`)

	rec = get(t, router, "/v1/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap membrane.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "cli-test", snap.InstanceID)
	assert.Equal(t, uint64(3), snap.Pipeline.Healed)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/metrics").Code, "no metrics handler")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/recalibrate", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRouter_Audit(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	healSome(t, m, 5)

	type auditBody struct {
		Instance string               `json:"instance"`
		Records  []badger.AuditRecord `json:"records"`
	}
	decode := func(rec *httptest.ResponseRecorder) auditBody {
		var b auditBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
		return b
	}

	t.Run("in-memory ring", func(t *testing.T) {
		router := newRouter(m, nil, nil, nil, false)
		b := decode(get(t, router, "/v1/audit?after=2&limit=2"))
		require.Len(t, b.Records, 2)
		assert.Equal(t, uint64(3), b.Records[0].Entry.Seq)
		assert.Equal(t, heal.KindTruncateWithNull, b.Records[0].Entry.Kind)

		b = decode(get(t, router, "/v1/audit?instance=someone-else"))
		assert.Empty(t, b.Records)
		assert.NotNil(t, b.Records)
	})

	t.Run("store", func(t *testing.T) {
		store, err := badger.Open(badger.InMemoryConfig(), m.ID())
		require.NoError(t, err)
		defer store.Close()
		n, err := m.Heal().Drain(context.Background(), store, 100)
		require.NoError(t, err)
		require.Equal(t, 5, n)

		router := newRouter(m, store, nil, nil, false)
		b := decode(get(t, router, "/v1/audit"))
		assert.Equal(t, m.ID(), b.Instance)
		require.Len(t, b.Records, 5)
		assert.NotEmpty(t, b.Records[0].Batch)
	})

	t.Run("bad query", func(t *testing.T) {
		router := newRouter(m, nil, nil, nil, false)
		for _, q := range []string{"after=-1", "limit=0", "limit=999999", "limit=x"} {
			assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/audit?"+q).Code, q)
		}
	})
}

func TestRouter_Metrics(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	healSome(t, m, 2)
	p, err := telemetry.Setup(context.Background(), config.TelemetryConfig{Prometheus: true}, m, m.ID())
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	rec := get(t, newRouter(m, nil, p.Handler(), nil, false), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `membrane_settled_total{outcome="healed"} 2`)
}

func TestRouter_Auth(t *testing.T) {
	m := testMembrane(t, dt.SafetyHardened)
	operator, err := extensions.NewTokenAuthProvider("op-token", "ops")
	require.NoError(t, err)
	router := newRouter(m, nil, nil, operator, false)

	do := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/health", ""), "health stays open")
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/v1/snapshot", ""))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/v1/snapshot", "wrong"))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/snapshot", "op-token"))
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/v1/recalibrate", "op-token"))

	viewer, err := extensions.NewTokenAuthProvider("view-token", "dash", extensions.RoleViewer)
	require.NoError(t, err)
	router = newRouter(m, nil, nil, viewer, false)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/audit", "view-token"))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/v1/recalibrate", "view-token"))
}

// =============================================================================
// cobra wiring
// =============================================================================

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the CLI with a config that avoids locked memory.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "membrane.yaml")
	doc := "arena:\n  locked_canary_key: false\n  max_reserved_bytes: 67108864\nlogging:\n  quiet: true\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_Snapshot(t *testing.T) {
	t.Setenv(dt.ModeEnvVar, "")
	out, err := execute(t, "snapshot", "--mode", "hardened", "--probes", "100")
	require.NoError(t, err)

	var snap membrane.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, membrane.SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, "hardened", snap.Level)
	assert.Equal(t, uint64(2), snap.Pipeline.Healed)
}

func TestCLI_StormThenReplay(t *testing.T) {
	t.Setenv(dt.ModeEnvVar, "")
	dir := t.TempDir()

	out, err := execute(t, "storm", "--store", dir, "--mode", "hardened",
		"--kind", "sawtooth", "--ops", "500", "--probes", "100", "--adverse-every", "10", "--json")
	require.NoError(t, err)
	var report StormReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 10, report.Stored)

	out, err = execute(t, "replay", "--store", dir, "--instance", report.Instance, "--snapshots", "--json")
	require.NoError(t, err)
	var r Replay
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Len(t, r.Records, 10)
	assert.Zero(t, r.Summary.Gaps)
	require.Len(t, r.Snapshots, 1)
	assert.Equal(t, report.Instance, r.Snapshots[0].InstanceID)

	out, err = execute(t, "snapshot", "--store", dir, "--latest")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, report.Instance))
}

func TestCLI_Errors(t *testing.T) {
	t.Setenv(dt.ModeEnvVar, "")
	tests := []struct {
		name string
		args []string
		want error
		msg  string
	}{
		{name: "replay without store", args: []string{"replay", "--instance", "x"}, want: ErrNoStorage},
		{name: "replay without instance", args: []string{"replay", "--store", "/tmp/unused"}, msg: "--instance is required"},
		{name: "unknown storm", args: []string{"storm", "--kind", "hurricane"}, msg: "unknown storm"},
		{name: "unknown family", args: []string{"storm", "--family", "quantum"}, msg: "unknown family"},
		{name: "bad mode", args: []string{"snapshot", "--mode", "paranoid"}, want: config.ErrInvalid},
		{name: "empty latest", args: []string{"snapshot", "--store", "", "--latest"}, want: ErrNoStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.msg != "" {
				assert.ErrorContains(t, err, tt.msg)
			}
		})
	}
}
