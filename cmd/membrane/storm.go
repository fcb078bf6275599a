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
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/membrane/pkg/ux"
	"github.com/AleutianAI/membrane/services/membrane"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/workload"
)

var (
	stormCmd = &cobra.Command{
		Use:   "storm",
		Short: "Run an allocation storm and pointer-validation probes",
		Long: `Runs one allocation storm shape against the membrane's arena with
the given number of workers, then sends pointer-validation probes through
the full decision pipeline. When storage is configured the healing audit
and a final snapshot are persisted for replay.`,
		Args: cobra.NoArgs,
		RunE: runStormCommand,
	}
	stormKind    string
	stormOps     int
	stormWorkers int
	stormMaxLive int
	stormMaxSize uint64
	stormSeed    uint64
	probeCalls   int
	probeEvery   int
	probeFamily  string
	stormJSON    bool
)

func init() {
	stormCmd.Flags().StringVarP(&stormKind, "kind", "k", "random_churn", "Storm shape: sawtooth, inverse_sawtooth, random_churn, class_thrash, exhaustion, alignment_stress")
	stormCmd.Flags().IntVarP(&stormOps, "ops", "n", 10000, "Allocate plus free operations per worker")
	stormCmd.Flags().IntVarP(&stormWorkers, "workers", "w", 1, "Concurrent workers sharing the arena")
	stormCmd.Flags().IntVar(&stormMaxLive, "max-live", 1024, "Live set bound across all workers")
	stormCmd.Flags().Uint64Var(&stormMaxSize, "max-size", 4096, "Largest request size")
	stormCmd.Flags().Uint64Var(&stormSeed, "seed", 1, "Storm seed")
	stormCmd.Flags().IntVar(&probeCalls, "probes", 1000, "Pointer-validation calls after the storm")
	stormCmd.Flags().IntVar(&probeEvery, "adverse-every", 50, "Every n-th probe overflows its block (0 disables)")
	stormCmd.Flags().StringVar(&probeFamily, "family", dt.FamilyStringMemory.String(), "API family the probes are attributed to")
	stormCmd.Flags().BoolVar(&stormJSON, "json", false, "Print the report as JSON")
}

// StormReport is the storm command's output.
type StormReport struct {
	Instance string                   `json:"instance"`
	Level    string                   `json:"level"`
	Elapsed  time.Duration            `json:"elapsed_ns"`
	Workers  []workload.Result        `json:"workers"`
	Probes   ProbeResult              `json:"probes"`
	Pipeline membrane.PipelineSummary `json:"pipeline"`
	Heals    map[string]uint64        `json:"heals"`
	Stored   int                      `json:"stored_audit_entries"`
}

// StormOptions configures runStorm.
type StormOptions struct {
	Spec    workload.Spec
	Workers int
	Probe   ProbeSpec
}

func runStormCommand(cmd *cobra.Command, _ []string) error {
	kind, err := workload.ParseKind(stormKind)
	if err != nil {
		return err
	}
	family, ok := dt.ParseFamily(probeFamily)
	if !ok {
		return fmt.Errorf("unknown family %q", probeFamily)
	}

	m, err := newMembrane()
	if err != nil {
		return err
	}
	defer m.Close()

	opts := StormOptions{
		Spec: workload.Spec{
			Kind:    kind,
			Ops:     stormOps,
			MaxLive: stormMaxLive,
			MaxSize: stormMaxSize,
			Seed:    stormSeed,
		},
		Workers: stormWorkers,
		Probe:   ProbeSpec{Family: family, Calls: probeCalls, AdverseEvery: probeEvery},
	}
	report, err := runStorm(cmd.Context(), m, opts)
	if err != nil {
		return err
	}

	if cfg.Storage.Enabled() {
		n, err := persist(cmd.Context(), m)
		if err != nil {
			return err
		}
		report.Stored = n
	}
	return writeStormReport(cmd.OutOrStdout(), report, stormJSON)
}

// runStorm runs the storm, then the probes.
func runStorm(ctx context.Context, m *membrane.Membrane, opts StormOptions) (StormReport, error) {
	start := time.Now()
	results, err := workload.RunConcurrent(ctx, m.Arena(), opts.Spec, opts.Workers)
	if err != nil {
		return StormReport{}, fmt.Errorf("storm %s: %w", opts.Spec.Kind, err)
	}
	pr, err := probe(ctx, m, opts.Probe)
	if err != nil {
		return StormReport{}, err
	}
	snap := m.Snapshot()
	return StormReport{
		Instance: m.ID(),
		Level:    m.Level().String(),
		Elapsed:  time.Since(start),
		Workers:  results,
		Probes:   pr,
		Pipeline: snap.Pipeline,
		Heals:    snap.Heal.ByKind,
	}, nil
}

// drainBatch bounds one audit write batch.
const drainBatch = 512

// persist drains the healing queue and writes a snapshot to the store.
func persist(ctx context.Context, m *membrane.Membrane) (int, error) {
	store, err := openStore(m.ID())
	if err != nil {
		return 0, err
	}
	defer store.Close()

	total := 0
	for {
		n, err := m.Heal().Drain(ctx, store, drainBatch)
		if err != nil {
			return total, fmt.Errorf("drain audit: %w", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if err := store.WriteSnapshot(ctx, m.Snapshot()); err != nil {
		return total, err
	}
	return total, nil
}

func writeStormReport(w io.Writer, r StormReport, asJSON bool) error {
	if asJSON {
		return writeJSON(w, r)
	}
	p := ux.NewPrinter(w)
	p.Title("storm " + r.Instance)
	p.KV("level", r.Level, "elapsed", r.Elapsed.Round(time.Millisecond))

	rows := make([][]string, 0, len(r.Workers))
	for i, res := range r.Workers {
		rows = append(rows, []string{
			strconv.Itoa(i), res.Kind.String(), strconv.Itoa(res.Ops), strconv.Itoa(res.Allocs),
			strconv.Itoa(res.Frees), strconv.Itoa(res.Failures), strconv.Itoa(res.PeakLive),
			strconv.Itoa(res.Verified), strconv.Itoa(res.Misaligns),
		})
	}
	p.Table([]string{"worker", "kind", "ops", "allocs", "frees", "failures", "peak", "verified", "misaligned"}, rows)

	p.KV("probes", r.Probes.Family, "calls", r.Probes.Calls, "adverse", r.Probes.Adverse,
		"proceeded", r.Probes.Proceeded, "healed", r.Probes.Healed, "refused", r.Probes.Refused)
	p.KV("contracts", r.Pipeline.Contracts, "proceeded", r.Pipeline.Proceeded,
		"healed", r.Pipeline.Healed, "refused", r.Pipeline.Refused)
	if r.Stored > 0 {
		p.Success(fmt.Sprintf("stored %d audit entries", r.Stored))
	}
	return nil
}
