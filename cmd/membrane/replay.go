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
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/membrane/pkg/ux"
	"github.com/AleutianAI/membrane/services/membrane"
	"github.com/AleutianAI/membrane/services/membrane/storage/badger"
)

var (
	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Replay the stored healing audit and snapshot history",
		Long: `Reads healing audit entries for one membrane instance from the store
in sequence order and summarises them by repair kind and API family.
Sequence gaps mean entries were dropped by a full audit queue. With
--snapshots the stored snapshot timeline is printed as well.`,
		Args: cobra.NoArgs,
		RunE: runReplayCommand,
	}
	replayInstance  string
	replayAfter     uint64
	replayLimit     int
	replaySnapshots bool
	replaySince     time.Duration
	replayJSON      bool
)

func init() {
	replayCmd.Flags().StringVarP(&replayInstance, "instance", "i", "", "Membrane instance ID (required unless --snapshots only)")
	replayCmd.Flags().Uint64Var(&replayAfter, "after", 0, "Only entries with a sequence number above this")
	replayCmd.Flags().IntVarP(&replayLimit, "limit", "l", 1000, "Maximum entries to read")
	replayCmd.Flags().BoolVar(&replaySnapshots, "snapshots", false, "Also print the snapshot timeline")
	replayCmd.Flags().DurationVar(&replaySince, "since", 24*time.Hour, "Snapshot lookback window")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the replay as JSON")
}

// ReplaySummary aggregates a run of audit records.
type ReplaySummary struct {
	Entries  int               `json:"entries"`
	FirstSeq uint64            `json:"first_seq"`
	LastSeq  uint64            `json:"last_seq"`
	Gaps     uint64            `json:"gaps"`
	ByKind   map[string]int    `json:"by_kind"`
	ByFamily map[string]int    `json:"by_family"`
	Batches  int               `json:"batches"`
	Span     time.Duration     `json:"span_ns"`
	Bytes    map[string]uint64 `json:"bytes"`
}

// Replay is the replay command's output.
type Replay struct {
	Instance  string               `json:"instance"`
	Records   []badger.AuditRecord `json:"records"`
	Summary   ReplaySummary        `json:"summary"`
	Snapshots []membrane.Snapshot  `json:"snapshots,omitempty"`
}

func runReplayCommand(cmd *cobra.Command, _ []string) error {
	if replayInstance == "" && !replaySnapshots {
		return errors.New("--instance is required")
	}
	store, err := openStore(replayInstance)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := replay(cmd.Context(), store, replayAfter, replayLimit)
	if err != nil {
		return err
	}
	if replaySnapshots {
		if r.Snapshots, err = store.Snapshots(cmd.Context(), time.Now().Add(-replaySince), 0); err != nil {
			return err
		}
	}
	return writeReplay(cmd.OutOrStdout(), r, replayJSON)
}

// replay reads the store's own instance after seq.
func replay(ctx context.Context, store *badger.Store, after uint64, limit int) (Replay, error) {
	recs, err := store.Audit(ctx, "", after, limit)
	if err != nil {
		return Replay{}, fmt.Errorf("read audit: %w", err)
	}
	return Replay{Instance: store.Instance(), Records: recs, Summary: summarize(recs, after)}, nil
}

// summarize aggregates records, which must be in sequence order. Gaps
// are counted from after.
func summarize(recs []badger.AuditRecord, after uint64) ReplaySummary {
	s := ReplaySummary{
		ByKind:   map[string]int{},
		ByFamily: map[string]int{},
		Bytes:    map[string]uint64{"requested": 0, "effective": 0},
	}
	if len(recs) == 0 {
		return s
	}
	batches := map[string]struct{}{}
	prev := after
	for _, rec := range recs {
		e := rec.Entry
		if e.Seq > prev+1 {
			s.Gaps += e.Seq - prev - 1
		}
		prev = e.Seq
		s.ByKind[e.Kind.String()]++
		s.ByFamily[e.Family.String()]++
		s.Bytes["requested"] += e.Requested
		s.Bytes["effective"] += e.Effective
		batches[rec.Batch] = struct{}{}
	}
	first, last := recs[0].Entry, recs[len(recs)-1].Entry
	s.Entries = len(recs)
	s.FirstSeq, s.LastSeq = first.Seq, last.Seq
	s.Batches = len(batches)
	s.Span = last.Time().Sub(first.Time())
	return s
}

func writeReplay(w io.Writer, r Replay, asJSON bool) error {
	if asJSON {
		return writeJSON(w, r)
	}
	p := ux.NewPrinter(w)
	p.Title("audit " + r.Instance)
	if len(r.Records) == 0 {
		p.Warning("no audit entries")
	} else {
		rows := make([][]string, 0, len(r.Records))
		for _, rec := range r.Records {
			e := rec.Entry
			rows = append(rows, []string{
				strconv.FormatUint(e.Seq, 10),
				e.Time().UTC().Format(time.RFC3339Nano),
				e.Family.String(),
				e.Kind.String(),
				fmt.Sprintf("%#x", e.Addr),
				strconv.FormatUint(e.Requested, 10),
				strconv.FormatUint(e.Effective, 10),
			})
		}
		p.Table([]string{"seq", "time", "family", "kind", "addr", "requested", "effective"}, rows)
		s := r.Summary
		p.KV("entries", s.Entries, "first", s.FirstSeq, "last", s.LastSeq, "gaps", s.Gaps, "batches", s.Batches, "span", s.Span)
		for _, kind := range slices.Sorted(maps.Keys(s.ByKind)) {
			p.KV("kind", kind, "count", s.ByKind[kind])
		}
		if s.Gaps > 0 {
			p.Warning(fmt.Sprintf("%d entries missing from the sequence (audit queue overflow)", s.Gaps))
		}
	}

	if len(r.Snapshots) > 0 {
		p.Title("snapshots")
		rows := make([][]string, 0, len(r.Snapshots))
		for _, snap := range r.Snapshots {
			rows = append(rows, []string{
				snap.TakenAt.UTC().Format(time.RFC3339),
				snap.InstanceID,
				snap.Level,
				strconv.FormatUint(snap.Pipeline.Proceeded, 10),
				strconv.FormatUint(snap.Pipeline.Healed, 10),
				strconv.FormatUint(snap.Pipeline.Refused, 10),
				strconv.FormatUint(snap.Heal.Total, 10),
			})
		}
		p.Table([]string{"taken", "instance", "level", "proceeded", "healed", "refused", "heals"}, rows)
	}
	return nil
}
