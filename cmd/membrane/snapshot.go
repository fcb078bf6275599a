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
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
)

// ErrNoSnapshot is returned by snapshot --latest on an empty store.
var ErrNoSnapshot = errors.New("no stored snapshot")

var (
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Print a membrane snapshot as JSON",
		Long: `Builds a membrane from the configuration, optionally warms it up with
pointer-validation probes, and prints its snapshot. With --latest the most
recent stored snapshot is printed instead.`,
		Args: cobra.NoArgs,
		RunE: runSnapshotCommand,
	}
	snapshotProbes int
	snapshotLatest bool
)

func init() {
	snapshotCmd.Flags().IntVar(&snapshotProbes, "probes", 0, "Warm-up pointer-validation calls (every 50th overflows)")
	snapshotCmd.Flags().BoolVar(&snapshotLatest, "latest", false, "Print the latest stored snapshot")
}

func runSnapshotCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if snapshotLatest {
		store, err := openStore("")
		if err != nil {
			return err
		}
		defer store.Close()
		snap, found, err := store.Latest(ctx)
		if err != nil {
			return err
		}
		if !found {
			return ErrNoSnapshot
		}
		return writeJSON(cmd.OutOrStdout(), snap)
	}

	m, err := newMembrane()
	if err != nil {
		return err
	}
	defer m.Close()
	if _, err := probe(ctx, m, ProbeSpec{Family: dt.FamilyStringMemory, Calls: snapshotProbes, AdverseEvery: 50}); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), m.Snapshot())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
