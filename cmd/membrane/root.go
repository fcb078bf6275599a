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
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/membrane/pkg/logging"
	"github.com/AleutianAI/membrane/services/membrane"
	"github.com/AleutianAI/membrane/services/membrane/config"
	"github.com/AleutianAI/membrane/services/membrane/storage/badger"
)

// ErrNoStorage is returned by commands that need the audit store when the
// storage section is empty.
var ErrNoStorage = errors.New("storage is not configured (set storage.dir or --store)")

var (
	rootCmd = &cobra.Command{
		Use:   "membrane",
		Short: "Developer harness for the membrane runtime-hardening core",
		Long: `membrane drives the allocation arena, decision engine and healing
policy with synthetic workloads, exposes their telemetry over HTTP and
replays the persisted healing audit.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		PersistentPostRun: func(*cobra.Command, []string) { closeLogger() },
	}

	configPath string
	modeFlag   string
	storeDir   string
	logLevel   string

	// Populated by loadConfig before any subcommand runs.
	cfg    config.Config
	logger *logging.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "Safety level override: strict, hardened or off")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", "", "BadgerDB directory for audit entries and snapshots")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn or error")

	rootCmd.AddCommand(stormCmd, snapshotCmd, serveCmd, replayCmd)
}

// loadConfig reads the configuration, applies flag overrides and builds
// the logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	if modeFlag != "" {
		c.SafetyLevel = modeFlag
	}
	if storeDir != "" {
		c.Storage.Dir = storeDir
		c.Storage.InMemory = false
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if err := c.Validate(); err != nil {
		return err
	}

	lc, err := c.Logging.Logging()
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	lc.Output = cmd.ErrOrStderr()
	closeLogger()
	logger = logging.New(lc)
	cfg = c
	return nil
}

func closeLogger() {
	if logger != nil {
		logger.Close()
		logger = nil
	}
}

func slogger() *slog.Logger {
	if logger == nil {
		return logging.Nop()
	}
	return logger.Slog()
}

// newMembrane builds a membrane from the loaded configuration.
func newMembrane(opts ...membrane.Option) (*membrane.Membrane, error) {
	opts = append([]membrane.Option{membrane.WithLogger(slogger())}, opts...)
	return membrane.New(cfg, opts...)
}

// openStore opens the configured store, or returns ErrNoStorage.
func openStore(instance string) (*badger.Store, error) {
	if !cfg.Storage.Enabled() {
		return nil, ErrNoStorage
	}
	return badger.FromConfig(cfg.Storage, instance, slogger())
}
