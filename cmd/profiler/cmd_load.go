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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProf/services/profiler"
	"github.com/AleutianAI/AleutianProf/services/profiler/cache"
	"github.com/AleutianAI/AleutianProf/services/profiler/config"
	"github.com/AleutianAI/AleutianProf/services/profiler/storage/badger"
	"github.com/AleutianAI/AleutianProf/services/profiler/telemetry"
)

var (
	loadRunName  string
	loadRunsRoot string
	loadFull     bool

	loadCmd = &cobra.Command{
		Use:   "load",
		Short: "Load one run directory and print its profile",
		Long: `Loads a single run directory without starting the server and
prints the aggregated result as JSON. Useful for smoke-testing a run
before serving it.`,
		RunE: runLoad,
	}
)

func init() {
	loadCmd.Flags().StringVar(&loadRunName, "run", "", "run directory name under the runs root")
	loadCmd.Flags().StringVar(&loadRunsRoot, "runs-root", "", "override the configured runs root")
	loadCmd.Flags().BoolVar(&loadFull, "full", false, "print full profiles instead of the summary")
	loadCmd.MarkFlagRequired("run")
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if loadRunsRoot != "" {
		cfg.Runs.Root = loadRunsRoot
	}

	appLogger := newLogger(cfg, "cli")
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One-shot runs don't need exporters.
	tcfg := cfg.TelemetrySettings()
	tcfg.TraceExporter = "none"
	tcfg.MetricExporter = "none"
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	// In-memory registry: nothing should persist from a smoke test.
	db, err := badger.OpenInMemory()
	if err != nil {
		return fmt.Errorf("open trace cache registry: %w", err)
	}
	defer db.Close()
	tc := cache.New(db, logger)

	if gcs, err := cache.NewGCSFetcher(ctx, cfg.Cache.GCSCredentialsFile, cfg.Cache.ScratchDir); err == nil {
		tc.RegisterFetcher("gs", gcs)
		defer gcs.Close()
	}

	svc := profiler.NewService(profiler.ServiceConfig{
		RunsRoot: cfg.Runs.Root,
	}, tc, nil, logger)

	r, err := svc.LoadRun(ctx, loadRunName)
	if err != nil {
		return fmt.Errorf("load run %s: %w", loadRunName, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if loadFull {
		return enc.Encode(map[string]any{
			"run":         r,
			"profiles":    r.Profiles(),
			"distributed": r.DistributedProfiles(),
		})
	}
	summaries := svc.ListRuns()
	return enc.Encode(summaries[0])
}
