// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command profiler serves aggregated PyTorch profiling runs.
//
// The profiler loads run directories full of trace files
// ({worker}[.{span}].pt.trace.json[.gz]), builds per-worker profiles,
// and reconciles collective communication timing across workers.
//
// Usage:
//
//	profiler serve --config profiler.yaml
//	profiler load --run resnet50 --runs-root /data/runs
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8086/v1/profiler/health
//
//	# Load a run
//	curl -X POST http://localhost:8086/v1/profiler/runs \
//	  -H "Content-Type: application/json" \
//	  -d '{"name": "resnet50"}'
//
//	# Cross-worker communication view
//	curl http://localhost:8086/v1/profiler/runs/resnet50/distributed | jq
package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProf/pkg/logging"
	"github.com/AleutianAI/AleutianProf/services/profiler/config"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "profiler",
		Short: "Serve and inspect aggregated PyTorch profiling runs",
		Long: `Profiler loads directories of PyTorch profiler trace files, builds
per-worker run profiles, and reconciles collective communication timing
across distributed workers.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML or JSON)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadCmd)
}

// newLogger builds the process logger from the config's logging section.
func newLogger(cfg config.Config, service string) *logging.Logger {
	return logging.New(logging.Config{
		Level:   parseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: service,
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
}

func parseLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
