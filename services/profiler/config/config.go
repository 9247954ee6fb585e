// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the profiler service configuration with
// priority: environment > file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProf/services/profiler/telemetry"
)

// Config is the top-level profiler service configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `json:"server" yaml:"server"`

	// Runs contains run directory settings.
	Runs RunsConfig `json:"runs" yaml:"runs"`

	// Cache contains trace cache settings.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Telemetry contains tracing and metric exporter settings.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging contains structured logging settings.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// RunsConfig contains run discovery settings.
type RunsConfig struct {
	// Root is the directory whose subdirectories are profiling runs.
	Root string `json:"root" yaml:"root"`

	// Watch enables filesystem watching of Root for new runs.
	Watch bool `json:"watch" yaml:"watch"`

	// WatchDebounce is the quiet period before a changed run reloads.
	WatchDebounce time.Duration `json:"watch_debounce" yaml:"watch_debounce"`
}

// CacheConfig contains trace cache settings.
type CacheConfig struct {
	// Path is the badger database directory. Empty disables the
	// on-disk registry and uses an in-memory one.
	Path string `json:"path" yaml:"path"`

	// ScratchDir receives inflated and fetched trace copies. Empty
	// means the OS temp dir.
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`

	// GCSCredentialsFile is a service account key file for gs://
	// trace paths. Empty uses application default credentials.
	GCSCredentialsFile string `json:"gcs_credentials_file" yaml:"gcs_credentials_file"`
}

// TelemetryConfig mirrors the telemetry package settings with YAML tags.
type TelemetryConfig struct {
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	Environment    string `json:"environment" yaml:"environment"`
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	Dir   string `json:"dir" yaml:"dir"`
	JSON  bool   `json:"json" yaml:"json"`
	Quiet bool   `json:"quiet" yaml:"quiet"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8086,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Runs: RunsConfig{
			Root:          "./runs",
			Watch:         false,
			WatchDebounce: 2 * time.Second,
		},
		Cache: CacheConfig{
			Path: "./data/trace_cache",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			Environment:    "development",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "./logs",
			JSON:  false,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to a YAML/JSON config file (optional, can be empty;
//     a missing file is not an error).
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or validation fails.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("PROFILER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PROFILER_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("PROFILER_RUNS_ROOT"); v != "" {
		cfg.Runs.Root = v
	}
	if v := os.Getenv("PROFILER_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Runs.Watch = b
		}
	}
	if v := os.Getenv("PROFILER_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("PROFILER_SCRATCH_DIR"); v != "" {
		cfg.Cache.ScratchDir = v
	}
	if v := os.Getenv("PROFILER_GCS_CREDENTIALS"); v != "" {
		cfg.Cache.GCSCredentialsFile = v
	}
	if v := os.Getenv("PROFILER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PROFILER_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("OTEL_METRICS_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Runs.Root == "" {
		return fmt.Errorf("runs.root must not be empty")
	}
	if c.Runs.Watch && c.Runs.WatchDebounce <= 0 {
		return fmt.Errorf("runs.watch_debounce must be positive when watching")
	}
	switch c.Telemetry.TraceExporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.trace_exporter %q unknown", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricExporter {
	case "prometheus", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.metric_exporter %q unknown", c.Telemetry.MetricExporter)
	}
	return nil
}

// TelemetrySettings converts the YAML-facing telemetry section into
// the telemetry package's Config.
func (c Config) TelemetrySettings() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.TraceExporter = c.Telemetry.TraceExporter
	tc.MetricExporter = c.Telemetry.MetricExporter
	tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	tc.Environment = c.Telemetry.Environment
	return tc
}

// Addr returns the host:port pair the HTTP server binds to.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
