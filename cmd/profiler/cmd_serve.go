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
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianProf/services/profiler"
	"github.com/AleutianAI/AleutianProf/services/profiler/cache"
	"github.com/AleutianAI/AleutianProf/services/profiler/config"
	"github.com/AleutianAI/AleutianProf/services/profiler/storage/badger"
	"github.com/AleutianAI/AleutianProf/services/profiler/telemetry"
	"github.com/AleutianAI/AleutianProf/services/profiler/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the profiler HTTP server",
	Long: `Starts the profiler API server. Runs are loaded on demand via
POST /v1/profiler/runs; with runs.watch enabled, changed run
directories reload automatically.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	appLogger := newLogger(cfg, "profiler")
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetrySettings())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	traceCache, closeCache, err := buildTraceCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	svc := profiler.NewService(profiler.ServiceConfig{
		RunsRoot: cfg.Runs.Root,
	}, traceCache, nil, logger)

	if cfg.Runs.Watch {
		watcher, err := startRunWatcher(ctx, cfg, svc, logger)
		if err != nil {
			return fmt.Errorf("start run watcher: %w", err)
		}
		defer watcher.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("profiler-service"))

	v1 := router.Group("/v1")
	profiler.RegisterRoutes(v1, profiler.NewHandlers(svc))

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting profiler server",
			slog.String("addr", srv.Addr),
			slog.String("runs_root", cfg.Runs.Root))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down profiler server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildTraceCache opens the badger-backed trace registry and wires the
// GCS fetcher when credentials allow. The returned close function
// releases both.
func buildTraceCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (*cache.TraceCache, func(), error) {
	var (
		db  *badger.DB
		err error
	)
	if cfg.Cache.Path == "" {
		db, err = badger.OpenInMemory()
	} else {
		bcfg := badger.DefaultConfig()
		bcfg.Path = cfg.Cache.Path
		bcfg.Logger = logger
		db, err = badger.Open(bcfg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open trace cache registry: %w", err)
	}

	tc := cache.New(db, logger)
	closeFns := []func(){func() { db.Close() }}

	gcs, err := cache.NewGCSFetcher(ctx, cfg.Cache.GCSCredentialsFile, cfg.Cache.ScratchDir)
	if err != nil {
		// The service still works for local traces.
		logger.Warn("GCS fetcher unavailable, gs:// traces disabled",
			slog.String("error", err.Error()))
	} else {
		tc.RegisterFetcher("gs", gcs)
		closeFns = append(closeFns, func() { gcs.Close() })
	}

	return tc, func() {
		for i := len(closeFns) - 1; i >= 0; i-- {
			closeFns[i]()
		}
	}, nil
}

// startRunWatcher reloads runs whose directories change.
func startRunWatcher(ctx context.Context, cfg config.Config, svc *profiler.Service, logger *slog.Logger) (*watch.RunWatcher, error) {
	opts := watch.DefaultOptions()
	opts.Debounce = cfg.Runs.WatchDebounce
	opts.Logger = logger

	watcher, err := watch.New(cfg.Runs.Root, func(runs []string) {
		for _, name := range runs {
			if name == "." {
				continue
			}
			logger.Info("run directory changed, reloading", slog.String("run", name))
			if _, err := svc.LoadRun(ctx, name); err != nil {
				logger.Warn("run reload failed",
					slog.String("run", name),
					slog.String("error", err.Error()))
			}
		}
	}, &opts)
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		return nil, err
	}
	return watcher, nil
}
