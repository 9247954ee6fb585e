// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profiler provides the HTTP service over loaded profiling
// runs: loading run directories, listing them, and serving the
// per-worker and cross-worker distributed profiles.
package profiler

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianProf/services/profiler/generator"
	"github.com/AleutianAI/AleutianProf/services/profiler/loader"
	"github.com/AleutianAI/AleutianProf/services/profiler/run"
	"github.com/AleutianAI/AleutianProf/services/profiler/trace"
)

// ServiceConfig configures the profiler service.
type ServiceConfig struct {
	// RunsRoot is the directory whose subdirectories are profiling runs.
	RunsRoot string

	// LoadTimeout bounds one run load. Default: 10 minutes.
	LoadTimeout time.Duration
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		RunsRoot:    "./runs",
		LoadTimeout: 10 * time.Minute,
	}
}

// Cache is the trace cache surface the service needs. Satisfied by
// *cache.TraceCache.
type Cache interface {
	ResolveLocal(ctx context.Context, remote string) (string, error)
	Register(ctx context.Context, key, actual string) error
}

// Service owns the loaded runs.
//
// Thread Safety:
//
//	Service is safe for concurrent use. Loads of distinct runs proceed
//	in parallel; a second load of the same run while one is in flight
//	returns ErrLoadInProgress.
type Service struct {
	config ServiceConfig
	cache  Cache
	parser trace.Parser
	gen    *generator.Generator
	logger *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run.Run

	// loading tracks in-flight run names.
	loadingMu sync.Mutex
	loading   map[string]struct{}
}

// NewService creates a profiler service. A nil parser gets the
// production Chrome trace parser; a nil logger falls back to
// slog.Default().
func NewService(cfg ServiceConfig, cache Cache, parser trace.Parser, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if parser == nil {
		parser = trace.NewChromeTraceParser(logger)
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultServiceConfig().LoadTimeout
	}
	return &Service{
		config:  cfg,
		cache:   cache,
		parser:  parser,
		gen:     generator.New(),
		logger:  logger,
		runs:    make(map[string]*run.Run),
		loading: make(map[string]struct{}),
	}
}

// LoadRun loads (or reloads) the named run directory and stores the
// result. The previous version of the run, if any, stays visible until
// the new load finishes.
func (s *Service) LoadRun(ctx context.Context, name string) (*run.Run, error) {
	dir, err := s.runDir(name)
	if err != nil {
		return nil, err
	}

	s.loadingMu.Lock()
	if _, busy := s.loading[name]; busy {
		s.loadingMu.Unlock()
		return nil, ErrLoadInProgress
	}
	s.loading[name] = struct{}{}
	s.loadingMu.Unlock()
	defer func() {
		s.loadingMu.Lock()
		delete(s.loading, name)
		s.loadingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.config.LoadTimeout)
	defer cancel()

	l := loader.NewRunLoader(name, dir, s.cache, s.parser, s.gen, s.logger)
	r, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[name] = r
	s.mu.Unlock()
	return r, nil
}

// GetRun returns a loaded run by name.
func (s *Service) GetRun(name string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[name]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// DistributedProfile returns the reconciled distributed view for one
// span of a loaded run.
func (s *Service) DistributedProfile(name string, span int) (*run.DistributedRunProfile, error) {
	r, err := s.GetRun(name)
	if err != nil {
		return nil, err
	}
	for _, dp := range r.DistributedProfiles() {
		if dp.Span == span {
			return dp, nil
		}
	}
	return nil, ErrSpanNotFound
}

// ListRuns returns summaries of the loaded runs, sorted by name.
func (s *Service) ListRuns() []RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := make([]RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		summaries = append(summaries, summarize(r))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// RunCount returns the number of loaded runs.
func (s *Service) RunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// DropRun forgets a loaded run. Dropping an unknown name is a no-op.
func (s *Service) DropRun(name string) {
	s.mu.Lock()
	delete(s.runs, name)
	s.mu.Unlock()
}

// runDir resolves a run name to its directory, rejecting names that
// would escape the runs root.
func (s *Service) runDir(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == ".." {
		return "", ErrInvalidRunName
	}
	return filepath.Join(s.config.RunsRoot, name), nil
}

func summarize(r *run.Run) RunSummary {
	spans := make([]int, 0, len(r.DistributedProfiles()))
	for _, dp := range r.DistributedProfiles() {
		spans = append(spans, dp.Span)
	}
	return RunSummary{
		Name:             r.Name,
		Dir:              r.Dir,
		LoadedAt:         r.LoadedAt,
		Workers:          r.Workers(),
		ProfileCount:     len(r.Profiles()),
		DistributedSpans: spans,
	}
}
