// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianProf/services/profiler/align"
	"github.com/AleutianAI/AleutianProf/services/profiler/run"
	"github.com/AleutianAI/AleutianProf/services/profiler/trace"
)

var (
	tracer = otel.Tracer("profiler.loader")
	meter  = otel.Meter("profiler.loader")
)

// maxLoadWorkers caps the worker pool. Trace parsing is a mix of I/O
// and JSON decoding, so a modest cap keeps memory bounded on hosts
// with many cores.
const maxLoadWorkers = 8

// Cache resolves possibly-remote trace paths to local files and
// records derived artifacts for reuse.
type Cache interface {
	ResolveLocal(ctx context.Context, remote string) (string, error)
	Register(ctx context.Context, key, actual string) error
}

// Generator builds per-worker profiles and distributed fragments from
// parsed trace data.
type Generator interface {
	GenerateRunProfile(worker string, span int, data *trace.Data) (*run.RunProfile, error)
	NewDistributedRunProfileData(data *trace.Data) *run.DistributedRunProfileData
	GenerateDistributedRunProfile(fragments []*run.DistributedRunProfileData, span int) (*run.DistributedRunProfile, error)
}

// RunLoader turns one run directory into a fully aggregated Run: it
// discovers trace files, parses them on a bounded worker pool, and
// aligns communication across workers per span.
//
// Every discovered file produces exactly one result, success or not.
// A file that fails to parse is logged and skipped; it never blocks
// the run or poisons sibling files.
//
// # Thread Safety
//
// A RunLoader is safe for concurrent use; each Load call owns its own
// pool and channels.
type RunLoader struct {
	name    string
	dir     string
	cache   Cache
	parser  trace.Parser
	gen     Generator
	aligner *align.Aligner
	logger  *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	tracesParsed  metric.Int64Counter
	traceFailures metric.Int64Counter
	spansRejected metric.Int64Counter
	loadLatency   metric.Float64Histogram
}

// NewRunLoader creates a loader for the run named name rooted at dir.
func NewRunLoader(name, dir string, cache Cache, parser trace.Parser, gen Generator, logger *slog.Logger) *RunLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLoader{
		name:    name,
		dir:     dir,
		cache:   cache,
		parser:  parser,
		gen:     gen,
		aligner: align.New(gen, logger),
		logger:  logger,
	}
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (l *RunLoader) initMetrics() {
	l.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		l.tracesParsed, err = meter.Int64Counter("profiler_traces_parsed_total",
			metric.WithDescription("Number of trace files parsed successfully"),
		)
		if err != nil {
			initErrors = append(initErrors, "traces_parsed: "+err.Error())
		}

		l.traceFailures, err = meter.Int64Counter("profiler_trace_failures_total",
			metric.WithDescription("Number of trace files that failed to load"),
		)
		if err != nil {
			initErrors = append(initErrors, "trace_failures: "+err.Error())
		}

		l.spansRejected, err = meter.Int64Counter("profiler_spans_rejected_total",
			metric.WithDescription("Number of spans disqualified from distributed alignment"),
		)
		if err != nil {
			initErrors = append(initErrors, "spans_rejected: "+err.Error())
		}

		l.loadLatency, err = meter.Float64Histogram("profiler_run_load_duration_seconds",
			metric.WithDescription("Total time to load one run directory"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "load_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			l.logger.Warn("some loader metrics failed to initialize",
				slog.Any("errors", initErrors))
		}
	})
}

// result is the per-file sentinel. Both fields nil means the file was
// skipped (parse failure, cancellation, or panic); the collector still
// counts it so Load always drains exactly one result per file.
type result struct {
	profile *run.RunProfile
	dist    *run.DistributedRunProfileData
}

// Load discovers, parses, and aggregates the run.
//
// Outputs:
//   - *run.Run: the aggregated run, sorted by (worker, span). An empty
//     directory yields an empty Run, not an error.
//   - error: non-nil when the directory is unreadable or ctx was
//     cancelled. On cancellation all in-flight results are still
//     drained before returning.
func (l *RunLoader) Load(ctx context.Context) (*run.Run, error) {
	ctx, span := tracer.Start(ctx, "loader.Load")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.name", l.name),
		attribute.String("run.dir", l.dir),
	)

	l.initMetrics()
	start := time.Now()

	files, err := Discover(l.dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("run.trace_files", len(files)))

	r := run.New(l.name, l.dir)
	if len(files) == 0 {
		l.logger.Warn("no trace files found in run directory",
			slog.String("run", l.name), slog.String("dir", l.dir))
		r.LoadedAt = time.Now()
		span.SetStatus(codes.Ok, "empty run")
		return r, nil
	}

	workers := len(files)
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	if workers > maxLoadWorkers {
		workers = maxLoadWorkers
	}
	l.logger.Info("loading run",
		slog.String("run", l.name),
		slog.Int("files", len(files)),
		slog.Int("workers", workers))

	work := make(chan TraceFile)
	results := make(chan result, len(files))
	for i := 0; i < workers; i++ {
		go func() {
			for tf := range work {
				results <- l.loadOne(ctx, tf)
			}
		}()
	}
	for _, tf := range files {
		work <- tf
	}
	close(work)

	var dist run.DistributedData
	for i := 0; i < len(files); i++ {
		res := <-results
		if res.profile != nil {
			r.AddProfile(res.profile)
		}
		dist.Add(res.dist)
	}

	if err := ctx.Err(); err != nil {
		l.logger.Warn("run load cancelled",
			slog.String("run", l.name), slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	l.alignDistributed(ctx, r, &dist)
	r.Sort()
	r.LoadedAt = time.Now()

	if l.loadLatency != nil {
		l.loadLatency.Record(ctx, time.Since(start).Seconds())
	}
	l.logger.Info("run loaded",
		slog.String("run", l.name),
		slog.Int("profiles", len(r.Profiles())),
		slog.Int("distributed_profiles", len(r.DistributedProfiles())),
		slog.Duration("elapsed", time.Since(start)))
	span.SetStatus(codes.Ok, "run loaded")
	return r, nil
}

// alignDistributed groups fragments by span and runs cross-worker
// alignment per group. Spans() returning nil means every fragment is
// span-less; those align as the single group 0.
func (l *RunLoader) alignDistributed(ctx context.Context, r *run.Run, dist *run.DistributedData) {
	if dist.Len() == 0 {
		return
	}
	spans := dist.Spans()
	if spans == nil {
		spans = []int{0}
	}
	for _, s := range spans {
		res := l.aligner.Align(ctx, l.name, s, dist.Fragments(s))
		if res.Aligned() {
			r.AddDistributedProfile(res.Profile)
			continue
		}
		if l.spansRejected != nil {
			l.spansRejected.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", res.Reason.String())))
		}
	}
}

// loadOne processes a single trace file end to end. It always returns
// a result; failures come back as the zero value after a warning log.
func (l *RunLoader) loadOne(ctx context.Context, tf TraceFile) (res result) {
	defer func() {
		if rec := recover(); rec != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			l.logger.Error("panic while loading trace file",
				slog.String("run", l.name),
				slog.String("worker", tf.Worker),
				slog.String("path", tf.Path),
				slog.Any("panic", rec),
				slog.String("stack", string(buf[:n])))
			res = result{}
		}
	}()

	if ctx.Err() != nil {
		return result{}
	}

	local, err := l.cache.ResolveLocal(ctx, tf.Path)
	if err != nil {
		l.warnSkip(tf, "resolving trace file", err)
		return result{}
	}

	data, tracePath, err := l.parser.Parse(ctx, tf.Worker, tf.Span, local)
	if err != nil {
		l.warnSkip(tf, "parsing trace file", err)
		return result{}
	}
	if tracePath != local {
		// The parser inflated the trace to a scratch file; remember it
		// so the next load skips decompression.
		if err := l.cache.Register(ctx, local, tracePath); err != nil {
			l.logger.Warn("failed to register inflated trace",
				slog.String("path", local), slog.String("error", err.Error()))
		}
	}

	profile, err := l.gen.GenerateRunProfile(tf.Worker, tf.Span, data)
	if err != nil {
		l.warnSkip(tf, "generating run profile", err)
		return result{}
	}

	if l.tracesParsed != nil {
		l.tracesParsed.Add(ctx, 1)
	}
	return result{
		profile: profile,
		dist:    l.gen.NewDistributedRunProfileData(data),
	}
}

func (l *RunLoader) warnSkip(tf TraceFile, action string, err error) {
	l.logger.Warn("skipping trace file",
		slog.String("run", l.name),
		slog.String("worker", tf.Worker),
		slog.Int("span", tf.Span),
		slog.String("path", tf.Path),
		slog.String("action", action),
		slog.String("error", err.Error()))
	if l.traceFailures != nil {
		l.traceFailures.Add(context.Background(), 1)
	}
}
