// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trace parses PyTorch profiler trace files (Chrome trace
// JSON, optionally gzip-compressed) into the structured fragment the
// loader hands to the profile generators.
package trace

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianProf/services/profiler/run"
)

// Collective name prefixes that mark an annotation as a communication
// operation.
var collectivePrefixes = []string{"nccl:", "gloo:", "mpi:"}

// Data is the structured fragment parsed from one trace file. It is
// the single input to both profile generators.
type Data struct {
	Worker string
	Span   int

	// TracePath is the file the events were actually decoded from.
	// Differs from the input path when a gzip trace was inflated to a
	// scratch file first.
	TracePath string

	StartUs int64
	EndUs   int64

	// CategoryDurations sums event durations per category.
	CategoryDurations map[string]int64

	EventCount  int
	KernelCount int

	// HasCommunication reports whether any collective operation was
	// found in the trace.
	HasCommunication bool

	// CommNodes is ordered by CommID ascending.
	CommNodes []*run.CommNode
}

// Parser turns a local trace file into a structured fragment.
//
// Implementations must be safe for concurrent use: the loader calls
// Parse from many goroutines at once.
type Parser interface {
	// Parse decodes the trace at path for the given (worker, span).
	// It returns the fragment and the trace path actually used, which
	// the caller registers with the trace cache when it differs from
	// path.
	Parse(ctx context.Context, worker string, span int, path string) (*Data, string, error)
}

// ChromeTraceParser is the production Parser for PyTorch profiler
// output.
type ChromeTraceParser struct {
	logger *slog.Logger

	// ScratchDir receives inflated copies of gzip traces. Empty means
	// the OS temp dir.
	ScratchDir string
}

// NewChromeTraceParser creates a parser. A nil logger falls back to
// slog.Default().
func NewChromeTraceParser(logger *slog.Logger) *ChromeTraceParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeTraceParser{logger: logger}
}

// Parse implements Parser.
func (p *ChromeTraceParser) Parse(ctx context.Context, worker string, span int, path string) (*Data, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	tracePath := path
	if strings.HasSuffix(path, ".gz") {
		inflated, err := p.inflate(path)
		if err != nil {
			return nil, "", fmt.Errorf("inflating %s: %w", path, err)
		}
		tracePath = inflated
	}

	f, err := os.Open(tracePath)
	if err != nil {
		return nil, "", fmt.Errorf("opening trace %s: %w", tracePath, err)
	}
	defer f.Close()

	var doc traceFile
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrBadFormat, tracePath, err)
	}
	if len(doc.TraceEvents) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrEmptyTrace, tracePath)
	}

	data := &Data{
		Worker:            worker,
		Span:              span,
		TracePath:         tracePath,
		CategoryDurations: make(map[string]int64),
	}
	p.summarize(doc.TraceEvents, data)
	p.buildCommNodes(doc.TraceEvents, data)

	p.logger.Debug("parsed trace",
		slog.String("worker", worker),
		slog.Int("span", span),
		slog.Int("events", data.EventCount),
		slog.Int("comm_nodes", len(data.CommNodes)),
	)
	return data, tracePath, nil
}

// inflate decompresses a gzip trace into the scratch dir and returns
// the plain file's path.
func (p *ChromeTraceParser) inflate(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	zr, err := gzip.NewReader(src)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	base := strings.TrimSuffix(filepath.Base(path), ".gz")
	dst, err := os.CreateTemp(p.ScratchDir, base+".*")
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, zr); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

// summarize fills the overview fields from complete ("X" phase) events.
func (p *ChromeTraceParser) summarize(events []Event, data *Data) {
	first := true
	for i := range events {
		ev := &events[i]
		if ev.Phase != "X" {
			continue
		}
		data.EventCount++
		data.CategoryDurations[ev.Category] += int64(ev.Dur)
		if isKernel(ev.Category) {
			data.KernelCount++
		}
		if first || ev.StartUs() < data.StartUs {
			data.StartUs = ev.StartUs()
		}
		if first || ev.EndUs() > data.EndUs {
			data.EndUs = ev.EndUs()
		}
		first = false
	}
}

// buildCommNodes extracts collective operations and correlates their
// device kernels by external id.
func (p *ChromeTraceParser) buildCommNodes(events []Event, data *Data) {
	// Device kernels indexed by external id, in timestamp order.
	kernelsByExtID := make(map[int][]run.KernelRange)
	for i := range events {
		ev := &events[i]
		if ev.Phase != "X" || !isKernel(ev.Category) {
			continue
		}
		if extID := ev.ExternalID(); extID != 0 {
			kernelsByExtID[extID] = append(kernelsByExtID[extID],
				run.KernelRange{Start: ev.StartUs(), End: ev.EndUs()})
		}
	}
	for _, ranges := range kernelsByExtID {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	}

	seq := 0
	for i := range events {
		ev := &events[i]
		if ev.Phase != "X" || !isCollective(ev) {
			continue
		}
		seq++
		commID := intArg(ev.Args, "Collective id", "collective_id")
		if commID == 0 {
			// Older traces omit the collective id; fall back to the
			// per-worker launch ordinal, which the framework keeps
			// consistent across workers.
			commID = seq
		}
		node := &run.CommNode{
			Name:         ev.Name,
			CommID:       commID,
			KernelRanges: kernelsByExtID[ev.ExternalID()],
		}
		if len(node.KernelRanges) == 0 {
			// No device kernels correlated; the annotation's own
			// interval is the best available measurement.
			node.KernelRanges = []run.KernelRange{{Start: ev.StartUs(), End: ev.EndUs()}}
		}
		data.CommNodes = append(data.CommNodes, node)
	}

	sort.SliceStable(data.CommNodes, func(i, j int) bool {
		return data.CommNodes[i].CommID < data.CommNodes[j].CommID
	})
	data.HasCommunication = len(data.CommNodes) > 0
}

func isKernel(category string) bool {
	return category == "kernel" || category == "Kernel" || category == "gpu_op"
}

func isCollective(ev *Event) bool {
	if ev.Category != "user_annotation" && ev.Category != "cpu_op" {
		return false
	}
	for _, prefix := range collectivePrefixes {
		if strings.HasPrefix(ev.Name, prefix) {
			return true
		}
	}
	return false
}
