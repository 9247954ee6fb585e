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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// workerPattern matches PyTorch profiler trace file names:
// {worker}[.{span}].pt.trace.json[.gz]. Group 1 is the worker label,
// group 2 the optional span timestamp (with its leading dot).
var workerPattern = regexp.MustCompile(`^(.*?)(\.\d+)?\.pt\.trace\.json(\.gz)?$`)

// TraceFile is one discovered trace: a (worker, span ordinal, path)
// tuple. Span is the 1-based position of the file's span timestamp in
// the worker's sorted span sequence, or 0 for span-less files.
type TraceFile struct {
	Worker string
	Span   int
	Path   string
}

// Discover scans a run directory and resolves every matching trace
// file to a TraceFile tuple. Subdirectories and files that don't match
// the naming convention are silently skipped. An empty directory
// yields an empty slice, not an error.
//
// Span ordinals are assigned per worker: span timestamps are kept in
// sorted order (duplicates allowed, ties by insertion order) and the
// position in that sequence, counted from 1, becomes the ordinal.
// Different workers' ordinals are independent.
func Discover(dir string) ([]TraceFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading run directory %s: %w", dir, err)
	}

	type rawFile struct {
		worker string
		span   string
		path   string
	}
	var raw []rawFile
	spansByWorker := make(map[string][]string)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := workerPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		worker := m[1]
		span := strings.TrimPrefix(m[2], ".")
		if span != "" {
			spansByWorker[worker] = insortRight(spansByWorker[worker], span)
		}
		raw = append(raw, rawFile{
			worker: worker,
			span:   span,
			path:   filepath.Join(dir, entry.Name()),
		})
	}

	// (worker, span timestamp) -> 1-based ordinal. Duplicate
	// timestamps collapse onto the same key, so files sharing a span
	// resolve to the same ordinal.
	spanIndex := make(map[[2]string]int)
	for worker, spans := range spansByWorker {
		for i, span := range spans {
			spanIndex[[2]string{worker, span}] = i + 1
		}
	}

	files := make([]TraceFile, 0, len(raw))
	for _, rf := range raw {
		index := 0
		if rf.span != "" {
			index = spanIndex[[2]string{rf.worker, rf.span}]
		}
		files = append(files, TraceFile{Worker: rf.worker, Span: index, Path: rf.path})
	}
	return files, nil
}

// insortRight inserts value into the sorted slice after any equal
// elements, preserving insertion order among duplicates.
func insortRight(sorted []string, value string) []string {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] > value })
	sorted = append(sorted, "")
	copy(sorted[i+1:], sorted[i:])
	sorted[i] = value
	return sorted
}
