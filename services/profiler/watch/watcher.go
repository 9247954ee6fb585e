// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reloads profiling runs when their directories change.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RunChangeHandler is called with the affected run names after the
// debounce window closes. Names are sorted and deduplicated.
type RunChangeHandler func(runs []string)

// RunWatcher watches a runs root directory and reports which runs
// changed, batched over a debounce window.
//
// A "run" is a direct subdirectory of the root; trace files written
// directly into the root belong to the pseudo-run ".". Profilers
// write trace files incrementally, so the debounce keeps a half
// written trace from triggering a reload on every flush.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single
// goroutine.
type RunWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	handler  RunChangeHandler
	debounce time.Duration
	logger   *slog.Logger

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// Options configures the RunWatcher.
type Options struct {
	// Debounce is how long to wait for more changes before reporting.
	// Default: 2s.
	Debounce time.Duration

	// BufferSize is the size of the change buffer channel.
	// Default: 256.
	BufferSize int

	// Logger receives watcher errors. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:   2 * time.Second,
		BufferSize: 256,
	}
}

// New creates a watcher over the given runs root.
//
// Inputs:
//   - root: the directory whose subdirectories are profiling runs.
//   - handler: called with batched run names after debounce.
//   - opts: optional configuration (nil uses defaults).
func New(root string, handler RunChangeHandler, opts *Options) (*RunWatcher, error) {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &RunWatcher{
		root:     root,
		watcher:  watcher,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		changes:  make(chan string, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It watches the root and every existing run
// directory; run directories created later are picked up from their
// create events. Both internal goroutines exit when Stop is called or
// the context is cancelled.
func (w *RunWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRunDirs(); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *RunWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *RunWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// addRunDirs watches the root and its direct subdirectories. Deeper
// nesting doesn't matter: trace files live at run-directory depth.
func (w *RunWatcher) addRunDirs() error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.watcher.Add(filepath.Join(w.root, entry.Name())); err != nil {
			w.logger.Warn("failed to watch run directory",
				slog.String("dir", entry.Name()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// runFor maps a changed path to its run name: the first path element
// under the root, or "." for files in the root itself. Empty means
// the path is outside the root.
func (w *RunWatcher) runFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		return rel[:i]
	}
	// A direct child: a run directory itself or a root-level trace.
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return rel
	}
	return "."
}

func (w *RunWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			run := w.runFor(event.Name)
			if run == "" {
				continue
			}

			select {
			case w.changes <- run:
			default:
				// Buffer full; the debouncer will still see this run
				// from an earlier queued event or the next write.
			}

			// New run directory: watch it for trace files.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Warn("failed to watch new run directory",
							slog.String("dir", event.Name),
							slog.String("error", err.Error()))
					}
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop collects run names and calls the handler once the
// debounce window passes without new changes.
func (w *RunWatcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) > 0 && w.handler != nil {
			runs := make([]string, 0, len(pending))
			for run := range pending {
				runs = append(runs, run)
			}
			sort.Strings(runs)
			w.handler(runs)
			clear(pending)
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case run := <-w.changes:
			pending[run] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// ListRuns returns the names of the run directories currently under
// the root, sorted.
func ListRuns(root string) ([]string, error) {
	var runs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		runs = append(runs, d.Name())
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(runs)
	return runs, nil
}
