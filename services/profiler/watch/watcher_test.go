// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestRunForMapsPathsToRuns(t *testing.T) {
	w := &RunWatcher{root: "/data/runs"}

	tests := []struct {
		path string
		want string
	}{
		{"/data/runs/resnet50/worker0.pt.trace.json", "resnet50"},
		{"/data/runs/resnet50/nested/file", "resnet50"},
		{"/data/runs/worker0.pt.trace.json", "."},
		{"/elsewhere/file", ""},
	}
	for _, tt := range tests {
		if got := w.runFor(tt.path); got != tt.want {
			t.Errorf("runFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestWatcherReportsChangedRuns(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "run1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var (
		mu      sync.Mutex
		batches [][]string
	)
	notify := make(chan struct{}, 8)
	handler := func(runs []string) {
		mu.Lock()
		batches = append(batches, runs)
		mu.Unlock()
		notify <- struct{}{}
	}

	opts := DefaultOptions()
	opts.Debounce = 50 * time.Millisecond
	w, err := New(root, handler, &opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !w.IsWatching() {
		t.Fatal("watcher should report watching after Start")
	}

	// Several writes into the same run collapse into one batch.
	for i := 0; i < 3; i++ {
		path := filepath.Join(root, "run1", "worker0.pt.trace.json")
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change batch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1: %v", len(batches), batches)
	}
	if !reflect.DeepEqual(batches[0], []string{"run1"}) {
		t.Errorf("batch = %v, want [run1]", batches[0])
	}
}

func TestWatcherPicksUpNewRunDirectory(t *testing.T) {
	root := t.TempDir()

	notify := make(chan []string, 8)
	opts := DefaultOptions()
	opts.Debounce = 50 * time.Millisecond
	w, err := New(root, func(runs []string) { notify <- runs }, &opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.Mkdir(filepath.Join(root, "fresh"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	select {
	case runs := <-notify:
		if !reflect.DeepEqual(runs, []string{"fresh"}) {
			t.Errorf("runs = %v, want [fresh]", runs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for new run directory event")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Stop()
	w.Stop()
	if w.IsWatching() {
		t.Error("watcher should not report watching after Stop")
	}
}

func TestListRuns(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"bert", "resnet50"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	runs, err := ListRuns(root)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if !reflect.DeepEqual(runs, []string{"bert", "resnet50"}) {
		t.Errorf("runs = %v", runs)
	}
}
