// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/AleutianProf/services/profiler/storage/badger"
)

// countingFetcher writes a file per fetch and counts invocations.
type countingFetcher struct {
	dir     string
	fetches atomic.Int64
}

func (f *countingFetcher) Fetch(ctx context.Context, remote string) (string, error) {
	f.fetches.Add(1)
	local, err := os.CreateTemp(f.dir, "fetched.*")
	if err != nil {
		return "", err
	}
	defer local.Close()
	if _, err := local.WriteString("trace data for " + remote); err != nil {
		return "", err
	}
	return local.Name(), nil
}

func newTestCache(t *testing.T) (*TraceCache, *countingFetcher) {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fetcher := &countingFetcher{dir: t.TempDir()}
	c := New(db, nil)
	c.RegisterFetcher("gs", fetcher)
	return c, fetcher
}

func TestResolveLocal_LocalPathPassesThrough(t *testing.T) {
	c, fetcher := newTestCache(t)

	local, err := c.ResolveLocal(context.Background(), "/runs/x/worker0.pt.trace.json")
	if err != nil {
		t.Fatalf("ResolveLocal() error = %v", err)
	}
	if local != "/runs/x/worker0.pt.trace.json" {
		t.Errorf("local = %s, want pass-through", local)
	}
	if fetcher.fetches.Load() != 0 {
		t.Error("local path should not trigger a fetch")
	}
}

func TestResolveLocal_FetchesOnceAndCaches(t *testing.T) {
	c, fetcher := newTestCache(t)
	ctx := context.Background()
	remote := "gs://bucket/run/worker0.pt.trace.json"

	first, err := c.ResolveLocal(ctx, remote)
	if err != nil {
		t.Fatalf("first ResolveLocal() error = %v", err)
	}
	second, err := c.ResolveLocal(ctx, remote)
	if err != nil {
		t.Fatalf("second ResolveLocal() error = %v", err)
	}

	if first != second {
		t.Errorf("resolutions differ: %s vs %s", first, second)
	}
	if got := fetcher.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestResolveLocal_RefetchesWhenCopyVanishes(t *testing.T) {
	c, fetcher := newTestCache(t)
	ctx := context.Background()
	remote := "gs://bucket/run/worker1.pt.trace.json"

	first, err := c.ResolveLocal(ctx, remote)
	if err != nil {
		t.Fatalf("ResolveLocal() error = %v", err)
	}
	if err := os.Remove(first); err != nil {
		t.Fatal(err)
	}

	second, err := c.ResolveLocal(ctx, remote)
	if err != nil {
		t.Fatalf("ResolveLocal() after removal error = %v", err)
	}
	if _, err := os.Stat(second); err != nil {
		t.Errorf("refetched copy missing: %v", err)
	}
	if got := fetcher.fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestResolveLocal_ConcurrentResolutionsCoalesce(t *testing.T) {
	c, fetcher := newTestCache(t)
	remote := "gs://bucket/run/worker2.pt.trace.json"

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ResolveLocal(context.Background(), remote); err != nil {
				t.Errorf("ResolveLocal() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fetcher.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (coalesced)", got)
	}
}

func TestResolveLocal_UnsupportedScheme(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.ResolveLocal(context.Background(), "s3://bucket/key")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("error = %v, want ErrUnsupportedScheme", err)
	}
}

func TestRegister(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	key := filepath.Join(t.TempDir(), "worker0.pt.trace.json.gz")
	actual := filepath.Join(t.TempDir(), "worker0.pt.trace.json")

	if err := c.Register(ctx, key, actual); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got, ok := c.lookup(key)
	if !ok || got != actual {
		t.Errorf("lookup = (%s, %v), want (%s, true)", got, ok, actual)
	}
}

func TestSplitGCSPath(t *testing.T) {
	tests := []struct {
		in          string
		bucket, obj string
		wantErr     bool
	}{
		{"gs://bucket/run/trace.json", "bucket", "run/trace.json", false},
		{"gs://bucket", "", "", true},
		{"gs:///object", "", "", true},
		{"/plain/path", "", "", true},
	}
	for _, tt := range tests {
		bucket, obj, err := splitGCSPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("splitGCSPath(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || obj != tt.obj {
			t.Errorf("splitGCSPath(%q) = (%s, %s), want (%s, %s)", tt.in, bucket, obj, tt.bucket, tt.obj)
		}
	}
}

func TestSchemeOf(t *testing.T) {
	if schemeOf("gs://b/o") != "gs" {
		t.Error("gs scheme not detected")
	}
	if schemeOf("/local/path") != "" {
		t.Error("local path misdetected as remote")
	}
	if schemeOf("C:/windows/style") != "" {
		t.Error("drive-letter path misdetected")
	}
}

func TestEnsureScratchDir(t *testing.T) {
	t.Run("empty falls back to temp dir", func(t *testing.T) {
		got, err := ensureScratchDir("")
		if err != nil {
			t.Fatalf("ensureScratchDir: %v", err)
		}
		if got != os.TempDir() {
			t.Errorf("got %q, want %q", got, os.TempDir())
		}
	})
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "scratch", "traces")
		got, err := ensureScratchDir(dir)
		if err != nil {
			t.Fatalf("ensureScratchDir: %v", err)
		}
		if got != dir {
			t.Errorf("got %q, want %q", got, dir)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("scratch dir not created: %v", err)
		}
	})
}
