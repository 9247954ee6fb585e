// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianProf/services/profiler/run"
	"github.com/AleutianAI/AleutianProf/services/profiler/trace"
)

// stubCache resolves every path to itself.
type stubCache struct{}

func (stubCache) ResolveLocal(_ context.Context, remote string) (string, error) {
	return remote, nil
}

func (stubCache) Register(context.Context, string, string) error { return nil }

// stubParser produces a canned fragment per worker, with one
// collective so two-worker runs get a distributed view.
type stubParser struct{}

func (stubParser) Parse(ctx context.Context, worker string, span int, path string) (*trace.Data, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	return &trace.Data{
		Worker:            worker,
		Span:              span,
		TracePath:         path,
		EndUs:             100,
		CategoryDurations: map[string]int64{"kernel": 40},
		EventCount:        4,
		KernelCount:       2,
		HasCommunication:  true,
		CommNodes: []*run.CommNode{
			{
				Name:         "nccl:all_reduce",
				CommID:       1,
				KernelRanges: []run.KernelRange{{Start: 10, End: 30}},
			},
		},
	}, path, nil
}

// newTestService builds a service over a temp runs root containing one
// run directory with trace files for the given workers.
func newTestService(t *testing.T, runName string, workers ...string) *Service {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, runName)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, w := range workers {
		name := fmt.Sprintf("%s.pt.trace.json", w)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("writing trace: %v", err)
		}
	}
	cfg := DefaultServiceConfig()
	cfg.RunsRoot = root
	return NewService(cfg, stubCache{}, stubParser{}, slog.New(slog.DiscardHandler))
}

func TestServiceLoadAndGetRun(t *testing.T) {
	svc := newTestService(t, "resnet50", "worker0", "worker1")

	r, err := svc.LoadRun(context.Background(), "resnet50")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if len(r.Profiles()) != 2 {
		t.Errorf("got %d profiles, want 2", len(r.Profiles()))
	}
	if len(r.DistributedProfiles()) != 1 {
		t.Errorf("got %d distributed profiles, want 1", len(r.DistributedProfiles()))
	}

	got, err := svc.GetRun("resnet50")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != r {
		t.Error("GetRun should return the stored run")
	}
	if svc.RunCount() != 1 {
		t.Errorf("RunCount = %d, want 1", svc.RunCount())
	}
}

func TestServiceGetRunUnknown(t *testing.T) {
	svc := newTestService(t, "resnet50", "worker0")
	if _, err := svc.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("got %v, want ErrRunNotFound", err)
	}
}

func TestServiceInvalidRunName(t *testing.T) {
	svc := newTestService(t, "resnet50", "worker0")
	for _, name := range []string{"", "..", "a/b", `a\b`} {
		if _, err := svc.LoadRun(context.Background(), name); !errors.Is(err, ErrInvalidRunName) {
			t.Errorf("LoadRun(%q) = %v, want ErrInvalidRunName", name, err)
		}
	}
}

func TestServiceDistributedProfile(t *testing.T) {
	svc := newTestService(t, "resnet50", "worker0", "worker1")
	if _, err := svc.LoadRun(context.Background(), "resnet50"); err != nil {
		t.Fatalf("LoadRun: %v", err)
	}

	dp, err := svc.DistributedProfile("resnet50", 0)
	if err != nil {
		t.Fatalf("DistributedProfile: %v", err)
	}
	if len(dp.Workers) != 2 {
		t.Errorf("got %d worker rows, want 2", len(dp.Workers))
	}

	if _, err := svc.DistributedProfile("resnet50", 7); !errors.Is(err, ErrSpanNotFound) {
		t.Errorf("got %v, want ErrSpanNotFound", err)
	}
}

func TestServiceListRunsSorted(t *testing.T) {
	svc := newTestService(t, "bert", "worker0")
	// Add a second run directory to the same root.
	dir := filepath.Join(svc.config.RunsRoot, "alexnet")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "w0.pt.trace.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("writing trace: %v", err)
	}

	for _, name := range []string{"bert", "alexnet"} {
		if _, err := svc.LoadRun(context.Background(), name); err != nil {
			t.Fatalf("LoadRun(%s): %v", name, err)
		}
	}

	summaries := svc.ListRuns()
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if summaries[0].Name != "alexnet" || summaries[1].Name != "bert" {
		t.Errorf("summaries out of order: %s, %s", summaries[0].Name, summaries[1].Name)
	}
	if summaries[1].ProfileCount != 1 {
		t.Errorf("bert profile count = %d, want 1", summaries[1].ProfileCount)
	}
}

func TestServiceDropRun(t *testing.T) {
	svc := newTestService(t, "resnet50", "worker0")
	if _, err := svc.LoadRun(context.Background(), "resnet50"); err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	svc.DropRun("resnet50")
	if _, err := svc.GetRun("resnet50"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("run should be gone after DropRun, got %v", err)
	}
	svc.DropRun("never-loaded")
}
