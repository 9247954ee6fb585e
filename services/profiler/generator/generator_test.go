// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

import (
	"testing"

	"github.com/AleutianAI/AleutianProf/services/profiler/run"
	"github.com/AleutianAI/AleutianProf/services/profiler/trace"
)

func TestGenerateRunProfile(t *testing.T) {
	g := New()
	data := &trace.Data{
		Worker:            "worker0",
		Span:              2,
		TracePath:         "/tmp/worker0.2.pt.trace.json",
		StartUs:           100,
		EndUs:             900,
		CategoryDurations: map[string]int64{"kernel": 300, "cpu_op": 450},
		EventCount:        12,
		KernelCount:       5,
	}

	p, err := g.GenerateRunProfile("worker0", 2, data)
	if err != nil {
		t.Fatalf("GenerateRunProfile() error = %v", err)
	}
	if p.Worker != "worker0" || p.Span != 2 {
		t.Errorf("identity = (%s, %d)", p.Worker, p.Span)
	}
	if p.Overview.CategoryDurations["kernel"] != 300 {
		t.Errorf("kernel duration = %d, want 300", p.Overview.CategoryDurations["kernel"])
	}

	// The profile must own its category map.
	data.CategoryDurations["kernel"] = 0
	if p.Overview.CategoryDurations["kernel"] != 300 {
		t.Error("profile shares category map with source data")
	}

	if _, err := g.GenerateRunProfile("w", 0, nil); err == nil {
		t.Error("expected error for nil data")
	}
}

func TestNewDistributedRunProfileData(t *testing.T) {
	g := New()
	data := &trace.Data{
		Worker:           "worker1",
		Span:             1,
		HasCommunication: true,
		CommNodes: []*run.CommNode{
			{CommID: 1}, {CommID: 2},
		},
	}

	d := g.NewDistributedRunProfileData(data)
	if d.Worker != "worker1" || d.Span != 1 || !d.HasCommunication {
		t.Errorf("fragment = %+v", d)
	}
	if len(d.CommNodeList) != 2 {
		t.Fatalf("nodes = %d, want 2", len(d.CommNodeList))
	}

	// Trimming the fragment's list must not disturb the source slice.
	d.CommNodeList = d.CommNodeList[:1]
	if len(data.CommNodes) != 2 {
		t.Error("trim leaked into source data")
	}

	if g.NewDistributedRunProfileData(nil) != nil {
		t.Error("nil data should yield nil fragment")
	}
}

func TestGenerateDistributedRunProfile(t *testing.T) {
	g := New()
	frags := []*run.DistributedRunProfileData{
		{
			Worker:      "worker1",
			TotalRealUs: 50,
			TotalWaitUs: 10,
			CommNodeList: []*run.CommNode{
				{CommID: 1, KernelRanges: []run.KernelRange{{Start: 0, End: 10}}},
			},
			Stats: []run.NodeCommStats{{CommID: 1, RealUs: 50, WaitUs: 10}},
		},
		{
			Worker:      "worker0",
			TotalRealUs: 50,
			TotalWaitUs: 25,
			CommNodeList: []*run.CommNode{
				{CommID: 1, KernelRanges: []run.KernelRange{{Start: 0, End: 10}, {Start: 20, End: 30}}},
			},
			Stats: []run.NodeCommStats{{CommID: 1, RealUs: 50, WaitUs: 25}},
		},
	}

	p, err := g.GenerateDistributedRunProfile(frags, 3)
	if err != nil {
		t.Fatalf("GenerateDistributedRunProfile() error = %v", err)
	}
	if p.Span != 3 {
		t.Errorf("span = %d, want 3", p.Span)
	}
	if len(p.Workers) != 2 || p.Workers[0].Worker != "worker0" {
		t.Errorf("workers not sorted by name: %+v", p.Workers)
	}
	if p.Workers[0].KernelCount != 2 || p.Workers[1].KernelCount != 1 {
		t.Errorf("kernel counts = (%d, %d)", p.Workers[0].KernelCount, p.Workers[1].KernelCount)
	}
	if len(p.Nodes) != 1 || p.Nodes[0].CommID != 1 {
		t.Errorf("nodes = %+v", p.Nodes)
	}

	if _, err := g.GenerateDistributedRunProfile(nil, 0); err == nil {
		t.Error("expected error for empty fragment list")
	}
}
