// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package align

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianProf/services/profiler/generator"
	"github.com/AleutianAI/AleutianProf/services/profiler/run"
)

// node builds a CommNode with one synthetic kernel range per duration,
// each ending at end and lasting the given duration.
func node(commID int, ranges ...run.KernelRange) *run.CommNode {
	return &run.CommNode{
		Name:         "nccl:all_reduce",
		CommID:       commID,
		KernelRanges: ranges,
	}
}

func fragment(worker string, span int, nodes ...*run.CommNode) *run.DistributedRunProfileData {
	return &run.DistributedRunProfileData{
		Worker:           worker,
		Span:             span,
		HasCommunication: len(nodes) > 0,
		CommNodeList:     nodes,
	}
}

func newAligner() *Aligner {
	return New(generator.New(), nil)
}

func TestAlign_CommIDIntersection(t *testing.T) {
	// Comm ids {1,2,3} vs {2,3,4} intersect to the band [2,3].
	w0 := fragment("w0", 0,
		node(1, run.KernelRange{Start: 0, End: 10}),
		node(2, run.KernelRange{Start: 20, End: 30}),
		node(3, run.KernelRange{Start: 40, End: 50}),
	)
	w1 := fragment("w1", 0,
		node(2, run.KernelRange{Start: 21, End: 33}),
		node(3, run.KernelRange{Start: 41, End: 55}),
		node(4, run.KernelRange{Start: 60, End: 70}),
	)

	res := newAligner().Align(context.Background(), "test", 0, []*run.DistributedRunProfileData{w0, w1})
	if !res.Aligned() {
		t.Fatalf("Align() = %v, want aligned", res.Reason)
	}

	for _, f := range []*run.DistributedRunProfileData{w0, w1} {
		if len(f.CommNodeList) != 2 {
			t.Fatalf("%s nodes = %d, want 2", f.Worker, len(f.CommNodeList))
		}
		if f.CommNodeList[0].CommID != 2 || f.CommNodeList[1].CommID != 3 {
			t.Errorf("%s surviving ids = (%d, %d), want (2, 3)",
				f.Worker, f.CommNodeList[0].CommID, f.CommNodeList[1].CommID)
		}
	}
}

func TestAlign_RealTimeReconciliation(t *testing.T) {
	// Node 5: w0 measures 10us, w1 measures 12us -> real duration 10.
	w0 := fragment("w0", 0, node(5, run.KernelRange{Start: 100, End: 110}))
	w1 := fragment("w1", 0, node(5, run.KernelRange{Start: 103, End: 115}))

	res := newAligner().Align(context.Background(), "test", 0, []*run.DistributedRunProfileData{w0, w1})
	if !res.Aligned() {
		t.Fatalf("Align() = %v, want aligned", res.Reason)
	}

	// Each worker keeps its own end timestamp; only start shifts.
	got0 := w0.CommNodeList[0].RealTimeRanges[0]
	if got0.Start != 100 || got0.End != 110 {
		t.Errorf("w0 real range = %+v, want [100, 110]", got0)
	}
	got1 := w1.CommNodeList[0].RealTimeRanges[0]
	if got1.Start != 105 || got1.End != 115 {
		t.Errorf("w1 real range = %+v, want [105, 115]", got1)
	}

	// The worker that waited longer shows the wait in its stats.
	if w1.TotalWaitUs != 2 {
		t.Errorf("w1 wait = %d, want 2", w1.TotalWaitUs)
	}
	if w0.TotalWaitUs != 0 {
		t.Errorf("w0 wait = %d, want 0", w0.TotalWaitUs)
	}

	if len(res.Profile.Workers) != 2 {
		t.Fatalf("profile workers = %d, want 2", len(res.Profile.Workers))
	}
	if res.Profile.Workers[0].CommUs != 10 || res.Profile.Workers[1].CommUs != 10 {
		t.Errorf("reconciled comm times = %+v", res.Profile.Workers)
	}
}

func TestAlign_RaggedKernelTailTrim(t *testing.T) {
	// Last shared node has 5 kernel ranges on one worker and 3 on the
	// other; it is dropped from both and alignment proceeds.
	mk := func(n int) []run.KernelRange {
		ranges := make([]run.KernelRange, n)
		for i := range ranges {
			ranges[i] = run.KernelRange{Start: int64(i * 10), End: int64(i*10 + 5)}
		}
		return ranges
	}
	w0 := fragment("w0", 0,
		node(1, run.KernelRange{Start: 0, End: 10}),
		node(2, mk(5)...),
	)
	w1 := fragment("w1", 0,
		node(1, run.KernelRange{Start: 2, End: 11}),
		node(2, mk(3)...),
	)

	res := newAligner().Align(context.Background(), "test", 0, []*run.DistributedRunProfileData{w0, w1})
	if !res.Aligned() {
		t.Fatalf("Align() = %v, want aligned", res.Reason)
	}
	if len(w0.CommNodeList) != 1 || len(w1.CommNodeList) != 1 {
		t.Errorf("surviving nodes = (%d, %d), want (1, 1)",
			len(w0.CommNodeList), len(w1.CommNodeList))
	}
	if w0.CommNodeList[0].CommID != 1 {
		t.Errorf("surviving id = %d, want 1", w0.CommNodeList[0].CommID)
	}
}

func TestAlign_Disqualifications(t *testing.T) {
	t.Run("worker without communication disables span", func(t *testing.T) {
		w0 := fragment("w0", 0, node(1, run.KernelRange{Start: 0, End: 10}))
		w1 := fragment("w1", 0) // no nodes

		res := newAligner().Align(context.Background(), "test", 0,
			[]*run.DistributedRunProfileData{w0, w1})
		if res.Aligned() || res.Reason != ReasonNoCommunication {
			t.Errorf("Reason = %v, want ReasonNoCommunication", res.Reason)
		}
	})

	t.Run("empty fragment group", func(t *testing.T) {
		res := newAligner().Align(context.Background(), "test", 0, nil)
		if res.Reason != ReasonNoCommunication {
			t.Errorf("Reason = %v, want ReasonNoCommunication", res.Reason)
		}
	})

	t.Run("node count mismatch after range trim", func(t *testing.T) {
		// Duplicate id 2 on w1: both fall inside the intersection, so
		// the trimmed lists end up with different lengths.
		w0 := fragment("w0", 0,
			node(2, run.KernelRange{Start: 0, End: 10}),
		)
		w1 := fragment("w1", 0,
			node(2, run.KernelRange{Start: 0, End: 10}),
			node(2, run.KernelRange{Start: 20, End: 30}),
		)

		res := newAligner().Align(context.Background(), "test", 0,
			[]*run.DistributedRunProfileData{w0, w1})
		if res.Aligned() || res.Reason != ReasonNodeCountMismatch {
			t.Errorf("Reason = %v, want ReasonNodeCountMismatch", res.Reason)
		}
	})

	t.Run("interior ragged node disqualifies", func(t *testing.T) {
		// Mismatch at position 0 with agreement at the tail: the
		// trailing trim stops immediately, the defensive check fires.
		w0 := fragment("w0", 0,
			node(1, run.KernelRange{Start: 0, End: 10}, run.KernelRange{Start: 12, End: 15}),
			node(2, run.KernelRange{Start: 20, End: 30}),
		)
		w1 := fragment("w1", 0,
			node(1, run.KernelRange{Start: 0, End: 10}),
			node(2, run.KernelRange{Start: 21, End: 31}),
		)

		res := newAligner().Align(context.Background(), "test", 0,
			[]*run.DistributedRunProfileData{w0, w1})
		if res.Aligned() || res.Reason != ReasonKernelCountMismatch {
			t.Errorf("Reason = %v, want ReasonKernelCountMismatch", res.Reason)
		}
	})
}

// failingGenerator always errors, exercising the generation fallback.
type failingGenerator struct{}

func (failingGenerator) GenerateDistributedRunProfile([]*run.DistributedRunProfileData, int) (*run.DistributedRunProfile, error) {
	return nil, errors.New("boom")
}

func TestAlign_GenerationFailure(t *testing.T) {
	a := New(failingGenerator{}, nil)
	w0 := fragment("w0", 0, node(1, run.KernelRange{Start: 0, End: 10}))
	w1 := fragment("w1", 0, node(1, run.KernelRange{Start: 1, End: 12}))

	res := a.Align(context.Background(), "test", 0, []*run.DistributedRunProfileData{w0, w1})
	if res.Aligned() || res.Reason != ReasonGenerationFailed {
		t.Errorf("Reason = %v, want ReasonGenerationFailed", res.Reason)
	}
}

func TestReason_String(t *testing.T) {
	tests := []struct {
		reason Reason
		want   string
	}{
		{ReasonNone, "aligned"},
		{ReasonNoCommunication, "no_communication"},
		{ReasonNodeCountMismatch, "node_count_mismatch"},
		{ReasonKernelCountMismatch, "kernel_count_mismatch"},
		{ReasonGenerationFailed, "generation_failed"},
		{Reason(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("Reason(%d).String() = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
