// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package run

import (
	"sort"
	"time"
)

// Run is the top-level aggregate for one profiling run: an ordered
// collection of per-(worker, span) profiles plus the distributed
// communication views produced by alignment.
//
// Thread Safety:
//
//	Run is NOT safe for concurrent mutation. The loader appends all
//	fragments from a single collecting goroutine; after Load returns,
//	the Run is effectively read-only.
type Run struct {
	// Name identifies the run, typically the run directory's base name.
	Name string `json:"name"`

	// Dir is the run directory the traces were discovered in.
	Dir string `json:"dir"`

	// LoadedAt is when the load completed.
	LoadedAt time.Time `json:"loaded_at"`

	profiles    []*RunProfile
	distributed []*DistributedRunProfile
}

// New creates an empty Run for the given name and directory.
func New(name, dir string) *Run {
	return &Run{Name: name, Dir: dir}
}

// AddProfile appends a run-level profile fragment.
func (r *Run) AddProfile(p *RunProfile) {
	if p != nil {
		r.profiles = append(r.profiles, p)
	}
}

// AddDistributedProfile appends a reconciled distributed profile.
func (r *Run) AddDistributedProfile(p *DistributedRunProfile) {
	if p != nil {
		r.distributed = append(r.distributed, p)
	}
}

// Sort orders profiles by (worker, span) and distributed profiles by
// span. The loader calls this once after collection; arrival order
// carries no meaning.
func (r *Run) Sort() {
	sort.SliceStable(r.profiles, func(i, j int) bool {
		if r.profiles[i].Worker != r.profiles[j].Worker {
			return r.profiles[i].Worker < r.profiles[j].Worker
		}
		return r.profiles[i].Span < r.profiles[j].Span
	})
	sort.SliceStable(r.distributed, func(i, j int) bool {
		return r.distributed[i].Span < r.distributed[j].Span
	})
}

// Profiles returns the run-level profiles in sorted order.
func (r *Run) Profiles() []*RunProfile {
	return r.profiles
}

// DistributedProfiles returns the per-span distributed views. Spans
// that were disqualified during alignment are absent.
func (r *Run) DistributedProfiles() []*DistributedRunProfile {
	return r.distributed
}

// Workers returns the distinct worker names present in the run,
// sorted ascending.
func (r *Run) Workers() []string {
	seen := make(map[string]struct{})
	var workers []string
	for _, p := range r.profiles {
		if _, ok := seen[p.Worker]; !ok {
			seen[p.Worker] = struct{}{}
			workers = append(workers, p.Worker)
		}
	}
	sort.Strings(workers)
	return workers
}

// DistributedData accumulates the per-worker distributed fragments of
// one run, grouped by span, between collection and alignment.
type DistributedData struct {
	fragments []*DistributedRunProfileData
}

// Add appends one fragment. Nil fragments are ignored.
func (d *DistributedData) Add(f *DistributedRunProfileData) {
	if f != nil {
		d.fragments = append(d.fragments, f)
	}
}

// Len returns the number of accumulated fragments.
func (d *DistributedData) Len() int {
	return len(d.fragments)
}

// Spans returns the distinct span ordinals present across fragments,
// sorted ascending. When no fragment carries a span (all zero), Spans
// returns nil and alignment runs once over the whole run.
func (d *DistributedData) Spans() []int {
	spanless := true
	seen := make(map[int]struct{})
	var spans []int
	for _, f := range d.fragments {
		if f.Span != 0 {
			spanless = false
		}
		if _, ok := seen[f.Span]; !ok {
			seen[f.Span] = struct{}{}
			spans = append(spans, f.Span)
		}
	}
	if spanless {
		return nil
	}
	sort.Ints(spans)
	return spans
}

// Fragments returns the fragments belonging to the given span. With
// span 0 and a span-less run, it returns every fragment.
func (d *DistributedData) Fragments(span int) []*DistributedRunProfileData {
	if d.Spans() == nil {
		return d.fragments
	}
	var out []*DistributedRunProfileData
	for _, f := range d.fragments {
		if f.Span == span {
			out = append(out, f)
		}
	}
	return out
}
