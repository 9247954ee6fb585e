// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package run defines the profile data model for one profiling run:
// per-worker run profiles, per-worker distributed communication
// fragments, and the Run aggregate that owns them.
//
// All timestamps and durations are in microseconds, matching the
// trace format's time unit.
package run

// KernelRange is one device-level execution interval.
type KernelRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Duration returns End - Start in microseconds.
func (r KernelRange) Duration() int64 {
	return r.End - r.Start
}

// CommNode is one logical communication (collective) operation.
//
// CommID correlates the same logical operation across workers: it is
// assigned consistently and increasingly by the profiled framework, so
// node 17 on worker A and node 17 on worker B are the same collective.
type CommNode struct {
	// Name is the collective's display name, e.g. "nccl:all_reduce".
	Name string `json:"name"`

	// CommID identifies the logical operation across workers.
	CommID int `json:"comm_id"`

	// KernelRanges holds one (start, end) interval per device kernel
	// invocation within this operation, in launch order.
	KernelRanges []KernelRange `json:"kernel_ranges"`

	// RealTimeRanges is populated during alignment: each kernel range
	// re-expressed as (end - realDuration, end), where realDuration is
	// the minimum observed duration across workers at that position.
	RealTimeRanges []KernelRange `json:"real_time_ranges,omitempty"`
}

// NodeCommStats is the per-node timing split computed after alignment.
type NodeCommStats struct {
	Name string `json:"name"`

	CommID int `json:"comm_id"`

	// RealUs is the reconciled communication time for this node.
	RealUs int64 `json:"real_us"`

	// WaitUs is the measured kernel time in excess of RealUs: time the
	// worker spent waiting on its peers rather than moving data.
	WaitUs int64 `json:"wait_us"`
}

// DistributedRunProfileData is the per-(worker, span) fragment of the
// distributed communication profile.
//
// Ownership: the fragment belongs to the loader task that produced it
// until it is published; the aggregator then hands it to the aligner
// for exactly one alignment pass, which trims CommNodeList and fills
// RealTimeRanges in place.
type DistributedRunProfileData struct {
	Worker string `json:"worker"`

	// Span is the 1-based span ordinal, or 0 when the run has no spans.
	Span int `json:"span,omitempty"`

	// HasCommunication reports whether the worker recorded any
	// communication at all. When false for any worker in a span, the
	// whole span has no distributed view.
	HasCommunication bool `json:"has_communication"`

	// CommNodeList is ordered by CommID ascending.
	CommNodeList []*CommNode `json:"comm_node_list"`

	// Stats is filled by CommunicationParse after alignment.
	Stats []NodeCommStats `json:"stats,omitempty"`

	// TotalRealUs and TotalWaitUs are aggregate sums over Stats.
	TotalRealUs int64 `json:"total_real_us"`
	TotalWaitUs int64 `json:"total_wait_us"`
}

// CommunicationParse consumes the trimmed and annotated node list,
// computing the per-node communication/wait split from the reconciled
// real time ranges. Called once per fragment at the end of alignment.
func (d *DistributedRunProfileData) CommunicationParse() {
	d.Stats = d.Stats[:0]
	d.TotalRealUs = 0
	d.TotalWaitUs = 0
	for _, node := range d.CommNodeList {
		var kernelUs, realUs int64
		for _, r := range node.KernelRanges {
			kernelUs += r.Duration()
		}
		for _, r := range node.RealTimeRanges {
			realUs += r.Duration()
		}
		wait := kernelUs - realUs
		if wait < 0 {
			wait = 0
		}
		d.Stats = append(d.Stats, NodeCommStats{
			Name:   node.Name,
			CommID: node.CommID,
			RealUs: realUs,
			WaitUs: wait,
		})
		d.TotalRealUs += realUs
		d.TotalWaitUs += wait
	}
}

// Overview summarizes one worker's trace for the run-level view.
type Overview struct {
	StartUs int64 `json:"start_us"`
	EndUs   int64 `json:"end_us"`

	// CategoryDurations maps event category ("kernel", "cpu_op", ...)
	// to total self time in microseconds.
	CategoryDurations map[string]int64 `json:"category_durations"`

	EventCount  int `json:"event_count"`
	KernelCount int `json:"kernel_count"`
}

// RunProfile is the run-level profile fragment for one (worker, span).
type RunProfile struct {
	Worker string `json:"worker"`

	// Span is the 1-based span ordinal, or 0 when the run has no spans.
	Span int `json:"span,omitempty"`

	// TracePath is the trace file the profile was built from.
	TracePath string `json:"trace_path"`

	Overview Overview `json:"overview"`
}

// WorkerCommStats is one worker's row in the distributed profile.
type WorkerCommStats struct {
	Worker string `json:"worker"`

	// CommUs is the total reconciled communication time.
	CommUs int64 `json:"comm_us"`

	// WaitUs is the total cross-worker wait time.
	WaitUs int64 `json:"wait_us"`

	NodeCount   int `json:"node_count"`
	KernelCount int `json:"kernel_count"`
}

// DistributedRunProfile is the reconciled cross-worker communication
// view for one span (or the whole run when Span is 0).
type DistributedRunProfile struct {
	Span int `json:"span,omitempty"`

	// Workers is ordered by worker name.
	Workers []WorkerCommStats `json:"workers"`

	// Nodes is the per-operation stats of the first worker's list;
	// after alignment every worker agrees on node count and ids.
	Nodes []NodeCommStats `json:"nodes"`
}
