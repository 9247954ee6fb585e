// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package align reconciles per-worker communication timing into one
// cross-worker-consistent distributed profile.
//
// Each worker profiles itself independently, so the same collective
// operation is reported with different counts, shapes, and clock skew
// across workers. Alignment intersects the comm_id ranges, trims the
// node lists to a common shape, and normalizes every kernel's duration
// to the minimum observed across workers: skew and measurement
// overhead only ever inflate a duration, so the smallest observation
// is the closest to the real communication time.
package align

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianProf/services/profiler/run"
)

var tracer = otel.Tracer("profiler.align")

// Reason explains why a span has no distributed view.
type Reason int

const (
	// ReasonNone means alignment succeeded.
	ReasonNone Reason = iota

	// ReasonNoCommunication means at least one worker in the span
	// recorded no communication, which disables the whole span.
	ReasonNoCommunication

	// ReasonNodeCountMismatch means workers disagreed on the number of
	// communication operations after trimming to the common comm_id
	// range.
	ReasonNodeCountMismatch

	// ReasonKernelCountMismatch means workers disagreed on per-node
	// kernel counts at a position the trailing trim could not reach.
	ReasonKernelCountMismatch

	// ReasonGenerationFailed means the reconciled fragments could not
	// be rendered into a profile.
	ReasonGenerationFailed
)

// String returns a short diagnostic label for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "aligned"
	case ReasonNoCommunication:
		return "no_communication"
	case ReasonNodeCountMismatch:
		return "node_count_mismatch"
	case ReasonKernelCountMismatch:
		return "kernel_count_mismatch"
	case ReasonGenerationFailed:
		return "generation_failed"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one alignment pass: either an
// aligned profile, or a disqualification reason. Disqualification is
// an expected outcome, not an error.
type Result struct {
	Profile *run.DistributedRunProfile
	Reason  Reason
}

// Aligned reports whether the span produced a distributed view.
func (r Result) Aligned() bool {
	return r.Reason == ReasonNone && r.Profile != nil
}

// DistributedGenerator renders reconciled fragments into the final
// distributed profile. Satisfied by generator.Generator.
type DistributedGenerator interface {
	GenerateDistributedRunProfile(fragments []*run.DistributedRunProfileData, span int) (*run.DistributedRunProfile, error)
}

// Aligner reconciles per-worker fragments for one span at a time.
//
// Thread Safety:
//
//	Aligner itself is stateless and safe for concurrent use, but each
//	fragment set must be aligned exactly once - alignment trims node
//	lists and fills real time ranges in place.
type Aligner struct {
	logger *slog.Logger
	gen    DistributedGenerator
}

// New creates an Aligner. A nil logger falls back to slog.Default().
func New(gen DistributedGenerator, logger *slog.Logger) *Aligner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aligner{logger: logger, gen: gen}
}

// Align reconciles the fragments of one span (span 0 for a span-less
// run) into a distributed profile, or reports why none exists.
//
// The steps, in order: eligibility scan, comm_id range intersection,
// range trim, trailing ragged-kernel trim, minimum-duration time
// reconciliation, and profile generation. Any structural mismatch
// disqualifies the whole span; it never aborts the load.
func (a *Aligner) Align(ctx context.Context, runName string, span int, fragments []*run.DistributedRunProfileData) Result {
	_, otelSpan := tracer.Start(ctx, "align.Align",
		trace.WithAttributes(
			attribute.String("run", runName),
			attribute.Int("span", span),
			attribute.Int("workers", len(fragments)),
		),
	)
	defer otelSpan.End()

	result := a.align(runName, span, fragments)

	otelSpan.SetAttributes(attribute.String("outcome", result.Reason.String()))
	if result.Aligned() {
		otelSpan.SetStatus(codes.Ok, "")
	} else {
		// Disqualification is an expected outcome; the span stays Ok.
		otelSpan.SetStatus(codes.Ok, result.Reason.String())
	}
	return result
}

func (a *Aligner) align(runName string, span int, fragments []*run.DistributedRunProfileData) Result {
	lists, ok := a.eligibleNodeLists(fragments)
	if !ok {
		a.logger.Debug("no communication profile for span",
			slog.String("run", runName), slog.Int("span", span))
		return Result{Reason: ReasonNoCommunication}
	}

	minID, maxID := commIDIntersection(lists)

	if !a.trimToRange(fragments, lists, minID, maxID) {
		a.logger.Error("communication node counts differ between workers",
			slog.String("run", runName), slog.Int("span", span))
		return Result{Reason: ReasonNodeCountMismatch}
	}

	trimRaggedTail(lists)

	if !a.reconcileRealTime(lists) {
		a.logger.Error("communication kernel counts differ between workers",
			slog.String("run", runName), slog.Int("span", span))
		return Result{Reason: ReasonKernelCountMismatch}
	}

	// Write the trimmed lists back before the fragments consume them.
	for i, f := range fragments {
		f.CommNodeList = lists[i]
		f.CommunicationParse()
	}

	profile, err := a.gen.GenerateDistributedRunProfile(fragments, span)
	if err != nil {
		a.logger.Error("distributed profile generation failed",
			slog.String("run", runName), slog.Int("span", span), slog.Any("error", err))
		return Result{Reason: ReasonGenerationFailed}
	}
	return Result{Profile: profile}
}

// eligibleNodeLists collects each fragment's node list. It reports
// false as soon as any worker has communication disabled or an empty
// list: one ineligible worker disables the span for everyone.
func (a *Aligner) eligibleNodeLists(fragments []*run.DistributedRunProfileData) ([][]*run.CommNode, bool) {
	if len(fragments) == 0 {
		return nil, false
	}
	lists := make([][]*run.CommNode, 0, len(fragments))
	for _, f := range fragments {
		if !f.HasCommunication || len(f.CommNodeList) == 0 {
			return nil, false
		}
		lists = append(lists, f.CommNodeList)
	}
	return lists, true
}

// commIDIntersection computes the common comm_id band: the maximum of
// per-worker minimums and the minimum of per-worker maximums. This
// assumes ids form a single contiguous overlapping band across
// workers; non-contiguous id sets may lose valid operations.
func commIDIntersection(lists [][]*run.CommNode) (minID, maxID int) {
	first := true
	for _, list := range lists {
		curMin, curMax := list[0].CommID, list[0].CommID
		for _, node := range list[1:] {
			if node.CommID < curMin {
				curMin = node.CommID
			}
			if node.CommID > curMax {
				curMax = node.CommID
			}
		}
		if first || curMin > minID {
			minID = curMin
		}
		if first || curMax < maxID {
			maxID = curMax
		}
		first = false
	}
	return minID, maxID
}

// trimToRange replaces each worker's list with a filtered copy keeping
// only nodes inside [minID, maxID]. It reports false when the trimmed
// lists disagree in length with the first worker's.
func (a *Aligner) trimToRange(fragments []*run.DistributedRunProfileData, lists [][]*run.CommNode, minID, maxID int) bool {
	for i, list := range lists {
		kept := make([]*run.CommNode, 0, len(list))
		for _, node := range list {
			if node.CommID >= minID && node.CommID <= maxID {
				kept = append(kept, node)
			}
		}
		lists[i] = kept
		if len(lists[i]) != len(lists[0]) {
			return false
		}
	}
	return true
}

// trimRaggedTail drops trailing nodes where workers disagree on kernel
// count, stopping at the first agreeing position from the end. An
// isolated ragged node in the interior is left alone; the defensive
// check in reconcileRealTime catches it and disqualifies the span.
// Trailing nodes are the likely victims of truncated capture windows,
// which is why only the tail is repaired.
func trimRaggedTail(lists [][]*run.CommNode) {
	for i := len(lists[0]) - 1; i >= 0; i-- {
		ragged := false
		for _, list := range lists[1:] {
			if len(list[i].KernelRanges) != len(lists[0][i].KernelRanges) {
				ragged = true
				break
			}
		}
		if !ragged {
			return
		}
		for j := range lists {
			lists[j] = lists[j][:i]
		}
	}
}

// reconcileRealTime assigns each kernel slot its real duration: the
// minimum duration across workers at that (node, kernel) position.
// Each worker's range becomes (end - realDuration, end) - the worker
// keeps its own end timestamp, only the start shifts.
func (a *Aligner) reconcileRealTime(lists [][]*run.CommNode) bool {
	for i := range lists[0] {
		kernelRangeSize := len(lists[0][i].KernelRanges)
		for _, list := range lists {
			// Should be impossible after the tail trim; re-checked
			// because an interior ragged node survives it.
			if len(list[i].KernelRanges) != kernelRangeSize {
				return false
			}
			list[i].RealTimeRanges = list[i].RealTimeRanges[:0]
		}
		for j := 0; j < kernelRangeSize; j++ {
			var minDur int64 = -1
			for _, list := range lists {
				if dur := list[i].KernelRanges[j].Duration(); minDur < 0 || dur < minDur {
					minDur = dur
				}
			}
			for _, list := range lists {
				end := list[i].KernelRanges[j].End
				list[i].RealTimeRanges = append(list[i].RealTimeRanges,
					run.KernelRange{Start: end - minDur, End: end})
			}
		}
	}
	return true
}
