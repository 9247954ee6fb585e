// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generator turns structured trace fragments into the profile
// representations served to clients. Both generators are pure
// transformations with no side effects.
package generator

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianProf/services/profiler/run"
	"github.com/AleutianAI/AleutianProf/services/profiler/trace"
)

// Generator produces run-level and distributed profiles.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// GenerateRunProfile derives the run-level profile fragment for one
// (worker, span) from its parsed trace data.
func (g *Generator) GenerateRunProfile(worker string, span int, data *trace.Data) (*run.RunProfile, error) {
	if data == nil {
		return nil, fmt.Errorf("generate run profile for %s: nil trace data", worker)
	}

	categories := make(map[string]int64, len(data.CategoryDurations))
	for cat, dur := range data.CategoryDurations {
		categories[cat] = dur
	}

	return &run.RunProfile{
		Worker:    worker,
		Span:      span,
		TracePath: data.TracePath,
		Overview: run.Overview{
			StartUs:           data.StartUs,
			EndUs:             data.EndUs,
			CategoryDurations: categories,
			EventCount:        data.EventCount,
			KernelCount:       data.KernelCount,
		},
	}, nil
}

// NewDistributedRunProfileData derives the distributed-profile
// fragment from parsed trace data. The fragment keeps its own copy of
// the node slice header so alignment trims cannot disturb the source.
func (g *Generator) NewDistributedRunProfileData(data *trace.Data) *run.DistributedRunProfileData {
	if data == nil {
		return nil
	}
	nodes := make([]*run.CommNode, len(data.CommNodes))
	copy(nodes, data.CommNodes)
	return &run.DistributedRunProfileData{
		Worker:           data.Worker,
		Span:             data.Span,
		HasCommunication: data.HasCommunication,
		CommNodeList:     nodes,
	}
}

// GenerateDistributedRunProfile builds the reconciled cross-worker
// view for one span from fragments that have been aligned and have
// had CommunicationParse run on them.
func (g *Generator) GenerateDistributedRunProfile(fragments []*run.DistributedRunProfileData, span int) (*run.DistributedRunProfile, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("generate distributed profile for span %d: no fragments", span)
	}

	profile := &run.DistributedRunProfile{Span: span}
	for _, f := range fragments {
		kernels := 0
		for _, node := range f.CommNodeList {
			kernels += len(node.KernelRanges)
		}
		profile.Workers = append(profile.Workers, run.WorkerCommStats{
			Worker:      f.Worker,
			CommUs:      f.TotalRealUs,
			WaitUs:      f.TotalWaitUs,
			NodeCount:   len(f.CommNodeList),
			KernelCount: kernels,
		})
	}
	sort.Slice(profile.Workers, func(i, j int) bool {
		return profile.Workers[i].Worker < profile.Workers[j].Worker
	})

	// Node ids and counts agree across workers after alignment; the
	// first fragment's stats describe the operation sequence.
	profile.Nodes = append(profile.Nodes, fragments[0].Stats...)

	return profile, nil
}
