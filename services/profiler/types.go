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

import "time"

// LoadRunRequest is the body for POST /v1/profiler/runs.
type LoadRunRequest struct {
	// Name is the run directory name under the runs root.
	Name string `json:"name" binding:"required"`
}

// LoadRunResponse is the response for POST /v1/profiler/runs.
type LoadRunResponse struct {
	// SessionID identifies this load in the logs.
	SessionID string `json:"session_id"`

	Run RunSummary `json:"run"`

	ElapsedMs int64 `json:"elapsed_ms"`
}

// RunSummary is the run-level listing entry.
type RunSummary struct {
	Name     string    `json:"name"`
	Dir      string    `json:"dir"`
	LoadedAt time.Time `json:"loaded_at"`

	// Workers is the distinct worker names, sorted.
	Workers []string `json:"workers"`

	// ProfileCount is the number of (worker, span) profiles.
	ProfileCount int `json:"profile_count"`

	// DistributedSpans lists the spans with a reconciled distributed
	// view. A single 0 means the run is span-less.
	DistributedSpans []int `json:"distributed_spans"`
}

// HealthResponse is the response for GET /v1/profiler/health.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/profiler/ready.
type ReadyResponse struct {
	// Ready is true if the service is ready to accept requests.
	Ready bool `json:"ready"`

	// RunCount is the number of loaded runs.
	RunCount int `json:"run_count"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}
