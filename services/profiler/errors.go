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

import "errors"

// Sentinel errors for the profiler service.
var (
	// ErrRunNotFound indicates no run with the given name has been loaded.
	ErrRunNotFound = errors.New("run not found")

	// ErrSpanNotFound indicates no distributed profile exists for the span.
	ErrSpanNotFound = errors.New("no distributed profile for span")

	// ErrLoadInProgress indicates another load is already running for this run.
	ErrLoadInProgress = errors.New("run load in progress")

	// ErrInvalidRunName indicates the run name escapes the runs root.
	ErrInvalidRunName = errors.New("invalid run name")
)
