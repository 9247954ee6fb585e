// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trace

import (
	"bytes"
	"encoding/json"
)

// Event is one entry of a Chrome-trace-format traceEvents array, as
// emitted by the PyTorch profiler. Only the fields the profiler cares
// about are decoded; everything else is dropped.
type Event struct {
	Name     string         `json:"name"`
	Category string         `json:"cat"`
	Phase    string         `json:"ph"`
	Ts       float64        `json:"ts"`
	Dur      float64        `json:"dur"`
	PID      int            `json:"pid"`
	TID      int            `json:"tid"`
	Args     map[string]any `json:"args"`
}

// StartUs returns the event start in whole microseconds.
func (e *Event) StartUs() int64 {
	return int64(e.Ts)
}

// EndUs returns the event end in whole microseconds.
func (e *Event) EndUs() int64 {
	return int64(e.Ts + e.Dur)
}

// ExternalID returns the correlation id linking a CPU-side operation
// to the device kernels it launched, or 0 when absent.
func (e *Event) ExternalID() int {
	return intArg(e.Args, "External id")
}

// traceFile is the top-level trace document.
type traceFile struct {
	SchemaVersion   int             `json:"schemaVersion"`
	DisplayTimeUnit string          `json:"displayTimeUnit"`
	TraceEvents     []Event         `json:"traceEvents"`
	DistributedInfo distributedInfo `json:"distributedInfo"`
}

// UnmarshalJSON accepts both document forms the Chrome trace format
// allows: the usual object with a traceEvents field, and a bare event
// array.
func (t *traceFile) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(data, &t.TraceEvents)
	}
	type plain traceFile
	return json.Unmarshal(data, (*plain)(t))
}

// distributedInfo identifies the worker's place in the job.
type distributedInfo struct {
	Rank      int    `json:"rank"`
	WorldSize int    `json:"world_size"`
	Backend   string `json:"backend"`
}

// intArg reads an integer-valued arg under any of the given keys.
// Chrome trace args decode as float64; some producers emit strings.
func intArg(args map[string]any, keys ...string) int {
	for _, key := range keys {
		v, ok := args[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}
