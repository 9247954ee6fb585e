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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ServiceVersion is the profiler service version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for the profiler service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleListRuns handles GET /v1/profiler/runs.
//
// Response:
//
//	200 OK: []RunSummary
func (h *Handlers) HandleListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ListRuns())
}

// HandleLoadRun handles POST /v1/profiler/runs.
//
// Description:
//
//	Loads (or reloads) a run directory: discovers its trace files,
//	parses them in parallel, and reconciles communication across
//	workers.
//
// Request Body:
//
//	LoadRunRequest
//
// Response:
//
//	200 OK: LoadRunResponse
//	400 Bad Request: Validation error
//	409 Conflict: Load already in progress for this run
//	500 Internal Server Error: Load failure
func (h *Handlers) HandleLoadRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleLoadRun")

	var req LoadRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	sessionID := uuid.NewString()
	logger.Info("Loading run", "run", req.Name, "session_id", sessionID)

	start := time.Now()
	r, err := h.svc.LoadRun(c.Request.Context(), req.Name)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "LOAD_FAILED"

		if errors.Is(err, ErrInvalidRunName) {
			statusCode = http.StatusBadRequest
			errCode = "INVALID_RUN_NAME"
		} else if errors.Is(err, ErrLoadInProgress) {
			statusCode = http.StatusConflict
			errCode = "LOAD_IN_PROGRESS"
		}

		logger.Error("Load failed", "run", req.Name, "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Run loaded",
		"run", req.Name,
		"profiles", len(r.Profiles()),
		"elapsed_ms", time.Since(start).Milliseconds())

	c.JSON(http.StatusOK, LoadRunResponse{
		SessionID: sessionID,
		Run:       summarize(r),
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

// HandleGetRun handles GET /v1/profiler/runs/:name.
//
// Response:
//
//	200 OK: RunSummary
//	404 Not Found: Run has not been loaded
func (h *Handlers) HandleGetRun(c *gin.Context) {
	r, err := h.svc.GetRun(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "RUN_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, summarize(r))
}

// HandleWorkerProfiles handles GET /v1/profiler/runs/:name/profiles.
//
// Description:
//
//	Returns the per-(worker, span) run profiles in (worker, span)
//	order.
//
// Response:
//
//	200 OK: []run.RunProfile
//	404 Not Found: Run has not been loaded
func (h *Handlers) HandleWorkerProfiles(c *gin.Context) {
	r, err := h.svc.GetRun(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "RUN_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, r.Profiles())
}

// HandleDistributedProfile handles GET /v1/profiler/runs/:name/distributed.
//
// Description:
//
//	Returns the reconciled cross-worker communication view. Without a
//	span query parameter, all spans' views are returned; with one, only
//	that span's.
//
// Query Parameters:
//
//	span - optional span ordinal (0 for span-less runs)
//
// Response:
//
//	200 OK: []run.DistributedRunProfile or run.DistributedRunProfile
//	400 Bad Request: Malformed span parameter
//	404 Not Found: Run not loaded, or span has no distributed view
func (h *Handlers) HandleDistributedProfile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDistributedProfile")

	name := c.Param("name")
	spanParam := c.Query("span")
	if spanParam == "" {
		r, err := h.svc.GetRun(name)
		if err != nil {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: err.Error(),
				Code:  "RUN_NOT_FOUND",
			})
			return
		}
		c.JSON(http.StatusOK, r.DistributedProfiles())
		return
	}

	span, err := strconv.Atoi(spanParam)
	if err != nil {
		logger.Warn("Malformed span parameter", "span", spanParam)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "span must be an integer",
			Code:  "INVALID_SPAN",
		})
		return
	}

	dp, err := h.svc.DistributedProfile(name, span)
	if err != nil {
		code := "RUN_NOT_FOUND"
		if errors.Is(err, ErrSpanNotFound) {
			code = "SPAN_NOT_FOUND"
		}
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  code,
		})
		return
	}
	c.JSON(http.StatusOK, dp)
}

// HandleHealth handles GET /v1/profiler/health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/profiler/ready.
//
// Response:
//
//	200 OK: ReadyResponse
func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, ReadyResponse{
		Ready:    true,
		RunCount: h.svc.RunCount(),
	})
}

// getOrCreateRequestID returns the request's X-Request-ID, minting one
// when the caller didn't send any.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
