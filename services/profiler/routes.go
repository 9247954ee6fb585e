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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all profiler routes with the router.
//
// Description:
//
//	Registers all /v1/profiler/* endpoints with the given Gin router
//	group. The router group should already have any required middleware
//	applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/profiler/runs - List loaded runs
//	POST /v1/profiler/runs - Load (or reload) a run directory
//	GET  /v1/profiler/runs/:name - Get one run's summary
//	GET  /v1/profiler/runs/:name/profiles - Per-worker run profiles
//	GET  /v1/profiler/runs/:name/distributed - Distributed profiles (?span=N)
//
// Health Endpoints:
//
//	GET  /v1/profiler/health - Health check
//	GET  /v1/profiler/ready - Readiness check
//
// Example:
//
//	service := profiler.NewService(profiler.DefaultServiceConfig(), cache, nil, logger)
//	handlers := profiler.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	profiler.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	p := rg.Group("/profiler")
	{
		// Run lifecycle
		p.GET("/runs", handlers.HandleListRuns)
		p.POST("/runs", handlers.HandleLoadRun)
		p.GET("/runs/:name", handlers.HandleGetRun)

		// Profile views
		p.GET("/runs/:name/profiles", handlers.HandleWorkerProfiles)
		p.GET("/runs/:name/distributed", handlers.HandleDistributedProfile)

		// Health checks
		p.GET("/health", handlers.HandleHealth)
		p.GET("/ready", handlers.HandleReady)
	}
}
