// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the job routes with the router group.
//
// Endpoints:
//
//	GET  /jobs - List job ids
//	POST /jobs - Create a job, optionally starting it
//	GET  /jobs/:id - Task state counts
//	POST /jobs/:id/start - Send the initiate event
//	GET  /jobs/:id/results - Serialized tasks and analysis
//	GET  /jobs/:id/validate - Graph consistency problems
//	POST /updates - Push subscription endpoint
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	jobs := rg.Group("/jobs")
	{
		jobs.GET("", h.HandleListJobs)
		jobs.POST("", h.HandleCreateJob)
		jobs.GET("/:id", h.HandleJobStatus)
		jobs.POST("/:id/start", h.HandleStartJob)
		jobs.GET("/:id/results", h.HandleJobResults)
		jobs.GET("/:id/validate", h.HandleValidateJob)
	}
	rg.POST("/updates", h.HandlePush)
}

// NewRouter returns the service router: traced /v1 routes, /health, and
// /metrics when metrics is non-nil.
func NewRouter(service string, h *Handlers, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(service))

	router.GET("/health", h.HandleHealth)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	RegisterRoutes(router.Group("/v1"), h)
	return router
}
