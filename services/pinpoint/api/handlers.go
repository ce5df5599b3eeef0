// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the job service over HTTP and accepts push
// deliveries of completion notifications.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/pinpoint/pkg/validation"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/job"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/bisection"
	"github.com/AleutianAI/pinpoint/services/pinpoint/updates"
)

// Jobs is the job service as the handlers use it.
type Jobs interface {
	Create(ctx context.Context, opts bisection.TaskOptions, arguments map[string]string) (string, error)
	Start(ctx context.Context, jobID string) (evaluator.Accumulator, error)
	HandleUpdate(ctx context.Context, jobID string, ev evaluator.Event) error
	Results(ctx context.Context, jobID string) (*job.Results, error)
	Validate(ctx context.Context, jobID string) ([]job.Problem, error)
	Status(ctx context.Context, jobID string) (*job.Status, error)
	Jobs(ctx context.Context) ([]string, error)
}

// maxPushBody bounds a push delivery body.
const maxPushBody = 1 << 20

// Handlers holds the HTTP handlers.
type Handlers struct {
	jobs     Jobs
	listener *updates.Listener
	logger   *slog.Logger
}

// NewHandlers creates the handlers. logger may be nil.
func NewHandlers(jobs Jobs, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		jobs:     jobs,
		listener: updates.NewListener(nil, jobs, logger),
		logger:   logger,
	}
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Options   bisection.TaskOptions `json:"options"`
	Arguments map[string]string     `json:"arguments,omitempty"`

	// Start sends the initiate event after creating the job.
	Start bool `json:"start,omitempty"`
}

// CreateJobResponse is the reply to POST /v1/jobs.
type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Started bool   `json:"started"`
}

// ListJobsResponse is the reply to GET /v1/jobs.
type ListJobsResponse struct {
	Jobs []string `json:"jobs"`
}

// ValidateResponse is the reply to GET /v1/jobs/:id/validate.
type ValidateResponse struct {
	JobID    string        `json:"job_id"`
	Problems []job.Problem `json:"problems"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HandleCreateJob handles POST /v1/jobs.
//
// Response:
//
//	201 Created: CreateJobResponse
//	400 Bad Request: malformed body or invalid options
func (h *Handlers) HandleCreateJob(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCreateJob")

	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	jobID, err := h.jobs.Create(c.Request.Context(), req.Options, req.Arguments)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	resp := CreateJobResponse{JobID: jobID}
	if req.Start {
		if _, err := h.jobs.Start(c.Request.Context(), jobID); err != nil {
			h.fail(c, logger.With("job_id", jobID), err)
			return
		}
		resp.Started = true
	}
	logger.Info("Job created", "job_id", jobID, "started", resp.Started)
	c.JSON(http.StatusCreated, resp)
}

// HandleListJobs handles GET /v1/jobs.
func (h *Handlers) HandleListJobs(c *gin.Context) {
	ids, err := h.jobs.Jobs(c.Request.Context())
	if err != nil {
		h.fail(c, h.requestLogger(c, "HandleListJobs"), err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: ids})
}

// HandleStartJob handles POST /v1/jobs/:id/start.
func (h *Handlers) HandleStartJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.jobs.Start(c.Request.Context(), jobID); err != nil {
		h.fail(c, h.requestLogger(c, "HandleStartJob").With("job_id", jobID), err)
		return
	}
	h.respondStatus(c, jobID)
}

// HandleJobStatus handles GET /v1/jobs/:id.
func (h *Handlers) HandleJobStatus(c *gin.Context) {
	h.respondStatus(c, c.Param("id"))
}

func (h *Handlers) respondStatus(c *gin.Context, jobID string) {
	st, err := h.jobs.Status(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, h.requestLogger(c, "status").With("job_id", jobID), err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleJobResults handles GET /v1/jobs/:id/results.
func (h *Handlers) HandleJobResults(c *gin.Context) {
	jobID := c.Param("id")
	res, err := h.jobs.Results(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, h.requestLogger(c, "HandleJobResults").With("job_id", jobID), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleValidateJob handles GET /v1/jobs/:id/validate.
func (h *Handlers) HandleValidateJob(c *gin.Context) {
	jobID := c.Param("id")
	problems, err := h.jobs.Validate(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, h.requestLogger(c, "HandleValidateJob").With("job_id", jobID), err)
		return
	}
	if problems == nil {
		problems = []job.Problem{}
	}
	c.JSON(http.StatusOK, ValidateResponse{JobID: jobID, Problems: problems})
}

// HandlePush handles POST /v1/updates, the push subscription endpoint.
//
// Description:
//
//	A 2xx reply acknowledges the delivery. Malformed notifications and
//	notifications for unknown jobs are acknowledged with 204; handler
//	failures reply 503 so the notification is redelivered.
func (h *Handlers) HandlePush(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		h.requestLogger(c, "HandlePush").Warn("Reading push body failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if !h.listener.ProcessPush(c.Request.Context(), body) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "update not applied", Code: "RETRY"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps service errors to status codes.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, validation.ErrInvalid), errors.Is(err, job.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_OPTIONS"
	case errors.Is(err, task.ErrJobNotFound):
		status, code = http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, task.ErrJobExists):
		status, code = http.StatusConflict, "JOB_EXISTS"
	case errors.Is(err, task.ErrConcurrentModification):
		status, code = http.StatusConflict, "CONCURRENT_MODIFICATION"
	case errors.Is(err, evaluator.ErrNoFixedPoint):
		status, code = http.StatusUnprocessableEntity, "NO_FIXED_POINT"
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	} else {
		logger.Warn("Request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
