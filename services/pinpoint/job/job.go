// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package job runs bisection jobs end to end: it creates the task graph,
// drives it with initiate and update events, and projects the results.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/bisection"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/findisolate"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/readvalue"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/runtest"
	"github.com/AleutianAI/pinpoint/services/pinpoint/telemetry"
)

var tracer = otel.Tracer("pinpoint.job")

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned for an empty job id or a nil dependency.
	ErrInvalidInput = errors.New("invalid input")
)

// Dependencies are the external services the stage visitors talk to.
type Dependencies struct {
	Source clients.SourceControl
	Builds clients.BuildService
	Tasks  clients.TaskService
	Blobs  clients.Retriever

	// Cache is optional.
	Cache clients.IsolateCache
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxPasses bounds the evaluator passes per event.
func WithMaxPasses(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPasses = n
		}
	}
}

// WithAnalysisDefaults fills analysis options a job leaves unset.
func WithAnalysisDefaults(o bisection.AnalysisOptions) Option {
	return func(s *Service) {
		s.analysis = o
	}
}

// Service runs jobs against one store.
//
// Thread Safety: Safe for concurrent use. Concurrent events on one job are
// serialized by the store's revision check.
type Service struct {
	store     task.Store
	deps      Dependencies
	eval      *evaluator.Evaluator
	logger    *slog.Logger
	maxPasses int
	analysis  bisection.AnalysisOptions
}

// NewService creates a Service.
//
// Inputs:
//
//	store - Persistence for job graphs. Must not be nil.
//	deps - External services. Source, Builds, Tasks and Blobs must be set.
//	opts - Optional settings.
//
// Outputs:
//
//	*Service - The service.
//	error - ErrInvalidInput for a missing dependency.
func NewService(store task.Store, deps Dependencies, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store must not be nil", ErrInvalidInput)
	}
	if deps.Source == nil || deps.Builds == nil || deps.Tasks == nil || deps.Blobs == nil {
		return nil, fmt.Errorf("%w: source, builds, tasks and blobs are required", ErrInvalidInput)
	}
	s := &Service{
		store:     store,
		deps:      deps,
		logger:    slog.Default(),
		maxPasses: evaluator.DefaultMaxPasses,
		analysis:  bisection.AnalysisOptions{}.WithDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	eval, err := evaluator.New(store,
		evaluator.WithLogger(s.logger),
		evaluator.WithMaxPasses(s.maxPasses),
		evaluator.WithPartialDependencies(runtest.TaskType, bisection.TaskType),
	)
	if err != nil {
		return nil, err
	}
	s.eval = eval
	return s, nil
}

// visitor is the full stage visitor for one job.
func (s *Service) visitor(jobID string) evaluator.Visitor {
	logger := s.logger.With("job_id", jobID)
	return evaluator.Sequence{
		findisolate.NewVisitor(jobID, findisolate.Dependencies{Builds: s.deps.Builds, Cache: s.deps.Cache, Logger: logger}),
		runtest.NewVisitor(jobID, runtest.Dependencies{Tasks: s.deps.Tasks, Logger: logger}),
		readvalue.NewVisitor(readvalue.Dependencies{Blobs: s.deps.Blobs, Logger: logger}),
		bisection.NewVisitor(bisection.Dependencies{Source: s.deps.Source, Logger: logger}),
	}
}

func serializers() evaluator.Visitor {
	return evaluator.Sequence{
		findisolate.NewSerializer(),
		runtest.NewSerializer(),
		readvalue.NewSerializer(),
		bisection.NewSerializer(),
	}
}

// =============================================================================
// Operations
// =============================================================================

// Create stores the graph of a new bisection job and returns its id.
//
// Description:
//
//	Analysis options the job leaves at zero take the service defaults.
//	arguments are merged over opts.Arguments. The job is not started.
//
// Outputs:
//
//	string - The new job id.
//	error - validation.ErrInvalid for bad options, or a store error.
func (s *Service) Create(ctx context.Context, opts bisection.TaskOptions, arguments map[string]string) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	jobID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "job.Create", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	opts.AnalysisOptions = s.fillAnalysis(opts.AnalysisOptions)
	if len(arguments) > 0 {
		merged := make(map[string]string, len(opts.Arguments)+len(arguments))
		for k, v := range opts.Arguments {
			merged[k] = v
		}
		for k, v := range arguments {
			merged[k] = v
		}
		opts.Arguments = merged
	}

	g, err := bisection.CreateGraph(opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("create graph: %w", err)
	}
	if err := s.store.CreateJob(ctx, jobID, g); err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("store job: %w", err)
	}
	span.SetAttributes(attribute.Int("job.tasks", len(g.Vertices)))
	s.logger.Info("job created",
		"job_id", jobID,
		"start", opts.StartChange.ID(),
		"end", opts.EndChange.ID(),
		"tasks", len(g.Vertices))
	return jobID, nil
}

func (s *Service) fillAnalysis(o bisection.AnalysisOptions) bisection.AnalysisOptions {
	if o.ComparisonMagnitude == 0 {
		o.ComparisonMagnitude = s.analysis.ComparisonMagnitude
	}
	if o.MinAttempts == 0 {
		o.MinAttempts = s.analysis.MinAttempts
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = s.analysis.MaxAttempts
	}
	return o.WithDefaults()
}

// Start sends the initiate event to every task of the job.
func (s *Service) Start(ctx context.Context, jobID string) (evaluator.Accumulator, error) {
	return s.evaluate(ctx, "job.Start", jobID, evaluator.Event{Type: evaluator.EventInitiate}, s.visitor(jobID))
}

// HandleUpdate applies an update event, then an initiate event so tasks the
// update unblocked or added are scheduled. It satisfies the update
// listener's handler contract.
func (s *Service) HandleUpdate(ctx context.Context, jobID string, ev evaluator.Event) error {
	if ev.Type == "" {
		ev.Type = evaluator.EventUpdate
	}
	v := s.visitor(jobID)
	if _, err := s.evaluate(ctx, "job.Update", jobID, ev, v); err != nil {
		return err
	}
	_, err := s.evaluate(ctx, "job.Update.Initiate", jobID, evaluator.Event{Type: evaluator.EventInitiate}, v)
	return err
}

// Results is the serialized view of a job.
type Results struct {
	JobID string `json:"job_id"`

	// Tasks are the per-task views keyed by task id, bisection excluded.
	Tasks map[string]evaluator.Entry `json:"tasks"`

	// Analysis is the bisection view: commits, comparisons, culprits and
	// result values. Nil until the bisection task has started.
	Analysis evaluator.Entry `json:"analysis,omitempty"`
}

// Results selects the serialized view of every task.
func (s *Service) Results(ctx context.Context, jobID string) (*Results, error) {
	acc, err := s.evaluate(ctx, "job.Results", jobID, evaluator.Event{Type: evaluator.EventSelect}, serializers())
	if err != nil {
		return nil, err
	}
	r := &Results{JobID: jobID, Tasks: make(map[string]evaluator.Entry, len(acc))}
	for id, entry := range acc {
		if id == bisection.TaskID {
			r.Analysis = entry
			continue
		}
		r.Tasks[id] = entry
	}
	return r, nil
}

// Problem is one validation finding.
type Problem struct {
	TaskID  string `json:"task_id"`
	Cause   string `json:"cause"`
	Message string `json:"message"`
}

// Validate reports graph inconsistencies, sorted by task id.
func (s *Service) Validate(ctx context.Context, jobID string) ([]Problem, error) {
	acc, err := s.evaluate(ctx, "job.Validate", jobID, evaluator.Event{Type: evaluator.EventValidate}, runtest.NewValidator())
	if err != nil {
		return nil, err
	}
	var problems []Problem
	for id, entry := range acc {
		var out struct {
			Errors []Problem `json:"errors"`
		}
		if err := entry.Decode(&out); err != nil {
			return nil, fmt.Errorf("decode validation of %s: %w", id, err)
		}
		for _, p := range out.Errors {
			p.TaskID = id
			problems = append(problems, p)
		}
	}
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].TaskID < problems[j].TaskID })
	return problems, nil
}

// Status summarizes a job's task states.
type Status struct {
	JobID string `json:"job_id"`

	// State is the bisection task's state.
	State task.State `json:"state"`

	// Counts maps task type to state to number of tasks.
	Counts map[string]map[task.State]int `json:"counts"`
}

// Status loads the job and counts task states.
func (s *Service) Status(ctx context.Context, jobID string) (*Status, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	snap, err := s.store.LoadGraph(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st := &Status{JobID: jobID, Counts: make(map[string]map[task.State]int)}
	for _, t := range snap.Tasks() {
		if st.Counts[t.Type] == nil {
			st.Counts[t.Type] = make(map[task.State]int)
		}
		st.Counts[t.Type][t.State]++
		if t.ID == bisection.TaskID {
			st.State = t.State
		}
	}
	return st, nil
}

// Jobs lists the stored job ids.
func (s *Service) Jobs(ctx context.Context) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	return s.store.ListJobs(ctx)
}

func (s *Service) evaluate(ctx context.Context, op, jobID string, ev evaluator.Event, v evaluator.Visitor) (evaluator.Accumulator, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id must not be empty", ErrInvalidInput)
	}
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("event.type", ev.Type),
		attribute.String("event.target", ev.TargetTask),
	))
	defer span.End()

	acc, err := s.eval.Evaluate(ctx, jobID, ev, v)
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("evaluation failed", "job_id", jobID, "event", ev.Type, "target", ev.TargetTask, "error", err)
		return nil, err
	}
	return acc, nil
}
