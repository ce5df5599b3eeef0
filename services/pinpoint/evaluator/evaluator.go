// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

var (
	tracer = otel.Tracer("pinpoint.evaluator")
	meter  = otel.Meter("pinpoint.evaluator")
)

// DefaultMaxPasses bounds the fixed-point loop of one Evaluate call.
const DefaultMaxPasses = 64

// Evaluator walks a job's task graph and applies visitor actions.
//
// Description:
//
//	Evaluate runs passes until one produces no change. A pass loads the
//	graph, visits tasks in dependency order and applies each task's
//	actions through the Store before moving on, so dependents observe
//	this pass's outputs. Graph extensions take effect in the next pass of
//	the same call.
//
// Thread Safety:
//
//	Evaluator is safe for concurrent use. Concurrent Evaluate calls on the
//	same job are arbitrated by the Store's revision checks.
type Evaluator struct {
	store     task.Store
	logger    *slog.Logger
	maxPasses int
	partial   map[string]bool

	// Metrics (initialized lazily)
	metricsOnce      sync.Once
	visits           metric.Int64Counter
	actionsApplied   metric.Int64Counter
	amendmentsDenied metric.Int64Counter
	shortCircuits    metric.Int64Counter
	passLatency      metric.Float64Histogram
	passCount        metric.Int64Histogram
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxPasses overrides DefaultMaxPasses. Values below 1 are ignored.
func WithMaxPasses(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxPasses = n
		}
	}
}

// WithPartialDependencies lets pending tasks of the given types reach their
// visitor even when a dependency failed. Such visitors must handle failed
// dependencies themselves.
func WithPartialDependencies(types ...string) Option {
	return func(e *Evaluator) {
		for _, t := range types {
			e.partial[t] = true
		}
	}
}

// New creates an Evaluator.
//
// Inputs:
//
//	store - Persistence for task graphs. Must not be nil.
//	opts - Optional settings.
//
// Outputs:
//
//	*Evaluator - The configured evaluator.
//	error - Non-nil if store is nil.
func New(store task.Store, opts ...Option) (*Evaluator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store must not be nil", ErrInvalidInput)
	}
	e := &Evaluator{
		store:     store,
		logger:    slog.Default(),
		maxPasses: DefaultMaxPasses,
		partial:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues (graceful degradation).
func (e *Evaluator) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.visits, err = meter.Int64Counter("pinpoint_evaluator_visits_total",
			metric.WithDescription("Tasks handed to a visitor"),
		)
		if err != nil {
			initErrors = append(initErrors, "visits: "+err.Error())
		}

		e.actionsApplied, err = meter.Int64Counter("pinpoint_evaluator_actions_total",
			metric.WithDescription("Actions applied, by kind"),
		)
		if err != nil {
			initErrors = append(initErrors, "actions: "+err.Error())
		}

		e.amendmentsDenied, err = meter.Int64Counter("pinpoint_evaluator_amendments_rejected_total",
			metric.WithDescription("Graph extensions rejected as invalid amendments"),
		)
		if err != nil {
			initErrors = append(initErrors, "amendments_rejected: "+err.Error())
		}

		e.shortCircuits, err = meter.Int64Counter("pinpoint_evaluator_dependency_failures_total",
			metric.WithDescription("Tasks failed because a dependency failed"),
		)
		if err != nil {
			initErrors = append(initErrors, "dependency_failures: "+err.Error())
		}

		e.passLatency, err = meter.Float64Histogram("pinpoint_evaluator_pass_duration_seconds",
			metric.WithDescription("Time spent in one evaluation pass"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pass_latency: "+err.Error())
		}

		e.passCount, err = meter.Int64Histogram("pinpoint_evaluator_passes",
			metric.WithDescription("Passes needed to reach a fixed point"),
		)
		if err != nil {
			initErrors = append(initErrors, "passes: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some evaluator metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Evaluate runs ev against the job's graph until a fixed point.
//
// Description:
//
//	For mutating events the returned accumulator holds every task's final
//	entry. For read-only events (select, validate) visitors see terminal
//	tasks too, any mutating action is an error, and the result holds only
//	the entries picked by Select actions.
//
//	Vertices added by an ExtendGraph action are first visited in the next
//	pass of the same call.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	jobID - Job whose graph is evaluated.
//	ev - The event.
//	v - The visitor. Must not be nil.
//
// Outputs:
//
//	Accumulator - See Description.
//	error - Store failures, invalid transitions, visitor errors,
//	    ErrReadOnlyEvent, ErrNoFixedPoint or context errors.
func (e *Evaluator) Evaluate(ctx context.Context, jobID string, ev Event, v Visitor) (Accumulator, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if v == nil {
		return nil, fmt.Errorf("%w: visitor must not be nil", ErrInvalidInput)
	}
	e.initMetrics()

	evalID := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "evaluator.Evaluate",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("event.type", ev.Type),
			attribute.String("event.target", ev.TargetTask),
			attribute.String("evaluation.id", evalID),
		),
	)
	defer span.End()

	logger := e.logger.With(
		slog.String("job_id", jobID),
		slog.String("event", ev.Type),
		slog.String("evaluation_id", evalID),
	)

	for pass := 1; pass <= e.maxPasses; pass++ {
		res, err := e.runPass(ctx, logger, jobID, ev, v, pass)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if ev.ReadOnly() {
			e.recordPasses(ctx, pass, ev)
			return res.selected, nil
		}
		if !res.changed {
			e.recordPasses(ctx, pass, ev)
			span.SetAttributes(attribute.Int("evaluation.passes", pass))
			return res.acc, nil
		}
	}

	err := fmt.Errorf("%w after %d passes", ErrNoFixedPoint, e.maxPasses)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (e *Evaluator) recordPasses(ctx context.Context, passes int, ev Event) {
	if e.passCount != nil {
		e.passCount.Record(ctx, int64(passes), metric.WithAttributes(attribute.String("event.type", ev.Type)))
	}
}

// passResult is the outcome of one pass.
type passResult struct {
	acc      Accumulator
	selected Accumulator
	changed  bool
}

// pass holds the state of one pass.
type pass struct {
	e        *Evaluator
	logger   *slog.Logger
	jobID    string
	snap     *task.Snapshot
	acc      Accumulator
	selected Accumulator
	readOnly bool
	changed  bool
}

func (e *Evaluator) runPass(ctx context.Context, logger *slog.Logger, jobID string, ev Event, v Visitor, n int) (*passResult, error) {
	ctx, span := tracer.Start(ctx, "evaluator.Pass",
		trace.WithAttributes(attribute.Int("pass", n)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		if e.passLatency != nil {
			e.passLatency.Record(ctx, time.Since(start).Seconds())
		}
	}()

	snap, err := e.store.LoadGraph(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}

	p := &pass{
		e:        e,
		logger:   logger,
		jobID:    jobID,
		snap:     snap,
		acc:      make(Accumulator, snap.Len()),
		selected: Accumulator{},
		readOnly: ev.ReadOnly(),
	}
	for _, t := range snap.Tasks() {
		p.acc[t.ID] = lift(t)
	}

	var scope map[string]bool
	if ev.TargetTask != "" {
		if _, ok := snap.Task(ev.TargetTask); !ok {
			return nil, task.NewTaskError(ev.TargetTask, task.ErrTaskNotFound)
		}
		scope = snap.Closure(ev.TargetTask)
	}

	for _, id := range snap.Order() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if scope != nil && !scope[id] {
			continue
		}
		t, _ := snap.Task(id)

		if !p.readOnly {
			if t.State.Terminal() {
				continue
			}
			if t.State == task.StatePending && !e.partial[t.Type] {
				if failed := p.failedDependency(t); failed != "" {
					if err := p.shortCircuit(ctx, t, failed); err != nil {
						return nil, err
					}
					continue
				}
			}
		}

		if e.visits != nil {
			e.visits.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", t.Type)))
		}
		actions, err := v.Visit(ctx, t.Clone(), ev, p.acc)
		if err != nil {
			return nil, task.NewTaskError(id, err)
		}
		for _, a := range actions {
			if err := p.apply(ctx, a); err != nil {
				return nil, err
			}
		}
	}

	span.SetAttributes(attribute.Bool("pass.changed", p.changed))
	return &passResult{acc: p.acc, selected: p.selected, changed: p.changed}, nil
}

// failedDependency returns the first failed dependency of t, or "".
func (p *pass) failedDependency(t *task.Task) string {
	for _, dep := range t.Dependencies {
		if d, ok := p.snap.Task(dep); ok && d.State == task.StateFailed {
			return dep
		}
	}
	return ""
}

func (p *pass) shortCircuit(ctx context.Context, t *task.Task, failed string) error {
	if p.e.shortCircuits != nil {
		p.e.shortCircuits.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", t.Type)))
	}
	return p.apply(ctx, Fail(t.ID, ReasonDependencyFailed,
		fmt.Sprintf("Task dependency %q ended in failed status.", failed)))
}

// apply performs one action.
func (p *pass) apply(ctx context.Context, a Action) error {
	if a == nil {
		return nil
	}
	if p.readOnly && a.mutates() {
		return fmt.Errorf("%w: %s", ErrReadOnlyEvent, a)
	}

	var err error
	switch act := a.(type) {
	case SetState:
		err = p.write(ctx, act.TaskID, act.State, func(t *task.Task) task.Payload {
			return t.Payload.Merge(act.Payload)
		})
	case RecordError:
		err = p.write(ctx, act.TaskID, act.State, func(t *task.Task) task.Payload {
			return t.Payload.WithError(task.ErrorRecord{Reason: act.Reason, Message: act.Message})
		})
	case ExtendGraph:
		err = p.extend(ctx, act)
	case Select:
		entry := act.Entry
		if entry == nil {
			entry = p.acc[act.TaskID].Clone()
		}
		p.selected[act.TaskID] = entry
	default:
		err = fmt.Errorf("%w: unknown action %T", ErrInvalidInput, a)
	}
	if err != nil {
		return err
	}
	if p.e.actionsApplied != nil {
		p.e.actionsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("action", a.kind())))
	}
	return nil
}

// write applies a state and payload change to one task and saves it.
// A change that alters nothing is not written and does not count as
// progress.
func (p *pass) write(ctx context.Context, id string, state task.State, payload func(*task.Task) task.Payload) error {
	t, ok := p.snap.Task(id)
	if !ok {
		return task.NewTaskError(id, task.ErrTaskNotFound)
	}
	if state == "" {
		state = t.State
	}
	if !task.CanTransition(t.State, state) {
		return &task.TransitionError{TaskID: id, From: t.State, To: state}
	}

	next := payload(t)
	if state == t.State && next.Equal(t.Payload) {
		return nil
	}

	updated := t.Clone()
	updated.State = state
	updated.Payload = next
	if err := p.e.store.SaveTask(ctx, p.jobID, updated); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	if state != t.State {
		p.logger.Info("task transitioned",
			slog.String("task_id", id),
			slog.String("task_type", t.Type),
			slog.String("from", string(t.State)),
			slog.String("to", string(state)),
		)
	}
	*t = *updated
	p.acc[id] = lift(t)
	p.changed = true
	return nil
}

func (p *pass) extend(ctx context.Context, act ExtendGraph) error {
	amendment, err := p.e.store.ExtendGraph(ctx, p.jobID, act.Graph)
	if errors.Is(err, task.ErrInvalidAmendment) {
		if p.e.amendmentsDenied != nil {
			p.e.amendmentsDenied.Add(ctx, 1)
		}
		p.logger.Warn("graph amendment rejected",
			slog.String("error", err.Error()),
			slog.Int("vertices", len(act.Graph.Vertices)),
			slog.Int("edges", len(act.Graph.Edges)),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("extend graph: %w", err)
	}
	if !amendment.Empty() {
		p.logger.Debug("graph extended",
			slog.Int("vertices", len(amendment.Vertices)),
			slog.Int("edges", len(amendment.Edges)),
		)
		p.changed = true
	}
	return nil
}
