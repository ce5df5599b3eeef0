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

	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

// Visitor examines one task during a pass and returns the actions to apply.
//
// Description:
//
//	The task passed in is a copy; mutating it has no effect. Returning no
//	actions is the normal "nothing to do yet" answer. An error aborts the
//	evaluation and should be reserved for programming errors; external
//	failures are expressed as actions that fail the task.
type Visitor interface {
	Visit(ctx context.Context, t *task.Task, ev Event, acc Accumulator) ([]Action, error)
}

// VisitorFunc adapts a function to the Visitor interface.
type VisitorFunc func(ctx context.Context, t *task.Task, ev Event, acc Accumulator) ([]Action, error)

// Visit implements Visitor.
func (f VisitorFunc) Visit(ctx context.Context, t *task.Task, ev Event, acc Accumulator) ([]Action, error) {
	return f(ctx, t, ev, acc)
}

// =============================================================================
// Predicates
// =============================================================================

// Predicate decides whether a visitor applies to a task.
type Predicate func(t *task.Task, ev Event, acc Accumulator) bool

// TaskTypeEq matches tasks of any of the given types.
func TaskTypeEq(types ...string) Predicate {
	return func(t *task.Task, _ Event, _ Accumulator) bool {
		for _, typ := range types {
			if t.Type == typ {
				return true
			}
		}
		return false
	}
}

// TaskStatusIn matches tasks in any of the given states.
func TaskStatusIn(states ...task.State) Predicate {
	return func(t *task.Task, _ Event, _ Accumulator) bool {
		for _, s := range states {
			if t.State == s {
				return true
			}
		}
		return false
	}
}

// TaskIsEventTarget matches the event's target task, or every task when
// the event has no target.
func TaskIsEventTarget() Predicate {
	return func(t *task.Task, ev Event, _ Accumulator) bool {
		return ev.TargetTask == "" || ev.TargetTask == t.ID
	}
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(t *task.Task, ev Event, acc Accumulator) bool {
		for _, p := range preds {
			if !p(t, ev, acc) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate matches.
func Any(preds ...Predicate) Predicate {
	return func(t *task.Task, ev Event, acc Accumulator) bool {
		for _, p := range preds {
			if p(t, ev, acc) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(t *task.Task, ev Event, acc Accumulator) bool {
		return !p(t, ev, acc)
	}
}

// =============================================================================
// Combinators
// =============================================================================

// Filtering runs Delegate on tasks matching Predicate and Alternative (if
// set) on the rest.
type Filtering struct {
	Predicate   Predicate
	Delegate    Visitor
	Alternative Visitor
}

// Filter returns a Filtering visitor without an alternative.
func Filter(p Predicate, delegate Visitor) *Filtering {
	return &Filtering{Predicate: p, Delegate: delegate}
}

// Visit implements Visitor.
func (f *Filtering) Visit(ctx context.Context, t *task.Task, ev Event, acc Accumulator) ([]Action, error) {
	if f.Predicate == nil || f.Predicate(t, ev, acc) {
		if f.Delegate == nil {
			return nil, nil
		}
		return f.Delegate.Visit(ctx, t, ev, acc)
	}
	if f.Alternative != nil {
		return f.Alternative.Visit(ctx, t, ev, acc)
	}
	return nil, nil
}

// Sequence runs visitors in order on the same task and concatenates their
// actions. A visitor returning ErrStop ends the sequence; its actions are
// kept and no error is reported. Any other error ends the sequence with
// that error.
type Sequence []Visitor

// Visit implements Visitor.
func (s Sequence) Visit(ctx context.Context, t *task.Task, ev Event, acc Accumulator) ([]Action, error) {
	var out []Action
	for _, v := range s {
		actions, err := v.Visit(ctx, t, ev, acc)
		out = append(out, actions...)
		if errors.Is(err, ErrStop) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// DispatchByEventType routes to the visitor registered for the event type,
// or Default.
type DispatchByEventType struct {
	Handlers map[string]Visitor
	Default  Visitor
}

// Visit implements Visitor.
func (d *DispatchByEventType) Visit(ctx context.Context, t *task.Task, ev Event, acc Accumulator) ([]Action, error) {
	if v, ok := d.Handlers[ev.Type]; ok && v != nil {
		return v.Visit(ctx, t, ev, acc)
	}
	if d.Default != nil {
		return d.Default.Visit(ctx, t, ev, acc)
	}
	return nil, nil
}

// Selector is the read-only visitor behind select queries. A task is
// selected when any of the configured criteria matches.
type Selector struct {
	TaskType  string
	EventType string
	Predicate Predicate
}

// Visit implements Visitor.
func (s *Selector) Visit(_ context.Context, t *task.Task, ev Event, acc Accumulator) ([]Action, error) {
	match := (s.TaskType != "" && t.Type == s.TaskType) ||
		(s.EventType != "" && ev.Type == s.EventType) ||
		(s.Predicate != nil && s.Predicate(t, ev, acc))
	if !match {
		return nil, nil
	}
	return []Action{Select{TaskID: t.ID, Entry: acc[t.ID].Clone()}}, nil
}
