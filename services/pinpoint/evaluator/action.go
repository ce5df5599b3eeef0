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
	"fmt"

	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

// Action is a side effect requested by a visitor. The evaluator applies
// actions in the order returned. The set of variants is closed: SetState,
// RecordError, ExtendGraph and Select.
type Action interface {
	fmt.Stringer
	mutates() bool
	kind() string
}

// SetState moves a task to State (empty keeps the current state) and
// merges Payload into its payload key by key.
type SetState struct {
	TaskID  string
	State   task.State
	Payload task.Payload
}

func (a SetState) mutates() bool { return true }
func (a SetState) kind() string  { return "set_state" }

// String implements fmt.Stringer.
func (a SetState) String() string {
	return fmt.Sprintf("SetState(task=%s, state=%s, keys=%d)", a.TaskID, a.State, len(a.Payload))
}

// RecordError appends {reason, message} to a task's "errors" list and, if
// State is set, moves the task to State in the same write.
type RecordError struct {
	TaskID  string
	Reason  string
	Message string
	State   task.State
}

func (a RecordError) mutates() bool { return true }
func (a RecordError) kind() string  { return "record_error" }

// String implements fmt.Stringer.
func (a RecordError) String() string {
	return fmt.Sprintf("RecordError(task=%s, reason=%s, state=%s)", a.TaskID, a.Reason, a.State)
}

// ExtendGraph adds vertices and edges to the job. A rejected amendment is
// logged and skipped; it never fails the evaluation.
type ExtendGraph struct {
	Graph task.Graph
}

func (a ExtendGraph) mutates() bool { return true }
func (a ExtendGraph) kind() string  { return "extend_graph" }

// String implements fmt.Stringer.
func (a ExtendGraph) String() string {
	return fmt.Sprintf("ExtendGraph(vertices=%d, edges=%d)", len(a.Graph.Vertices), len(a.Graph.Edges))
}

// Select projects an entry into the result of a read-only evaluation. A nil
// Entry selects the task's current accumulator entry.
type Select struct {
	TaskID string
	Entry  Entry
}

func (a Select) mutates() bool { return false }
func (a Select) kind() string  { return "select" }

// String implements fmt.Stringer.
func (a Select) String() string {
	return fmt.Sprintf("Select(task=%s)", a.TaskID)
}

// Fail is shorthand for a RecordError that moves the task to failed.
func Fail(taskID, reason, message string) Action {
	return RecordError{TaskID: taskID, Reason: reason, Message: message, State: task.StateFailed}
}
