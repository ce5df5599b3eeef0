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
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

// Event types understood by the stage visitors.
const (
	EventInitiate = "initiate"
	EventUpdate   = "update"
	EventSelect   = "select"
	EventValidate = "validate"
)

// Event is the input of one Evaluate call.
type Event struct {
	// Type is one of the Event* constants, or any other string a visitor
	// dispatches on.
	Type string `json:"type"`

	// TargetTask scopes the evaluation to one task, its dependencies and
	// its dependents. Empty means the whole graph.
	TargetTask string `json:"target_task,omitempty"`

	// Payload carries out-of-band signals such as notification details.
	Payload map[string]any `json:"payload,omitempty"`
}

// ReadOnly reports whether the event may not mutate the graph.
func (e Event) ReadOnly() bool {
	return e.Type == EventSelect || e.Type == EventValidate
}

// PayloadString returns Payload[key] if it is a string.
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// =============================================================================
// Accumulator
// =============================================================================

// Entry is the externally visible view of one task: its payload plus a
// "status" key holding the task state.
type Entry map[string]any

// StatusKey is the Entry key that holds the task state.
const StatusKey = "status"

// Status returns the task state recorded in the entry.
func (e Entry) Status() task.State {
	s, _ := e[StatusKey].(string)
	return task.State(s)
}

// String returns e[key] if it is a string.
func (e Entry) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	return Entry(task.Payload(e).Clone())
}

// Decode fills out from the entry, like task.DecodePayload.
func (e Entry) Decode(out any) error {
	return task.DecodePayload(task.Payload(e), out)
}

// Accumulator maps task ids to entries. The evaluator rebuilds it at the
// start of every pass and refreshes a task's entry right after that task's
// actions are applied, so a visitor always sees its dependencies' outputs
// from the current pass.
type Accumulator map[string]Entry

// Status returns the state of id, or "" if id is unknown.
func (a Accumulator) Status(id string) task.State {
	return a[id].Status()
}

func lift(t *task.Task) Entry {
	e := Entry(t.Payload.Clone())
	e[StatusKey] = string(t.State)
	return e
}
