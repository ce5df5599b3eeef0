// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// State Machine
// =============================================================================

// State is the lifecycle state of a task.
type State string

const (
	// StatePending is the initial state.
	StatePending State = "pending"

	// StateOngoing means an external operation has been started.
	StateOngoing State = "ongoing"

	// StateCompleted is terminal: the operation produced its outputs.
	StateCompleted State = "completed"

	// StateFailed is terminal: the operation or a prerequisite failed.
	StateFailed State = "failed"
)

// validTransitions lists the forward moves of the state machine.
var validTransitions = map[State]map[State]bool{
	StatePending: {StateOngoing: true, StateCompleted: true, StateFailed: true},
	StateOngoing: {StateCompleted: true, StateFailed: true},
}

// Terminal reports whether the state is completed or failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateOngoing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one state to another.
// Staying in a non-terminal state (a payload-only update) is allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	return validTransitions[from][to]
}

// =============================================================================
// Payload
// =============================================================================

// Payload is the generic envelope for a task's working data. Stage packages
// decode it into typed structs with DecodePayload and write it back with
// EncodePayload.
type Payload map[string]any

// Clone returns a deep copy normalized through JSON, so numbers become
// float64 and nested values share no memory with p.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out, err := normalize(p)
	if err != nil {
		// Non-JSON values fall back to a shallow copy.
		out = make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

// Merge returns a copy of p with the top-level keys of patch replacing
// those of p.
func (p Payload) Merge(patch Payload) Payload {
	out := p.Clone()
	for k, v := range patch.Clone() {
		out[k] = v
	}
	return out
}

// Equal reports whether both payloads serialize to the same JSON.
func (p Payload) Equal(other Payload) bool {
	a, errA := json.Marshal(nilToEmpty(p))
	b, errB := json.Marshal(nilToEmpty(other))
	return errA == nil && errB == nil && string(a) == string(b)
}

// DecodePayload fills out (a pointer to a struct with json tags) from p.
func DecodePayload(p Payload, out any) error {
	data, err := json.Marshal(nilToEmpty(p))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// EncodePayload converts a typed payload struct into the generic envelope.
func EncodePayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

func normalize(p Payload) (Payload, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := Payload{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nilToEmpty(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	return p
}

// ErrorRecord is one entry of a task's "errors" payload list.
type ErrorRecord struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Errors returns the error records stored in p, ignoring malformed entries.
func (p Payload) Errors() []ErrorRecord {
	var holder struct {
		Errors []ErrorRecord `json:"errors"`
	}
	if err := DecodePayload(Payload{"errors": p["errors"]}, &holder); err != nil {
		return nil
	}
	return holder.Errors
}

// ErrorReasons returns the reasons of the recorded errors joined by ",",
// or "" when there are none.
func (p Payload) ErrorReasons() string {
	errs := p.Errors()
	reasons := make([]string, 0, len(errs))
	for _, e := range errs {
		reasons = append(reasons, e.Reason)
	}
	return strings.Join(reasons, ",")
}

// WithError returns a copy of p with rec appended to its "errors" list.
func (p Payload) WithError(rec ErrorRecord) Payload {
	records := append(p.Errors(), rec)
	out := p.Clone()
	list := make([]any, 0, len(records))
	for _, r := range records {
		list = append(list, map[string]any{"reason": r.Reason, "message": r.Message})
	}
	out["errors"] = list
	return out
}

// =============================================================================
// Task
// =============================================================================

// Task is one vertex of a job's task graph as stored.
//
// Thread Safety:
//
//	Task values are not safe for concurrent mutation. Stores hand out
//	copies, so a loaded Task may be modified freely by its holder.
type Task struct {
	// ID is unique within a job and derived from the task's parameters.
	ID string `json:"id"`

	// Type selects the stage visitor.
	Type string `json:"type"`

	// State is the lifecycle state.
	State State `json:"state"`

	// Payload is the mutable working data.
	Payload Payload `json:"payload"`

	// Dependencies are the ids this task depends on, in edge order.
	Dependencies []string `json:"dependencies,omitempty"`

	// Origin fingerprints the type and creation payload. Re-submitting a
	// vertex with the same id is a no-op only when the origin matches.
	Origin string `json:"origin"`

	// Revision increments on every save.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Payload = t.Payload.Clone()
	out.Dependencies = append([]string(nil), t.Dependencies...)
	return &out
}

// Fingerprint returns the origin fingerprint of a vertex type and payload.
func Fingerprint(taskType string, payload Payload) string {
	data, err := json.Marshal(struct {
		Type    string  `json:"type"`
		Payload Payload `json:"payload"`
	}{Type: taskType, Payload: nilToEmpty(payload)})
	if err != nil {
		data = []byte(taskType + fmt.Sprint(payload))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
