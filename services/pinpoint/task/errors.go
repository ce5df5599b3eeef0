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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the task package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrJobNotFound is returned when a job has no stored graph.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job id that is already in use.
	ErrJobExists = errors.New("job already exists")

	// ErrTaskNotFound is returned when a referenced task doesn't exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidAmendment is returned when a graph extension would collide
	// with existing vertices, reference unknown vertices, or add a cycle.
	ErrInvalidAmendment = errors.New("invalid graph amendment")

	// ErrCycleDetected is returned when the dependency relation has a cycle.
	ErrCycleDetected = errors.New("cycle detected in task graph")

	// ErrInvalidTransition is returned for a state change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConcurrentModification is returned by SaveTask when the stored
	// revision no longer matches the caller's.
	ErrConcurrentModification = errors.New("task modified concurrently")

	// ErrExportCorrupt is returned when an export fails checksum verification.
	ErrExportCorrupt = errors.New("graph export is corrupt")

	// ErrExportVersionMismatch is returned when an export's format version
	// is not supported.
	ErrExportVersionMismatch = errors.New("graph export version mismatch")
)

// TaskError wraps an error with the task that caused it.
type TaskError struct {
	TaskID string
	Err    error
}

// Error returns the error message.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError creates a TaskError.
func NewTaskError(taskID string, err error) *TaskError {
	return &TaskError{TaskID: taskID, Err: err}
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	TaskID string
	From   State
	To     State
}

// Error returns the transition description.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %q: %s -> %s: %v", e.TaskID, e.From, e.To, ErrInvalidTransition)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// AmendmentError describes why a graph extension was rejected. It wraps
// ErrInvalidAmendment, and ErrCycleDetected when Cycle is set.
type AmendmentError struct {
	// Reason is a short machine-readable cause.
	Reason string

	// IDs are the offending vertex ids or edge descriptions.
	IDs []string

	// Cycle is the cycle path when Reason is "cycle".
	Cycle []string
}

// Error returns the amendment failure description.
func (e *AmendmentError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrInvalidAmendment, e.Reason)
	if len(e.IDs) > 0 {
		msg += " [" + strings.Join(e.IDs, ", ") + "]"
	}
	if len(e.Cycle) > 0 {
		msg += " cycle " + strings.Join(e.Cycle, " -> ")
	}
	return msg
}

// Is matches ErrInvalidAmendment, and ErrCycleDetected for cycles.
func (e *AmendmentError) Is(target error) bool {
	if target == ErrInvalidAmendment {
		return true
	}
	return target == ErrCycleDetected && len(e.Cycle) > 0
}
