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

import "errors"

// Sentinel errors for the evaluator package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrReadOnlyEvent is returned when a visitor emits a mutating action
	// during a select or validate pass.
	ErrReadOnlyEvent = errors.New("mutating action during read-only event")

	// ErrNoFixedPoint is returned when visitors keep producing changes past
	// the pass limit.
	ErrNoFixedPoint = errors.New("evaluation did not reach a fixed point")

	// ErrStop ends a Sequence early without failing the evaluation.
	ErrStop = errors.New("stop sequence")
)

// Reason codes attached to error records by the evaluator.
const (
	// ReasonDependencyFailed marks a task failed because a dependency failed.
	ReasonDependencyFailed = "DependencyFailed"
)
