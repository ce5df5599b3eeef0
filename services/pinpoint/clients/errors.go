// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the clients package. Adapter errors wrap exactly one
// of ErrNotFound, ErrTransient or ErrPermanent so visitors can decide
// between failing a task and retrying on the next event.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means the remote service answered that the resource does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient means the call may succeed if retried: network errors,
	// 5xx and 429 responses, an open circuit breaker.
	ErrTransient = errors.New("transient service error")

	// ErrPermanent means the request was rejected or the response could not
	// be understood. Retrying will not help.
	ErrPermanent = errors.New("permanent service error")
)

// StatusError carries the HTTP status of a failed call.
type StatusError struct {
	Service string
	Status  int
	Body    string
	class   error
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Body)
}

// Unwrap returns the error class.
func (e *StatusError) Unwrap() error {
	return e.class
}

// classifyStatus maps an HTTP status to an error class.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

// IsTransient reports whether err is worth retrying. A cancelled or expired
// context counts: the work was interrupted, not rejected.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
