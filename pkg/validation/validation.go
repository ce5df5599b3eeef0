// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides struct validation for job options and
// configuration.
//
// Benchmark names end up in result file paths on remote bots, so they are
// restricted to a safe character set to prevent path traversal.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("validation failed")

// benchmarkPattern matches valid benchmark names.
// Allows: letters, digits, dots, underscores, hyphens. Must start with a
// letter or digit.
var benchmarkPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// statistics are the values a histogram statistic may take.
var statistics = map[string]bool{
	"avg": true, "mean": true, "min": true, "max": true,
	"sum": true, "std": true, "count": true,
}

// validate is the shared validator instance.
var validate = mustNewValidator()

// customTags are the validation tags this package adds.
var customTags = map[string]validator.Func{
	"benchmark": func(fl validator.FieldLevel) bool {
		return ValidateBenchmark(fl.Field().String()) == nil
	},
	"statistic": func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || statistics[s]
	},
}

func mustNewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerTags(v, customTags); err != nil {
		panic(err)
	}
	return v
}

// registerTags adds each tag to v, failing on the first rejected one.
func registerTags(v *validator.Validate, tags map[string]validator.Func) error {
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register validation %q: %w", tag, err)
		}
	}
	return nil
}

// Struct validates v using its `validate` struct tags.
//
// Outputs:
//
//	error - Nil, or ErrInvalid wrapping a message listing each failed
//	    field as "Namespace: tag".
//
// Example:
//
//	if err := validation.Struct(opts); err != nil {
//	    return task.Graph{}, err
//	}
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Namespace() + ": " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// ValidateBenchmark validates a benchmark name.
//
// Valid names are 1-128 characters of letters, digits, dots, underscores
// and hyphens, starting with a letter or digit, and never "..".
func ValidateBenchmark(name string) error {
	if name == "" {
		return fmt.Errorf("%w: benchmark cannot be empty", ErrInvalid)
	}
	if strings.Contains(name, "..") || !benchmarkPattern.MatchString(name) {
		return fmt.Errorf("%w: invalid benchmark name %q", ErrInvalid, name)
	}
	return nil
}
