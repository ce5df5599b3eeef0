// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package change identifies the points of a bisection search space: a base
// commit plus an optional patch.
package change

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidChange is returned when a change has no commits or a commit is
// missing its repository or hash.
var ErrInvalidChange = errors.New("invalid change")

// Commit is one commit in one repository.
type Commit struct {
	Repository string `json:"repository" yaml:"repository" validate:"required"`
	GitHash    string `json:"git_hash" yaml:"git_hash" validate:"required"`
}

// ID returns "repository@git_hash".
func (c Commit) ID() string {
	return c.Repository + "@" + c.GitHash
}

// Patch is a code review patch applied on top of the base commit.
type Patch struct {
	Server   string `json:"server" yaml:"server"`
	Change   string `json:"change" yaml:"change"`
	Revision string `json:"revision" yaml:"revision"`
}

// ID returns "server/change/revision".
func (p Patch) ID() string {
	return p.Server + "/" + p.Change + "/" + p.Revision
}

// Change is a set of commits (the first is the base commit) and an optional
// patch.
//
// Equality is by identity of the commits and patch; use Equal or compare ID
// strings. Change is a value type and is safe to copy.
type Change struct {
	Commits []Commit `json:"commits" yaml:"commits" validate:"required,min=1,dive"`
	Patch   *Patch   `json:"patch,omitempty" yaml:"patch,omitempty"`
}

// New returns a change for a single commit with no patch.
func New(repository, gitHash string) Change {
	return Change{Commits: []Commit{{Repository: repository, GitHash: gitHash}}}
}

// Base returns the base commit. The zero Commit is returned for an empty
// change.
func (c Change) Base() Commit {
	if len(c.Commits) == 0 {
		return Commit{}
	}
	return c.Commits[0]
}

// ID returns the commits' ids joined by a space, followed by " + <patch>"
// when a patch is present.
func (c Change) ID() string {
	parts := make([]string, 0, len(c.Commits))
	for _, commit := range c.Commits {
		parts = append(parts, commit.ID())
	}
	id := strings.Join(parts, " ")
	if c.Patch != nil {
		id += " + " + c.Patch.ID()
	}
	return id
}

// TaskID returns the ID with spaces replaced by underscores, the form
// embedded in task ids.
func (c Change) TaskID() string {
	return strings.ReplaceAll(c.ID(), " ", "_")
}

// String implements fmt.Stringer.
func (c Change) String() string {
	return c.ID()
}

// Equal reports whether both changes have the same commits and patch.
func (c Change) Equal(other Change) bool {
	return c.ID() == other.ID()
}

// Validate checks that the change has at least one complete commit.
func (c Change) Validate() error {
	if len(c.Commits) == 0 {
		return fmt.Errorf("%w: no commits", ErrInvalidChange)
	}
	for i, commit := range c.Commits {
		if commit.Repository == "" || commit.GitHash == "" {
			return fmt.Errorf("%w: commit %d is incomplete", ErrInvalidChange, i)
		}
	}
	return nil
}

// WithPinned returns a copy of c carrying the pinned change's patch, if the
// pinned change has one. Commits are copied so the result shares no memory
// with c.
func (c Change) WithPinned(pinned *Change) Change {
	out := Change{Commits: append([]Commit(nil), c.Commits...)}
	if c.Patch != nil {
		p := *c.Patch
		out.Patch = &p
	}
	if pinned != nil && pinned.Patch != nil {
		p := *pinned.Patch
		out.Patch = &p
	}
	return out
}

// Map returns the change in the generic payload form used inside task
// payloads.
func (c Change) Map() map[string]any {
	commits := make([]any, 0, len(c.Commits))
	for _, commit := range c.Commits {
		commits = append(commits, map[string]any{
			"repository": commit.Repository,
			"git_hash":   commit.GitHash,
		})
	}
	m := map[string]any{"commits": commits}
	if c.Patch != nil {
		m["patch"] = map[string]any{
			"server":   c.Patch.Server,
			"change":   c.Patch.Change,
			"revision": c.Patch.Revision,
		}
	}
	return m
}

// FromAny reconstitutes a Change from its payload form. It accepts the
// output of Map, a decoded JSON object, or a Change value.
func FromAny(v any) (Change, error) {
	switch t := v.(type) {
	case Change:
		return t, nil
	case *Change:
		if t == nil {
			return Change{}, fmt.Errorf("%w: nil", ErrInvalidChange)
		}
		return *t, nil
	case nil:
		return Change{}, fmt.Errorf("%w: missing", ErrInvalidChange)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}
