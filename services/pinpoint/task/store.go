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
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists task graphs.
//
// Description:
//
//	The evaluator reads a whole graph per pass and writes back one task at
//	a time, so each SaveTask is a durable mutation boundary. SaveTask uses
//	optimistic concurrency on Task.Revision: two passes that loaded the
//	same revision cannot both save it. ExtendGraph is all-or-nothing.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Store interface {
	// CreateJob stores a new graph. Returns ErrJobExists if jobID is taken
	// and an *AmendmentError if the graph is invalid.
	CreateJob(ctx context.Context, jobID string, g Graph) error

	// RestoreJob stores tasks exactly as given (state, payload, origin,
	// revision). Used to import exported graphs.
	RestoreJob(ctx context.Context, jobID string, tasks []*Task) error

	// LoadGraph returns a copy of the job's tasks. Returns ErrJobNotFound.
	LoadGraph(ctx context.Context, jobID string) (*Snapshot, error)

	// SaveTask writes t's state and payload if the stored revision equals
	// t.Revision, then increments t.Revision. Type, dependencies and
	// origin are never changed by SaveTask.
	SaveTask(ctx context.Context, jobID string, t *Task) error

	// ExtendGraph adds vertices and edges atomically.
	ExtendGraph(ctx context.Context, jobID string, g Graph) (Amendment, error)

	// ListJobs returns the stored job ids, sorted.
	ListJobs(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-process Store. It is the reference implementation
// of the Store contract and backs tests and the in-memory CLI mode.
//
// Thread Safety:
//
//	Safe for concurrent use. All returned tasks are copies.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]map[string]*Task)}
}

// CreateJob implements Store.
func (s *MemoryStore) CreateJob(ctx context.Context, jobID string, g Graph) error {
	if ctx == nil {
		return ErrNilContext
	}
	if jobID == "" {
		return fmt.Errorf("%w: job id must not be empty", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}
	tasks := make(map[string]*Task)
	if _, err := ApplyAmendment(tasks, g); err != nil {
		return err
	}
	s.jobs[jobID] = tasks
	return nil
}

// RestoreJob implements Store.
func (s *MemoryStore) RestoreJob(ctx context.Context, jobID string, tasks []*Task) error {
	if ctx == nil {
		return ErrNilContext
	}
	if jobID == "" {
		return fmt.Errorf("%w: job id must not be empty", ErrInvalidInput)
	}

	restored := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			return fmt.Errorf("%w: task without id", ErrInvalidInput)
		}
		restored[t.ID] = t.Clone()
	}
	if err := validateRestored(restored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}
	s.jobs[jobID] = restored
	return nil
}

// LoadGraph implements Store.
func (s *MemoryStore) LoadGraph(ctx context.Context, jobID string) (*Snapshot, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return NewSnapshot(jobID, out), nil
}

// SaveTask implements Store.
func (s *MemoryStore) SaveTask(ctx context.Context, jobID string, t *Task) error {
	if ctx == nil {
		return ErrNilContext
	}
	if t == nil {
		return fmt.Errorf("%w: task must not be nil", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	stored, ok := tasks[t.ID]
	if !ok {
		return NewTaskError(t.ID, ErrTaskNotFound)
	}
	if stored.Revision != t.Revision {
		return NewTaskError(t.ID, ErrConcurrentModification)
	}
	stored.State = t.State
	stored.Payload = t.Payload.Clone()
	stored.Revision++
	t.Revision = stored.Revision
	return nil
}

// ExtendGraph implements Store.
func (s *MemoryStore) ExtendGraph(ctx context.Context, jobID string, g Graph) (Amendment, error) {
	if ctx == nil {
		return Amendment{}, ErrNilContext
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, ok := s.jobs[jobID]
	if !ok {
		return Amendment{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return ApplyAmendment(tasks, g)
}

// ListJobs implements Store.
func (s *MemoryStore) ListJobs(ctx context.Context) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// validateRestored checks that every dependency exists, states are known,
// and the graph is acyclic.
func validateRestored(tasks map[string]*Task) error {
	adj := make(map[string][]string, len(tasks))
	var unknown []string
	for id, t := range tasks {
		if !t.State.Valid() {
			return NewTaskError(id, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, t.State))
		}
		for _, dep := range t.Dependencies {
			if _, ok := tasks[dep]; !ok {
				unknown = append(unknown, id+"->"+dep)
			}
		}
		adj[id] = t.Dependencies
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &AmendmentError{Reason: "edge references unknown vertex", IDs: unknown}
	}
	if cycle := findCycle(adj); cycle != nil {
		return &AmendmentError{Reason: "cycle", Cycle: cycle}
	}
	return nil
}

// ValidateRestored exposes the restore checks to other Store
// implementations.
func ValidateRestored(tasks []*Task) error {
	m := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return validateRestored(m)
}
