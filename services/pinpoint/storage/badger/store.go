// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

const (
	jobPrefix  = "job/"
	taskPrefix = "task/"

	// maxConflictRetries bounds how often a transaction is replayed after
	// badger reports a write conflict.
	maxConflictRetries = 5
)

// jobRecord is the value stored under job/<job_id>.
type jobRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a task.Store backed by BadgerDB.
//
// Description:
//
//	Every task is its own key, so SaveTask touches one record. Graph
//	creation, restore and extension each run in a single transaction.
//	Badger's optimistic transactions report write conflicts; those are
//	replayed so that the revision check, not the conflict, decides
//	whether a save wins.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
}

var _ task.Store = (*Store)(nil)

// NewStore wraps an open database. logger may be nil.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "badger_store"), now: time.Now}
}

func jobKey(jobID string) []byte {
	return []byte(jobPrefix + jobID)
}

func taskKeyPrefix(jobID string) []byte {
	return []byte(taskPrefix + jobID + "/")
}

func taskKey(jobID, taskID string) []byte {
	return []byte(taskPrefix + jobID + "/" + taskID)
}

func checkJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id must not be empty", task.ErrInvalidInput)
	}
	if strings.Contains(jobID, "/") {
		return fmt.Errorf("%w: job id %q must not contain '/'", task.ErrInvalidInput, jobID)
	}
	return nil
}

// updateRetrying runs fn in a read-write transaction, replaying it when
// the commit hits a write conflict.
func (s *Store) updateRetrying(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.update(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("transaction conflict, retrying", "op", op, "attempt", attempt+1)
	}
	return err
}

// CreateJob implements task.Store.
func (s *Store) CreateJob(ctx context.Context, jobID string, g task.Graph) error {
	if ctx == nil {
		return task.ErrNilContext
	}
	if err := checkJobID(jobID); err != nil {
		return err
	}

	return s.updateRetrying(ctx, "create_job", func(txn *badger.Txn) error {
		if err := ensureAbsent(txn, jobID); err != nil {
			return err
		}
		tasks := make(map[string]*task.Task)
		if _, err := task.ApplyAmendment(tasks, g); err != nil {
			return err
		}
		if err := s.putJob(txn, jobID); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := putTask(txn, jobID, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// RestoreJob implements task.Store.
func (s *Store) RestoreJob(ctx context.Context, jobID string, tasks []*task.Task) error {
	if ctx == nil {
		return task.ErrNilContext
	}
	if err := checkJobID(jobID); err != nil {
		return err
	}
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			return fmt.Errorf("%w: task without id", task.ErrInvalidInput)
		}
	}
	if err := task.ValidateRestored(tasks); err != nil {
		return err
	}

	return s.updateRetrying(ctx, "restore_job", func(txn *badger.Txn) error {
		if err := ensureAbsent(txn, jobID); err != nil {
			return err
		}
		if err := s.putJob(txn, jobID); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := putTask(txn, jobID, t.Clone()); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadGraph implements task.Store.
func (s *Store) LoadGraph(ctx context.Context, jobID string) (*task.Snapshot, error) {
	if ctx == nil {
		return nil, task.ErrNilContext
	}

	var tasks map[string]*task.Task
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		var err error
		tasks, err = loadTasks(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	return task.NewSnapshot(jobID, out), nil
}

// SaveTask implements task.Store.
func (s *Store) SaveTask(ctx context.Context, jobID string, t *task.Task) error {
	if ctx == nil {
		return task.ErrNilContext
	}
	if t == nil {
		return fmt.Errorf("%w: task must not be nil", task.ErrInvalidInput)
	}

	var next int64
	err := s.updateRetrying(ctx, "save_task", func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(jobID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", task.ErrJobNotFound, jobID)
			}
			return err
		}
		stored, err := getTask(txn, jobID, t.ID)
		if err != nil {
			return err
		}
		if stored.Revision != t.Revision {
			return task.NewTaskError(t.ID, task.ErrConcurrentModification)
		}
		stored.State = t.State
		stored.Payload = t.Payload.Clone()
		stored.Revision++
		next = stored.Revision
		return putTask(txn, jobID, stored)
	})
	if err != nil {
		return err
	}
	t.Revision = next
	return nil
}

// ExtendGraph implements task.Store.
func (s *Store) ExtendGraph(ctx context.Context, jobID string, g task.Graph) (task.Amendment, error) {
	if ctx == nil {
		return task.Amendment{}, task.ErrNilContext
	}

	var applied task.Amendment
	err := s.updateRetrying(ctx, "extend_graph", func(txn *badger.Txn) error {
		tasks, err := loadTasks(txn, jobID)
		if err != nil {
			return err
		}
		a, err := task.ApplyAmendment(tasks, g)
		if err != nil {
			return err
		}

		touched := make(map[string]bool, len(a.Vertices)+len(a.Edges))
		for _, v := range a.Vertices {
			touched[v.ID] = true
		}
		for _, e := range a.Edges {
			touched[e.From] = true
		}
		for id := range touched {
			if err := putTask(txn, jobID, tasks[id]); err != nil {
				return err
			}
		}
		applied = a
		return nil
	})
	if err != nil {
		return task.Amendment{}, err
	}
	return applied, nil
}

// ListJobs implements task.Store.
func (s *Store) ListJobs(ctx context.Context) ([]string, error) {
	if ctx == nil {
		return nil, task.ErrNilContext
	}

	var ids []string
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), jobPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// =============================================================================
// Records
// =============================================================================

func ensureAbsent(txn *badger.Txn, jobID string) error {
	_, err := txn.Get(jobKey(jobID))
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", task.ErrJobExists, jobID)
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil
	default:
		return fmt.Errorf("read job %s: %w", jobID, err)
	}
}

func (s *Store) putJob(txn *badger.Txn, jobID string) error {
	data, err := json.Marshal(jobRecord{ID: jobID, CreatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", jobID, err)
	}
	return txn.Set(jobKey(jobID), data)
}

func putTask(txn *badger.Txn, jobID string, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return task.NewTaskError(t.ID, fmt.Errorf("marshal: %w", err))
	}
	return txn.Set(taskKey(jobID, t.ID), data)
}

func getTask(txn *badger.Txn, jobID, taskID string) (*task.Task, error) {
	item, err := txn.Get(taskKey(jobID, taskID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, task.NewTaskError(taskID, task.ErrTaskNotFound)
	}
	if err != nil {
		return nil, task.NewTaskError(taskID, err)
	}
	var t task.Task
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &t)
	}); err != nil {
		return nil, task.NewTaskError(taskID, fmt.Errorf("decode: %w", err))
	}
	return &t, nil
}

// loadTasks reads every task of a job. Returns ErrJobNotFound when the job
// record is missing.
func loadTasks(txn *badger.Txn, jobID string) (map[string]*task.Task, error) {
	if _, err := txn.Get(jobKey(jobID)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", task.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}

	tasks := make(map[string]*task.Task)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := taskKeyPrefix(jobID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var t task.Task
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		}); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", it.Item().Key(), err)
		}
		if t.Payload == nil {
			t.Payload = task.Payload{}
		}
		tasks[t.ID] = &t
	}
	return tasks, nil
}
