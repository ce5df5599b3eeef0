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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportVersion is the current export format version (semver).
const ExportVersion = "1.0.0"

// Export is the persistence schema of one job graph: every task with its
// state, payload and dependencies, plus an integrity checksum.
type Export struct {
	JobID     string    `json:"job_id"`
	Tasks     []*Task   `json:"tasks"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
}

// computeExportChecksum hashes everything but the checksum field.
func computeExportChecksum(e *Export) (string, error) {
	data, err := json.Marshal(struct {
		JobID     string    `json:"job_id"`
		Tasks     []*Task   `json:"tasks"`
		Timestamp time.Time `json:"timestamp"`
		Version   string    `json:"version"`
	}{e.JobID, e.Tasks, e.Timestamp, e.Version})
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ExportJob reads a job from store into an Export.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	store - Source store.
//	jobID - Job to export.
//
// Outputs:
//
//	*Export - Tasks ordered by id, checksummed.
//	error - Non-nil if the job cannot be loaded.
func ExportJob(ctx context.Context, store Store, jobID string) (*Export, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	snap, err := store.LoadGraph(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e := &Export{
		JobID:     jobID,
		Tasks:     snap.Tasks(),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Version:   ExportVersion,
	}
	if e.Checksum, err = computeExportChecksum(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Verify checks the version and checksum.
func (e *Export) Verify() error {
	if e == nil {
		return fmt.Errorf("%w: export must not be nil", ErrInvalidInput)
	}
	if e.Version != ExportVersion {
		return fmt.Errorf("%w: got %s, want %s", ErrExportVersionMismatch, e.Version, ExportVersion)
	}
	want, err := computeExportChecksum(e)
	if err != nil {
		return err
	}
	if e.Checksum != want {
		return ErrExportCorrupt
	}
	return nil
}

// ImportJob verifies e and restores it into store under jobID. An empty
// jobID reuses e.JobID.
func ImportJob(ctx context.Context, store Store, e *Export, jobID string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := e.Verify(); err != nil {
		return err
	}
	if jobID == "" {
		jobID = e.JobID
	}
	return store.RestoreJob(ctx, jobID, e.Tasks)
}

// WriteExport encodes e as indented JSON.
func WriteExport(w io.Writer, e *Export) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// ReadExport decodes and verifies an export.
func ReadExport(r io.Reader) (*Export, error) {
	var e Export
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	if err := e.Verify(); err != nil {
		return nil, err
	}
	return &e, nil
}
