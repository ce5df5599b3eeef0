// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clients holds the narrow interfaces the stage visitors use to talk
// to source control, the build service, the remote test runner and blob
// storage, together with HTTP and GCS adapters for them.
package clients

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
)

// =============================================================================
// Source control
// =============================================================================

// SourceControl lists commits.
type SourceControl interface {
	// CommitRange returns the commits after start up to and including end,
	// newest first. ErrNotFound when either end is unknown.
	CommitRange(ctx context.Context, repository, start, end string) ([]string, error)
}

// =============================================================================
// Build service
// =============================================================================

// Build states and results reported by the build service.
const (
	BuildStatusScheduled = "SCHEDULED"
	BuildStatusStarted   = "STARTED"
	BuildStatusCompleted = "COMPLETED"

	BuildResultSuccess   = "SUCCESS"
	BuildResultFailure   = "FAILURE"
	BuildResultCancelled = "CANCELLED"
)

// BuildRequest asks for one build of a change.
type BuildRequest struct {
	Builder string
	Bucket  string
	Change  change.Change
	Tags    map[string]string

	// PubSubUserData is echoed back in the completion notification.
	PubSubUserData string
}

// Build is the build service's view of a build.
type Build struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Result string `json:"result,omitempty"`
	URL    string `json:"url,omitempty"`

	// ResultDetailsJSON is a JSON document (encoded as a string) whose
	// "properties" object names the produced isolates.
	ResultDetailsJSON string `json:"result_details_json,omitempty"`
}

// BuildService schedules and inspects builds.
type BuildService interface {
	ScheduleBuild(ctx context.Context, req BuildRequest) (Build, error)
	GetBuild(ctx context.Context, id string) (Build, error)
}

// =============================================================================
// Remote test execution
// =============================================================================

// Remote task states.
const (
	TaskStatePending   = "PENDING"
	TaskStateRunning   = "RUNNING"
	TaskStateCompleted = "COMPLETED"
	TaskStateExpired   = "EXPIRED"
)

// Dimension is one bot selection constraint.
type Dimension struct {
	Key   string `json:"key" yaml:"key" validate:"required"`
	Value string `json:"value" yaml:"value" validate:"required"`
}

// CASDigest addresses one blob.
type CASDigest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// CASReference is a root in a content-addressed store instance.
type CASReference struct {
	Instance string    `json:"cas_instance"`
	Digest   CASDigest `json:"digest"`
}

// IsolateRef names an isolated tree.
type IsolateRef struct {
	Server   string `json:"isolatedserver"`
	Isolated string `json:"isolated"`
}

// TaskRequest is one remote test execution.
type TaskRequest struct {
	Name       string
	Dimensions []Dimension
	ExtraArgs  []string
	Tags       []string

	// Exactly one input is set.
	InputsRef    *IsolateRef
	CASInputRoot *CASReference

	ExecutionTimeoutSecs int
	IOTimeoutSecs        int
	ExpirationSecs       int
	Priority             int

	PubSubUserData string
}

// TaskResult is the remote runner's report for a task.
type TaskResult struct {
	State         string        `json:"state"`
	Failure       bool          `json:"failure"`
	BotID         string        `json:"bot_id,omitempty"`
	OutputsRef    *IsolateRef   `json:"outputs_ref,omitempty"`
	CASOutputRoot *CASReference `json:"cas_output_root,omitempty"`
}

// TaskService runs tests remotely.
type TaskService interface {
	NewTask(ctx context.Context, server string, req TaskRequest) (string, error)
	TaskResult(ctx context.Context, server, taskID string) (TaskResult, error)
	TaskStdout(ctx context.Context, server, taskID string) (string, error)
}

// =============================================================================
// Blob retrieval
// =============================================================================

// Retriever fetches test output files.
type Retriever interface {
	// RetrieveIsolated returns the file named filename inside the isolated
	// tree digest on server. ErrNotFound when the file is absent.
	RetrieveIsolated(ctx context.Context, server, digest, filename string) ([]byte, error)

	// RetrieveCAS walks path from root and returns the file at its end.
	// ErrNotFound when any component is absent.
	RetrieveCAS(ctx context.Context, root CASReference, path []string) ([]byte, error)
}

// =============================================================================
// Isolate cache
// =============================================================================

// Isolate is a built artifact location.
type Isolate struct {
	Server string `json:"isolate_server"`
	Hash   string `json:"isolate_hash"`
}

// IsolateCache remembers built isolates per (builder, change, target).
type IsolateCache interface {
	// GetIsolate reports a hit with ok; a miss is not an error.
	GetIsolate(ctx context.Context, builder string, c change.Change, target string) (Isolate, bool, error)
	PutIsolate(ctx context.Context, builder string, c change.Change, target string, iso Isolate) error
}

// IsolateKey is the cache key for (builder, change, target).
func IsolateKey(builder string, c change.Change, target string) string {
	return builder + "\x00" + c.ID() + "\x00" + target
}

// =============================================================================
// Completion notifications
// =============================================================================

// Notification kinds carried in UserData.Task.Type.
const (
	NotifyBuild   = "build"
	NotifyRunTest = "run_test"
)

// UserData is attached to build and remote task requests and echoed back in
// their completion notifications so the notification can be routed to the
// job and task that started the work.
type UserData struct {
	JobID string       `json:"job_id"`
	Task  UserDataTask `json:"task"`
}

// UserDataTask names the task a notification is for.
type UserDataTask struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EncodeUserData returns the JSON string form of UserData.
func EncodeUserData(jobID, kind, taskID string) (string, error) {
	data, err := json.Marshal(UserData{JobID: jobID, Task: UserDataTask{Type: kind, ID: taskID}})
	if err != nil {
		return "", fmt.Errorf("encode user data: %w", err)
	}
	return string(data), nil
}
