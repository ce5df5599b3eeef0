// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package findisolate builds a change and records the isolate it produced.
//
// A find_isolate task first consults the isolate cache. On a miss it
// schedules a build and waits for a "build_completed" update, after which it
// reads the isolate hash for its target out of the build's result details.
package findisolate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/pinpoint/pkg/validation"
	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

// TaskType is the type tag of find_isolate tasks.
const TaskType = "find_isolate"

// StatusBuildCompleted is the update payload status that triggers a poll.
const StatusBuildCompleted = "build_completed"

// Error reasons recorded on failed find_isolate tasks.
const (
	ReasonBuildFailed          = "BuildFailed"
	ReasonBuildCancelled       = "BuildCancelled"
	ReasonBuildIsolateNotFound = "BuildIsolateNotFound"
	ReasonBuildRequestFailed   = "BuildRequestFailed"
)

// TaskOptions describe one build.
type TaskOptions struct {
	Builder string        `json:"builder" yaml:"builder" validate:"required"`
	Target  string        `json:"target" yaml:"target" validate:"required"`
	Bucket  string        `json:"bucket" yaml:"bucket" validate:"required"`
	Change  change.Change `json:"change" yaml:"change"`
}

// TaskID returns the id of the find_isolate task for a change.
func TaskID(c change.Change) string {
	return "find_isolate_" + c.TaskID()
}

// CreateGraph returns a graph with the single find_isolate vertex.
func CreateGraph(opts TaskOptions) (task.Graph, error) {
	if err := validation.Struct(opts); err != nil {
		return task.Graph{}, err
	}
	if err := opts.Change.Validate(); err != nil {
		return task.Graph{}, err
	}
	return task.Graph{
		Vertices: []task.Vertex{{
			ID:   TaskID(opts.Change),
			Type: TaskType,
			Payload: task.Payload{
				"builder": opts.Builder,
				"target":  opts.Target,
				"bucket":  opts.Bucket,
				"change":  opts.Change.Map(),
			},
		}},
	}, nil
}

// payload is the typed view of a find_isolate task payload.
type payload struct {
	Builder           string             `json:"builder"`
	Target            string             `json:"target"`
	Bucket            string             `json:"bucket"`
	Change            change.Change      `json:"change"`
	Tries             int                `json:"tries,omitempty"`
	BuildbucketResult *buildbucketResult `json:"buildbucket_result,omitempty"`
}

type buildbucketResult struct {
	Build clients.Build `json:"build"`
}

// Dependencies are the services a find_isolate visitor talks to.
type Dependencies struct {
	Builds clients.BuildService
	Cache  clients.IsolateCache
	Logger *slog.Logger
}

// NewVisitor returns the find_isolate visitor for one job. It handles
// initiate and update events on non-terminal find_isolate tasks targeted by
// the event.
func NewVisitor(jobID string, deps Dependencies) evaluator.Visitor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{jobID: jobID, deps: deps, logger: deps.Logger.With("task_type", TaskType, "job_id", jobID)}
	return evaluator.Filter(
		evaluator.All(
			evaluator.TaskTypeEq(TaskType),
			evaluator.TaskIsEventTarget(),
			evaluator.Not(evaluator.TaskStatusIn(task.StateCompleted, task.StateFailed)),
		),
		&evaluator.DispatchByEventType{Handlers: map[string]evaluator.Visitor{
			evaluator.EventInitiate: evaluator.VisitorFunc(h.initiate),
			evaluator.EventUpdate:   evaluator.VisitorFunc(h.update),
		}},
	)
}

type handler struct {
	jobID  string
	deps   Dependencies
	logger *slog.Logger
}

func (h *handler) initiate(ctx context.Context, t *task.Task, _ evaluator.Event, _ evaluator.Accumulator) ([]evaluator.Action, error) {
	if t.State == task.StateOngoing {
		h.logger.Debug("ignoring initiate on ongoing task", "task_id", t.ID)
		return nil, nil
	}
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}

	if h.deps.Cache != nil {
		iso, ok, err := h.deps.Cache.GetIsolate(ctx, p.Builder, p.Change, p.Target)
		if err != nil {
			h.logger.Warn("isolate cache lookup failed", "task_id", t.ID, "error", err)
		} else if ok {
			h.logger.Info("isolate cache hit", "task_id", t.ID, "isolate_hash", iso.Hash)
			return []evaluator.Action{evaluator.SetState{
				TaskID:  t.ID,
				State:   task.StateCompleted,
				Payload: task.Payload{"isolate_server": iso.Server, "isolate_hash": iso.Hash},
			}}, nil
		}
	}

	userData, err := clients.EncodeUserData(h.jobID, clients.NotifyBuild, t.ID)
	if err != nil {
		return nil, err
	}
	build, err := h.deps.Builds.ScheduleBuild(ctx, clients.BuildRequest{
		Builder:        p.Builder,
		Bucket:         p.Bucket,
		Change:         p.Change,
		Tags:           map[string]string{"pinpoint_job_id": h.jobID, "pinpoint_task_id": t.ID},
		PubSubUserData: userData,
	})
	if err != nil {
		if clients.IsTransient(err) {
			h.logger.Warn("build request deferred", "task_id", t.ID, "error", err)
			return nil, nil
		}
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonBuildRequestFailed, err.Error())}, nil
	}

	h.logger.Info("build scheduled", "task_id", t.ID, "build_id", build.ID)
	return []evaluator.Action{evaluator.SetState{
		TaskID: t.ID,
		State:  task.StateOngoing,
		Payload: task.Payload{
			"tries":              p.Tries + 1,
			"buildbucket_result": map[string]any{"build": buildMap(build)},
		},
	}}, nil
}

func (h *handler) update(ctx context.Context, t *task.Task, ev evaluator.Event, _ evaluator.Accumulator) ([]evaluator.Action, error) {
	if t.State != task.StateOngoing || ev.PayloadString("status") != StatusBuildCompleted {
		return nil, nil
	}
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	if p.BuildbucketResult == nil || p.BuildbucketResult.Build.ID == "" {
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonBuildFailed, "Task has no scheduled build.")}, nil
	}

	build, err := h.deps.Builds.GetBuild(ctx, p.BuildbucketResult.Build.ID)
	if err != nil {
		if clients.IsTransient(err) {
			h.logger.Warn("build poll deferred", "task_id", t.ID, "error", err)
			return nil, nil
		}
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonBuildFailed, err.Error())}, nil
	}
	status := task.Payload{"buildbucket_job_status": buildMap(build)}

	switch build.Status {
	case clients.BuildStatusScheduled, clients.BuildStatusStarted:
		return []evaluator.Action{evaluator.SetState{TaskID: t.ID, Payload: status}}, nil
	case clients.BuildStatusCompleted:
	default:
		return h.fail(t.ID, status, ReasonBuildFailed, fmt.Sprintf("Build %s ended with status %q.", build.ID, build.Status)), nil
	}

	switch build.Result {
	case clients.BuildResultSuccess:
	case clients.BuildResultFailure:
		return h.fail(t.ID, status, ReasonBuildFailed, fmt.Sprintf("Build %s failed.", build.ID)), nil
	case clients.BuildResultCancelled:
		return h.fail(t.ID, status, ReasonBuildCancelled, fmt.Sprintf("Build %s was cancelled.", build.ID)), nil
	default:
		return h.fail(t.ID, status, ReasonBuildFailed, fmt.Sprintf("Build %s has no result.", build.ID)), nil
	}

	iso, err := isolateFromBuild(build, p.Target)
	if err != nil {
		return h.fail(t.ID, status, ReasonBuildIsolateNotFound, err.Error()), nil
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.PutIsolate(ctx, p.Builder, p.Change, p.Target, iso); err != nil {
			h.logger.Warn("isolate cache write failed", "task_id", t.ID, "error", err)
		}
	}

	status["isolate_server"] = iso.Server
	status["isolate_hash"] = iso.Hash
	h.logger.Info("build completed", "task_id", t.ID, "build_id", build.ID, "isolate_hash", iso.Hash)
	return []evaluator.Action{evaluator.SetState{TaskID: t.ID, State: task.StateCompleted, Payload: status}}, nil
}

// fail stores the build status and records the failure in one write.
func (h *handler) fail(taskID string, status task.Payload, reason, message string) []evaluator.Action {
	h.logger.Warn("build did not produce an isolate", "task_id", taskID, "reason", reason)
	return []evaluator.Action{
		evaluator.SetState{TaskID: taskID, Payload: status},
		evaluator.Fail(taskID, reason, message),
	}
}

// isolateFromBuild reads the isolate for target out of the build's result
// details.
func isolateFromBuild(build clients.Build, target string) (clients.Isolate, error) {
	if build.ResultDetailsJSON == "" {
		return clients.Isolate{}, fmt.Errorf("build %s has no result details", build.ID)
	}
	var details struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(build.ResultDetailsJSON), &details); err != nil {
		return clients.Isolate{}, fmt.Errorf("build %s has invalid result details: %v", build.ID, err)
	}
	if details.Properties == nil {
		return clients.Isolate{}, fmt.Errorf("build %s result details have no properties", build.ID)
	}

	var server, commitPosition string
	if err := buildProperty(build, details.Properties, "isolate_server", &server); err != nil {
		return clients.Isolate{}, err
	}
	if err := buildProperty(build, details.Properties, "got_revision_cp", &commitPosition); err != nil {
		return clients.Isolate{}, err
	}
	if server == "" || commitPosition == "" {
		return clients.Isolate{}, fmt.Errorf("build %s properties lack isolate_server or got_revision_cp", build.ID)
	}

	suffix := "without_patch"
	if _, ok := details.Properties["patch_storage"]; ok {
		suffix = "with_patch"
	}
	key := "swarm_hashes_" + strings.ReplaceAll(commitPosition, "@", "(at)") + "_" + suffix
	var hashes map[string]string
	if err := buildProperty(build, details.Properties, key, &hashes); err != nil {
		return clients.Isolate{}, err
	}
	hash := hashes[target]
	if hash == "" {
		return clients.Isolate{}, fmt.Errorf("build %s has no isolate for target %q under %s", build.ID, target, key)
	}
	return clients.Isolate{Server: server, Hash: hash}, nil
}

// buildProperty decodes the named property into out. An absent property
// leaves out untouched.
func buildProperty(build clients.Build, props map[string]json.RawMessage, name string, out any) error {
	raw, ok := props[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("build %s property %s: %w", build.ID, name, err)
	}
	return nil
}

func buildMap(b clients.Build) map[string]any {
	m := map[string]any{"id": b.ID}
	if b.Status != "" {
		m["status"] = b.Status
	}
	if b.Result != "" {
		m["result"] = b.Result
	}
	if b.URL != "" {
		m["url"] = b.URL
	}
	return m
}

// =============================================================================
// Serializer
// =============================================================================

// NewSerializer returns the select visitor that projects find_isolate tasks
// into {completed, exception, details}.
func NewSerializer() evaluator.Visitor {
	return evaluator.Filter(
		evaluator.All(
			evaluator.TaskTypeEq(TaskType),
			evaluator.TaskStatusIn(task.StateOngoing, task.StateFailed, task.StateCompleted),
		),
		evaluator.VisitorFunc(serialize),
	)
}

func serialize(_ context.Context, t *task.Task, _ evaluator.Event, _ evaluator.Accumulator) ([]evaluator.Action, error) {
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	details := []any{map[string]any{"key": "builder", "value": p.Builder}}
	if p.BuildbucketResult != nil {
		b := p.BuildbucketResult.Build
		details = append(details, map[string]any{"key": "build", "value": b.ID, "url": b.URL})
	}
	if hash, _ := t.Payload["isolate_hash"].(string); hash != "" {
		server, _ := t.Payload["isolate_server"].(string)
		details = append(details, map[string]any{
			"key":   "isolate",
			"value": hash,
			"url":   strings.TrimRight(server, "/") + "/browse?digest=" + hash,
		})
	}
	return []evaluator.Action{evaluator.Select{TaskID: t.ID, Entry: evaluator.Entry{
		"completed": t.State.Terminal(),
		"exception": exception(t.Payload),
		"details":   details,
	}}}, nil
}

func exception(p task.Payload) any {
	if reasons := p.ErrorReasons(); reasons != "" {
		return reasons
	}
	return nil
}
