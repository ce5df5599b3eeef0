// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtest runs a benchmark remotely against a built isolate.
//
// Each run_test task depends on exactly one find_isolate task. Once the
// build is available the task schedules one remote execution and waits for
// update events, polling the execution service each time.
package runtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/pinpoint/pkg/validation"
	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/findisolate"
)

// TaskType is the type tag of run_test tasks.
const TaskType = "run_test"

// Error reasons recorded on failed run_test tasks.
const (
	ReasonBuildIsolateNotFound    = "BuildIsolateNotFound"
	ReasonSwarmingExpired         = "SwarmingExpired"
	ReasonSwarmingTaskError       = "SwarmingTaskError"
	ReasonSwarmingRequestFailed   = "SwarmingRequestFailed"
	ReasonRunTestFailed           = "RunTestFailed"
	ReasonMissingDependencyInputs = "MissingDependencyInputs"
)

// Validation causes reported by the validator.
const (
	CauseDependencyError         = "DependencyError"
	CauseMissingRequirements     = "MissingRequirements"
	CauseMissingDependencyInputs = "MissingDependencyInputs"
)

// Remote execution limits applied to every request.
const (
	ExecutionTimeoutSecs = 21600 // 6 hours
	IOTimeoutSecs        = 14400 // 4 hours
	ExpirationSecs       = 86400 // 1 day
	Priority             = 100
)

// TaskOptions describe the test runs of one change.
type TaskOptions struct {
	BuildOptions   findisolate.TaskOptions `json:"build_options" yaml:"build_options"`
	SwarmingServer string                  `json:"swarming_server" yaml:"swarming_server" validate:"required,url"`
	Dimensions     []clients.Dimension     `json:"dimensions" yaml:"dimensions" validate:"dive"`
	ExtraArgs      []string                `json:"extra_args" yaml:"extra_args"`
	Attempts       int                     `json:"attempts" yaml:"attempts" validate:"gte=1,lte=1000"`
}

// TaskID returns the id of attempt i for a change.
func TaskID(c change.Change, attempt int) string {
	return fmt.Sprintf("run_test_%s_%d", c.TaskID(), attempt)
}

// CreateGraph returns the find_isolate subgraph plus Attempts run_test
// vertices, each depending on the find_isolate task.
func CreateGraph(opts TaskOptions) (task.Graph, error) {
	if err := validation.Struct(opts); err != nil {
		return task.Graph{}, err
	}
	g, err := findisolate.CreateGraph(opts.BuildOptions)
	if err != nil {
		return task.Graph{}, err
	}
	build := findisolate.TaskID(opts.BuildOptions.Change)

	dims := make([]any, 0, len(opts.Dimensions))
	for _, d := range opts.Dimensions {
		dims = append(dims, map[string]any{"key": d.Key, "value": d.Value})
	}
	args := make([]any, 0, len(opts.ExtraArgs))
	for _, a := range opts.ExtraArgs {
		args = append(args, a)
	}

	for i := 0; i < opts.Attempts; i++ {
		id := TaskID(opts.BuildOptions.Change, i)
		g.Vertices = append(g.Vertices, task.Vertex{
			ID:   id,
			Type: TaskType,
			Payload: task.Payload{
				"swarming_server": opts.SwarmingServer,
				"dimensions":      dims,
				"extra_args":      args,
			},
		})
		g.Edges = append(g.Edges, task.Dependency{From: id, To: build})
	}
	return g, nil
}

// payload is the typed view of a run_test task payload.
type payload struct {
	SwarmingServer string              `json:"swarming_server"`
	Dimensions     []clients.Dimension `json:"dimensions"`
	ExtraArgs      []string            `json:"extra_args"`
	SwarmingTaskID string              `json:"swarming_task_id,omitempty"`
	Tries          int                 `json:"tries,omitempty"`
}

// buildOutput is what a run_test task needs from its dependency.
type buildOutput struct {
	Status        task.State            `json:"status"`
	IsolateServer string                `json:"isolate_server"`
	IsolateHash   string                `json:"isolate_hash"`
	CASRootRef    *clients.CASReference `json:"cas_root_ref"`
}

func (b buildOutput) hasInputs() bool {
	return (b.IsolateServer != "" && b.IsolateHash != "") || b.CASRootRef != nil
}

// Dependencies are the services a run_test visitor talks to.
type Dependencies struct {
	Tasks  clients.TaskService
	Logger *slog.Logger
}

// NewVisitor returns the run_test visitor for one job. initiate schedules
// pending tasks whose build completed; update polls ongoing tasks.
//
// run_test tasks handle their own failed dependency, so the evaluator
// should be created with evaluator.WithPartialDependencies(TaskType).
func NewVisitor(jobID string, deps Dependencies) evaluator.Visitor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{jobID: jobID, deps: deps, logger: deps.Logger.With("task_type", TaskType, "job_id", jobID)}
	return evaluator.Filter(
		evaluator.All(evaluator.TaskTypeEq(TaskType), evaluator.TaskIsEventTarget()),
		&evaluator.DispatchByEventType{Handlers: map[string]evaluator.Visitor{
			evaluator.EventInitiate: evaluator.Filter(
				evaluator.TaskStatusIn(task.StatePending),
				evaluator.VisitorFunc(h.initiate),
			),
			evaluator.EventUpdate: evaluator.Filter(
				evaluator.TaskStatusIn(task.StateOngoing),
				evaluator.VisitorFunc(h.update),
			),
		}},
	)
}

type handler struct {
	jobID  string
	deps   Dependencies
	logger *slog.Logger
}

func (h *handler) initiate(ctx context.Context, t *task.Task, _ evaluator.Event, acc evaluator.Accumulator) ([]evaluator.Action, error) {
	if len(t.Dependencies) == 0 {
		h.logger.Error("run_test task has no dependencies", "task_id", t.ID)
		return nil, nil
	}
	if len(t.Dependencies) > 1 {
		h.logger.Warn("run_test task has several dependencies, using the first", "task_id", t.ID)
	}
	var dep buildOutput
	if err := acc[t.Dependencies[0]].Decode(&dep); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}

	switch dep.Status {
	case task.StateFailed:
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonBuildIsolateNotFound,
			"The build task this depends on failed, so we cannot proceed to running the tests.")}, nil
	case task.StateCompleted:
	default:
		return nil, nil
	}
	if !dep.hasInputs() {
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonMissingDependencyInputs,
			"The build task this depends on did not report an isolate.")}, nil
	}

	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	userData, err := clients.EncodeUserData(h.jobID, clients.NotifyRunTest, t.ID)
	if err != nil {
		return nil, err
	}
	req := clients.TaskRequest{
		Name:                 "Pinpoint job",
		Dimensions:           p.Dimensions,
		ExtraArgs:            p.ExtraArgs,
		Tags:                 h.tags(t.ID),
		ExecutionTimeoutSecs: ExecutionTimeoutSecs,
		IOTimeoutSecs:        IOTimeoutSecs,
		ExpirationSecs:       ExpirationSecs,
		Priority:             Priority,
		PubSubUserData:       userData,
	}
	if dep.CASRootRef != nil {
		req.CASInputRoot = dep.CASRootRef
	} else {
		req.InputsRef = &clients.IsolateRef{Server: dep.IsolateServer, Isolated: dep.IsolateHash}
	}

	remoteID, err := h.deps.Tasks.NewTask(ctx, p.SwarmingServer, req)
	if err != nil {
		if clients.IsTransient(err) {
			h.logger.Warn("test request deferred", "task_id", t.ID, "error", err)
			return nil, nil
		}
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonSwarmingRequestFailed, err.Error())}, nil
	}

	h.logger.Info("test scheduled", "task_id", t.ID, "swarming_task_id", remoteID)
	return []evaluator.Action{evaluator.SetState{
		TaskID: t.ID,
		State:  task.StateOngoing,
		Payload: task.Payload{
			"swarming_task_id": remoteID,
			"tries":            p.Tries + 1,
		},
	}}, nil
}

func (h *handler) tags(taskID string) []string {
	tags := []string{
		"pinpoint_job_id:" + h.jobID,
		"pinpoint_task_id:" + taskID,
		"pinpoint_task_kind:test",
	}
	sort.Strings(tags)
	return tags
}

func (h *handler) update(ctx context.Context, t *task.Task, _ evaluator.Event, _ evaluator.Accumulator) ([]evaluator.Action, error) {
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	if p.SwarmingTaskID == "" || p.SwarmingServer == "" {
		h.logger.Error("ongoing run_test task lacks swarming_task_id or swarming_server", "task_id", t.ID)
		return nil, nil
	}

	result, err := h.deps.Tasks.TaskResult(ctx, p.SwarmingServer, p.SwarmingTaskID)
	if err != nil {
		if clients.IsTransient(err) {
			h.logger.Warn("test poll deferred", "task_id", t.ID, "error", err)
			return nil, nil
		}
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonSwarmingTaskError, err.Error())}, nil
	}

	patch := task.Payload{"swarming_task_result": map[string]any{
		"bot_id":  result.BotID,
		"state":   result.State,
		"failure": result.Failure,
	}}

	switch result.State {
	case clients.TaskStatePending, clients.TaskStateRunning:
		return []evaluator.Action{evaluator.SetState{TaskID: t.ID, Payload: patch}}, nil
	case clients.TaskStateExpired:
		return []evaluator.Action{
			evaluator.SetState{TaskID: t.ID, Payload: patch},
			evaluator.Fail(t.ID, ReasonSwarmingExpired, "Request to the Swarming service expired."),
		}, nil
	case clients.TaskStateCompleted:
	default:
		return []evaluator.Action{
			evaluator.SetState{TaskID: t.ID, Payload: patch},
			evaluator.Fail(t.ID, ReasonSwarmingTaskError, fmt.Sprintf("Swarming task ended in state %s.", result.State)),
		}, nil
	}

	if ref := result.OutputsRef; ref != nil {
		patch["isolate_server"] = ref.Server
		patch["isolate_hash"] = ref.Isolated
	}
	if root := result.CASOutputRoot; root != nil {
		patch["cas_root_ref"] = map[string]any{
			"cas_instance": root.Instance,
			"digest":       map[string]any{"hash": root.Digest.Hash, "size_bytes": root.Digest.SizeBytes},
		}
	}

	if !result.Failure {
		return []evaluator.Action{evaluator.SetState{TaskID: t.ID, State: task.StateCompleted, Payload: patch}}, nil
	}

	exc := ""
	if stdout, err := h.deps.Tasks.TaskStdout(ctx, p.SwarmingServer, p.SwarmingTaskID); err != nil {
		h.logger.Warn("fetching test output failed", "task_id", t.ID, "error", err)
	} else {
		exc = ParseException(stdout)
	}
	if exc == "" {
		exc = "No exception found in Swarming task output."
	}
	return []evaluator.Action{
		evaluator.SetState{TaskID: t.ID, Payload: patch},
		evaluator.Fail(t.ID, ReasonRunTestFailed, "Running the test failed: "+exc),
	}, nil
}

// ParseException returns the exception line of the last traceback in a
// test's output: the first unindented line following the traceback's
// stack. It returns "" when the output has no traceback.
func ParseException(output string) string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	exc := ""
	inTraceback := false
	for _, line := range lines {
		switch {
		case line == "Traceback (most recent call last):":
			inTraceback = true
			exc = ""
		case inTraceback && strings.HasPrefix(line, " "):
		case inTraceback:
			inTraceback = false
			if exc == "" && strings.TrimSpace(line) != "" {
				exc = strings.TrimSpace(line)
			}
		}
	}
	return exc
}

// =============================================================================
// Validator
// =============================================================================

// NewValidator returns the validate visitor. Tasks with problems are
// selected as {errors: [{cause, message}]}.
func NewValidator() evaluator.Visitor {
	return evaluator.Filter(evaluator.TaskTypeEq(TaskType), evaluator.VisitorFunc(reportErrors))
}

func reportErrors(_ context.Context, t *task.Task, _ evaluator.Event, acc evaluator.Accumulator) ([]evaluator.Action, error) {
	var problems []any
	add := func(cause, message string) {
		problems = append(problems, map[string]any{"cause": cause, "message": message})
	}

	if len(t.Dependencies) != 1 {
		add(CauseDependencyError, fmt.Sprintf("Task must have exactly 1 dependency; has %d", len(t.Dependencies)))
	}

	switch t.State {
	case task.StateOngoing:
		var missing []string
		for _, key := range []string{"swarming_server", "swarming_task_id"} {
			if _, ok := t.Payload[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			add(CauseMissingRequirements, fmt.Sprintf("Missing required keys %v in task payload.", missing))
		}
	case task.StatePending:
		if len(t.Dependencies) == 0 {
			break
		}
		present := map[string]bool{}
		for _, dep := range t.Dependencies {
			if acc.Status(dep) != task.StateCompleted {
				present = nil
				break
			}
			for k := range acc[dep] {
				present[k] = true
			}
		}
		if present == nil {
			break
		}
		var missing []string
		for _, key := range []string{"isolate_hash", "isolate_server"} {
			if !present[key] {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 && !present["cas_root_ref"] {
			add(CauseMissingDependencyInputs, fmt.Sprintf("Missing keys from dependency payload: %v", missing))
		}
	}

	if len(problems) == 0 {
		return nil, nil
	}
	return []evaluator.Action{evaluator.Select{TaskID: t.ID, Entry: evaluator.Entry{"errors": problems}}}, nil
}

// =============================================================================
// Serializer
// =============================================================================

// NewSerializer returns the select visitor that projects run_test tasks
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
	var details []any
	if result, ok := t.Payload["swarming_task_result"].(map[string]any); ok {
		if bot, _ := result["bot_id"].(string); bot != "" {
			details = append(details, map[string]any{
				"key":   "bot",
				"value": bot,
				"url":   strings.TrimRight(p.SwarmingServer, "/") + "/bot?id=" + bot,
			})
		}
	}
	if p.SwarmingTaskID != "" {
		details = append(details, map[string]any{
			"key":   "task",
			"value": p.SwarmingTaskID,
			"url":   strings.TrimRight(p.SwarmingServer, "/") + "/task?id=" + p.SwarmingTaskID,
		})
	}
	if hash, _ := t.Payload["isolate_hash"].(string); hash != "" {
		server, _ := t.Payload["isolate_server"].(string)
		details = append(details, map[string]any{
			"key":   "isolate",
			"value": hash,
			"url":   strings.TrimRight(server, "/") + "/browse?digest=" + hash,
		})
	}
	entry := evaluator.Entry{
		"completed": t.State.Terminal(),
		"exception": nil,
		"details":   details,
	}
	if reasons := t.Payload.ErrorReasons(); reasons != "" {
		entry["exception"] = reasons
	}
	return []evaluator.Action{evaluator.Select{TaskID: t.ID, Entry: entry}}, nil
}
