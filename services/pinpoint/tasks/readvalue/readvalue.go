// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package readvalue extracts measurements from the output of a test run.
//
// A read_value task depends on one run_test task. When the test completes,
// the task fetches the results file from the test's output tree and reads
// either a histogram set or a graph_json document into "result_values".
// Each way extraction can fail has its own error reason.
package readvalue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/pinpoint/pkg/validation"
	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/runtest"
)

// TaskType is the type tag of read_value tasks.
const TaskType = "read_value"

// Result file formats.
const (
	ModeHistogramSets = "histogram_sets"
	ModeGraphJSON     = "graph_json"
)

// ResultsFile is the name of the results file inside the benchmark
// directory.
const ResultsFile = "perf_results.json"

// Error reasons recorded on failed read_value tasks.
const (
	ReasonDependencyFailed       = evaluator.ReasonDependencyFailed
	ReasonUnsupportedMode        = "UnsupportedMode"
	ReasonReadValueNoFile        = "ReadValueNoFile"
	ReasonReadValueNotFound      = "ReadValueNotFound"
	ReasonReadValueNoValues      = "ReadValueNoValues"
	ReasonReadValueUnknownStat   = "ReadValueUnknownStat"
	ReasonReadValueChartNotFound = "ReadValueChartNotFound"
	ReasonReadValueTraceNotFound = "ReadValueTraceNotFound"
)

// HistogramOptions select values from a histogram set.
type HistogramOptions struct {
	GroupingLabel string `json:"grouping_label" yaml:"grouping_label"`
	Story         string `json:"story" yaml:"story"`
	Statistic     string `json:"statistic" yaml:"statistic" validate:"statistic"`
	HistogramName string `json:"histogram_name" yaml:"histogram_name"`
}

// GraphJSONOptions select a value from a graph_json document.
type GraphJSONOptions struct {
	Chart string `json:"chart" yaml:"chart"`
	Trace string `json:"trace" yaml:"trace"`
}

// TaskOptions describe how to read the results of one change's test runs.
type TaskOptions struct {
	TestOptions      runtest.TaskOptions `json:"test_options" yaml:"test_options"`
	Benchmark        string              `json:"benchmark" yaml:"benchmark" validate:"benchmark"`
	HistogramOptions HistogramOptions    `json:"histogram_options" yaml:"histogram_options"`
	GraphJSONOptions GraphJSONOptions    `json:"graph_json_options" yaml:"graph_json_options"`
	Mode             string              `json:"mode" yaml:"mode" validate:"required"`
}

// TaskID returns the id of the read_value task for attempt i of a change.
func TaskID(c change.Change, attempt int) string {
	return fmt.Sprintf("read_value_%s_%d", c.TaskID(), attempt)
}

// ResultsFilename returns the isolate path of the results file. Windows
// bots write it with a backslash separator.
func ResultsFilename(benchmark string, dims []clients.Dimension) string {
	for _, d := range dims {
		if d.Key == "os" && strings.HasPrefix(d.Value, "Win") {
			return benchmark + `\` + ResultsFile
		}
	}
	return benchmark + "/" + ResultsFile
}

// CreateGraph returns the run_test subgraph plus one read_value vertex per
// run_test vertex, each depending on its run_test task.
func CreateGraph(opts TaskOptions) (task.Graph, error) {
	if err := validation.Struct(opts); err != nil {
		return task.Graph{}, err
	}
	g, err := runtest.CreateGraph(opts.TestOptions)
	if err != nil {
		return task.Graph{}, err
	}

	c := opts.TestOptions.BuildOptions.Change
	for i := 0; i < opts.TestOptions.Attempts; i++ {
		id := TaskID(c, i)
		g.Vertices = append(g.Vertices, task.Vertex{
			ID:   id,
			Type: TaskType,
			Payload: task.Payload{
				"benchmark":        opts.Benchmark,
				"mode":             opts.Mode,
				"results_filename": ResultsFilename(opts.Benchmark, opts.TestOptions.Dimensions),
				"results_path":     []any{opts.Benchmark, ResultsFile},
				"histogram_options": map[string]any{
					"grouping_label": opts.HistogramOptions.GroupingLabel,
					"story":          opts.HistogramOptions.Story,
					"statistic":      opts.HistogramOptions.Statistic,
					"histogram_name": opts.HistogramOptions.HistogramName,
				},
				"graph_json_options": map[string]any{
					"chart": opts.GraphJSONOptions.Chart,
					"trace": opts.GraphJSONOptions.Trace,
				},
				"change": c.Map(),
				"index":  i,
			},
		})
		g.Edges = append(g.Edges, task.Dependency{From: id, To: runtest.TaskID(c, i)})
	}
	return g, nil
}

// payload is the typed view of a read_value task payload.
type payload struct {
	Benchmark        string           `json:"benchmark"`
	Mode             string           `json:"mode"`
	ResultsFilename  string           `json:"results_filename"`
	ResultsPath      []string         `json:"results_path"`
	HistogramOptions HistogramOptions `json:"histogram_options"`
	GraphJSONOptions GraphJSONOptions `json:"graph_json_options"`
	Tries            int              `json:"tries,omitempty"`
}

// testOutput is what a read_value task needs from its run_test dependency.
type testOutput struct {
	Status        task.State            `json:"status"`
	IsolateServer string                `json:"isolate_server"`
	IsolateHash   string                `json:"isolate_hash"`
	CASRootRef    *clients.CASReference `json:"cas_root_ref"`
}

// Dependencies are the services a read_value visitor talks to.
type Dependencies struct {
	Blobs  clients.Retriever
	Logger *slog.Logger
}

// NewVisitor returns the read_value visitor. It acts on pending read_value
// tasks for any event that reaches them.
func NewVisitor(deps Dependencies) evaluator.Visitor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &reader{deps: deps, logger: deps.Logger.With("task_type", TaskType)}
	return evaluator.Filter(
		evaluator.All(evaluator.TaskTypeEq(TaskType), evaluator.TaskStatusIn(task.StatePending)),
		evaluator.VisitorFunc(r.visit),
	)
}

type reader struct {
	deps   Dependencies
	logger *slog.Logger
}

func (r *reader) visit(ctx context.Context, t *task.Task, _ evaluator.Event, acc evaluator.Accumulator) ([]evaluator.Action, error) {
	if len(t.Dependencies) == 0 {
		r.logger.Error("read_value task has no dependencies", "task_id", t.ID)
		return nil, nil
	}
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	depID := t.Dependencies[0]
	var dep testOutput
	if err := acc[depID].Decode(&dep); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}

	// Failed dependencies are short-circuited by the evaluator.
	if dep.Status != task.StateCompleted {
		return nil, nil
	}

	data, err := r.fetch(ctx, p, dep)
	if err != nil {
		if clients.IsTransient(err) {
			r.logger.Warn("results fetch deferred", "task_id", t.ID, "error", err)
			return nil, nil
		}
		return fail(t.ID, p, ReasonReadValueNoFile, err.Error()), nil
	}

	switch p.Mode {
	case ModeHistogramSets:
		values, traces, err := readHistogramSets(data, p.HistogramOptions)
		if err != nil {
			return failRead(t.ID, p, err), nil
		}
		patch := task.Payload{"result_values": values, "tries": p.Tries + 1}
		if len(traces) > 0 {
			urls := make([]any, 0, len(traces))
			for _, tr := range traces {
				urls = append(urls, map[string]any{"key": "trace", "value": tr.Name, "url": tr.URL})
			}
			patch["trace_urls"] = urls
		}
		r.logger.Debug("read histogram values", "task_id", t.ID, "values", len(values))
		return []evaluator.Action{evaluator.SetState{TaskID: t.ID, State: task.StateCompleted, Payload: patch}}, nil

	case ModeGraphJSON:
		values, err := readGraphJSON(data, p.GraphJSONOptions)
		if err != nil {
			return failRead(t.ID, p, err), nil
		}
		return []evaluator.Action{evaluator.SetState{
			TaskID:  t.ID,
			State:   task.StateCompleted,
			Payload: task.Payload{"result_values": values, "tries": p.Tries + 1},
		}}, nil
	}

	return fail(t.ID, p, ReasonUnsupportedMode,
		"Pinpoint only currently supports reading HistogramSets and GraphJSON formatted files."), nil
}

// fetch retrieves the results file, walking the CAS tree when the test
// produced one and reading the isolate otherwise.
func (r *reader) fetch(ctx context.Context, p payload, dep testOutput) ([]byte, error) {
	if dep.CASRootRef != nil {
		return r.deps.Blobs.RetrieveCAS(ctx, *dep.CASRootRef, p.ResultsPath)
	}
	if dep.IsolateServer == "" || dep.IsolateHash == "" {
		return nil, fmt.Errorf("%w: test produced no output tree", clients.ErrNotFound)
	}
	return r.deps.Blobs.RetrieveIsolated(ctx, dep.IsolateServer, dep.IsolateHash, p.ResultsFilename)
}

// fail increments tries and records the failure.
func fail(taskID string, p payload, reason, message string) []evaluator.Action {
	return []evaluator.Action{
		evaluator.SetState{TaskID: taskID, Payload: task.Payload{"tries": p.Tries + 1}},
		evaluator.Fail(taskID, reason, message),
	}
}

func failRead(taskID string, p payload, err error) []evaluator.Action {
	var re *readError
	if errors.As(err, &re) {
		return fail(taskID, p, re.reason, re.message)
	}
	return fail(taskID, p, ReasonReadValueNoFile, err.Error())
}

// =============================================================================
// Serializer
// =============================================================================

// NewSerializer returns the select visitor that projects read_value tasks
// into {completed, exception, details} where details are the trace links.
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
	details := []any{}
	if urls, ok := t.Payload["trace_urls"].([]any); ok {
		details = append(details, urls...)
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
