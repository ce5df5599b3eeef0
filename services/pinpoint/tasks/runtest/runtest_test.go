// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pinpoint/pkg/validation"
	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/findisolate"
)

const (
	jobID  = "job-1"
	server = "https://swarming.example.com"
)

var testChange = change.New("chromium", "aaaaaaa")

func testOptions(attempts int) TaskOptions {
	return TaskOptions{
		BuildOptions: findisolate.TaskOptions{
			Builder: "Some Builder",
			Target:  "telemetry_perf_tests",
			Bucket:  "luci.bisect",
			Change:  testChange,
		},
		SwarmingServer: server,
		Dimensions:     []clients.Dimension{{Key: "pool", Value: "Chrome-perf"}, {Key: "os", Value: "Linux"}},
		ExtraArgs:      []string{"--benchmarks", "speedometer2"},
		Attempts:       attempts,
	}
}

// fakeTasks is a scripted TaskService.
type fakeTasks struct {
	mu        sync.Mutex
	requests  []clients.TaskRequest
	newErr    error
	result    clients.TaskResult
	resultErr error
	stdout    string
	polls     int
}

func (f *fakeTasks) NewTask(_ context.Context, srv string, req clients.TaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return "", f.newErr
	}
	f.requests = append(f.requests, req)
	return fmt.Sprintf("remote-%d", len(f.requests)), nil
}

func (f *fakeTasks) TaskResult(_ context.Context, _, _ string) (clients.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.result, f.resultErr
}

func (f *fakeTasks) TaskStdout(_ context.Context, _, _ string) (string, error) {
	return f.stdout, nil
}

// failingBuilds fails every build request.
type failingBuilds struct{}

func (failingBuilds) ScheduleBuild(context.Context, clients.BuildRequest) (clients.Build, error) {
	return clients.Build{}, clients.ErrPermanent
}

func (failingBuilds) GetBuild(context.Context, string) (clients.Build, error) {
	return clients.Build{}, clients.ErrPermanent
}

type fixture struct {
	eval  *evaluator.Evaluator
	tasks *fakeTasks
	cache *clients.LRUIsolateCache
}

// newFixture creates a job whose build is served from the isolate cache, so
// find_isolate completes on the first initiate.
func newFixture(t *testing.T, attempts int, cached bool) *fixture {
	t.Helper()
	g, err := CreateGraph(testOptions(attempts))
	require.NoError(t, err)
	store := task.NewMemoryStore()
	require.NoError(t, store.CreateJob(context.Background(), jobID, g))
	eval, err := evaluator.New(store, evaluator.WithMaxPasses(10), evaluator.WithPartialDependencies(TaskType))
	require.NoError(t, err)
	cache, err := clients.NewLRUIsolateCache(16, nil)
	require.NoError(t, err)
	if cached {
		require.NoError(t, cache.PutIsolate(context.Background(), "Some Builder", testChange, "telemetry_perf_tests",
			clients.Isolate{Server: "https://isolate.example.com", Hash: "build-hash"}))
	}
	return &fixture{eval: eval, tasks: &fakeTasks{}, cache: cache}
}

func (f *fixture) visitor() evaluator.Visitor {
	return evaluator.Sequence{
		findisolate.NewVisitor(jobID, findisolate.Dependencies{Builds: failingBuilds{}, Cache: f.cache}),
		NewVisitor(jobID, Dependencies{Tasks: f.tasks}),
	}
}

func (f *fixture) evaluate(t *testing.T, ev evaluator.Event) evaluator.Accumulator {
	t.Helper()
	acc, err := f.eval.Evaluate(context.Background(), jobID, ev, f.visitor())
	require.NoError(t, err)
	return acc
}

func (f *fixture) selectRunTests(t *testing.T) evaluator.Accumulator {
	t.Helper()
	acc, err := f.eval.Evaluate(context.Background(), jobID,
		evaluator.Event{Type: evaluator.EventSelect}, &evaluator.Selector{TaskType: TaskType})
	require.NoError(t, err)
	return acc
}

func poll(id string) evaluator.Event {
	return evaluator.Event{Type: evaluator.EventUpdate, TargetTask: id, Payload: map[string]any{"status": "test_completed"}}
}

func TestCreateGraph(t *testing.T) {
	g, err := CreateGraph(testOptions(3))
	require.NoError(t, err)

	assert.Len(t, g.VerticesOfType(findisolate.TaskType), 1)
	runs := g.VerticesOfType(TaskType)
	require.Len(t, runs, 3)
	for i, v := range runs {
		assert.Equal(t, fmt.Sprintf("run_test_chromium@aaaaaaa_%d", i), v.ID)
		assert.Equal(t, server, v.Payload["swarming_server"])
	}
	require.Len(t, g.Edges, 3)
	for _, e := range g.Edges {
		assert.Equal(t, "find_isolate_chromium@aaaaaaa", e.To)
	}

	bad := testOptions(0)
	_, err = CreateGraph(bad)
	assert.ErrorIs(t, err, validation.ErrInvalid)

	bad = testOptions(1)
	bad.SwarmingServer = "not a url"
	_, err = CreateGraph(bad)
	assert.ErrorIs(t, err, validation.ErrInvalid)
}

func TestRunTest_TenAttemptsScheduleAndComplete(t *testing.T) {
	f := newFixture(t, 10, true)

	f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	selected := f.selectRunTests(t)
	require.Len(t, selected, 10)
	for id, entry := range selected {
		assert.Equal(t, task.StateOngoing, entry.Status(), id)
		assert.EqualValues(t, 1, entry["tries"], id)
		assert.NotEmpty(t, entry["swarming_task_id"], id)
	}

	require.Len(t, f.tasks.requests, 10)
	req := f.tasks.requests[0]
	require.NotNil(t, req.InputsRef)
	assert.Equal(t, "https://isolate.example.com", req.InputsRef.Server)
	assert.Equal(t, "build-hash", req.InputsRef.Isolated)
	assert.Nil(t, req.CASInputRoot)
	assert.Equal(t, []string{"--benchmarks", "speedometer2"}, req.ExtraArgs)
	assert.Equal(t, ExecutionTimeoutSecs, req.ExecutionTimeoutSecs)
	assert.Equal(t, IOTimeoutSecs, req.IOTimeoutSecs)
	assert.Equal(t, ExpirationSecs, req.ExpirationSecs)
	assert.Contains(t, req.Tags, "pinpoint_job_id:"+jobID)

	var ud clients.UserData
	require.NoError(t, json.Unmarshal([]byte(req.PubSubUserData), &ud))
	assert.Equal(t, jobID, ud.JobID)
	assert.Equal(t, clients.NotifyRunTest, ud.Task.Type)

	f.tasks.result = clients.TaskResult{
		State:      clients.TaskStateCompleted,
		BotID:      "bot-1",
		OutputsRef: &clients.IsolateRef{Server: "https://isolate.example.com", Isolated: "output-hash"},
	}
	for i := 0; i < 10; i++ {
		f.evaluate(t, poll(TaskID(testChange, i)))
	}

	selected = f.selectRunTests(t)
	require.Len(t, selected, 10)
	for id, entry := range selected {
		assert.Equal(t, task.StateCompleted, entry.Status(), id)
		assert.Equal(t, "output-hash", entry["isolate_hash"], id)
		assert.Equal(t, "https://isolate.example.com", entry["isolate_server"], id)
	}
}

func TestRunTest_CASOutputs(t *testing.T) {
	f := newFixture(t, 1, true)
	f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})

	f.tasks.result = clients.TaskResult{
		State:         clients.TaskStateCompleted,
		CASOutputRoot: &clients.CASReference{Instance: "projects/x/instances/default", Digest: clients.CASDigest{Hash: "root", SizeBytes: 10}},
	}
	acc := f.evaluate(t, poll(TaskID(testChange, 0)))
	entry := acc[TaskID(testChange, 0)]
	assert.Equal(t, task.StateCompleted, entry.Status())
	ref := entry["cas_root_ref"].(map[string]any)
	assert.Equal(t, "projects/x/instances/default", ref["cas_instance"])
	assert.Equal(t, "root", ref["digest"].(map[string]any)["hash"])
}

func TestRunTest_BuildFailed(t *testing.T) {
	f := newFixture(t, 2, false)

	acc := f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	assert.Equal(t, task.StateFailed, acc.Status(findisolate.TaskID(testChange)))
	for i := 0; i < 2; i++ {
		entry := acc[TaskID(testChange, i)]
		assert.Equal(t, task.StateFailed, entry.Status())
		errs := task.Payload(entry).Errors()
		require.Len(t, errs, 1)
		assert.Equal(t, ReasonBuildIsolateNotFound, errs[0].Reason)
	}
	assert.Empty(t, f.tasks.requests)
}

func TestRunTest_TransientScheduleErrorStaysPending(t *testing.T) {
	f := newFixture(t, 1, true)
	f.tasks.newErr = fmt.Errorf("swarming: %w", clients.ErrTransient)

	acc := f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	assert.Equal(t, task.StatePending, acc.Status(TaskID(testChange, 0)))

	f.tasks.newErr = nil
	acc = f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	assert.Equal(t, task.StateOngoing, acc.Status(TaskID(testChange, 0)))
}

func TestRunTest_PollOutcomes(t *testing.T) {
	const traceback = "Running benchmark\n" +
		"Traceback (most recent call last):\n" +
		"  File \"run_performance_tests.py\", line 282, in <module>\n" +
		"    sys.exit(main())\n" +
		"AttributeError: 'Namespace' object has no attribute 'benchmark_names'\n"

	tests := []struct {
		name    string
		result  clients.TaskResult
		stdout  string
		state   task.State
		reason  string
		message string
	}{
		{name: "pending", result: clients.TaskResult{State: clients.TaskStatePending}, state: task.StateOngoing},
		{name: "running", result: clients.TaskResult{State: clients.TaskStateRunning}, state: task.StateOngoing},
		{name: "expired", result: clients.TaskResult{State: clients.TaskStateExpired}, state: task.StateFailed, reason: ReasonSwarmingExpired},
		{name: "bot died", result: clients.TaskResult{State: "BOT_DIED"}, state: task.StateFailed, reason: ReasonSwarmingTaskError},
		{
			name:    "test failure",
			result:  clients.TaskResult{State: clients.TaskStateCompleted, Failure: true},
			stdout:  traceback,
			state:   task.StateFailed,
			reason:  ReasonRunTestFailed,
			message: "Running the test failed: AttributeError: 'Namespace' object has no attribute 'benchmark_names'",
		},
		{
			name:    "failure without traceback",
			result:  clients.TaskResult{State: clients.TaskStateCompleted, Failure: true},
			stdout:  "nothing useful",
			state:   task.StateFailed,
			reason:  ReasonRunTestFailed,
			message: "Running the test failed: No exception found in Swarming task output.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, true)
			f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
			f.tasks.result = tt.result
			f.tasks.stdout = tt.stdout

			acc := f.evaluate(t, poll(TaskID(testChange, 0)))
			entry := acc[TaskID(testChange, 0)]
			assert.Equal(t, tt.state, entry.Status())
			assert.Equal(t, tt.result.State, entry["swarming_task_result"].(map[string]any)["state"])
			errs := task.Payload(entry).Errors()
			if tt.reason == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, tt.reason, errs[0].Reason)
			if tt.message != "" {
				assert.Equal(t, tt.message, errs[0].Message)
			}
		})
	}
}

func TestRunTest_TransientPollKeepsOngoing(t *testing.T) {
	f := newFixture(t, 1, true)
	f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	f.tasks.resultErr = fmt.Errorf("swarming: %w", clients.ErrTransient)

	acc := f.evaluate(t, poll(TaskID(testChange, 0)))
	assert.Equal(t, task.StateOngoing, acc.Status(TaskID(testChange, 0)))
	assert.Empty(t, task.Payload(acc[TaskID(testChange, 0)]).Errors())
}

func TestRunTest_UpdateOnlyTouchesTarget(t *testing.T) {
	f := newFixture(t, 2, true)
	f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	f.tasks.result = clients.TaskResult{State: clients.TaskStateCompleted}

	acc := f.evaluate(t, poll(TaskID(testChange, 1)))
	assert.Equal(t, task.StateOngoing, acc.Status(TaskID(testChange, 0)))
	assert.Equal(t, task.StateCompleted, acc.Status(TaskID(testChange, 1)))
}

func TestParseException(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "", ""},
		{"no traceback", "all good\n", ""},
		{"simple", "Traceback (most recent call last):\n  File \"x.py\", line 1\n    boom()\nValueError: bad\n", "ValueError: bad"},
		{
			"chained",
			"Traceback (most recent call last):\n  File \"a.py\"\nKeyError: 'x'\n\nDuring handling of the above exception, another exception occurred:\n\n" +
				"Traceback (most recent call last):\n  File \"b.py\"\nRuntimeError: second\n",
			"RuntimeError: second",
		},
		{"windows newlines", "Traceback (most recent call last):\r\n  File \"x.py\"\r\nOSError: disk\r\n", "OSError: disk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseException(tt.output))
		})
	}
}

func TestValidator(t *testing.T) {
	f := newFixture(t, 2, true)

	// Pending with a pending dependency: nothing to report.
	acc, err := f.eval.Evaluate(context.Background(), jobID, evaluator.Event{Type: evaluator.EventValidate}, NewValidator())
	require.NoError(t, err)
	assert.Empty(t, acc)

	f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	acc, err = f.eval.Evaluate(context.Background(), jobID, evaluator.Event{Type: evaluator.EventValidate}, NewValidator())
	require.NoError(t, err)
	assert.Empty(t, acc)
}

func TestValidator_ReportsProblems(t *testing.T) {
	g := task.Graph{
		Vertices: []task.Vertex{
			{ID: "build", Type: findisolate.TaskType, Payload: task.Payload{}},
			{ID: "orphan", Type: TaskType, Payload: task.Payload{"swarming_server": server}},
			{ID: "needs_inputs", Type: TaskType, Payload: task.Payload{"swarming_server": server}},
		},
		Edges: []task.Dependency{{From: "needs_inputs", To: "build"}},
	}
	store := task.NewMemoryStore()
	require.NoError(t, store.CreateJob(context.Background(), jobID, g))
	snap, err := store.LoadGraph(context.Background(), jobID)
	require.NoError(t, err)
	build, _ := snap.Task("build")
	done := build.Clone()
	done.State = task.StateCompleted
	require.NoError(t, store.SaveTask(context.Background(), jobID, done))

	eval, err := evaluator.New(store)
	require.NoError(t, err)
	acc, err := eval.Evaluate(context.Background(), jobID, evaluator.Event{Type: evaluator.EventValidate}, NewValidator())
	require.NoError(t, err)

	require.Contains(t, acc, "orphan")
	orphan := acc["orphan"]["errors"].([]any)
	assert.Equal(t, CauseDependencyError, orphan[0].(map[string]any)["cause"])

	require.Contains(t, acc, "needs_inputs")
	inputs := acc["needs_inputs"]["errors"].([]any)
	require.Len(t, inputs, 1)
	assert.Equal(t, CauseMissingDependencyInputs, inputs[0].(map[string]any)["cause"])
}

func TestSerializer(t *testing.T) {
	f := newFixture(t, 1, true)
	f.evaluate(t, evaluator.Event{Type: evaluator.EventInitiate})
	f.tasks.result = clients.TaskResult{
		State:      clients.TaskStateCompleted,
		BotID:      "bot-7",
		OutputsRef: &clients.IsolateRef{Server: "https://isolate.example.com", Isolated: "out"},
	}
	f.evaluate(t, poll(TaskID(testChange, 0)))

	acc, err := f.eval.Evaluate(context.Background(), jobID, evaluator.Event{Type: evaluator.EventSelect}, NewSerializer())
	require.NoError(t, err)
	view := acc[TaskID(testChange, 0)]
	require.NotNil(t, view)
	assert.Equal(t, true, view["completed"])
	assert.Nil(t, view["exception"])
	details := view["details"].([]any)
	require.Len(t, details, 3)
	assert.Equal(t, "bot", details[0].(map[string]any)["key"])
	assert.Equal(t, server+"/task?id=remote-1", details[1].(map[string]any)["url"])
	assert.Equal(t, "out", details[2].(map[string]any)["value"])
}
