// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

func tagging(tag string) Visitor {
	return VisitorFunc(func(_ context.Context, t *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		return []Action{Select{TaskID: t.ID + ":" + tag}}, nil
	})
}

func selectedIDs(actions []Action) []string {
	var out []string
	for _, a := range actions {
		if s, ok := a.(Select); ok {
			out = append(out, s.TaskID)
		}
	}
	return out
}

func TestPredicates(t *testing.T) {
	tk := &task.Task{ID: "x", Type: "run_test", State: task.StateOngoing}
	ev := Event{Type: EventUpdate}

	assert.True(t, TaskTypeEq("find_isolate", "run_test")(tk, ev, nil))
	assert.False(t, TaskTypeEq("read_value")(tk, ev, nil))
	assert.True(t, TaskStatusIn(task.StatePending, task.StateOngoing)(tk, ev, nil))
	assert.False(t, TaskStatusIn(task.StateCompleted)(tk, ev, nil))

	assert.True(t, TaskIsEventTarget()(tk, ev, nil))
	assert.True(t, TaskIsEventTarget()(tk, Event{TargetTask: "x"}, nil))
	assert.False(t, TaskIsEventTarget()(tk, Event{TargetTask: "y"}, nil))

	assert.True(t, All(TaskTypeEq("run_test"), TaskStatusIn(task.StateOngoing))(tk, ev, nil))
	assert.False(t, All(TaskTypeEq("run_test"), TaskStatusIn(task.StatePending))(tk, ev, nil))
	assert.True(t, Any(TaskTypeEq("nope"), TaskStatusIn(task.StateOngoing))(tk, ev, nil))
	assert.False(t, Not(TaskTypeEq("run_test"))(tk, ev, nil))
}

func TestFiltering(t *testing.T) {
	ctx := context.Background()
	match := &task.Task{ID: "m", Type: "a"}
	miss := &task.Task{ID: "n", Type: "b"}

	f := Filter(TaskTypeEq("a"), tagging("d"))
	out, err := f.Visit(ctx, match, Event{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m:d"}, selectedIDs(out))

	out, err = f.Visit(ctx, miss, Event{}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	f.Alternative = tagging("alt")
	out, err = f.Visit(ctx, miss, Event{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n:alt"}, selectedIDs(out))
}

func TestSequence(t *testing.T) {
	ctx := context.Background()
	tk := &task.Task{ID: "t"}

	out, err := Sequence{tagging("1"), tagging("2")}.Visit(ctx, tk, Event{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t:1", "t:2"}, selectedIDs(out))

	stop := VisitorFunc(func(_ context.Context, t *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		return []Action{Select{TaskID: "stop"}}, ErrStop
	})
	out, err = Sequence{tagging("1"), stop, tagging("never")}.Visit(ctx, tk, Event{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t:1", "stop"}, selectedIDs(out))

	boom := errors.New("boom")
	fail := VisitorFunc(func(context.Context, *task.Task, Event, Accumulator) ([]Action, error) {
		return nil, boom
	})
	_, err = Sequence{fail, tagging("never")}.Visit(ctx, tk, Event{}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestDispatchByEventType(t *testing.T) {
	ctx := context.Background()
	tk := &task.Task{ID: "t"}
	d := &DispatchByEventType{
		Handlers: map[string]Visitor{EventInitiate: tagging("init")},
	}

	out, err := d.Visit(ctx, tk, Event{Type: EventInitiate}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t:init"}, selectedIDs(out))

	out, err = d.Visit(ctx, tk, Event{Type: EventUpdate}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	d.Default = tagging("default")
	out, err = d.Visit(ctx, tk, Event{Type: EventUpdate}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t:default"}, selectedIDs(out))
}

func TestSelector_CriteriaAreAlternatives(t *testing.T) {
	ctx := context.Background()
	tk := &task.Task{ID: "t", Type: "read_value"}
	acc := Accumulator{"t": Entry{"status": "completed", "v": 1.0}}

	out, err := (&Selector{TaskType: "find_culprit"}).Visit(ctx, tk, Event{Type: EventSelect}, acc)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = (&Selector{TaskType: "find_culprit", EventType: EventSelect}).Visit(ctx, tk, Event{Type: EventSelect}, acc)
	require.NoError(t, err)
	require.Len(t, out, 1)
	sel := out[0].(Select)
	assert.Equal(t, 1.0, sel.Entry["v"])

	// The selected entry is a copy.
	sel.Entry["v"] = 2.0
	assert.Equal(t, 1.0, acc["t"]["v"])
}

func TestActionStrings(t *testing.T) {
	assert.Contains(t, SetState{TaskID: "a", State: task.StateOngoing}.String(), "task=a")
	assert.Contains(t, Fail("a", "Boom", "m").String(), "reason=Boom")
	assert.Contains(t, ExtendGraph{}.String(), "vertices=0")
	assert.Equal(t, "Select(task=a)", Select{TaskID: "a"}.String())
}
