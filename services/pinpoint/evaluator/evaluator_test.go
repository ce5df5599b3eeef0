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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

// chainGraph is c -> b -> a (c depends on b, b depends on a).
func chainGraph() task.Graph {
	return task.Graph{
		Vertices: []task.Vertex{
			{ID: "a", Type: "t"},
			{ID: "b", Type: "t"},
			{ID: "c", Type: "t"},
		},
		Edges: []task.Dependency{{From: "b", To: "a"}, {From: "c", To: "b"}},
	}
}

func newJob(t *testing.T, g task.Graph) (*task.MemoryStore, *Evaluator) {
	t.Helper()
	store := task.NewMemoryStore()
	require.NoError(t, store.CreateJob(context.Background(), "job", g))
	e, err := New(store, WithMaxPasses(10))
	require.NoError(t, err)
	return store, e
}

// visitLog records visited task ids.
type visitLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *visitLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *visitLog) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.ids {
		if v == id {
			n++
		}
	}
	return n
}

// summing completes a task once all dependencies completed, with
// out = 1 + sum of the dependencies' out values.
func summing(log *visitLog) Visitor {
	return VisitorFunc(func(_ context.Context, t *task.Task, _ Event, acc Accumulator) ([]Action, error) {
		if log != nil {
			log.add(t.ID)
		}
		if t.State != task.StatePending {
			return nil, nil
		}
		sum := 0.0
		for _, dep := range t.Dependencies {
			if acc.Status(dep) != task.StateCompleted {
				return nil, nil
			}
			sum += acc[dep]["out"].(float64)
		}
		return []Action{SetState{TaskID: t.ID, State: task.StateCompleted, Payload: task.Payload{"out": sum + 1}}}, nil
	})
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEvaluate_InvalidInput(t *testing.T) {
	_, e := newJob(t, chainGraph())

	var nilCtx context.Context
	_, err := e.Evaluate(nilCtx, "job", Event{Type: EventInitiate}, summing(nil))
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.Evaluate(context.Background(), "missing", Event{Type: EventInitiate}, summing(nil))
	assert.ErrorIs(t, err, task.ErrJobNotFound)
}

func TestEvaluate_DependentsSeeSamePassOutputs(t *testing.T) {
	_, e := newJob(t, chainGraph())
	log := &visitLog{}

	acc, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, summing(log))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, log.ids, "one pass completes the chain; the second visits nothing")
	assert.Equal(t, 1.0, acc["a"]["out"])
	assert.Equal(t, 2.0, acc["b"]["out"])
	assert.Equal(t, 3.0, acc["c"]["out"])
	assert.Equal(t, task.StateCompleted, acc.Status("c"))
}

func TestEvaluate_PersistsActions(t *testing.T) {
	store, e := newJob(t, chainGraph())
	_, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, summing(nil))
	require.NoError(t, err)

	snap, err := store.LoadGraph(context.Background(), "job")
	require.NoError(t, err)
	c, ok := snap.Task("c")
	require.True(t, ok)
	assert.Equal(t, task.StateCompleted, c.State)
	assert.Equal(t, 3.0, c.Payload["out"])
	assert.Equal(t, int64(2), c.Revision)
}

func TestEvaluate_DependencyFailedShortCircuits(t *testing.T) {
	_, e := newJob(t, chainGraph())
	log := &visitLog{}
	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		log.add(tk.ID)
		if tk.ID == "a" {
			return []Action{Fail("a", "Boom", "a broke")}, nil
		}
		return nil, nil
	})

	acc, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	require.NoError(t, err)

	assert.Equal(t, 1, log.count("a"))
	assert.Zero(t, log.count("b"), "visitor must not see a task whose dependency failed")
	assert.Zero(t, log.count("c"))

	for _, id := range []string{"b", "c"} {
		assert.Equal(t, task.StateFailed, acc.Status(id))
		errs := task.Payload(acc[id]).Errors()
		require.Len(t, errs, 1, id)
		assert.Equal(t, ReasonDependencyFailed, errs[0].Reason)
	}
	errs := task.Payload(acc["a"]).Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, task.ErrorRecord{Reason: "Boom", Message: "a broke"}, errs[0])
}

func TestEvaluate_PartialDependencies(t *testing.T) {
	store := task.NewMemoryStore()
	require.NoError(t, store.CreateJob(context.Background(), "job", task.Graph{
		Vertices: []task.Vertex{{ID: "leaf", Type: "t"}, {ID: "top", Type: "collector"}},
		Edges:    []task.Dependency{{From: "top", To: "leaf"}},
	}))
	e, err := New(store, WithPartialDependencies("collector"))
	require.NoError(t, err)

	log := &visitLog{}
	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, acc Accumulator) ([]Action, error) {
		log.add(tk.ID)
		switch tk.ID {
		case "leaf":
			return []Action{Fail("leaf", "Boom", "")}, nil
		case "top":
			if acc.Status("leaf") == task.StateFailed {
				return []Action{SetState{TaskID: "top", State: task.StateCompleted}}, nil
			}
		}
		return nil, nil
	})

	acc, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	require.NoError(t, err)
	assert.Equal(t, 1, log.count("top"))
	assert.Equal(t, task.StateCompleted, acc.Status("top"))
}

func TestEvaluate_InvalidTransition(t *testing.T) {
	_, e := newJob(t, chainGraph())
	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		if tk.ID != "a" {
			return nil, nil
		}
		return []Action{
			SetState{TaskID: "a", State: task.StateOngoing},
			SetState{TaskID: "a", State: task.StatePending},
		}, nil
	})

	_, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	var te *task.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, task.StateOngoing, te.From)
	assert.Equal(t, task.StatePending, te.To)
}

func TestEvaluate_VisitorErrorAborts(t *testing.T) {
	_, e := newJob(t, chainGraph())
	boom := errors.New("boom")
	v := VisitorFunc(func(context.Context, *task.Task, Event, Accumulator) ([]Action, error) {
		return nil, boom
	})
	_, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	assert.ErrorIs(t, err, boom)
}

func TestEvaluate_SkipsTerminalTasksOnMutatingEvents(t *testing.T) {
	_, e := newJob(t, chainGraph())
	_, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, summing(nil))
	require.NoError(t, err)

	log := &visitLog{}
	_, err = e.Evaluate(context.Background(), "job", Event{Type: EventUpdate}, summing(log))
	require.NoError(t, err)
	assert.Empty(t, log.ids)
}

func TestEvaluate_NoOpWriteIsNotProgress(t *testing.T) {
	_, e := newJob(t, chainGraph())
	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		return []Action{SetState{TaskID: tk.ID, Payload: task.Payload{"seen": true}}}, nil
	})
	acc, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	require.NoError(t, err)
	assert.Equal(t, true, acc["c"]["seen"])
	assert.Equal(t, task.StatePending, acc.Status("c"))
}

func TestEvaluate_NoFixedPoint(t *testing.T) {
	store := task.NewMemoryStore()
	require.NoError(t, store.CreateJob(context.Background(), "job", task.Graph{
		Vertices: []task.Vertex{{ID: "a", Type: "t"}},
	}))
	e, err := New(store, WithMaxPasses(3))
	require.NoError(t, err)

	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		n, _ := tk.Payload["n"].(float64)
		return []Action{SetState{TaskID: tk.ID, Payload: task.Payload{"n": n + 1}}}, nil
	})
	_, err = e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	assert.ErrorIs(t, err, ErrNoFixedPoint)
}

func TestEvaluate_ExtensionVisitedInLaterPass(t *testing.T) {
	store := task.NewMemoryStore()
	require.NoError(t, store.CreateJob(context.Background(), "job", task.Graph{
		Vertices: []task.Vertex{{ID: "seed", Type: "seed"}},
	}))
	e, err := New(store)
	require.NoError(t, err)

	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, acc Accumulator) ([]Action, error) {
		switch tk.Type {
		case "t":
			return []Action{SetState{TaskID: tk.ID, State: task.StateCompleted}}, nil
		case "seed":
			if _, ok := acc["child"]; !ok {
				return []Action{ExtendGraph{Graph: task.Graph{
					Vertices: []task.Vertex{{ID: "child", Type: "t", Payload: task.Payload{"k": "v"}}},
					Edges:    []task.Dependency{{From: "seed", To: "child"}},
				}}}, nil
			}
			if acc.Status("child") == task.StateCompleted {
				return []Action{SetState{TaskID: tk.ID, State: task.StateCompleted}}, nil
			}
		}
		return nil, nil
	})

	acc, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, acc.Status("child"))
	assert.Equal(t, task.StateCompleted, acc.Status("seed"))
	assert.Equal(t, "v", acc["child"]["k"])
}

func TestEvaluate_InvalidAmendmentIsSkipped(t *testing.T) {
	store, e := newJob(t, chainGraph())
	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		if tk.ID != "a" {
			return nil, nil
		}
		return []Action{
			// a -> c closes a cycle with c -> b -> a.
			ExtendGraph{Graph: task.Graph{Edges: []task.Dependency{{From: "a", To: "c"}}}},
			SetState{TaskID: "a", State: task.StateCompleted},
		}, nil
	})

	acc, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, v)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, acc.Status("a"))

	snap, err := store.LoadGraph(context.Background(), "job")
	require.NoError(t, err)
	a, _ := snap.Task("a")
	assert.Empty(t, a.Dependencies)
}

func TestEvaluate_TargetScope(t *testing.T) {
	g := chainGraph()
	g.Vertices = append(g.Vertices, task.Vertex{ID: "x", Type: "t"})
	_, e := newJob(t, g)

	log := &visitLog{}
	_, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate, TargetTask: "b"}, summing(log))
	require.NoError(t, err)
	assert.Zero(t, log.count("x"))
	assert.Equal(t, 1, log.count("c"), "dependents of the target are in scope")

	_, err = e.Evaluate(context.Background(), "job", Event{Type: EventInitiate, TargetTask: "nope"}, summing(nil))
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestEvaluate_ReadOnlyRejectsMutation(t *testing.T) {
	_, e := newJob(t, chainGraph())
	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		return []Action{SetState{TaskID: tk.ID, State: task.StateOngoing}}, nil
	})
	for _, typ := range []string{EventSelect, EventValidate} {
		_, err := e.Evaluate(context.Background(), "job", Event{Type: typ}, v)
		assert.ErrorIs(t, err, ErrReadOnlyEvent, typ)
	}
}

func TestEvaluate_SelectProjection(t *testing.T) {
	g := chainGraph()
	g.Vertices = append(g.Vertices, task.Vertex{ID: "other", Type: "u"})
	_, e := newJob(t, g)
	_, err := e.Evaluate(context.Background(), "job", Event{Type: EventInitiate}, Filter(TaskTypeEq("t"), summing(nil)))
	require.NoError(t, err)

	got, err := e.Evaluate(context.Background(), "job", Event{Type: EventSelect}, &Selector{TaskType: "t"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.NotContains(t, got, "other")
	assert.Equal(t, 3.0, got["c"]["out"])
	assert.Equal(t, task.StateCompleted, got.Status("a"))

	got, err = e.Evaluate(context.Background(), "job", Event{Type: EventSelect},
		&Selector{Predicate: TaskStatusIn(task.StatePending)})
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, keys(got))

	// A nil entry selects the accumulator entry.
	v := VisitorFunc(func(_ context.Context, tk *task.Task, _ Event, _ Accumulator) ([]Action, error) {
		if tk.ID == "b" {
			return []Action{Select{TaskID: "b"}}, nil
		}
		return nil, nil
	})
	got, err = e.Evaluate(context.Background(), "job", Event{Type: EventValidate}, v)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got["b"]["out"])
}

func keys(acc Accumulator) []string {
	out := make([]string, 0, len(acc))
	for k := range acc {
		out = append(out, k)
	}
	return out
}

func TestEvaluate_ContextCancelled(t *testing.T) {
	_, e := newJob(t, chainGraph())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Evaluate(ctx, "job", Event{Type: EventInitiate}, summing(nil))
	assert.Error(t, err)
}
