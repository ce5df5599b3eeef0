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
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateJob(ctx, "job", chain()))
	require.ErrorIs(t, s.CreateJob(ctx, "job", chain()), ErrJobExists)

	snap, err := s.LoadGraph(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())

	_, err = s.LoadGraph(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job"}, jobs)
}

func TestMemoryStore_LoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateJob(ctx, "job", chain()))

	snap, err := s.LoadGraph(ctx, "job")
	require.NoError(t, err)
	a, _ := snap.Task("a")
	a.Payload["n"] = "mutated"

	again, err := s.LoadGraph(ctx, "job")
	require.NoError(t, err)
	a2, _ := again.Task("a")
	assert.Equal(t, 1.0, a2.Payload["n"])
}

func TestMemoryStore_SaveTaskRevision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateJob(ctx, "job", chain()))

	snap, err := s.LoadGraph(ctx, "job")
	require.NoError(t, err)
	first, _ := snap.Task("a")
	stale := first.Clone()

	first.State = StateOngoing
	first.Payload["tries"] = 1
	require.NoError(t, s.SaveTask(ctx, "job", first))
	assert.Equal(t, int64(2), first.Revision)

	stale.State = StateFailed
	err = s.SaveTask(ctx, "job", stale)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	reloaded, err := s.LoadGraph(ctx, "job")
	require.NoError(t, err)
	a, _ := reloaded.Task("a")
	assert.Equal(t, StateOngoing, a.State)
	assert.Equal(t, 1.0, a.Payload["tries"])

	assert.ErrorIs(t, s.SaveTask(ctx, "job", &Task{ID: "zz"}), ErrTaskNotFound)
}

func TestMemoryStore_ExtendGraph(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateJob(ctx, "job", chain()))

	ext := Graph{
		Vertices: []Vertex{{ID: "d", Type: "t", Payload: Payload{"n": 4}}},
		Edges:    []Dependency{{From: "c", To: "d"}},
	}
	a, err := s.ExtendGraph(ctx, "job", ext)
	require.NoError(t, err)
	assert.Len(t, a.Vertices, 1)

	// Same vertex again is a no-op.
	a, err = s.ExtendGraph(ctx, "job", ext)
	require.NoError(t, err)
	assert.True(t, a.Empty())

	// Same id, different payload is rejected.
	_, err = s.ExtendGraph(ctx, "job", Graph{Vertices: []Vertex{{ID: "d", Type: "t", Payload: Payload{"n": 5}}}})
	assert.ErrorIs(t, err, ErrInvalidAmendment)

	snap, err := s.LoadGraph(ctx, "job")
	require.NoError(t, err)
	c, _ := snap.Task("c")
	assert.Equal(t, []string{"b", "d"}, c.Dependencies)
}

func TestMemoryStore_ConcurrentExtendSameVertex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateJob(ctx, "job", chain()))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ExtendGraph(ctx, "job", Graph{
				Vertices: []Vertex{{ID: "d", Type: "t", Payload: Payload{"n": 4}}},
				Edges:    []Dependency{{From: "d", To: "a"}},
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	snap, err := s.LoadGraph(ctx, "job")
	require.NoError(t, err)
	d, ok := snap.Task("d")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, d.Dependencies)
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore()
	require.NoError(t, src.CreateJob(ctx, "job", chain()))

	snap, err := src.LoadGraph(ctx, "job")
	require.NoError(t, err)
	b, _ := snap.Task("b")
	b.State = StateCompleted
	b.Payload["result_values"] = []any{1.5, 2.5}
	require.NoError(t, src.SaveTask(ctx, "job", b))

	exp, err := ExportJob(ctx, src, "job")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteExport(&buf, exp))
	decoded, err := ReadExport(&buf)
	require.NoError(t, err)

	dst := NewMemoryStore()
	require.NoError(t, ImportJob(ctx, dst, decoded, "copy"))

	before, err := src.LoadGraph(ctx, "job")
	require.NoError(t, err)
	after, err := dst.LoadGraph(ctx, "copy")
	require.NoError(t, err)

	assert.Equal(t, before.IDs(), after.IDs())
	edgeSet := func(s *Snapshot) []Dependency {
		e := s.Edges()
		sort.Slice(e, func(i, j int) bool { return e[i].From+e[i].To < e[j].From+e[j].To })
		return e
	}
	assert.Equal(t, edgeSet(before), edgeSet(after))
	if diff := cmp.Diff(before.Tasks(), after.Tasks()); diff != "" {
		t.Errorf("tasks differ after round trip (-before +after):\n%s", diff)
	}
}

func TestExport_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateJob(ctx, "job", chain()))

	exp, err := ExportJob(ctx, s, "job")
	require.NoError(t, err)
	require.NoError(t, exp.Verify())

	exp.Tasks[0].State = StateFailed
	assert.ErrorIs(t, exp.Verify(), ErrExportCorrupt)

	exp.Version = "0.1.0"
	assert.ErrorIs(t, exp.Verify(), ErrExportVersionMismatch)
}

func TestRestoreJob_RejectsBrokenGraphs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.RestoreJob(ctx, "j", []*Task{{ID: "a", Type: "t", State: StatePending, Dependencies: []string{"missing"}}})
	assert.ErrorIs(t, err, ErrInvalidAmendment)

	err = s.RestoreJob(ctx, "j", []*Task{
		{ID: "a", Type: "t", State: StatePending, Dependencies: []string{"b"}},
		{ID: "b", Type: "t", State: StatePending, Dependencies: []string{"a"}},
	})
	assert.ErrorIs(t, err, ErrCycleDetected)

	err = s.RestoreJob(ctx, "j", []*Task{{ID: "a", Type: "t", State: "cancelled"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
