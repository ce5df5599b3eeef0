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
	"sort"
)

// Vertex is a task to be created.
type Vertex struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// Dependency is an edge: From depends on To.
type Dependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a set of vertices and edges to create or add to a job.
type Graph struct {
	Vertices []Vertex     `json:"vertices"`
	Edges    []Dependency `json:"edges"`
}

// Merge appends other's vertices and edges to a copy of g.
func (g Graph) Merge(other Graph) Graph {
	return Graph{
		Vertices: append(append([]Vertex(nil), g.Vertices...), other.Vertices...),
		Edges:    append(append([]Dependency(nil), g.Edges...), other.Edges...),
	}
}

// VerticesOfType returns the vertices with the given type, in order.
func (g Graph) VerticesOfType(taskType string) []Vertex {
	var out []Vertex
	for _, v := range g.Vertices {
		if v.Type == taskType {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a loaded task graph.
//
// Thread Safety:
//
//	Snapshot is not safe for concurrent mutation. It is owned by one
//	evaluation pass.
type Snapshot struct {
	JobID string
	tasks map[string]*Task

	// dependents[id] lists the tasks that depend on id, sorted.
	dependents map[string][]string
}

// NewSnapshot indexes tasks. Tasks are used as given, not copied.
func NewSnapshot(jobID string, tasks []*Task) *Snapshot {
	s := &Snapshot{
		JobID:      jobID,
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			s.dependents[dep] = append(s.dependents[dep], t.ID)
		}
	}
	for id := range s.dependents {
		sort.Strings(s.dependents[id])
	}
	return s
}

// Len returns the number of tasks.
func (s *Snapshot) Len() int {
	return len(s.tasks)
}

// Task returns the task with the given id.
func (s *Snapshot) Task(id string) (*Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// IDs returns all task ids, sorted.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tasks returns all tasks ordered by id.
func (s *Snapshot) Tasks() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, id := range s.IDs() {
		out = append(out, s.tasks[id])
	}
	return out
}

// Dependents returns the ids of tasks that depend on id, sorted.
func (s *Snapshot) Dependents(id string) []string {
	return s.dependents[id]
}

// Roots returns the tasks nothing depends on, sorted. These are where a
// bisection's analysis task and other terminal outputs sit.
func (s *Snapshot) Roots() []string {
	var roots []string
	for _, id := range s.IDs() {
		if len(s.dependents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Edges returns every dependency edge, ordered by (From, To).
func (s *Snapshot) Edges() []Dependency {
	var edges []Dependency
	for _, t := range s.Tasks() {
		for _, dep := range t.Dependencies {
			edges = append(edges, Dependency{From: t.ID, To: dep})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Order returns task ids in dependency order: every task appears after all
// of its dependencies. The walk is a depth-first post-order from the
// sorted roots, following dependencies in edge order, so it is
// deterministic for a given graph.
func (s *Snapshot) Order() []string {
	visited := make(map[string]bool, len(s.tasks))
	order := make([]string, 0, len(s.tasks))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		if t, ok := s.tasks[id]; ok {
			for _, dep := range t.Dependencies {
				visit(dep)
			}
		}
		order = append(order, id)
	}

	for _, root := range s.Roots() {
		visit(root)
	}
	// Tasks only reachable through a cycle have no root; include them so a
	// corrupt graph is still fully visible.
	for _, id := range s.IDs() {
		visit(id)
	}
	return order
}

// Closure returns id together with its transitive dependencies and
// transitive dependents.
func (s *Snapshot) Closure(id string) map[string]bool {
	scope := map[string]bool{}
	if _, ok := s.tasks[id]; !ok {
		return scope
	}
	var down func(string)
	down = func(cur string) {
		if scope[cur] {
			return
		}
		scope[cur] = true
		for _, dep := range s.tasks[cur].Dependencies {
			down(dep)
		}
	}
	down(id)

	up := []string{id}
	seen := map[string]bool{id: true}
	for len(up) > 0 {
		cur := up[0]
		up = up[1:]
		for _, parent := range s.dependents[cur] {
			if !seen[parent] {
				seen[parent] = true
				scope[parent] = true
				up = append(up, parent)
			}
		}
	}
	return scope
}

// =============================================================================
// Amendment Validation
// =============================================================================

// Amendment is the effective change a graph extension applies: vertices
// and edges not already present.
type Amendment struct {
	Vertices []Vertex
	Edges    []Dependency
}

// Empty reports whether the amendment changes nothing.
func (a Amendment) Empty() bool {
	return len(a.Vertices) == 0 && len(a.Edges) == 0
}

// ValidateAmendment checks g against the existing tasks and returns the
// vertices and edges that are actually new.
//
// Description:
//
//	A vertex whose id exists with the same type and origin is dropped as
//	a no-op; the same id with a different type or payload is rejected.
//	Edges must reference existing or new vertices and must not close a
//	cycle. Duplicate edges are dropped. Validation is all-or-nothing: any
//	problem rejects the whole graph.
//
// Inputs:
//
//	existing - Current tasks by id. May be empty or nil.
//	g - The requested extension.
//
// Outputs:
//
//	Amendment - The new vertices and edges.
//	error - *AmendmentError on conflict.
func ValidateAmendment(existing map[string]*Task, g Graph) (Amendment, error) {
	var out Amendment
	added := make(map[string]Vertex)
	var collisions []string

	for _, v := range g.Vertices {
		if v.ID == "" || v.Type == "" {
			return Amendment{}, &AmendmentError{Reason: "vertex missing id or type", IDs: []string{v.ID}}
		}
		origin := Fingerprint(v.Type, v.Payload.Clone())
		if t, ok := existing[v.ID]; ok {
			if t.Type != v.Type || t.Origin != origin {
				collisions = append(collisions, v.ID)
			}
			continue
		}
		if prev, ok := added[v.ID]; ok {
			if prev.Type != v.Type || Fingerprint(prev.Type, prev.Payload.Clone()) != origin {
				collisions = append(collisions, v.ID)
			}
			continue
		}
		added[v.ID] = v
		out.Vertices = append(out.Vertices, v)
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		return Amendment{}, &AmendmentError{Reason: "vertex id collision", IDs: collisions}
	}

	exists := func(id string) bool {
		if _, ok := existing[id]; ok {
			return true
		}
		_, ok := added[id]
		return ok
	}

	adj := make(map[string][]string)
	present := make(map[Dependency]bool)
	for id, t := range existing {
		for _, dep := range t.Dependencies {
			adj[id] = append(adj[id], dep)
			present[Dependency{From: id, To: dep}] = true
		}
	}

	var unknown []string
	for _, e := range g.Edges {
		if !exists(e.From) || !exists(e.To) {
			unknown = append(unknown, e.From+"->"+e.To)
			continue
		}
		if present[e] {
			continue
		}
		present[e] = true
		adj[e.From] = append(adj[e.From], e.To)
		out.Edges = append(out.Edges, e)
	}
	if len(unknown) > 0 {
		return Amendment{}, &AmendmentError{Reason: "edge references unknown vertex", IDs: unknown}
	}

	if len(out.Edges) > 0 {
		if cycle := findCycle(adj); cycle != nil {
			return Amendment{}, &AmendmentError{Reason: "cycle", Cycle: cycle}
		}
	}
	return out, nil
}

// findCycle returns one cycle path in adj, or nil.
func findCycle(adj map[string][]string) []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adj[node] {
			if !visited[dep] {
				if c := dfs(dep); c != nil {
					return c
				}
			} else if recStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), dep)
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if !visited[n] {
			if c := dfs(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// apply adds the amendment to tasks in place. New tasks start pending at
// revision 1.
func (a Amendment) apply(tasks map[string]*Task) {
	for _, v := range a.Vertices {
		payload := v.Payload.Clone()
		tasks[v.ID] = &Task{
			ID:       v.ID,
			Type:     v.Type,
			State:    StatePending,
			Payload:  payload,
			Origin:   Fingerprint(v.Type, payload),
			Revision: 1,
		}
	}
	for _, e := range a.Edges {
		t := tasks[e.From]
		t.Dependencies = append(t.Dependencies, e.To)
	}
}

// ApplyAmendment validates g against tasks and applies it in place.
// Stores use it to share the amendment rules.
func ApplyAmendment(tasks map[string]*Task, g Graph) (Amendment, error) {
	a, err := ValidateAmendment(tasks, g)
	if err != nil {
		return Amendment{}, err
	}
	a.apply(tasks)
	return a, nil
}
