// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bisection drives a performance bisection over a commit range.
//
// The find_culprit task depends on the read_value tasks of every change it
// has measured. While ongoing it compares adjacent measured changes, adds
// midpoint changes where a difference was found, asks for more attempts
// where the comparison is inconclusive, and records the adjacent pairs that
// differ as culprits.
package bisection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/pinpoint/pkg/validation"
	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/compare"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/exploration"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/findisolate"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/readvalue"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/runtest"
)

// TaskType is the type tag of the bisection task.
const TaskType = "find_culprit"

// TaskID is the id of the single bisection task of a job.
const TaskID = "performance_bisection"

// ComparisonMode is recorded in the payload; bisections are always
// performance comparisons.
const ComparisonMode = string(compare.KindPerformance)

// Error reasons recorded on a failed bisection.
const (
	ReasonGitilesFetchError = "GitilesFetchError"
	ReasonBisectionFailed   = "BisectionFailed"
)

// Analysis defaults applied when an option is zero.
const (
	DefaultComparisonMagnitude = 1.0
	DefaultMinAttempts         = 10
	DefaultMaxAttempts         = 100
)

// AttemptGrowth is the factor by which a change's attempt count grows when
// its comparison is inconclusive. The grown count is floored.
const AttemptGrowth = 1.5

// AnalysisOptions tune the comparison and the number of test attempts.
type AnalysisOptions struct {
	ComparisonMagnitude float64 `json:"comparison_magnitude" yaml:"comparison_magnitude" validate:"gte=0"`
	MinAttempts         int     `json:"min_attempts" yaml:"min_attempts" validate:"gte=0,lte=1000"`
	MaxAttempts         int     `json:"max_attempts" yaml:"max_attempts" validate:"gte=0,lte=1000"`
}

// WithDefaults fills zero options with their defaults.
func (o AnalysisOptions) WithDefaults() AnalysisOptions {
	if o.ComparisonMagnitude == 0 {
		o.ComparisonMagnitude = DefaultComparisonMagnitude
	}
	if o.MinAttempts == 0 {
		o.MinAttempts = DefaultMinAttempts
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// BuildOptionTemplate is the build configuration shared by every change.
type BuildOptionTemplate struct {
	Builder string `json:"builder" yaml:"builder" validate:"required"`
	Target  string `json:"target" yaml:"target" validate:"required"`
	Bucket  string `json:"bucket" yaml:"bucket" validate:"required"`
}

// TestOptionTemplate is the test configuration shared by every change.
type TestOptionTemplate struct {
	SwarmingServer string              `json:"swarming_server" yaml:"swarming_server" validate:"required,url"`
	Dimensions     []clients.Dimension `json:"dimensions" yaml:"dimensions" validate:"dive"`
	ExtraArgs      []string            `json:"extra_args" yaml:"extra_args"`
}

// ReadOptionTemplate is the result extraction shared by every change.
type ReadOptionTemplate struct {
	Benchmark        string                     `json:"benchmark" yaml:"benchmark" validate:"benchmark"`
	HistogramOptions readvalue.HistogramOptions `json:"histogram_options" yaml:"histogram_options"`
	GraphJSONOptions readvalue.GraphJSONOptions `json:"graph_json_options" yaml:"graph_json_options"`
	Mode             string                     `json:"mode" yaml:"mode" validate:"required,oneof=histogram_sets graph_json"`
}

// TaskOptions describe a bisection between two changes.
type TaskOptions struct {
	BuildOptionTemplate BuildOptionTemplate `json:"build_option_template" yaml:"build_option_template"`
	TestOptionTemplate  TestOptionTemplate  `json:"test_option_template" yaml:"test_option_template"`
	ReadOptionTemplate  ReadOptionTemplate  `json:"read_option_template" yaml:"read_option_template"`
	AnalysisOptions     AnalysisOptions     `json:"analysis_options" yaml:"analysis_options"`
	StartChange         change.Change       `json:"start_change" yaml:"start_change"`
	EndChange           change.Change       `json:"end_change" yaml:"end_change"`
	PinnedChange        *change.Change      `json:"pinned_change,omitempty" yaml:"pinned_change,omitempty"`

	// Arguments are the job arguments. "target" and "extra_test_args" add
	// to the test command line.
	Arguments map[string]string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Validate checks the options and that both ends share a repository.
func (o TaskOptions) Validate() error {
	if err := validation.Struct(o); err != nil {
		return err
	}
	a := o.AnalysisOptions.WithDefaults()
	if a.MinAttempts > a.MaxAttempts {
		return fmt.Errorf("%w: min_attempts %d exceeds max_attempts %d", validation.ErrInvalid, a.MinAttempts, a.MaxAttempts)
	}
	if o.StartChange.Base().Repository != o.EndChange.Base().Repository {
		return fmt.Errorf("%w: start and end changes are in different repositories", validation.ErrInvalid)
	}
	if o.StartChange.Equal(o.EndChange) {
		return fmt.Errorf("%w: start and end changes are the same", validation.ErrInvalid)
	}
	return nil
}

// ExtraArgs returns the test arguments: the template's, followed by the
// job's "extra_test_args" when a target is given. extra_test_args is a JSON
// list or a whitespace separated string.
func ExtraArgs(template []string, arguments map[string]string) []string {
	out := append([]string{}, template...)
	if arguments["target"] == "" {
		return out
	}
	raw := strings.TrimSpace(arguments["extra_test_args"])
	if raw == "" {
		return out
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return append(out, list...)
	}
	return append(out, strings.Fields(raw)...)
}

// CreateGraph returns the read_value subgraphs of the start and end changes
// and the bisection task depending on every read_value task. The pinned
// change's patch is applied to both ends.
func CreateGraph(opts TaskOptions) (task.Graph, error) {
	if err := opts.Validate(); err != nil {
		return task.Graph{}, err
	}
	analysis := opts.AnalysisOptions.WithDefaults()
	p := payload{
		BuildOptionTemplate: opts.BuildOptionTemplate,
		TestOptionTemplate:  opts.TestOptionTemplate,
		ReadOptionTemplate:  opts.ReadOptionTemplate,
		AnalysisOptions:     analysis,
		PinnedChange:        opts.PinnedChange,
		Arguments:           opts.Arguments,
	}

	var g task.Graph
	for _, c := range []change.Change{opts.StartChange, opts.EndChange} {
		sub, err := readvalue.CreateGraph(p.readOptions(c.WithPinned(opts.PinnedChange), analysis.MinAttempts))
		if err != nil {
			return task.Graph{}, err
		}
		g = g.Merge(sub)
	}

	var pinned any
	if opts.PinnedChange != nil {
		pinned = opts.PinnedChange.Map()
	}
	arguments := map[string]any{}
	for k, v := range opts.Arguments {
		arguments[k] = v
	}
	vertexPayload, err := task.EncodePayload(map[string]any{
		"start_change":          opts.StartChange.Map(),
		"end_change":            opts.EndChange.Map(),
		"pinned_change":         pinned,
		"analysis_options":      analysis,
		"build_option_template": opts.BuildOptionTemplate,
		"test_option_template":  opts.TestOptionTemplate,
		"read_option_template":  opts.ReadOptionTemplate,
		"comparison_mode":       ComparisonMode,
		"arguments":             arguments,
	})
	if err != nil {
		return task.Graph{}, err
	}

	reads := g.VerticesOfType(readvalue.TaskType)
	g.Vertices = append(g.Vertices, task.Vertex{ID: TaskID, Type: TaskType, Payload: vertexPayload})
	for _, v := range reads {
		g.Edges = append(g.Edges, task.Dependency{From: TaskID, To: v.ID})
	}
	return g, nil
}

// payload is the typed view of the bisection task payload.
type payload struct {
	StartChange         change.Change       `json:"start_change"`
	EndChange           change.Change       `json:"end_change"`
	PinnedChange        *change.Change      `json:"pinned_change"`
	AnalysisOptions     AnalysisOptions     `json:"analysis_options"`
	BuildOptionTemplate BuildOptionTemplate `json:"build_option_template"`
	TestOptionTemplate  TestOptionTemplate  `json:"test_option_template"`
	ReadOptionTemplate  ReadOptionTemplate  `json:"read_option_template"`
	ComparisonMode      string              `json:"comparison_mode"`
	Arguments           map[string]string   `json:"arguments"`
	Commits             []change.Commit     `json:"commits"`
	Changes             []change.Change     `json:"changes"`
}

// readOptions builds the read_value options for one change from the
// templates.
func (p payload) readOptions(c change.Change, attempts int) readvalue.TaskOptions {
	return readvalue.TaskOptions{
		TestOptions: runtest.TaskOptions{
			BuildOptions: findisolate.TaskOptions{
				Builder: p.BuildOptionTemplate.Builder,
				Target:  p.BuildOptionTemplate.Target,
				Bucket:  p.BuildOptionTemplate.Bucket,
				Change:  c,
			},
			SwarmingServer: p.TestOptionTemplate.SwarmingServer,
			Dimensions:     p.TestOptionTemplate.Dimensions,
			ExtraArgs:      ExtraArgs(p.TestOptionTemplate.ExtraArgs, p.Arguments),
			Attempts:       attempts,
		},
		Benchmark:        p.ReadOptionTemplate.Benchmark,
		HistogramOptions: p.ReadOptionTemplate.HistogramOptions,
		GraphJSONOptions: p.ReadOptionTemplate.GraphJSONOptions,
		Mode:             p.ReadOptionTemplate.Mode,
	}
}

// Dependencies are the services the bisection visitor talks to.
type Dependencies struct {
	Source clients.SourceControl
	Logger *slog.Logger
}

// NewVisitor returns the bisection visitor. It runs on every event that
// reaches a non-terminal find_culprit task.
func NewVisitor(deps Dependencies) evaluator.Visitor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	b := &bisector{deps: deps, logger: deps.Logger.With("task_type", TaskType)}
	return evaluator.Filter(
		evaluator.All(
			evaluator.TaskTypeEq(TaskType),
			evaluator.Not(evaluator.TaskStatusIn(task.StateCompleted, task.StateFailed)),
		),
		evaluator.VisitorFunc(b.visit),
	)
}

type bisector struct {
	deps   Dependencies
	logger *slog.Logger
}

func (b *bisector) visit(ctx context.Context, t *task.Task, _ evaluator.Event, acc evaluator.Accumulator) ([]evaluator.Action, error) {
	if t.State == task.StatePending {
		return b.prepare(ctx, t)
	}
	return b.explore(t, acc)
}

// prepare loads the commit range once and moves the task to ongoing. The
// range is the start commit followed by the range oldest first.
func (b *bisector) prepare(ctx context.Context, t *task.Task) ([]evaluator.Action, error) {
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	start, end := p.StartChange.Base(), p.EndChange.Base()
	hashes, err := b.deps.Source.CommitRange(ctx, start.Repository, start.GitHash, end.GitHash)
	if err != nil {
		if clients.IsTransient(err) {
			b.logger.Warn("commit range fetch deferred", "task_id", t.ID, "error", err)
			return nil, nil
		}
		return []evaluator.Action{evaluator.Fail(t.ID, ReasonGitilesFetchError, err.Error())}, nil
	}

	commits := []any{map[string]any{"repository": start.Repository, "git_hash": start.GitHash}}
	for i := len(hashes) - 1; i >= 0; i-- {
		commits = append(commits, map[string]any{"repository": start.Repository, "git_hash": hashes[i]})
	}
	b.logger.Info("commit range loaded", "task_id", t.ID, "commits", len(commits))
	return []evaluator.Action{evaluator.SetState{
		TaskID:  t.ID,
		State:   task.StateOngoing,
		Payload: task.Payload{"commits": commits},
	}}, nil
}

// measurement is what the bisection needs from one read_value dependency.
type measurement struct {
	Change       change.Change `json:"change"`
	Status       task.State    `json:"status"`
	ResultValues []*float64    `json:"result_values"`
}

func (b *bisector) explore(t *task.Task, acc evaluator.Accumulator) ([]evaluator.Action, error) {
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	if len(p.Commits) == 0 {
		return nil, task.NewTaskError(t.ID, fmt.Errorf("%w: ongoing bisection has no commits", evaluator.ErrInvalidInput))
	}

	patch := task.Payload{}
	if len(p.Changes) == 0 {
		changes := make([]any, 0, len(p.Commits))
		for _, c := range p.Commits {
			ch := change.New(c.Repository, c.GitHash).WithPinned(p.PinnedChange)
			p.Changes = append(p.Changes, ch)
			changes = append(changes, ch.Map())
		}
		patch["changes"] = changes
	}

	a, err := newAnalysis(t, p, acc)
	if err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	if reason := a.converged(); reason != "" {
		return withPatch(t.ID, patch, evaluator.Fail(t.ID, ReasonBisectionFailed, reason)), nil
	}
	if a.waiting() {
		return withPatch(t.ID, patch), nil
	}

	patch["comparisons"] = a.comparisons()
	patch["result_values"] = a.resultValues()
	if len(a.ordered) < 2 {
		return withPatch(t.ID, patch), nil
	}

	var refine []request
	insertions := exploration.Speculate(a.ordered, a.detect, func(x, y string) {
		refine = append(refine, a.refinements(x, y)...)
	}, a.midpoint, exploration.DefaultLevels)

	requests := make([]request, 0, len(insertions)+len(refine))
	for _, ins := range insertions {
		requests = append(requests, request{change: ins.Item, attempts: p.AnalysisOptions.WithDefaults().MinAttempts})
	}
	requests = append(requests, refine...)

	var extensions []evaluator.Action
	for _, r := range dedupe(requests) {
		if a.busy(r.change) {
			continue
		}
		g, err := a.extension(r)
		if err != nil {
			return nil, task.NewTaskError(t.ID, err)
		}
		if len(g.Vertices) == 0 {
			continue
		}
		b.logger.Info("extending bisection",
			"task_id", t.ID,
			"change", r.change,
			"attempts", r.attempts,
			"vertices", len(g.Vertices),
		)
		extensions = append(extensions, evaluator.ExtendGraph{Graph: g})
	}

	patch["culprits"] = a.culprits()
	update := evaluator.SetState{TaskID: t.ID, Payload: patch}
	if len(extensions) == 0 && a.settled() {
		update.State = task.StateCompleted
		b.logger.Info("bisection complete", "task_id", t.ID, "culprits", len(a.culprits()))
	}
	return append([]evaluator.Action{update}, extensions...), nil
}

// withPatch prepends a payload update when patch is not empty.
func withPatch(taskID string, patch task.Payload, actions ...evaluator.Action) []evaluator.Action {
	if len(patch) == 0 {
		return actions
	}
	return append([]evaluator.Action{evaluator.SetState{TaskID: taskID, Payload: patch}}, actions...)
}

// request asks for a change to be measured with at least attempts runs.
type request struct {
	change   string
	attempts int
}

// dedupe keeps the largest request per change, in first-seen order.
func dedupe(requests []request) []request {
	index := map[string]int{}
	var out []request
	for _, r := range requests {
		if i, ok := index[r.change]; ok {
			if r.attempts > out[i].attempts {
				out[i].attempts = r.attempts
			}
			continue
		}
		index[r.change] = len(out)
		out = append(out, r)
	}
	return out
}

// =============================================================================
// Analysis
// =============================================================================

// analysis is the per-visit view of the measured changes. Changes are
// keyed by their id string.
type analysis struct {
	taskID    string
	p         payload
	options   AnalysisOptions
	acc       evaluator.Accumulator
	all       []string
	index     map[string]int
	changes   map[string]change.Change
	results   map[string][]float64
	status    map[string]map[task.State]int
	byStatus  map[task.State]map[string]bool
	withData  map[string]bool
	ordered   []string
	decisions map[[2]string]exploration.Decision
}

func newAnalysis(t *task.Task, p payload, acc evaluator.Accumulator) (*analysis, error) {
	a := &analysis{
		taskID:    t.ID,
		p:         p,
		options:   p.AnalysisOptions.WithDefaults(),
		acc:       acc,
		index:     map[string]int{},
		changes:   map[string]change.Change{},
		results:   map[string][]float64{},
		status:    map[string]map[task.State]int{},
		byStatus:  map[task.State]map[string]bool{},
		withData:  map[string]bool{},
		decisions: map[[2]string]exploration.Decision{},
	}
	for i, c := range p.Changes {
		id := c.ID()
		a.all = append(a.all, id)
		a.index[id] = i
		a.changes[id] = c
	}

	for _, dep := range t.Dependencies {
		entry, ok := acc[dep]
		if !ok {
			continue
		}
		var m measurement
		if err := entry.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", dep, err)
		}
		if len(m.Change.Commits) == 0 {
			continue
		}
		id := m.Change.ID()
		if _, ok := a.changes[id]; !ok {
			a.changes[id] = m.Change
		}
		for _, v := range m.ResultValues {
			if v != nil {
				a.results[id] = append(a.results[id], *v)
			}
		}
		if a.status[id] == nil {
			a.status[id] = map[task.State]int{}
		}
		a.status[id][m.Status]++
		if a.byStatus[m.Status] == nil {
			a.byStatus[m.Status] = map[string]bool{}
		}
		a.byStatus[m.Status][id] = true
		a.withData[id] = true
	}

	for _, id := range a.all {
		if a.withData[id] {
			a.ordered = append(a.ordered, id)
		}
	}
	return a, nil
}

// converged returns a failure message when every measured change ended in
// the same unusable state.
func (a *analysis) converged() string {
	if len(a.byStatus) != 1 || len(a.withData) == 0 {
		return ""
	}
	switch {
	case a.byStatus[task.StateCompleted] != nil:
		for id := range a.withData {
			if len(a.results[id]) == 0 {
				return "We did not find any results from successful test runs."
			}
		}
	case a.byStatus[task.StateFailed] != nil:
		return "All attempts in all dependencies failed."
	}
	return ""
}

// waiting reports whether every measured change is still pending or
// ongoing.
func (a *analysis) waiting() bool {
	if len(a.byStatus) != 1 || len(a.withData) == 0 {
		return false
	}
	return a.byStatus[task.StateCompleted] == nil && a.byStatus[task.StateFailed] == nil
}

// compare returns the comparator result for a pair, or false when either
// side is missing or has no values.
func (a *analysis) compare(x, y string) (compare.Result, bool) {
	if x == "" || y == "" {
		return compare.Unknown, false
	}
	if a.status[x][task.StatePending] > 0 || a.status[y][task.StatePending] > 0 {
		return compare.Pending, true
	}
	vx, vy := a.results[x], a.results[y]
	if len(vx) == 0 || len(vy) == 0 {
		return compare.Unknown, false
	}
	attempts := (len(vx) + len(vy)) / 2
	return compare.Compare(vx, vy, attempts, compare.KindPerformance, a.options.ComparisonMagnitude), true
}

// detect is the exploration oracle. Pending and missing comparisons count
// as no change.
func (a *analysis) detect(x, y string) exploration.Decision {
	key := [2]string{x, y}
	if d, ok := a.decisions[key]; ok {
		return d
	}
	d := exploration.NoChange
	if r, ok := a.compare(x, y); ok {
		switch r {
		case compare.Unknown:
			d = exploration.Undecided
		case compare.Different:
			d = exploration.Changed
		}
	}
	a.decisions[key] = d
	return d
}

// attempts is the number of runs recorded for a change in any state.
func (a *analysis) attempts(id string) int {
	n := 0
	for _, c := range a.status[id] {
		n += c
	}
	return n
}

// refinements grows the attempt count of both sides of an inconclusive
// pair, when growth is still possible under max_attempts.
func (a *analysis) refinements(x, y string) []request {
	var out []request
	for _, id := range []string{x, y} {
		n := a.attempts(id)
		grown := int(math.Floor(float64(n) * AttemptGrowth))
		if grown > a.options.MaxAttempts {
			grown = a.options.MaxAttempts
		}
		if grown > n {
			out = append(out, request{change: id, attempts: grown})
		}
	}
	return out
}

// midpoint returns the change halfway between x and y in the full range.
func (a *analysis) midpoint(x, y string) (string, bool) {
	ix, okx := a.index[x]
	iy, oky := a.index[y]
	if !okx || !oky || iy < ix {
		return "", false
	}
	sub := a.all[ix : iy+1]
	if len(sub) <= 2 {
		return "", false
	}
	return sub[len(sub)/2], true
}

// busy reports whether a change still has runs in flight.
func (a *analysis) busy(id string) bool {
	return a.status[id][task.StatePending] > 0 || a.status[id][task.StateOngoing] > 0
}

// settled reports whether every measurement is terminal.
func (a *analysis) settled() bool {
	for s := range a.byStatus {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// extension returns the vertices and edges needed to measure r, leaving
// out tasks that already exist.
func (a *analysis) extension(r request) (task.Graph, error) {
	c, ok := a.changes[r.change]
	if !ok {
		return task.Graph{}, fmt.Errorf("%w: unknown change %s", evaluator.ErrInvalidInput, r.change)
	}
	attempts := r.attempts
	if attempts > a.options.MaxAttempts {
		attempts = a.options.MaxAttempts
	}
	sub, err := readvalue.CreateGraph(a.p.readOptions(c, attempts))
	if err != nil {
		return task.Graph{}, err
	}

	var g task.Graph
	for _, v := range sub.Vertices {
		if _, exists := a.acc[v.ID]; exists {
			continue
		}
		g.Vertices = append(g.Vertices, v)
		if v.Type == readvalue.TaskType {
			g.Edges = append(g.Edges, task.Dependency{From: a.taskID, To: v.ID})
		}
	}
	for _, e := range sub.Edges {
		if _, exists := a.acc[e.From]; !exists {
			g.Edges = append(g.Edges, e)
		}
	}
	return g, nil
}

// comparisons compares each measured change with its neighbours.
func (a *analysis) comparisons() []any {
	out := make([]any, 0, len(a.ordered))
	for i, id := range a.ordered {
		prev, next := "", ""
		if i > 0 {
			prev = a.ordered[i-1]
		}
		if i+1 < len(a.ordered) {
			next = a.ordered[i+1]
		}
		out = append(out, map[string]any{
			"prev": a.comparisonValue(prev, id),
			"next": a.comparisonValue(id, next),
		})
	}
	return out
}

func (a *analysis) comparisonValue(x, y string) any {
	r, ok := a.compare(x, y)
	if !ok {
		return nil
	}
	return r.String()
}

// resultValues lists the values of each measured change.
func (a *analysis) resultValues() []any {
	out := make([]any, 0, len(a.ordered))
	for _, id := range a.ordered {
		values := make([]any, 0, len(a.results[id]))
		for _, v := range a.results[id] {
			values = append(values, v)
		}
		out = append(out, values)
	}
	return out
}

// culprits lists the adjacent measured pairs that differ.
func (a *analysis) culprits() []any {
	out := []any{}
	for i := 0; i+1 < len(a.ordered); i++ {
		x, y := a.ordered[i], a.ordered[i+1]
		if a.detect(x, y) == exploration.Changed {
			out = append(out, []any{a.changes[x].Map(), a.changes[y].Map()})
		}
	}
	return out
}

// =============================================================================
// Serializer
// =============================================================================

// NewSerializer returns the select visitor that projects the bisection
// task into its analysis: changes, comparison mode, comparisons, culprits,
// metric and result values.
func NewSerializer() evaluator.Visitor {
	return evaluator.Filter(
		evaluator.All(
			evaluator.TaskTypeEq(TaskType),
			evaluator.TaskStatusIn(task.StateOngoing, task.StateFailed, task.StateCompleted),
		),
		evaluator.VisitorFunc(serializeAnalysis),
	)
}

func serializeAnalysis(_ context.Context, t *task.Task, _ evaluator.Event, _ evaluator.Accumulator) ([]evaluator.Action, error) {
	var p payload
	if err := task.DecodePayload(t.Payload, &p); err != nil {
		return nil, task.NewTaskError(t.ID, err)
	}
	var metric any
	switch p.ReadOptionTemplate.Mode {
	case readvalue.ModeHistogramSets:
		metric = p.ReadOptionTemplate.Benchmark
	case readvalue.ModeGraphJSON:
		metric = p.ReadOptionTemplate.GraphJSONOptions.Chart
	}

	changes := make([]any, 0, len(p.Changes))
	for _, c := range p.Changes {
		changes = append(changes, c.Map())
	}
	entry := evaluator.Entry{
		"changes":         changes,
		"comparison_mode": p.ComparisonMode,
		"comparisons":     listOrEmpty(t.Payload["comparisons"]),
		"culprits":        listOrEmpty(t.Payload["culprits"]),
		"metric":          metric,
		"result_values":   listOrEmpty(t.Payload["result_values"]),
	}
	return []evaluator.Action{evaluator.Select{TaskID: t.ID, Entry: entry}}, nil
}

func listOrEmpty(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{}
}
