// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package readvalue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Reserved diagnostic names used when indexing histograms.
const (
	diagStories          = "stories"
	diagStoryTags        = "storyTags"
	diagTraceURLs        = "traceUrls"
	diagIsReferenceBuild = "isReferenceBuild"
)

// Offsets into a histogram's "running" statistics array:
// [count, max, meanlogs, mean, min, sum, variance].
const (
	runningCount = 0
	runningMax   = 1
	runningMean  = 3
	runningMin   = 4
	runningSum   = 5
	runningVar   = 6
	runningLen   = 7
)

// histogram is one decoded entry of a histogram set.
type histogram struct {
	Name        string
	Samples     []float64
	Running     []float64
	diagnostics map[string][]any
	refs        map[string]bool
}

// histogramSet is a decoded histogram set with shared diagnostics resolved.
type histogramSet struct {
	Histograms []*histogram
}

type rawHistogram struct {
	Name         string                     `json:"name"`
	GUID         string                     `json:"guid"`
	Type         string                     `json:"type"`
	Values       []any                      `json:"values"`
	SampleValues []any                      `json:"sampleValues"`
	Running      []any                      `json:"running"`
	Diagnostics  map[string]json.RawMessage `json:"diagnostics"`
}

type rawDiagnostic struct {
	Type   string `json:"type"`
	Values []any  `json:"values"`
}

// parseHistogramSet decodes the JSON list form of a histogram set. Shared
// diagnostics are top-level entries with a guid and no name; histograms
// refer to them by guid.
func parseHistogramSet(data []byte) (*histogramSet, error) {
	var entries []rawHistogram
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode histogram set: %w", err)
	}

	shared := map[string][]any{}
	for _, e := range entries {
		if e.Name == "" && e.GUID != "" {
			shared[e.GUID] = e.Values
		}
	}

	set := &histogramSet{}
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		h := &histogram{
			Name:        e.Name,
			Samples:     numbers(e.SampleValues),
			diagnostics: map[string][]any{},
			refs:        map[string]bool{},
		}
		if len(e.Running) == runningLen {
			h.Running = numbers(e.Running)
			if len(h.Running) != runningLen {
				h.Running = nil
			}
		}
		for name, raw := range e.Diagnostics {
			var guid string
			if err := json.Unmarshal(raw, &guid); err == nil {
				values, ok := shared[guid]
				if !ok {
					h.refs[name] = true
					continue
				}
				h.diagnostics[name] = values
				continue
			}
			var d rawDiagnostic
			if err := json.Unmarshal(raw, &d); err == nil {
				h.diagnostics[name] = d.Values
			}
		}
		set.Histograms = append(set.Histograms, h)
	}
	return set, nil
}

// numbers keeps the numeric entries of values.
func numbers(values []any) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}

func (h *histogram) stringValues(diag string) []string {
	var out []string
	for _, v := range h.diagnostics[diag] {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// story returns the histogram's only story, if it has exactly one.
func (h *histogram) story() (string, bool) {
	stories := h.stringValues(diagStories)
	if len(stories) != 1 {
		return "", false
	}
	return stories[0], true
}

// groupingLabel joins the values of the "key:value" story tags, ordered by
// key.
func (h *histogram) groupingLabel() string {
	type tag struct{ key, value string }
	var tags []tag
	for _, t := range h.stringValues(diagStoryTags) {
		k, v, ok := strings.Cut(t, ":")
		if ok {
			tags = append(tags, tag{k, v})
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].key != tags[j].key {
			return tags[i].key < tags[j].key
		}
		return tags[i].value < tags[j].value
	})
	values := make([]string, 0, len(tags))
	for _, t := range tags {
		values = append(values, t.value)
	}
	return strings.Join(values, "_")
}

func (h *histogram) isReference() bool {
	values := h.diagnostics[diagIsReferenceBuild]
	if len(values) != 1 {
		return false
	}
	b, _ := values[0].(bool)
	return b
}

// testPath is the dashboard test path of a histogram:
// name[/grouping_label][/escaped_story[_ref]].
func (h *histogram) testPath(ignoreGroupingLabel bool) string {
	path := h.Name
	if !ignoreGroupingLabel {
		if label := h.groupingLabel(); label != "" {
			path += "/" + label
		}
	}
	ref := h.isReference()
	if story, ok := h.story(); ok {
		path += "/" + EscapeName(story)
		if ref {
			path += "_ref"
		}
	} else if ref {
		path += "/ref"
	}
	return path
}

var nameEscaper = strings.NewReplacer(":", "_", "|", "_", "=", "_", "/", "_", "#", "_", "&", "_", ",", "_")

// EscapeName replaces the characters that are not allowed in test path
// components with underscores.
func EscapeName(name string) string {
	return nameEscaper.Replace(name)
}

// TestPathFromComponents builds the test path to look for.
func TestPathFromComponents(histogramName, groupingLabel, story string, escape bool) string {
	path := histogramName
	if groupingLabel != "" {
		path += "/" + groupingLabel
	}
	if story != "" {
		if escape {
			story = EscapeName(story)
		}
		path += "/" + story
	}
	return path
}

// byTestPath indexes histograms by test path.
type byTestPath struct {
	paths map[string][]*histogram
	order []string
}

func (s *histogramSet) index(ignoreGroupingLabel bool) *byTestPath {
	idx := &byTestPath{paths: map[string][]*histogram{}}
	for _, h := range s.Histograms {
		p := h.testPath(ignoreGroupingLabel)
		if _, ok := idx.paths[p]; !ok {
			idx.order = append(idx.order, p)
		}
		idx.paths[p] = append(idx.paths[p], h)
	}
	sort.Strings(idx.order)
	return idx
}

// TraceURL is a link to a trace recorded by a test run.
type TraceURL struct {
	Name string
	URL  string
}

// traceURLs collects the unique trace links of the set, sorted by URL. A
// trace is named by its histogram's story, or else the last URL segment.
// Diagnostics that refer to an unknown shared entry are skipped.
func (s *histogramSet) traceURLs() []TraceURL {
	names := map[string]string{}
	for _, h := range s.Histograms {
		if h.refs[diagTraceURLs] {
			continue
		}
		for _, u := range h.stringValues(diagTraceURLs) {
			name, ok := h.story()
			if !ok || name == "" {
				name = u[strings.LastIndex(u, "/")+1:]
			}
			names[u] = name
		}
	}
	urls := make([]string, 0, len(names))
	for u := range names {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	out := make([]TraceURL, 0, len(urls))
	for _, u := range urls {
		out = append(out, TraceURL{Name: names[u], URL: u})
	}
	return out
}

// readError is an extraction failure with its recorded reason.
type readError struct {
	reason  string
	message string
}

func (e *readError) Error() string {
	return e.reason + ": " + e.message
}

// valuesOrStatistic returns the raw samples, or the named statistic as a
// single value. Histograms without samples yield no values.
func valuesOrStatistic(statistic string, h *histogram) ([]float64, error) {
	if statistic == "" {
		return append([]float64{}, h.Samples...), nil
	}
	if len(h.Samples) == 0 {
		return []float64{}, nil
	}
	count, hi, mean, lo, sum, variance := h.running()
	switch statistic {
	case "avg", "mean":
		return []float64{mean}, nil
	case "min":
		return []float64{lo}, nil
	case "max":
		return []float64{hi}, nil
	case "sum":
		return []float64{sum}, nil
	case "std":
		return []float64{math.Sqrt(variance)}, nil
	case "count":
		return []float64{count}, nil
	}
	return nil, &readError{reason: ReasonReadValueUnknownStat, message: fmt.Sprintf("Unknown statistic %q.", statistic)}
}

// running returns the running statistics, computed from the samples when
// the histogram does not carry them.
func (h *histogram) running() (count, hi, mean, lo, sum, variance float64) {
	if h.Running != nil {
		r := h.Running
		return r[runningCount], r[runningMax], r[runningMean], r[runningMin], r[runningSum], r[runningVar]
	}
	n := float64(len(h.Samples))
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range h.Samples {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean = sum / n
	if len(h.Samples) > 1 {
		for _, v := range h.Samples {
			variance += (v - mean) * (v - mean)
		}
		variance /= n - 1
	}
	return n, hi, mean, lo, sum, variance
}

// extractValues reads the values of the histograms at the candidate paths.
// When none match and a histogram name is given, the values of every
// histogram under the candidate paths are summed into one value.
func extractValues(candidates []string, idx *byTestPath, opts HistogramOptions, groupingLabel string) ([]float64, error) {
	values := []float64{}
	var matched []*histogram
	for _, p := range candidates {
		matched = append(matched, idx.paths[p]...)
	}

	if len(matched) > 0 {
		for _, h := range matched {
			v, err := valuesOrStatistic(opts.Statistic, h)
			if err != nil {
				return nil, err
			}
			values = append(values, v...)
		}
	} else if opts.HistogramName != "" {
		var summary []float64
		for _, path := range idx.order {
			for _, c := range candidates {
				if !strings.HasPrefix(path, c) {
					continue
				}
				for _, h := range idx.paths[path] {
					v, err := valuesOrStatistic(opts.Statistic, h)
					if err != nil {
						return nil, err
					}
					summary = append(summary, v...)
					matched = append(matched, h)
				}
			}
		}
		if len(summary) > 0 {
			total := 0.0
			for _, v := range summary {
				total += v
			}
			values = append(values, total)
		}
	}

	if len(values) == 0 && opts.HistogramName != "" {
		if len(matched) > 0 {
			return nil, &readError{reason: ReasonReadValueNoValues, message: "Found matching histograms, but they had no values."}
		}
		conditions := []string{"histogram:" + opts.HistogramName}
		if groupingLabel != "" {
			conditions = append(conditions, "grouping_label:"+groupingLabel)
		}
		if opts.Story != "" {
			conditions = append(conditions, "story:"+opts.Story)
		}
		return nil, &readError{reason: ReasonReadValueNotFound, message: strings.Join(conditions, ", ")}
	}
	return values, nil
}

// candidatePaths returns the escaped and raw test paths to match.
func candidatePaths(opts HistogramOptions, groupingLabel string) []string {
	paths := []string{TestPathFromComponents(opts.HistogramName, groupingLabel, opts.Story, true)}
	if raw := TestPathFromComponents(opts.HistogramName, groupingLabel, opts.Story, false); raw != paths[0] {
		paths = append(paths, raw)
	}
	return paths
}

// readHistogramSets extracts the requested values from a histogram set,
// retrying without the grouping label when nothing matches with it.
func readHistogramSets(data []byte, opts HistogramOptions) ([]float64, []TraceURL, error) {
	set, err := parseHistogramSet(data)
	if err != nil {
		return nil, nil, &readError{reason: ReasonReadValueNoFile, message: err.Error()}
	}

	values, err := extractValues(candidatePaths(opts, opts.GroupingLabel), set.index(false), opts, opts.GroupingLabel)
	var re *readError
	if errors.As(err, &re) && re.reason == ReasonReadValueNotFound && opts.GroupingLabel != "" {
		values, err = extractValues(candidatePaths(opts, ""), set.index(true), opts, "")
	}
	if err != nil {
		return nil, nil, err
	}
	return values, set.traceURLs(), nil
}

// readGraphJSON extracts the first value of chart/trace from a graph_json
// document. No chart and no trace yields no values.
func readGraphJSON(data []byte, opts GraphJSONOptions) ([]float64, error) {
	var doc map[string]struct {
		Traces map[string][]any `json:"traces"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &readError{reason: ReasonReadValueNoFile, message: fmt.Sprintf("decode graph json: %v", err)}
	}
	if opts.Chart == "" && opts.Trace == "" {
		return []float64{}, nil
	}
	chart, ok := doc[opts.Chart]
	if !ok {
		return nil, &readError{reason: ReasonReadValueChartNotFound, message: fmt.Sprintf("Chart %q not found.", opts.Chart)}
	}
	trace, ok := chart.Traces[opts.Trace]
	if !ok || len(trace) == 0 {
		return nil, &readError{reason: ReasonReadValueTraceNotFound, message: fmt.Sprintf("Trace %q not found.", opts.Trace)}
	}
	v, err := toFloat(trace[0])
	if err != nil {
		return nil, &readError{reason: ReasonReadValueNoValues, message: err.Error()}
	}
	return []float64{v}, nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		var f float64
		if _, err := fmt.Sscan(t, &f); err != nil {
			return 0, fmt.Errorf("trace value %q is not a number", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("trace value %v is not a number", v)
}
