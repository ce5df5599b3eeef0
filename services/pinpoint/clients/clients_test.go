// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pinpoint/services/pinpoint/change"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
		{http.StatusBadRequest, ErrPermanent},
		{http.StatusForbidden, ErrPermanent},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := error(&StatusError{Service: "x", Status: tt.status, class: classifyStatus(tt.status)})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// =============================================================================
// Gitiles
// =============================================================================

func TestGitiles_CommitRangePaginates(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/chromium/src/+log/aaa..eee", r.URL.Path)
		assert.Equal(t, "JSON", r.URL.Query().Get("format"))
		fmt.Fprint(w, ")]}'\n")
		if r.URL.Query().Get("s") == "" {
			fmt.Fprint(w, `{"log":[{"commit":"eee"},{"commit":"ddd"}],"next":"ccc"}`)
			return
		}
		assert.Equal(t, "ccc", r.URL.Query().Get("s"))
		fmt.Fprint(w, `{"log":[{"commit":"ccc"},{"commit":"bbb"}]}`)
	}))
	defer srv.Close()

	g := NewGitiles(map[string]string{"chromium": srv.URL + "/chromium/src/"}, HTTPOptions{})
	commits, err := g.CommitRange(context.Background(), "chromium", "aaa", "eee")
	require.NoError(t, err)
	assert.Equal(t, []string{"eee", "ddd", "ccc", "bbb"}, commits)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGitiles_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	g := NewGitiles(nil, HTTPOptions{})
	_, err := g.CommitRange(context.Background(), srv.URL+"/repo", "a", "b")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.CommitRange(context.Background(), "unknown", "a", "b")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.CommitRange(context.Background(), srv.URL, "", "b")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGitiles_ConcurrentCallsShareFetch(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, `)]}'{"log":[{"commit":"b"}]}`)
	}))
	defer srv.Close()

	g := NewGitiles(nil, HTTPOptions{})
	var wg sync.WaitGroup
	results := make([][]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := g.CommitRange(context.Background(), srv.URL, "a", "b")
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	// Let the goroutines pile up on the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []string{"b"}, r)
	}
	assert.LessOrEqual(t, hits.Load(), int32(4))
	assert.GreaterOrEqual(t, hits.Load(), int32(1))
}

// =============================================================================
// Buildbucket
// =============================================================================

func TestBuildbucket_ScheduleAndGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, buildbucketAPI, r.URL.Path)
			var body scheduleRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "luci.chrome.try", body.Bucket)
			assert.Equal(t, []string{"pinpoint_job_id:job1"}, body.Tags)
			require.NotNil(t, body.PubSubCallback)
			assert.Equal(t, "topic", body.PubSubCallback.Topic)
			assert.Equal(t, `{"job_id":"job1"}`, body.PubSubCallback.UserData)

			var params map[string]any
			require.NoError(t, json.Unmarshal([]byte(body.ParametersJSON), &params))
			assert.Equal(t, "Linux Builder", params["builder_name"])
			assert.Equal(t, "abc", params["properties"].(map[string]any)["revision"])
			fmt.Fprint(w, `{"build":{"id":"8901","status":"SCHEDULED"}}`)
		case http.MethodGet:
			assert.Equal(t, buildbucketAPI+"/8901", r.URL.Path)
			fmt.Fprint(w, `{"build":{"id":"8901","status":"COMPLETED","result":"SUCCESS","result_details_json":"{}"}}`)
		}
	}))
	defer srv.Close()

	b := NewBuildbucket(srv.URL, "topic", HTTPOptions{})
	build, err := b.ScheduleBuild(context.Background(), BuildRequest{
		Builder:        "Linux Builder",
		Bucket:         "luci.chrome.try",
		Change:         change.New("chromium", "abc"),
		Tags:           map[string]string{"pinpoint_job_id": "job1"},
		PubSubUserData: `{"job_id":"job1"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "8901", build.ID)

	got, err := b.GetBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, BuildStatusCompleted, got.Status)
	assert.Equal(t, BuildResultSuccess, got.Result)
	assert.Equal(t, "{}", got.ResultDetailsJSON)
}

func TestBuildbucket_InvalidInput(t *testing.T) {
	b := NewBuildbucket("http://unused", "", HTTPOptions{})
	_, err := b.ScheduleBuild(context.Background(), BuildRequest{Builder: "x", Bucket: "y"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = b.GetBuild(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// =============================================================================
// Swarming
// =============================================================================

func TestSwarming_NewTaskBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, swarmingAPI+"/tasks/new", r.URL.Path)
		var body swarmingNewTask
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "100", body.Priority)
		require.Len(t, body.TaskSlices, 1)
		slice := body.TaskSlices[0]
		assert.Equal(t, "86400", slice.ExpirationSecs)
		assert.Equal(t, "21600", slice.Properties.ExecutionTimeoutSecs)
		assert.Equal(t, "14400", slice.Properties.IOTimeoutSecs)
		require.NotNil(t, slice.Properties.InputsRef)
		assert.Equal(t, "iso-hash", slice.Properties.InputsRef.Isolated)
		assert.Equal(t, "UNUSED", body.PubSubAuthToken)
		fmt.Fprint(w, `{"task_id":"t-1"}`)
	}))
	defer srv.Close()

	s := NewSwarming("topic", HTTPOptions{})
	id, err := s.NewTask(context.Background(), srv.URL, TaskRequest{
		InputsRef:            &IsolateRef{Server: "https://isolate", Isolated: "iso-hash"},
		Dimensions:           []Dimension{{Key: "pool", Value: "perf"}},
		ExecutionTimeoutSecs: 21600,
		IOTimeoutSecs:        14400,
		ExpirationSecs:       86400,
		Priority:             100,
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)

	_, err = s.NewTask(context.Background(), srv.URL, TaskRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSwarming_ResultAndStdout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case swarmingAPI + "/task/t-1/result":
			fmt.Fprint(w, `{"state":"COMPLETED","failure":false,"cas_output_root":{"cas_instance":"inst","digest":{"hash":"h","size_bytes":10}}}`)
		case swarmingAPI + "/task/t-1/stdout":
			fmt.Fprint(w, `{"output":"hello"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewSwarming("", HTTPOptions{})
	res, err := s.TaskResult(context.Background(), srv.URL, "t-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStateCompleted, res.State)
	require.NotNil(t, res.CASOutputRoot)
	assert.Equal(t, "h", res.CASOutputRoot.Digest.Hash)

	out, err := s.TaskStdout(context.Background(), srv.URL, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = s.TaskResult(context.Background(), srv.URL, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransport_BreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSwarming("", HTTPOptions{Breaker: BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Minute}})
	for i := 0; i < 2; i++ {
		_, err := s.TaskResult(context.Background(), srv.URL, "t")
		assert.ErrorIs(t, err, ErrTransient)
	}
	_, err := s.TaskResult(context.Background(), srv.URL, "t")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the server")
}

func TestTransport_NotFoundDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := NewSwarming("", HTTPOptions{Breaker: BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Minute}})
	for i := 0; i < 3; i++ {
		_, err := s.TaskResult(context.Background(), srv.URL, "t")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestTransport_RateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output":""}`)
	}))
	defer srv.Close()

	s := NewSwarming("", HTTPOptions{RatePerSecond: 0.001, Burst: 1})
	_, err := s.TaskStdout(context.Background(), srv.URL, "t")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.TaskStdout(ctx, srv.URL, "t")
	assert.ErrorIs(t, err, ErrTransient)
}

// =============================================================================
// Isolate
// =============================================================================

func deflate(t *testing.T, data string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := io.WriteString(w, data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestIsolateServer_RetrieveIsolated(t *testing.T) {
	blobs := map[string]string{
		"root": `{"files":{"speedometer/perf_results.json":{"h":"leaf"},"browser_tests/out.json":{"h":"bt"}}}`,
		"leaf": `[{"name":"h"}]`,
		"bt":   `{}`,
	}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req isolateRetrieveRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "default-gzip", req.Namespace.Namespace)
		content, ok := blobs[req.Digest]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"content":%q}`, deflate(t, content))
	}))
	defer srv.Close()

	iso, err := NewIsolateServer(0, HTTPOptions{})
	require.NoError(t, err)

	data, err := iso.RetrieveIsolated(context.Background(), srv.URL, "root", "speedometer/perf_results.json")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"h"}]`, string(data))
	assert.Equal(t, int32(2), hits.Load())

	// Digests are immutable; repeated lookups are served from memory.
	_, err = iso.RetrieveIsolated(context.Background(), srv.URL, "root", "speedometer/perf_results.json")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	data, err = iso.RetrieveIsolated(context.Background(), srv.URL, "root", "performance_browser_tests/out.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	_, err = iso.RetrieveIsolated(context.Background(), srv.URL, "root", "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// CAS
// =============================================================================

type mapObjects map[string]string

func (m mapObjects) ReadObject(_ context.Context, bucket, name string) ([]byte, error) {
	data, ok := m[bucket+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return []byte(data), nil
}

func TestCASStore_WalksTree(t *testing.T) {
	objects := mapObjects{
		"b/inst/blobs/root":  `{"directories":[{"name":"speedometer","digest":{"hash":"dir1"}}]}`,
		"b/inst/blobs/dir1":  `{"files":[{"name":"perf_results.json","digest":{"hash":"file1"}}]}`,
		"b/inst/blobs/file1": `{"ok":true}`,
	}
	cas := NewCASStore(objects, "b")
	root := CASReference{Instance: "inst", Digest: CASDigest{Hash: "root"}}

	data, err := cas.RetrieveCAS(context.Background(), root, []string{"speedometer", "perf_results.json"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	_, err = cas.RetrieveCAS(context.Background(), root, []string{"other", "perf_results.json"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = cas.RetrieveCAS(context.Background(), root, []string{"speedometer", "missing.json"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = cas.RetrieveCAS(context.Background(), root, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	blobs := &Blobs{CAS: cas}
	_, err = blobs.RetrieveCAS(context.Background(), root, []string{"speedometer", "perf_results.json"})
	require.NoError(t, err)
	_, err = blobs.RetrieveIsolated(context.Background(), "s", "d", "f")
	assert.ErrorIs(t, err, ErrPermanent)
}

// =============================================================================
// Isolate cache
// =============================================================================

type countingCache struct {
	mu      sync.Mutex
	entries map[string]Isolate
	gets    int
}

func (c *countingCache) GetIsolate(_ context.Context, builder string, ch change.Change, target string) (Isolate, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	iso, ok := c.entries[IsolateKey(builder, ch, target)]
	return iso, ok, nil
}

func (c *countingCache) PutIsolate(_ context.Context, builder string, ch change.Change, target string, iso Isolate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[IsolateKey(builder, ch, target)] = iso
	return nil
}

func TestLRUIsolateCache(t *testing.T) {
	ctx := context.Background()
	backing := &countingCache{entries: map[string]Isolate{}}
	ch := change.New("chromium", "abc")
	want := Isolate{Server: "https://isolate", Hash: "h1"}
	require.NoError(t, backing.PutIsolate(ctx, "builder", ch, "target", want))

	cache, err := NewLRUIsolateCache(2, backing)
	require.NoError(t, err)

	got, ok, err := cache.GetIsolate(ctx, "builder", ch, "target")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, _, err = cache.GetIsolate(ctx, "builder", ch, "target")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.gets, "second hit is served from memory")

	_, ok, err = cache.GetIsolate(ctx, "builder", ch, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	other := change.New("chromium", "def")
	require.NoError(t, cache.PutIsolate(ctx, "builder", other, "target", want))
	_, ok, _ = backing.GetIsolate(ctx, "builder", other, "target")
	assert.True(t, ok, "writes go through to the backing cache")
}
