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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"
)

// gitilesXSSIPrefix precedes every JSON response from gitiles.
const gitilesXSSIPrefix = ")]}'"

// maxLogPages bounds pagination of one CommitRange call.
const maxLogPages = 100

// Gitiles implements SourceControl against a gitiles server.
//
// Thread Safety:
//
//	Gitiles is safe for concurrent use. Concurrent identical CommitRange
//	calls share one upstream fetch.
type Gitiles struct {
	repositories map[string]string
	transport    *transport
	group        singleflight.Group
}

// NewGitiles creates a gitiles adapter.
//
// Inputs:
//
//	repositories - Maps repository names used in changes to repository
//	    URLs. A repository that is already an http(s) URL needs no entry.
//	opts - Transport settings.
func NewGitiles(repositories map[string]string, opts HTTPOptions) *Gitiles {
	repos := make(map[string]string, len(repositories))
	for k, v := range repositories {
		repos[k] = strings.TrimRight(v, "/")
	}
	return &Gitiles{repositories: repos, transport: newTransport("gitiles", opts)}
}

type gitilesLog struct {
	Log []struct {
		Commit string `json:"commit"`
	} `json:"log"`
	Next string `json:"next"`
}

// CommitRange implements SourceControl.
func (g *Gitiles) CommitRange(ctx context.Context, repository, start, end string) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("%w: start and end are required", ErrInvalidInput)
	}
	base, err := g.repositoryURL(repository)
	if err != nil {
		return nil, err
	}

	key := base + "\x00" + start + "\x00" + end
	v, err, _ := g.group.Do(key, func() (any, error) {
		return g.fetchRange(ctx, base, start, end)
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

func (g *Gitiles) repositoryURL(repository string) (string, error) {
	if u, ok := g.repositories[repository]; ok {
		return u, nil
	}
	if strings.HasPrefix(repository, "http://") || strings.HasPrefix(repository, "https://") {
		return strings.TrimRight(repository, "/"), nil
	}
	return "", fmt.Errorf("%w: unknown repository %q", ErrNotFound, repository)
}

func (g *Gitiles) fetchRange(ctx context.Context, base, start, end string) ([]string, error) {
	var commits []string
	next := ""
	for page := 0; page < maxLogPages; page++ {
		u := fmt.Sprintf("%s/+log/%s..%s?format=JSON", base, url.PathEscape(start), url.PathEscape(end))
		if next != "" {
			u += "&s=" + url.QueryEscape(next)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: create request: %v", ErrInvalidInput, err)
		}
		body, err := g.transport.do(ctx, req)
		if err != nil {
			return nil, err
		}

		var log gitilesLog
		body = bytes.TrimPrefix(bytes.TrimSpace(body), []byte(gitilesXSSIPrefix))
		if err := json.Unmarshal(body, &log); err != nil {
			return nil, fmt.Errorf("%w: gitiles: decode log: %v", ErrPermanent, err)
		}
		for _, entry := range log.Log {
			commits = append(commits, entry.Commit)
		}
		if log.Next == "" {
			return commits, nil
		}
		next = log.Next
	}
	return nil, fmt.Errorf("%w: gitiles: log %s..%s exceeds %d pages", ErrPermanent, start, end, maxLogPages)
}
