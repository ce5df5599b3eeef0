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
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const buildbucketAPI = "/_ah/api/buildbucket/v1/builds"

// Buildbucket implements BuildService over the buildbucket REST API.
type Buildbucket struct {
	server      string
	pubsubTopic string
	transport   *transport
}

// NewBuildbucket creates a build service adapter. pubsubTopic, if set,
// receives completion notifications carrying the request's user data.
func NewBuildbucket(server, pubsubTopic string, opts HTTPOptions) *Buildbucket {
	return &Buildbucket{
		server:      strings.TrimRight(server, "/"),
		pubsubTopic: pubsubTopic,
		transport:   newTransport("buildbucket", opts),
	}
}

type buildbucketEnvelope struct {
	Build Build `json:"build"`
}

type scheduleRequest struct {
	Bucket         string          `json:"bucket"`
	Tags           []string        `json:"tags"`
	ParametersJSON string          `json:"parameters_json"`
	PubSubCallback *pubsubCallback `json:"pubsub_callback,omitempty"`
}

type pubsubCallback struct {
	Topic    string `json:"topic"`
	UserData string `json:"user_data"`
}

// ScheduleBuild implements BuildService.
func (b *Buildbucket) ScheduleBuild(ctx context.Context, req BuildRequest) (Build, error) {
	if ctx == nil {
		return Build{}, ErrNilContext
	}
	if req.Builder == "" || req.Bucket == "" {
		return Build{}, fmt.Errorf("%w: builder and bucket are required", ErrInvalidInput)
	}
	if err := req.Change.Validate(); err != nil {
		return Build{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	base := req.Change.Base()
	props := map[string]any{
		"clobber":  true,
		"revision": base.GitHash,
	}
	if len(req.Change.Commits) > 1 {
		deps := map[string]string{}
		for _, c := range req.Change.Commits[1:] {
			deps[c.Repository] = c.GitHash
		}
		props["deps_revision_overrides"] = deps
	}
	params := map[string]any{"builder_name": req.Builder, "properties": props}
	if p := req.Change.Patch; p != nil {
		params["changes"] = []map[string]string{{"gerrit_server": p.Server, "change": p.Change, "patchset": p.Revision}}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return Build{}, fmt.Errorf("%w: marshal parameters: %v", ErrInvalidInput, err)
	}

	tags := make([]string, 0, len(req.Tags))
	for k, v := range req.Tags {
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)

	body := scheduleRequest{Bucket: req.Bucket, Tags: tags, ParametersJSON: string(paramsJSON)}
	if b.pubsubTopic != "" {
		body.PubSubCallback = &pubsubCallback{Topic: b.pubsubTopic, UserData: req.PubSubUserData}
	}

	var out buildbucketEnvelope
	if err := b.transport.postJSON(ctx, b.server+buildbucketAPI, body, &out); err != nil {
		return Build{}, err
	}
	if out.Build.ID == "" {
		return Build{}, fmt.Errorf("%w: buildbucket: response has no build id", ErrPermanent)
	}
	return out.Build, nil
}

// GetBuild implements BuildService.
func (b *Buildbucket) GetBuild(ctx context.Context, id string) (Build, error) {
	if ctx == nil {
		return Build{}, ErrNilContext
	}
	if id == "" {
		return Build{}, fmt.Errorf("%w: build id is required", ErrInvalidInput)
	}
	var out buildbucketEnvelope
	if err := b.transport.getJSON(ctx, b.server+buildbucketAPI+"/"+url.PathEscape(id), &out); err != nil {
		return Build{}, err
	}
	return out.Build, nil
}
