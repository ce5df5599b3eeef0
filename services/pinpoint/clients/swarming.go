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
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const swarmingAPI = "/_ah/api/swarming/v1"

// Swarming implements TaskService over the swarming REST API. The server is
// chosen per call, as each test configuration names its own.
type Swarming struct {
	pubsubTopic string
	transport   *transport
}

// NewSwarming creates a remote execution adapter.
func NewSwarming(pubsubTopic string, opts HTTPOptions) *Swarming {
	return &Swarming{pubsubTopic: pubsubTopic, transport: newTransport("swarming", opts)}
}

type swarmingNewTask struct {
	Name            string              `json:"name"`
	User            string              `json:"user"`
	Priority        string              `json:"priority"`
	TaskSlices      []swarmingTaskSlice `json:"task_slices"`
	Tags            []string            `json:"tags,omitempty"`
	PubSubTopic     string              `json:"pubsub_topic,omitempty"`
	PubSubAuthToken string              `json:"pubsub_auth_token,omitempty"`
	PubSubUserData  string              `json:"pubsub_userdata,omitempty"`
}

type swarmingTaskSlice struct {
	Properties     swarmingProperties `json:"properties"`
	ExpirationSecs string             `json:"expiration_secs"`
}

type swarmingProperties struct {
	InputsRef            *IsolateRef   `json:"inputs_ref,omitempty"`
	CASInputRoot         *CASReference `json:"cas_input_root,omitempty"`
	ExtraArgs            []string      `json:"extra_args,omitempty"`
	Dimensions           []Dimension   `json:"dimensions"`
	ExecutionTimeoutSecs string        `json:"execution_timeout_secs"`
	IOTimeoutSecs        string        `json:"io_timeout_secs"`
}

// NewTask implements TaskService.
func (s *Swarming) NewTask(ctx context.Context, server string, req TaskRequest) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	if server == "" {
		return "", fmt.Errorf("%w: server is required", ErrInvalidInput)
	}
	if (req.InputsRef == nil) == (req.CASInputRoot == nil) {
		return "", fmt.Errorf("%w: exactly one of inputs_ref and cas_input_root is required", ErrInvalidInput)
	}

	body := swarmingNewTask{
		Name:     req.Name,
		User:     "Pinpoint",
		Priority: strconv.Itoa(req.Priority),
		Tags:     req.Tags,
		TaskSlices: []swarmingTaskSlice{{
			Properties: swarmingProperties{
				InputsRef:            req.InputsRef,
				CASInputRoot:         req.CASInputRoot,
				ExtraArgs:            req.ExtraArgs,
				Dimensions:           req.Dimensions,
				ExecutionTimeoutSecs: strconv.Itoa(req.ExecutionTimeoutSecs),
				IOTimeoutSecs:        strconv.Itoa(req.IOTimeoutSecs),
			},
			ExpirationSecs: strconv.Itoa(req.ExpirationSecs),
		}},
	}
	if s.pubsubTopic != "" {
		body.PubSubTopic = s.pubsubTopic
		body.PubSubAuthToken = "UNUSED"
		body.PubSubUserData = req.PubSubUserData
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := s.transport.postJSON(ctx, swarmingBase(server)+"/tasks/new", body, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("%w: swarming: response has no task id", ErrPermanent)
	}
	return out.TaskID, nil
}

// TaskResult implements TaskService.
func (s *Swarming) TaskResult(ctx context.Context, server, taskID string) (TaskResult, error) {
	if ctx == nil {
		return TaskResult{}, ErrNilContext
	}
	if server == "" || taskID == "" {
		return TaskResult{}, fmt.Errorf("%w: server and task id are required", ErrInvalidInput)
	}
	var out TaskResult
	err := s.transport.getJSON(ctx, swarmingBase(server)+"/task/"+url.PathEscape(taskID)+"/result", &out)
	return out, err
}

// TaskStdout implements TaskService.
func (s *Swarming) TaskStdout(ctx context.Context, server, taskID string) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	if server == "" || taskID == "" {
		return "", fmt.Errorf("%w: server and task id are required", ErrInvalidInput)
	}
	var out struct {
		Output string `json:"output"`
	}
	err := s.transport.getJSON(ctx, swarmingBase(server)+"/task/"+url.PathEscape(taskID)+"/stdout", &out)
	return out.Output, err
}

func swarmingBase(server string) string {
	return strings.TrimRight(server, "/") + swarmingAPI
}
