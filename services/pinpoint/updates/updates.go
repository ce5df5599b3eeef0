// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package updates turns build and test completion notifications into
// update events for the job they belong to.
//
// A notification's data is JSON {"task_id": ..., "userdata": ...} where
// userdata is itself a JSON string {"job_id": ..., "task": {"type", "id"}}
// that was attached to the original build or test request.
package updates

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
)

// Update payload statuses.
const (
	StatusBuildCompleted = "build_completed"
	StatusTestCompleted  = "test_completed"
)

// ErrMalformed is returned by Decode for notifications that can never be
// routed. Such messages are acknowledged and dropped.
var ErrMalformed = errors.New("malformed update notification")

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pinpoint",
	Subsystem: "updates",
	Name:      "messages_total",
	Help:      "Completion notifications received, by outcome.",
}, []string{"outcome"})

// Update is a decoded notification.
type Update struct {
	// JobID routes the update.
	JobID string

	// RemoteTaskID is the build or remote task id the notification is for.
	RemoteTaskID string

	// Event is the evaluator event to deliver.
	Event evaluator.Event
}

// message is the notification envelope.
type message struct {
	TaskID   string `json:"task_id"`
	UserData string `json:"userdata"`
}

// Decode parses notification data into an Update.
//
// Description:
//
//	"build" notifications become {"status": "build_completed"} updates;
//	"run_test" and "test" become {"status": "test_completed"}. The event
//	targets the task named in userdata.
//
// Inputs:
//
//	data - Raw message data.
//
// Outputs:
//
//	Update - The routed event.
//	error - Wraps ErrMalformed when data cannot be routed.
func Decode(data []byte) (Update, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return Update{}, fmt.Errorf("%w: failed JSON parsing data: %v", ErrMalformed, err)
	}
	if m.UserData == "" {
		return Update{}, fmt.Errorf("%w: missing userdata", ErrMalformed)
	}
	var ud clients.UserData
	if err := json.Unmarshal([]byte(m.UserData), &ud); err != nil {
		return Update{}, fmt.Errorf("%w: failed JSON parsing userdata: %v", ErrMalformed, err)
	}
	if ud.JobID == "" || ud.Task.ID == "" {
		return Update{}, fmt.Errorf("%w: userdata needs job_id and task.id", ErrMalformed)
	}

	var status string
	switch ud.Task.Type {
	case clients.NotifyBuild:
		status = StatusBuildCompleted
	case clients.NotifyRunTest, "test":
		status = StatusTestCompleted
	default:
		return Update{}, fmt.Errorf("%w: unsupported task type %q", ErrMalformed, ud.Task.Type)
	}

	return Update{
		JobID:        ud.JobID,
		RemoteTaskID: m.TaskID,
		Event: evaluator.Event{
			Type:       evaluator.EventUpdate,
			TargetTask: ud.Task.ID,
			Payload:    map[string]any{"status": status},
		},
	}, nil
}

// pushEnvelope is the body of a push subscription delivery.
type pushEnvelope struct {
	Message struct {
		Attributes map[string]string `json:"attributes"`
		Data       string            `json:"data"`
	} `json:"message"`
}

// DecodePush parses a push delivery body, whose message data is URL-safe
// base64.
func DecodePush(body []byte) (Update, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Update{}, fmt.Errorf("%w: failed JSON parsing body: %v", ErrMalformed, err)
	}
	data, err := base64.URLEncoding.DecodeString(env.Message.Data)
	if err != nil {
		data, err = base64.StdEncoding.DecodeString(env.Message.Data)
	}
	if err != nil {
		return Update{}, fmt.Errorf("%w: failed decoding data: %v", ErrMalformed, err)
	}
	return Decode(data)
}

// =============================================================================
// Listener
// =============================================================================

// Handler delivers an update to its job.
type Handler interface {
	HandleUpdate(ctx context.Context, jobID string, ev evaluator.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, jobID string, ev evaluator.Event) error

// HandleUpdate implements Handler.
func (f HandlerFunc) HandleUpdate(ctx context.Context, jobID string, ev evaluator.Event) error {
	return f(ctx, jobID, ev)
}

// Subscription is the receive side of a pubsub subscription.
// *pubsub.Subscription satisfies it.
type Subscription interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Listener receives completion notifications and hands them to a Handler.
//
// Thread Safety:
//
//	Receive callbacks may run concurrently; Handler must be safe for
//	concurrent use.
type Listener struct {
	sub     Subscription
	handler Handler
	logger  *slog.Logger
}

// NewListener creates a Listener. logger may be nil.
func NewListener(sub Subscription, handler Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{sub: sub, handler: handler, logger: logger.With("component", "updates")}
}

// Run receives until ctx is cancelled or the subscription fails. It
// returns ctx.Err() after a cancellation.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listening for task updates")
	err := l.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if l.Process(ctx, m.Data) {
			m.Ack()
		} else {
			m.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive updates: %w", err)
	}
	return ctx.Err()
}

// Process handles one notification and reports whether it should be
// acknowledged. Malformed notifications and notifications for unknown
// jobs are acknowledged; other handler errors are not, so the
// notification is redelivered.
func (l *Listener) Process(ctx context.Context, data []byte) bool {
	u, err := Decode(data)
	return l.deliver(ctx, u, err)
}

// ProcessPush is Process for the body of a push subscription request.
func (l *Listener) ProcessPush(ctx context.Context, body []byte) bool {
	u, err := DecodePush(body)
	return l.deliver(ctx, u, err)
}

func (l *Listener) deliver(ctx context.Context, u Update, err error) bool {
	if err != nil {
		messagesTotal.WithLabelValues("malformed").Inc()
		l.logger.Warn("dropping update", "error", err)
		return true
	}

	log := l.logger.With("job_id", u.JobID, "task_id", u.Event.TargetTask, "remote_task_id", u.RemoteTaskID)
	err = l.handler.HandleUpdate(ctx, u.JobID, u.Event)
	if errors.Is(err, task.ErrJobNotFound) {
		messagesTotal.WithLabelValues("unknown_job").Inc()
		log.Warn("dropping update for unknown job")
		return true
	}
	if err != nil {
		messagesTotal.WithLabelValues("error").Inc()
		log.Error("update failed", "error", err)
		return false
	}
	messagesTotal.WithLabelValues("handled").Inc()
	log.Debug("update handled", "status", u.Event.PayloadString("status"))
	return true
}
