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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// DefaultTimeout is the per-request timeout of the HTTP adapters.
const DefaultTimeout = 60 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pinpoint",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Outbound service calls by service and outcome.",
	}, []string{"service", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pinpoint",
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Outbound service call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pinpoint",
		Subsystem: "client",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
	}, []string{"service"})
)

// BreakerSettings configures the circuit breaker in front of a service.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero disables the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// HTTPOptions configures the transport shared by the HTTP adapters.
type HTTPOptions struct {
	// Client overrides the HTTP client. Nil uses a client with DefaultTimeout.
	Client *http.Client

	// RatePerSecond limits outbound requests. Zero means unlimited.
	RatePerSecond float64

	// Burst is the limiter burst. Values below 1 become 1.
	Burst int

	Breaker BreakerSettings

	Logger *slog.Logger
}

// transport sends requests for one service through a rate limiter and a
// circuit breaker and classifies failures.
type transport struct {
	service string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

func newTransport(service string, opts HTTPOptions) *transport {
	t := &transport{
		service: service,
		client:  opts.Client,
		logger:  opts.Logger,
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: DefaultTimeout}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	if opts.Breaker.ConsecutiveFailures > 0 {
		threshold := opts.Breaker.ConsecutiveFailures
		t.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    service,
			Timeout: opts.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Only transient failures say anything about the service's health.
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, ErrTransient)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				breakerState.WithLabelValues(name).Set(float64(to))
				t.logger.Warn("circuit breaker state change",
					slog.String("service", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}
	return t
}

// do sends req and returns the response body of a 2xx response.
func (t *transport) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
		}
	}

	start := time.Now()
	var body []byte
	var err error
	if t.breaker != nil {
		body, err = t.breaker.Execute(func() ([]byte, error) { return t.send(req) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: %v", ErrTransient, t.service, err)
		}
	} else {
		body, err = t.send(req)
	}
	requestDuration.WithLabelValues(t.service).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(t.service, outcome(err)).Inc()
	return body, err
}

func (t *transport) send(req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, t.service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", ErrTransient, t.service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{
			Service: t.service,
			Status:  resp.StatusCode,
			Body:    string(body),
			class:   classifyStatus(resp.StatusCode),
		}
	}
	return body, nil
}

// getJSON issues a GET and decodes the JSON response into out.
func (t *transport) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := t.do(ctx, req)
	if err != nil {
		return err
	}
	return t.decode(body, out)
}

// postJSON sends in as a JSON body and decodes the response into out.
func (t *transport) postJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	body, err := t.do(ctx, req)
	if err != nil {
		return err
	}
	return t.decode(body, out)
}

func (t *transport) decode(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrPermanent, t.service, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "permanent"
	}
}
