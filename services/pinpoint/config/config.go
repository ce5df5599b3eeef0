// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the pinpoint service configuration from YAML.
//
// Values are layered: built-in defaults, then the YAML file, then
// environment overrides for endpoints and credentials. The result is
// validated and passed explicitly to constructors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/pinpoint/pkg/logging"
	"github.com/AleutianAI/pinpoint/pkg/validation"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/bisection"
	"github.com/AleutianAI/pinpoint/services/pinpoint/telemetry"
)

// ErrConfig is wrapped by every load failure.
var ErrConfig = errors.New("invalid configuration")

// Config is the full service configuration.
type Config struct {
	Log       LogConfig                 `yaml:"log"`
	Storage   StorageConfig             `yaml:"storage"`
	Services  ServicesConfig            `yaml:"services"`
	PubSub    PubSubConfig              `yaml:"pubsub"`
	Telemetry telemetry.Config          `yaml:"telemetry"`
	Evaluator EvaluatorConfig           `yaml:"evaluator"`
	Analysis  bisection.AnalysisOptions `yaml:"analysis"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects where job graphs live.
type StorageConfig struct {
	// Dir is the BadgerDB directory. Required unless InMemory.
	Dir        string        `yaml:"dir" validate:"required_without=InMemory"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`

	// IsolateTTL expires cached isolates. Zero keeps them.
	IsolateTTL time.Duration `yaml:"isolate_ttl" validate:"gte=0"`
}

// ServicesConfig locates the external services.
type ServicesConfig struct {
	// Repositories maps repository names to gitiles URLs.
	Repositories map[string]string `yaml:"repositories" validate:"dive,keys,required,endkeys,url"`

	BuildbucketServer   string `yaml:"buildbucket_server" validate:"omitempty,url"`
	BuildPubSubTopic    string `yaml:"build_pubsub_topic"`
	SwarmingPubSubTopic string `yaml:"swarming_pubsub_topic"`

	IsolateCacheSize int `yaml:"isolate_cache_size" validate:"gte=0"`

	// CASBucket holds CAS trees. Empty disables CAS retrieval.
	CASBucket          string `yaml:"cas_bucket"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`

	HTTPTimeout   time.Duration           `yaml:"http_timeout" validate:"gte=0"`
	RatePerSecond float64                 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int                     `yaml:"burst" validate:"gte=0"`
	Breaker       clients.BreakerSettings `yaml:"breaker"`
}

// PubSubConfig names the subscription carrying completion notifications.
type PubSubConfig struct {
	Project      string `yaml:"project" validate:"required_with=Subscription"`
	Subscription string `yaml:"subscription"`
}

// EvaluatorConfig tunes the evaluator.
type EvaluatorConfig struct {
	MaxPasses int `yaml:"max_passes" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Dir:        filepath.Join(home, ".pinpoint", "db"),
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Services: ServicesConfig{
			Repositories: map[string]string{
				"chromium": "https://chromium.googlesource.com/chromium/src",
			},
			BuildbucketServer:   "https://cr-buildbucket.appspot.com",
			BuildPubSubTopic:    "projects/chromeperf/topics/pinpoint-build-updates",
			SwarmingPubSubTopic: "projects/chromeperf/topics/pinpoint-swarming-updates",
			IsolateCacheSize:    clients.DefaultIsolateCacheSize,
			HTTPTimeout:         clients.DefaultTimeout,
			RatePerSecond:       10,
			Burst:               5,
			Breaker: clients.BreakerSettings{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Telemetry: telemetry.DefaultConfig(),
		Evaluator: EvaluatorConfig{MaxPasses: evaluator.DefaultMaxPasses},
		Analysis:  bisection.AnalysisOptions{}.WithDefaults(),
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path loads defaults only.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Wraps ErrConfig when the file is unreadable or invalid.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so typos surface at startup.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.Analysis.MinAttempts > c.Analysis.MaxAttempts {
		return fmt.Errorf("%w: analysis min_attempts %d exceeds max_attempts %d",
			ErrConfig, c.Analysis.MinAttempts, c.Analysis.MaxAttempts)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// LoggingConfig converts the log section for logging.New.
func (c Config) LoggingConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{Level: level, LogDir: c.Log.Dir, JSON: c.Log.JSON, Service: service}
}

// HTTPOptions returns the transport settings for the HTTP adapters.
func (c Config) HTTPOptions() clients.HTTPOptions {
	return clients.HTTPOptions{
		Client:        &http.Client{Timeout: c.Services.HTTPTimeout},
		RatePerSecond: c.Services.RatePerSecond,
		Burst:         c.Services.Burst,
		Breaker:       c.Services.Breaker,
	}
}

// =============================================================================
// Environment overrides
// =============================================================================

// Environment variables read by ApplyEnv.
const (
	EnvStorageDir        = "PINPOINT_STORAGE_DIR"
	EnvStorageInMemory   = "PINPOINT_STORAGE_IN_MEMORY"
	EnvBuildbucketServer = "PINPOINT_BUILDBUCKET_SERVER"
	EnvCASBucket         = "PINPOINT_CAS_BUCKET"
	EnvGCSCredentials    = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvPubSubProject     = "PINPOINT_PUBSUB_PROJECT"
	EnvPubSubSub         = "PINPOINT_PUBSUB_SUBSCRIPTION"
	EnvLogLevel          = "PINPOINT_LOG_LEVEL"
	EnvTracesExporter    = "OTEL_TRACES_EXPORTER"
	EnvMetricsExporter   = "OTEL_METRICS_EXPORTER"
	EnvOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ApplyEnv overrides cfg from the environment. lookup is os.LookupEnv in
// production and a map in tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvStorageDir:        &cfg.Storage.Dir,
		EnvBuildbucketServer: &cfg.Services.BuildbucketServer,
		EnvCASBucket:         &cfg.Services.CASBucket,
		EnvGCSCredentials:    &cfg.Services.GCSCredentialsFile,
		EnvPubSubProject:     &cfg.PubSub.Project,
		EnvPubSubSub:         &cfg.PubSub.Subscription,
		EnvLogLevel:          &cfg.Log.Level,
		EnvTracesExporter:    &cfg.Telemetry.TraceExporter,
		EnvMetricsExporter:   &cfg.Telemetry.MetricExporter,
		EnvOTLPEndpoint:      &cfg.Telemetry.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup(EnvStorageInMemory); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfig, EnvStorageInMemory, err)
		}
		cfg.Storage.InMemory = b
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
