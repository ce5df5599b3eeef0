// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/pinpoint/pkg/logging"
	"github.com/AleutianAI/pinpoint/services/pinpoint/clients"
	"github.com/AleutianAI/pinpoint/services/pinpoint/config"
	"github.com/AleutianAI/pinpoint/services/pinpoint/job"
	"github.com/AleutianAI/pinpoint/services/pinpoint/storage/badger"
	"github.com/AleutianAI/pinpoint/services/pinpoint/telemetry"
)

const serviceName = "pinpoint"

// app holds everything a command needs. Close releases it in reverse
// order of acquisition.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *telemetry.Telemetry
	db        *badger.DB
	store     *badger.Store
	jobs      *job.Service

	closers []func() error
}

// openApp wires logging, telemetry, storage, the service adapters and the
// job service from cfg. logOut replaces stderr for log output when set.
func openApp(ctx context.Context, cfg config.Config, logOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	logCfg := cfg.LoggingConfig(serviceName)
	logCfg.Writer = logOut
	logger := logging.New(logCfg)
	a.closers = append(a.closers, logger.Close)
	a.logger = logger.Slog()

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) })

	dbCfg := badger.DefaultConfig(cfg.Storage.Dir)
	dbCfg.InMemory = cfg.Storage.InMemory
	dbCfg.SyncWrites = cfg.Storage.SyncWrites
	dbCfg.GCInterval = cfg.Storage.GCInterval
	dbCfg.Logger = a.logger.With("component", "badger")
	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.store = badger.NewStore(db, a.logger)

	deps, err := a.dependencies(ctx)
	if err != nil {
		return nil, err
	}
	a.jobs, err = job.NewService(a.store, deps,
		job.WithLogger(a.logger),
		job.WithMaxPasses(cfg.Evaluator.MaxPasses),
		job.WithAnalysisDefaults(cfg.Analysis),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// dependencies builds the service adapters. Nothing here dials out; the
// first request does.
func (a *app) dependencies(ctx context.Context) (job.Dependencies, error) {
	httpOpts := a.cfg.HTTPOptions()
	httpOpts.Logger = a.logger

	isolates, err := clients.NewIsolateServer(clients.DefaultBlobCacheSize, httpOpts)
	if err != nil {
		return job.Dependencies{}, err
	}
	blobs := &clients.Blobs{Isolate: isolates}
	if bucket := a.cfg.Services.CASBucket; bucket != "" {
		reader, err := clients.NewGCSReader(ctx, a.cfg.Services.GCSCredentialsFile)
		if err != nil {
			return job.Dependencies{}, fmt.Errorf("open CAS bucket %s: %w", bucket, err)
		}
		a.closers = append(a.closers, reader.Close)
		blobs.CAS = clients.NewCASStore(reader, bucket)
	}

	cache, err := clients.NewLRUIsolateCache(a.cfg.Services.IsolateCacheSize,
		badger.NewIsolateCache(a.db, a.cfg.Storage.IsolateTTL))
	if err != nil {
		return job.Dependencies{}, err
	}

	return job.Dependencies{
		Source: clients.NewGitiles(a.cfg.Services.Repositories, httpOpts),
		Builds: clients.NewBuildbucket(a.cfg.Services.BuildbucketServer, a.cfg.Services.BuildPubSubTopic, httpOpts),
		Tasks:  clients.NewSwarming(a.cfg.Services.SwarmingPubSubTopic, httpOpts),
		Blobs:  blobs,
		Cache:  cache,
	}, nil
}

// Close releases every resource.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
