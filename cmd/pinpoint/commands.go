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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/pinpoint/services/pinpoint/api"
	"github.com/AleutianAI/pinpoint/services/pinpoint/config"
	"github.com/AleutianAI/pinpoint/services/pinpoint/evaluator"
	"github.com/AleutianAI/pinpoint/services/pinpoint/job"
	"github.com/AleutianAI/pinpoint/services/pinpoint/task"
	"github.com/AleutianAI/pinpoint/services/pinpoint/tasks/bisection"
	"github.com/AleutianAI/pinpoint/services/pinpoint/updates"
)

// shutdownTimeout bounds graceful HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// cli carries the global flags.
type cli struct {
	configPath string

	// logOut replaces stderr for logs. Tests set it.
	logOut io.Writer
}

func newRootCmd() *cobra.Command {
	return (&cli{}).rootCmd()
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pinpoint",
		Short: "Performance bisection jobs",
		Long: `Creates bisection jobs between two changes, drives them with build and
test completion updates, and reports the culprits.

Examples:
  pinpoint create -f job.yaml --start
  pinpoint update JOB --task run_test_chromium@abc_0 --kind test
  pinpoint select JOB
  pinpoint listen`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to the YAML configuration file")

	root.AddCommand(
		c.createCmd(),
		c.startCmd(),
		c.updateCmd(),
		c.selectCmd(),
		c.validateCmd(),
		c.statusCmd(),
		c.jobsCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.listenCmd(),
		c.serveCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) createCmd() *cobra.Command {
	var (
		file      string
		start     bool
		arguments map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create -f JOB_FILE",
		Short: "Create a bisection job from a YAML job file",
		Long: `Create a bisection job. The job file holds the bisection options:
start_change, end_change, build_option_template, test_option_template,
read_option_template and optional analysis_options and arguments.

Prints the new job id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := readJobFile(file)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				jobID, err := a.jobs.Create(ctx, opts, arguments)
				if err != nil {
					return err
				}
				if start {
					if _, err := a.jobs.Start(ctx, jobID); err != nil {
						return fmt.Errorf("start job %s: %w", jobID, err)
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), jobID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Job file (YAML)")
	cmd.Flags().BoolVar(&start, "start", false, "Send the initiate event after creating the job")
	cmd.Flags().StringToStringVar(&arguments, "arg", nil, "Job argument key=value, repeatable")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start JOB",
		Short: "Send the initiate event to a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.jobs.Start(ctx, args[0]); err != nil {
					return err
				}
				return printStatus(ctx, cmd, a, args[0])
			})
		},
	}
}

func (c *cli) updateCmd() *cobra.Command {
	var taskID, kind string
	cmd := &cobra.Command{
		Use:   "update JOB --task TASK_ID --kind build|test",
		Short: "Deliver a build or test completion update",
		Long: `Deliver the update a completion notification would, then initiate
anything it unblocked. Use when notifications were lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := updateEvent(taskID, kind)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.jobs.HandleUpdate(ctx, args[0], ev); err != nil {
					return err
				}
				return printStatus(ctx, cmd, a, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Target task id")
	cmd.Flags().StringVar(&kind, "kind", "", "Notification kind: build or test")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (c *cli) selectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select JOB",
		Short: "Print the serialized tasks and the bisection analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.jobs.Results(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate JOB",
		Short: "Report task graph inconsistencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				problems, err := a.jobs.Validate(ctx, args[0])
				if err != nil {
					return err
				}
				if problems == nil {
					problems = []job.Problem{}
				}
				return printJSON(cmd, problems)
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB",
		Short: "Print task state counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return printStatus(ctx, cmd, a, args[0])
			})
		},
	}
}

func (c *cli) jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List stored job ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ids, err := a.jobs.Jobs(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export JOB [-o FILE]",
		Short: "Write a checksummed snapshot of a job's task graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := task.ExportJob(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return task.WriteExport(cmd.OutOrStdout(), e)
				}
				var buf bytes.Buffer
				if err := task.WriteExport(&buf, e); err != nil {
					return err
				}
				if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				a.logger.Info("job exported", "job_id", args[0], "tasks", len(e.Tasks), "file", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, stdout when empty")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var file, jobID string
	cmd := &cobra.Command{
		Use:   "import -f FILE [--job-id ID]",
		Short: "Restore a job from an export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open export: %w", err)
			}
			defer f.Close()
			e, err := task.ReadExport(f)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := task.ImportJob(ctx, a.store, e, jobID); err != nil {
					return err
				}
				id := jobID
				if id == "" {
					id = e.JobID
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Export file")
	cmd.Flags().StringVar(&jobID, "job-id", "", "Store under this id instead of the exported one")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Apply completion notifications from the pubsub subscription",
		Long: `Receives build and test completion notifications from the configured
pubsub subscription until interrupted, and serves /metrics on
telemetry.metrics_addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ps := a.cfg.PubSub
				if ps.Project == "" || ps.Subscription == "" {
					return fmt.Errorf("%w: pubsub.project and pubsub.subscription are required", config.ErrConfig)
				}
				client, err := pubsub.NewClient(ctx, ps.Project)
				if err != nil {
					return fmt.Errorf("create pubsub client: %w", err)
				}
				defer client.Close()

				listener := updates.NewListener(client.Subscription(ps.Subscription), a.jobs, a.logger)
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					err := listener.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
				if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", a.telemetry.MetricsHandler())
					serveHTTP(ctx, g, a, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
				}
				a.logger.Info("listening for updates", "subscription", ps.Subscription)
				return g.Wait()
			})
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the job HTTP API",
		Long: `Serves the job API under /v1, the push subscription endpoint at
/v1/updates, /health and /metrics until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				router := api.NewRouter(serviceName, api.NewHandlers(a.jobs, a.logger), a.telemetry.MetricsHandler())
				g, ctx := errgroup.WithContext(ctx)
				serveHTTP(ctx, g, a, &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second})
				a.logger.Info("serving", "addr", addr)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init PATH",
			Short: "Write the default configuration to PATH unless it exists",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return config.WriteDefault(args[0])
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(c.configPath)
				if err != nil {
					return err
				}
				data, err := config.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
	)
	return cmd
}

// =============================================================================
// HELPERS
// =============================================================================

// withApp loads the configuration, opens the app for the duration of fn
// and closes it.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, c.logOut)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

// serveHTTP runs srv in g and shuts it down when ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, a *app, srv *http.Server) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down", "addr", srv.Addr)
		return srv.Shutdown(shutdownCtx)
	})
}

// readJobFile decodes a YAML job file into bisection options.
func readJobFile(path string) (bisection.TaskOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bisection.TaskOptions{}, fmt.Errorf("read job file: %w", err)
	}
	var opts bisection.TaskOptions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return bisection.TaskOptions{}, fmt.Errorf("parse job file %s: %w", path, err)
	}
	return opts, nil
}

// updateEvent builds the update event for a notification kind.
func updateEvent(taskID, kind string) (evaluator.Event, error) {
	var status string
	switch kind {
	case "build":
		status = updates.StatusBuildCompleted
	case "test", "run_test":
		status = updates.StatusTestCompleted
	default:
		return evaluator.Event{}, fmt.Errorf("unknown update kind %q: want build or test", kind)
	}
	return evaluator.Event{
		Type:       evaluator.EventUpdate,
		TargetTask: taskID,
		Payload:    map[string]any{"status": status},
	}, nil
}

func printStatus(ctx context.Context, cmd *cobra.Command, a *app, jobID string) error {
	st, err := a.jobs.Status(ctx, jobID)
	if err != nil {
		return err
	}
	return printJSON(cmd, st)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
