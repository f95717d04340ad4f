// ============================================================================
// Buildqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for operating build jobs
//
// Command Structure:
//   buildqueue                         # Root command
//   ├── serve                          # Supervise running jobs until signalled
//   ├── create  --campaign --ideas     # Create a pending job
//   ├── start   <jobId> [--run]        # pending -> running
//   ├── pause   <jobId>                # running -> paused (at next item)
//   ├── resume  <jobId> [--run]        # paused -> running
//   ├── cancel  <jobId>                # -> cancelled
//   ├── retry   <jobId> <ideaId>       # failed item -> queued
//   ├── skip    <jobId> <ideaId>       # queued item -> skipped
//   ├── status  [jobId]                # list jobs or show one
//   ├── history <jobId>                # journaled events of a job
//   ├── --config, -c                   # YAML config (default configs/default.yaml)
//   └── --env-file                     # dotenv file (default .env)
//
// Execution Model:
//   Commands only change the container. A `serve` process picks up running
//   jobs and builds them; `start --run` / `resume --run` run the job in the
//   foreground instead.
//
// Signal Handling:
//   serve and --run stop on SIGINT/SIGTERM. An in-flight build is killed and
//   its item marked failed (interrupted); retry it when needed.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ChuLiYu/buildqueue/internal/metrics"
	"github.com/ChuLiYu/buildqueue/internal/server"
	"github.com/ChuLiYu/buildqueue/internal/storage/wal"
	"github.com/ChuLiYu/buildqueue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Version is overridden at link time.
var Version = "dev"

type rootOptions struct {
	configFile string
	envFile    string
	cfg        *Config
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "buildqueue",
		Short: "buildqueue: supervised batch builds of generated ideas",
		Long: `buildqueue runs batches of idea builds one item at a time:
- crash-safe job container (file + lock, or sqlite)
- pause / resume / cancel / retry / skip at item boundaries
- one supervised build subprocess per item with a hard timeout
- Prometheus metrics and gRPC health in serve mode`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadDotEnv(opts.envFile); err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg, cmd.ErrOrStderr())
			opts.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(
		buildServeCommand(opts),
		buildCreateCommand(opts),
		buildStartCommand(opts),
		buildPauseCommand(opts),
		buildResumeCommand(opts),
		buildCancelCommand(opts),
		buildRetryCommand(opts),
		buildSkipCommand(opts),
		buildStatusCommand(opts),
		buildHistoryCommand(opts),
	)
	return rootCmd
}

// withApp opens the wiring for one command and closes it afterwards.
func withApp(opts *rootOptions, fn func(a *app) error) error {
	a, err := newApp(opts.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor that runs started jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withApp(opts, func(a *app) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	stream, unsub := a.bus.SubscribeAll()
	defer unsub()
	go collector.Consume(ctx, stream)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	var health *server.Server
	if cfg.Health.Enabled {
		health = server.NewServer()
		if _, err := health.Listen(fmt.Sprintf(":%d", cfg.Health.Port)); err != nil {
			return err
		}
		defer health.Stop()
		health.SetServing(true)
	}

	slog.Info("Supervisor serving",
		"store", cfg.Store.Backend,
		"path", cfg.Store.Path,
		"holder", a.ctrl.HolderID())

	err := a.ctrl.Supervise(ctx, cfg.Runner.ScanInterval)
	if health != nil {
		health.SetServing(false)
	}
	slog.Info("Supervisor stopped")
	return err
}

// ============================================================================
// Job commands
// ============================================================================

func buildCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		campaign    string
		ideaList    []string
		concurrency int
		start       bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending job for a list of ideas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				job, err := a.ctrl.Create(cmd.Context(), campaign, ideaList, concurrency)
				if err != nil {
					return err
				}
				if start {
					if job, err = a.ctrl.Start(cmd.Context(), job.JobID); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), job.JobID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign id")
	cmd.Flags().StringSliceVar(&ideaList, "ideas", nil, "comma separated idea ids, in build order")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "reserved parallelism (1-4)")
	cmd.Flags().BoolVar(&start, "start", false, "start the job right away")
	cmd.MarkFlagRequired("campaign")
	cmd.MarkFlagRequired("ideas")
	return cmd
}

type jobCommand func(ctx context.Context, a *app, jobID string) (types.Job, error)

// buildJobCommand builds a `<verb> <jobId>` command. With runnable set it
// gets a --run flag that drives the job in the foreground afterwards.
func buildJobCommand(opts *rootOptions, use, short string, runnable bool, fn jobCommand) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   use + " <jobId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				job, err := fn(cmd.Context(), a, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.JobID, job.Status)
				if !run {
					return nil
				}
				return runForeground(cmd, a, job.JobID)
			})
		},
	}
	if runnable {
		cmd.Flags().BoolVar(&run, "run", false, "run the job in this process until it stops")
	}
	return cmd
}

func runForeground(cmd *cobra.Command, a *app, jobID string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := a.ctrl.Run(ctx, jobID); err != nil {
		return err
	}
	job, err := a.ctrl.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return err
	}
	renderJob(cmd.OutOrStdout(), job)
	return nil
}

func buildStartCommand(opts *rootOptions) *cobra.Command {
	return buildJobCommand(opts, "start", "Start a pending job", true,
		func(ctx context.Context, a *app, jobID string) (types.Job, error) {
			return a.ctrl.Start(ctx, jobID)
		})
}

func buildPauseCommand(opts *rootOptions) *cobra.Command {
	return buildJobCommand(opts, "pause", "Pause a running job at the next item boundary", false,
		func(ctx context.Context, a *app, jobID string) (types.Job, error) {
			return a.ctrl.Pause(ctx, jobID)
		})
}

func buildResumeCommand(opts *rootOptions) *cobra.Command {
	return buildJobCommand(opts, "resume", "Resume a paused job", true,
		func(ctx context.Context, a *app, jobID string) (types.Job, error) {
			return a.ctrl.Resume(ctx, jobID)
		})
}

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	return buildJobCommand(opts, "cancel", "Cancel a job", false,
		func(ctx context.Context, a *app, jobID string) (types.Job, error) {
			return a.ctrl.Cancel(ctx, jobID)
		})
}

type itemCommand func(ctx context.Context, a *app, jobID, ideaID string) (types.Job, error)

func buildItemCommand(opts *rootOptions, use, short string, fn itemCommand) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <jobId> <ideaId>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				job, err := fn(cmd.Context(), a, args[0], args[1])
				if err != nil {
					return err
				}
				if i := job.ItemIndex(args[1]); i >= 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", job.JobID, args[1], job.Items[i].Status)
				}
				return nil
			})
		},
	}
}

func buildRetryCommand(opts *rootOptions) *cobra.Command {
	return buildItemCommand(opts, "retry", "Re-queue a failed item at the back of the job", func(ctx context.Context, a *app, jobID, ideaID string) (types.Job, error) {
		return a.ctrl.RetryItem(ctx, jobID, ideaID)
	})
}

func buildSkipCommand(opts *rootOptions) *cobra.Command {
	return buildItemCommand(opts, "skip", "Skip a queued item", func(ctx context.Context, a *app, jobID, ideaID string) (types.Job, error) {
		return a.ctrl.SkipItem(ctx, jobID, ideaID)
	})
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var campaign string
	cmd := &cobra.Command{
		Use:   "status [jobId]",
		Short: "Show job status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if len(args) == 1 {
					job, err := a.ctrl.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					renderJob(cmd.OutOrStdout(), job)
					return nil
				}

				jobs, err := a.ctrl.List(cmd.Context())
				if err != nil {
					return err
				}
				if campaign != "" {
					filtered := jobs[:0]
					for _, j := range jobs {
						if strings.EqualFold(j.CampaignID, campaign) {
							filtered = append(filtered, j)
						}
					}
					jobs = filtered
				}
				renderJobList(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "only jobs of this campaign")
	return cmd
}

func buildHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <jobId>",
		Short: "Show the journaled events of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Journal.Path == "" {
				return fmt.Errorf("event journal is disabled (journal.path is empty)")
			}
			history, err := wal.JobHistory(opts.cfg.Journal.Path, args[0])
			if err != nil {
				return fmt.Errorf("failed to read event journal: %w", err)
			}
			renderHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
}
