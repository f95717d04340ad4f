// fakebuild is a stand-in builder for local runs. It walks through a few
// stages, writing the build status document after each, and finishes with a
// complete or error marker.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/snapshot"
	"github.com/ChuLiYu/buildqueue/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var stages = []string{"planning", "scaffolding", "installing", "building", "deploying"}

type options struct {
	ideaID     string
	statusPath string
	step       time.Duration
	fail       bool
	hang       bool
}

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fakebuild: %v\n", err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "fakebuild",
		Short:        "Simulate a project build by writing status documents",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.ideaID, "idea", os.Getenv("BUILDQUEUE_IDEA_ID"), "idea id being built")
	cmd.Flags().StringVar(&opts.statusPath, "status-path", os.Getenv("BUILDQUEUE_STATUS_PATH"), "status document to write")
	cmd.Flags().DurationVar(&opts.step, "step", time.Second, "time spent per stage")
	cmd.Flags().BoolVar(&opts.fail, "fail", false, "finish with an error marker")
	cmd.Flags().BoolVar(&opts.hang, "hang", false, "stop reporting after the first stage and never exit")
	return cmd
}

func run(opts *options) error {
	if opts.statusPath == "" {
		return errors.New("--status-path or BUILDQUEUE_STATUS_PATH is required")
	}

	for i, stage := range stages {
		st := types.BuildStatus{
			Status:   "running",
			Stage:    stage,
			Progress: float64(i*100) / float64(len(stages)),
			Title:    opts.ideaID,
		}
		if err := snapshot.WriteAtomic(opts.statusPath, st); err != nil {
			return fmt.Errorf("failed to write status: %w", err)
		}
		slog.Info("Stage", "idea", opts.ideaID, "stage", stage)

		for opts.hang {
			time.Sleep(time.Hour)
		}
		time.Sleep(opts.step)
	}

	final := types.BuildStatus{Status: types.BuildComplete, Progress: 100, Title: opts.ideaID, OutID: "proj-" + uuid.NewString()[:8]}
	if opts.fail {
		final = types.BuildStatus{Status: types.BuildError, Title: opts.ideaID, Error: "simulated failure in " + stages[len(stages)-1]}
	}
	if err := snapshot.WriteAtomic(opts.statusPath, final); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	slog.Info("Build finished", "idea", opts.ideaID, "status", final.Status, "outId", final.OutID)
	return nil
}
