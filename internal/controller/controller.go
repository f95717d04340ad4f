// ============================================================================
// Buildqueue Controller - Job Commands and Runner
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Operator commands against the job container
//
// Architecture:
//   The controller is the only writer of job state. It coordinates:
//   - jobstore.Store: the container, every read-modify-write goes through Update
//   - jobmanager: pure job/item transitions
//   - invoker: one external build per item (runner.go)
//   - events.Broadcaster: lifecycle fan-out
//   - ideas.Tracker: flags ideas as building
//
// Commands:
//   Create / Start / Pause / Resume / Cancel / RetryItem / SkipItem each run
//   lock -> read -> state machine -> persist inside one store update and
//   return the resulting job or a typed error. Nothing is cached; every call
//   re-reads the container.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/events"
	"github.com/ChuLiYu/buildqueue/internal/ideas"
	"github.com/ChuLiYu/buildqueue/internal/invoker"
	"github.com/ChuLiYu/buildqueue/internal/jobmanager"
	"github.com/ChuLiYu/buildqueue/internal/storage/jobstore"
	"github.com/ChuLiYu/buildqueue/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrLeaseHeld another runner holds a fresh lease on the job
	ErrLeaseHeld = errors.New("job is leased by another runner")
	// ErrNotRunning Run was called on a job that was never started
	ErrNotRunning = errors.New("job is not running")
	// ErrMissingDependency New was called without a required collaborator
	ErrMissingDependency = errors.New("missing dependency")
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultLeaseTTL     = 15 * time.Minute
	DefaultScanInterval = 2 * time.Second
)

// Config controller settings
type Config struct {
	HolderID     string        // lease holder id, random when empty
	LeaseTTL     time.Duration // a lease not renewed within this is free
	ScanInterval time.Duration // Supervise scan period
}

// Builder runs one build. *invoker.Invoker satisfies it.
type Builder interface {
	Build(ctx context.Context, req invoker.Request, onProgress invoker.ProgressFunc) invoker.Result
}

// Deps collaborators. Store, Events and Builder are required.
type Deps struct {
	Store   jobstore.Store
	Events  *events.Broadcaster
	Builder Builder
	Ideas   ideas.Tracker
	Clock   func() time.Time
}

// Controller executes commands and runs jobs.
type Controller struct {
	cfg     Config
	store   jobstore.Store
	events  *events.Broadcaster
	builder Builder
	ideas   ideas.Tracker
	now     func() time.Time

	mu     sync.Mutex
	active map[string]struct{} // jobs this process is running
}

// New creates a controller.
//
// Returns:
//   - *Controller: ready to accept commands
//   - error: wraps ErrMissingDependency when a required dep is nil
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case deps.Events == nil:
		return nil, fmt.Errorf("%w: events", ErrMissingDependency)
	case deps.Builder == nil:
		return nil, fmt.Errorf("%w: builder", ErrMissingDependency)
	}

	if cfg.HolderID == "" {
		cfg.HolderID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if deps.Ideas == nil {
		deps.Ideas = ideas.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Controller{
		cfg:     cfg,
		store:   deps.Store,
		events:  deps.Events,
		builder: deps.Builder,
		ideas:   deps.Ideas,
		now:     func() time.Time { return deps.Clock().UTC() },
		active:  make(map[string]struct{}),
	}, nil
}

// HolderID returns the id this controller writes into leases.
func (c *Controller) HolderID() string {
	return c.cfg.HolderID
}

// ============================================================================
// Commands
// ============================================================================

// Create validates and persists a new pending job.
func (c *Controller) Create(ctx context.Context, campaignID string, ideaIDs []string, concurrency int) (types.Job, error) {
	job, err := jobmanager.CreateJob(campaignID, ideaIDs, concurrency, c.now())
	if err != nil {
		return types.Job{}, err
	}

	err = c.store.Update(ctx, func(ct *types.Container) error {
		if _, _, exists := ct.FindJob(job.JobID); exists {
			return fmt.Errorf("%w: %s", jobmanager.ErrDuplicateJob, job.JobID)
		}
		ct.UpsertJob(job)
		return nil
	})
	if err != nil {
		return types.Job{}, err
	}

	slog.Info("Job created", "jobID", job.JobID, "campaignID", job.CampaignID, "items", len(job.Items))
	return job, nil
}

// Start moves a pending job to running. Starting a running job is a no-op;
// a paused job must be resumed instead.
func (c *Controller) Start(ctx context.Context, jobID string) (types.Job, error) {
	var prev types.JobStatus
	job, err := c.updateJob(ctx, jobID, func(_ *types.Container, job types.Job) (types.Job, error) {
		prev = job.Status
		if job.Status == types.JobPaused {
			return job, &jobmanager.TransitionError{Kind: "job", From: string(job.Status), To: string(types.JobRunning)}
		}
		return jobmanager.TransitionJob(job, types.JobRunning)
	})
	if err != nil {
		return job, err
	}

	if prev != types.JobRunning {
		slog.Info("Job started", "jobID", jobID)
		c.publish(events.Event{Name: events.JobStarted, JobID: jobID, JobStatus: job.Status})
	}
	return job, nil
}

// Resume moves a paused job back to running.
func (c *Controller) Resume(ctx context.Context, jobID string) (types.Job, error) {
	var prev types.JobStatus
	job, err := c.updateJob(ctx, jobID, func(_ *types.Container, job types.Job) (types.Job, error) {
		prev = job.Status
		if job.Status == types.JobPending {
			return job, &jobmanager.TransitionError{Kind: "job", From: string(job.Status), To: string(types.JobRunning)}
		}
		return jobmanager.TransitionJob(job, types.JobRunning)
	})
	if err != nil {
		return job, err
	}

	if prev == types.JobPaused {
		slog.Info("Job resumed", "jobID", jobID)
		c.publish(events.Event{Name: events.JobStarted, JobID: jobID, JobStatus: job.Status})
	}
	return job, nil
}

// Pause asks a running job to stop at the next item boundary. The runner
// emits job:paused when it observes the change.
func (c *Controller) Pause(ctx context.Context, jobID string) (types.Job, error) {
	job, err := c.updateJob(ctx, jobID, func(_ *types.Container, job types.Job) (types.Job, error) {
		return jobmanager.TransitionJob(job, types.JobPaused)
	})
	if err == nil {
		slog.Info("Job paused", "jobID", jobID)
	}
	return job, err
}

// Cancel stops a job for good. A running job is cancelled at the next item
// boundary and the runner emits job:cancelled; otherwise it is emitted here.
func (c *Controller) Cancel(ctx context.Context, jobID string) (types.Job, error) {
	var prev types.JobStatus
	job, err := c.updateJob(ctx, jobID, func(_ *types.Container, job types.Job) (types.Job, error) {
		prev = job.Status
		return jobmanager.TransitionJob(job, types.JobCancelled)
	})
	if err != nil {
		return job, err
	}

	slog.Info("Job cancelled", "jobID", jobID, "from", prev)
	if prev != types.JobRunning && prev != types.JobCancelled {
		c.publish(events.Event{Name: events.JobCancelled, JobID: jobID, JobStatus: job.Status})
	}
	return job, nil
}

// RetryItem re-queues a failed item at the back of the FIFO.
func (c *Controller) RetryItem(ctx context.Context, jobID, ideaID string) (types.Job, error) {
	return c.itemCommand(ctx, jobID, ideaID, types.ItemFailed, types.ItemQueued)
}

// SkipItem marks a queued item as skipped.
func (c *Controller) SkipItem(ctx context.Context, jobID, ideaID string) (types.Job, error) {
	return c.itemCommand(ctx, jobID, ideaID, types.ItemQueued, types.ItemSkipped)
}

// itemCommand applies an operator item transition. Finished jobs cannot be
// reopened, so the job must still be able to reach running. The item must be
// in from; repeating a command is an illegal transition, not a no-op.
func (c *Controller) itemCommand(ctx context.Context, jobID, ideaID string, from, target types.ItemStatus) (types.Job, error) {
	job, err := c.updateJob(ctx, jobID, func(_ *types.Container, job types.Job) (types.Job, error) {
		if jobmanager.IsTerminalJob(job.Status) {
			return job, jobmanager.ValidateJobTransition(job.Status, types.JobRunning).Err
		}
		idx := job.ItemIndex(ideaID)
		if idx < 0 {
			return job, jobmanager.ItemNotFound(ideaID)
		}
		if cur := job.Items[idx].Status; cur != from {
			return job, &jobmanager.TransitionError{Kind: "item", From: string(cur), To: string(target)}
		}
		return jobmanager.TransitionItem(job, ideaID, target, jobmanager.ItemUpdate{}, c.now())
	})
	if err == nil {
		slog.Info("Item updated", "jobID", jobID, "ideaID", ideaID, "status", target)
	}
	return job, err
}

// Get reads one job.
func (c *Controller) Get(ctx context.Context, jobID string) (types.Job, error) {
	ct, err := c.store.Load(ctx)
	if err != nil {
		return types.Job{}, fmt.Errorf("failed to load container: %w", err)
	}
	job, _, ok := ct.FindJob(jobID)
	if !ok {
		return types.Job{}, jobmanager.JobNotFound(jobID)
	}
	return job, nil
}

// List reads every job in container order.
func (c *Controller) List(ctx context.Context) ([]types.Job, error) {
	ct, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load container: %w", err)
	}
	return ct.Jobs, nil
}

// ============================================================================
// Helpers
// ============================================================================

type jobFunc func(ct *types.Container, job types.Job) (types.Job, error)

// updateJob runs fn on a fresh copy of the job inside one store update and
// persists the result. An error from fn discards the update; the returned
// job is then the unchanged current state when the job exists.
func (c *Controller) updateJob(ctx context.Context, jobID string, fn jobFunc) (types.Job, error) {
	var out types.Job
	err := c.store.Update(ctx, func(ct *types.Container) error {
		job, _, ok := ct.FindJob(jobID)
		if !ok {
			return jobmanager.JobNotFound(jobID)
		}
		out = job

		next, err := fn(ct, job)
		if err != nil {
			return err
		}
		ct.UpsertJob(next)
		out = next
		return nil
	})
	return out, err
}

func (c *Controller) publish(e events.Event) {
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.events.Publish(e)
}
