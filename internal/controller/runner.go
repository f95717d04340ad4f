package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/events"
	"github.com/ChuLiYu/buildqueue/internal/invoker"
	"github.com/ChuLiYu/buildqueue/internal/jobmanager"
	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// ============================================================================
// Runner loop
// ============================================================================
//
// Each iteration:
//   1. re-read the container (external pause/cancel become visible)
//   2. job gone          -> job:error, stop
//   3. paused            -> job:paused, stop
//   4. cancelled         -> job:cancelled, stop
//   5. pick the next queued item (FIFO by queueSeq, then position)
//   6. none left         -> done, job:done, stop
//   7. queued -> running, item:running
//   8. flag the idea as building; failure fails the item and loops
//   9. build
//  10. running -> built/failed, item:built/item:failed
//
// Every write re-checks state inside the store update, so a pause or cancel
// that lands between the read and the write wins.
// ============================================================================

// InterruptedMessage is written to items whose build was abandoned by its
// runner.
const InterruptedMessage = "interrupted: runner exited before build finished"

// errPreempted the job changed under the runner; re-read and decide again
var errPreempted = errors.New("job state changed")

// persistTimeout bounds writes made after the run context is gone.
const persistTimeout = 30 * time.Second

// Run drives a running job until it is done, paused, cancelled or ctx ends.
//
// Returns:
//   - nil when the job finished, paused or was cancelled
//   - ErrLeaseHeld when another runner owns the job
//   - ErrNotRunning for a job that was never started
//   - *jobmanager.NotFoundError when the job vanished
//   - ctx.Err() when interrupted
func (c *Controller) Run(ctx context.Context, jobID string) error {
	if !c.markActive(jobID) {
		return fmt.Errorf("%w: %s is already running in this process", ErrLeaseHeld, jobID)
	}
	defer c.clearActive(jobID)

	err := c.run(ctx, jobID)
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		slog.Error("Job vanished from container", "jobID", jobID)
		c.publish(events.Event{Name: events.JobError, JobID: jobID, Error: err.Error()})
	}
	return err
}

func (c *Controller) run(ctx context.Context, jobID string) error {
	if err := c.acquireLease(ctx, jobID); err != nil {
		return err
	}
	defer c.releaseLease(ctx, jobID)

	slog.Info("Runner started", "jobID", jobID, "holder", c.cfg.HolderID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop, err := c.step(ctx, jobID)
		if errors.Is(err, errPreempted) {
			continue
		}
		if stop || err != nil {
			return err
		}
	}
}

// step runs one loop iteration and reports whether the loop should stop.
func (c *Controller) step(ctx context.Context, jobID string) (bool, error) {
	ct, err := c.store.Load(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to load container: %w", err)
	}

	job, _, ok := ct.FindJob(jobID)
	if !ok {
		return true, jobmanager.JobNotFound(jobID)
	}

	switch job.Status {
	case types.JobRunning:
	case types.JobPaused:
		slog.Info("Runner observed pause", "jobID", jobID)
		c.publish(events.Event{Name: events.JobPaused, JobID: jobID, JobStatus: job.Status})
		return true, nil
	case types.JobCancelled:
		slog.Info("Runner observed cancel", "jobID", jobID)
		c.publish(events.Event{Name: events.JobCancelled, JobID: jobID, JobStatus: job.Status})
		return true, nil
	case types.JobDone:
		return true, nil
	default:
		return true, fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
	}

	idx := jobmanager.NextQueued(job)
	if idx < 0 {
		return true, c.finishJob(ctx, jobID)
	}

	return false, c.runItem(ctx, job, job.Items[idx].IdeaID)
}

// finishJob moves a complete job to done.
func (c *Controller) finishJob(ctx context.Context, jobID string) error {
	job, err := c.updateJob(ctx, jobID, c.whileRunning(func(job types.Job) (types.Job, error) {
		if !jobmanager.IsComplete(job) {
			return job, fmt.Errorf("job %s has unfinished items but none queued", jobID)
		}
		return jobmanager.TransitionJob(job, types.JobDone)
	}))
	if err != nil {
		return err
	}

	stats := jobmanager.ComputeStats(job)
	slog.Info("Job done", "jobID", jobID, "built", stats.Built, "failed", stats.Failed, "skipped", stats.Skipped)
	c.publish(events.Event{Name: events.JobDone, JobID: jobID, JobStatus: job.Status})
	return nil
}

// runItem takes one item from queued to a terminal status.
func (c *Controller) runItem(ctx context.Context, job types.Job, ideaID string) error {
	jobID := job.JobID

	job, err := c.updateJob(ctx, jobID, c.whileRunning(func(job types.Job) (types.Job, error) {
		idx := job.ItemIndex(ideaID)
		if idx < 0 || job.Items[idx].Status != types.ItemQueued {
			return job, errPreempted
		}
		return jobmanager.TransitionItem(job, ideaID, types.ItemRunning, jobmanager.ItemUpdate{}, c.now())
	}))
	if err != nil {
		return err
	}
	c.publishItem(events.ItemRunning, job, ideaID)
	slog.Info("Item running", "jobID", jobID, "ideaID", ideaID)

	if err := c.ideas.MarkBuilding(ctx, job.CampaignID, ideaID); err != nil {
		slog.Warn("Failed to flag idea as building", "jobID", jobID, "ideaID", ideaID, "error", err)
		return c.completeItem(ctx, jobID, ideaID, invoker.Result{Err: err})
	}

	res := c.builder.Build(ctx, invoker.Request{
		JobID:      jobID,
		CampaignID: job.CampaignID,
		IdeaID:     ideaID,
	}, func(st types.BuildStatus) {
		c.publish(events.Event{
			Name:     events.ItemProgress,
			JobID:    jobID,
			IdeaID:   ideaID,
			Progress: &events.Progress{Stage: st.Stage, Progress: st.Progress, Title: st.Title},
		})
	})

	if ctx.Err() != nil {
		// the run context is gone; record the outcome on a detached context
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if !res.OK {
			res.Err = errors.New(InterruptedMessage)
		}
		if err := c.completeItem(wctx, jobID, ideaID, res); err != nil {
			slog.Error("Failed to record interrupted item", "jobID", jobID, "ideaID", ideaID, "error", err)
		}
		return ctx.Err()
	}

	return c.completeItem(ctx, jobID, ideaID, res)
}

// completeItem records a build outcome. It does not require the job to be
// running: a pause or cancel issued mid-build must not lose the result.
func (c *Controller) completeItem(ctx context.Context, jobID, ideaID string, res invoker.Result) error {
	target := types.ItemBuilt
	upd := jobmanager.ItemUpdate{ProjectID: res.ProjectID}
	if !res.OK {
		target = types.ItemFailed
		upd = jobmanager.ItemUpdate{Error: errorMessage(res.Err)}
	}

	job, err := c.updateJob(ctx, jobID, func(ct *types.Container, job types.Job) (types.Job, error) {
		if err := c.renewLease(ct, jobID); err != nil {
			return job, err
		}
		return jobmanager.TransitionItem(job, ideaID, target, upd, c.now())
	})
	if err != nil {
		return err
	}

	if res.OK {
		slog.Info("Item built", "jobID", jobID, "ideaID", ideaID, "projectID", res.ProjectID, "duration", res.Duration)
		c.publishItem(events.ItemBuilt, job, ideaID)
	} else {
		slog.Warn("Item failed", "jobID", jobID, "ideaID", ideaID, "error", upd.Error)
		c.publishItem(events.ItemFailed, job, ideaID)
	}
	return nil
}

// whileRunning guards a loop write: it refuses with errPreempted when the job
// is no longer running and renews this runner's lease otherwise.
func (c *Controller) whileRunning(fn func(job types.Job) (types.Job, error)) jobFunc {
	return func(ct *types.Container, job types.Job) (types.Job, error) {
		if job.Status != types.JobRunning {
			return job, errPreempted
		}
		if err := c.renewLease(ct, job.JobID); err != nil {
			return job, err
		}
		return fn(job)
	}
}

func (c *Controller) publishItem(name events.Name, job types.Job, ideaID string) {
	idx := job.ItemIndex(ideaID)
	if idx < 0 {
		return
	}
	it := job.Items[idx]
	e := events.Event{Name: name, JobID: job.JobID, IdeaID: ideaID, JobStatus: job.Status, Item: &it}
	if it.ProjectID != nil {
		e.ProjectID = *it.ProjectID
	}
	if it.Error != nil {
		e.Error = *it.Error
	}
	c.publish(e)
}

func errorMessage(err error) string {
	if err == nil {
		return "build failed"
	}
	return err.Error()
}

// ============================================================================
// Lease
// ============================================================================

// acquireLease claims the job for this runner and fails items a previous
// runner left running. Both happen in the same store update.
func (c *Controller) acquireLease(ctx context.Context, jobID string) error {
	var orphans []string
	job, err := c.updateJob(ctx, jobID, func(ct *types.Container, job types.Job) (types.Job, error) {
		now := c.now()
		if l, ok := ct.FindLease(jobID); ok && l.HolderID != c.cfg.HolderID && now.Sub(l.RenewedAt) < c.cfg.LeaseTTL {
			return job, fmt.Errorf("%w: %s held by %s", ErrLeaseHeld, jobID, l.HolderID)
		}
		ct.SetLease(types.Lease{JobID: jobID, HolderID: c.cfg.HolderID, AcquiredAt: now, RenewedAt: now})

		orphans = orphans[:0]
		for _, it := range job.Items {
			if it.Status != types.ItemRunning {
				continue
			}
			next, err := jobmanager.TransitionItem(job, it.IdeaID, types.ItemFailed, jobmanager.ItemUpdate{Error: InterruptedMessage}, now)
			if err != nil {
				return job, err
			}
			job = next
			orphans = append(orphans, it.IdeaID)
		}
		return job, nil
	})
	if err != nil {
		return err
	}

	for _, ideaID := range orphans {
		slog.Warn("Failed orphaned item", "jobID", jobID, "ideaID", ideaID)
		c.publishItem(events.ItemFailed, job, ideaID)
	}
	return nil
}

// renewLease refreshes this runner's lease inside an update. A lease taken
// over by another holder stops the runner.
func (c *Controller) renewLease(ct *types.Container, jobID string) error {
	now := c.now()
	l, ok := ct.FindLease(jobID)
	if ok && l.HolderID != c.cfg.HolderID {
		return fmt.Errorf("%w: %s lost to %s", ErrLeaseHeld, jobID, l.HolderID)
	}
	if !ok {
		l = types.Lease{JobID: jobID, HolderID: c.cfg.HolderID, AcquiredAt: now}
	}
	l.RenewedAt = now
	ct.SetLease(l)
	return nil
}

func (c *Controller) releaseLease(ctx context.Context, jobID string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := c.store.Update(wctx, func(ct *types.Container) error {
		ct.DropLease(jobID, c.cfg.HolderID)
		return nil
	})
	if err != nil {
		slog.Error("Failed to release lease", "jobID", jobID, "error", err)
	}
}

func (c *Controller) markActive(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[jobID]; busy {
		return false
	}
	c.active[jobID] = struct{}{}
	return true
}

func (c *Controller) clearActive(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, jobID)
}

// ============================================================================
// Supervisor
// ============================================================================

// Supervise runs, one at a time, every running job whose lease is free. It
// is how commands issued by other processes get executed. It returns when
// ctx ends.
func (c *Controller) Supervise(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.ScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Supervisor started", "interval", interval, "holder", c.cfg.HolderID)
	for {
		for _, jobID := range c.runnable(ctx) {
			if ctx.Err() != nil {
				break
			}
			if err := c.Run(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Runner stopped with error", "jobID", jobID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("Supervisor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// runnable lists running jobs that no other holder has a fresh lease on.
func (c *Controller) runnable(ctx context.Context) []string {
	ct, err := c.store.Load(ctx)
	if err != nil {
		slog.Error("Failed to load container", "error", err)
		return nil
	}

	now := c.now()
	var ids []string
	for _, job := range ct.Jobs {
		if job.Status != types.JobRunning {
			continue
		}
		if l, ok := ct.FindLease(job.JobID); ok && l.HolderID != c.cfg.HolderID && now.Sub(l.RenewedAt) < c.cfg.LeaseTTL {
			continue
		}
		ids = append(ids, job.JobID)
	}
	return ids
}
