// ============================================================================
// Buildqueue Build Invoker - Subprocess Supervision
// ============================================================================
//
// Package: internal/invoker
// File: invoker.go
// Function: Runs one external build per item and reports a single outcome
//
// How it works:
//   1. Reset the build-status document to idle
//   2. Spawn the builder in its own process group
//   3. Poll the status document every PollInterval, reporting progress
//   4. Settle the outcome on the first completion signal:
//      (a) status reports complete/error
//      (b) status drops back to idle after being active for >= IdleGrace
//      (c) process exits; after SettleDelay the status is read once more
//   5. On Timeout the whole process group is killed
//
// Outcome:
//   The poll loop and the exit watcher race to write one result slot.
//   An atomic flag makes the first writer authoritative; later writes are
//   dropped.
//
// ============================================================================

package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// ErrBuildTimeout is the outcome when a build exceeds its ceiling.
var ErrBuildTimeout = errors.New("timeout")

// BuildFailureError reports a build that finished without producing output.
type BuildFailureError struct {
	IdeaID string
	Reason string
}

func (e *BuildFailureError) Error() string {
	return e.Reason
}

func failure(ideaID, format string, args ...any) error {
	return &BuildFailureError{IdeaID: ideaID, Reason: fmt.Sprintf(format, args...)}
}

// Config tunes build supervision.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	IdleGrace    time.Duration
	SettleDelay  time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		PollInterval: 3 * time.Second,
		Timeout:      10 * time.Minute,
		IdleGrace:    5 * time.Second,
		SettleDelay:  2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.IdleGrace < 0 {
		c.IdleGrace = d.IdleGrace
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = d.SettleDelay
	}
	return c
}

// Request identifies the idea to build.
type Request struct {
	JobID      string
	CampaignID string
	IdeaID     string
}

// Result is the terminal outcome of one build. OK implies ProjectID is set;
// otherwise Err is ErrBuildTimeout, a *BuildFailureError, or a context error.
type Result struct {
	OK        bool
	ProjectID string
	Err       error
	Duration  time.Duration
}

// ProgressFunc receives every non-idle status read while the build runs.
type ProgressFunc func(status types.BuildStatus)

// Invoker supervises builds. It is safe to reuse across items but runs one
// build per Build call.
type Invoker struct {
	cfg     Config
	spawner Spawner
	status  StatusSource
	now     func() time.Time
}

// New creates an invoker.
func New(cfg Config, spawner Spawner, status StatusSource) *Invoker {
	return &Invoker{
		cfg:     cfg.withDefaults(),
		spawner: spawner,
		status:  status,
		now:     time.Now,
	}
}

// Config returns the effective timings.
func (inv *Invoker) Config() Config {
	return inv.cfg
}

// Build runs one build to completion. It always returns a Result; failures
// are carried in Result.Err.
func (inv *Invoker) Build(ctx context.Context, req Request, onProgress ProgressFunc) Result {
	start := inv.now()
	finish := func(r Result) Result {
		r.Duration = inv.now().Sub(start)
		return r
	}

	if err := inv.status.Reset(); err != nil {
		return finish(Result{Err: failure(req.IdeaID, "failed to reset build status: %v", err)})
	}

	proc, err := inv.spawner.Spawn(req)
	if err != nil {
		return finish(Result{Err: failure(req.IdeaID, "failed to start build: %v", err)})
	}
	slog.Info("Build started", "jobID", req.JobID, "ideaID", req.IdeaID, "pid", proc.Pid())

	slot := newResultSlot()
	go inv.watchExit(req, proc, slot)

	ticker := time.NewTicker(inv.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(inv.cfg.Timeout)
	defer deadline.Stop()

	var activeSince time.Time
	for {
		select {
		case <-slot.Done():
			r := slot.Result()
			slog.Info("Build finished", "jobID", req.JobID, "ideaID", req.IdeaID, "ok", r.OK, "error", r.Err)
			return finish(r)

		case <-ctx.Done():
			if slot.Settle(Result{Err: fmt.Errorf("interrupted: %w", ctx.Err())}) {
				inv.kill(req, proc)
			}

		case <-deadline.C:
			// settle before killing so the exit watcher cannot claim the kill
			if slot.Settle(Result{Err: ErrBuildTimeout}) {
				slog.Warn("Build exceeded ceiling, killing process group", "ideaID", req.IdeaID, "timeout", inv.cfg.Timeout)
				inv.kill(req, proc)
			}

		case <-ticker.C:
			st := inv.status.Read()
			if st.IsIdle() {
				if !activeSince.IsZero() && inv.now().Sub(activeSince) >= inv.cfg.IdleGrace {
					slot.Settle(outcome(req.IdeaID, st, "build returned to idle without output"))
				}
				continue
			}
			if activeSince.IsZero() {
				activeSince = inv.now()
			}
			if onProgress != nil {
				onProgress(st)
			}
			if st.IsTerminal() {
				slot.Settle(outcome(req.IdeaID, st, "build reported completion without output"))
			}
		}
	}
}

// watchExit is the second producer: once the process exits it waits
// SettleDelay for the builder's last status write, then reads it.
func (inv *Invoker) watchExit(req Request, proc Process, slot *resultSlot) {
	waitErr := proc.Wait()
	if slot.Settled() {
		return
	}
	slog.Debug("Build process exited", "ideaID", req.IdeaID, "error", waitErr)

	select {
	case <-slot.Done():
		return
	case <-time.After(inv.cfg.SettleDelay):
	}

	st := inv.status.Read()
	reason := "build process exited without reporting output"
	if waitErr != nil {
		reason = fmt.Sprintf("build process exited: %v", waitErr)
	}
	slot.Settle(outcome(req.IdeaID, st, reason))
}

func (inv *Invoker) kill(req Request, proc Process) {
	if err := proc.Kill(); err != nil {
		slog.Warn("Failed to kill build process group", "ideaID", req.IdeaID, "error", err)
	}
}

// outcome maps a status read to a result. An explicit error marker wins,
// then any reported output id counts as success.
func outcome(ideaID string, st types.BuildStatus, fallback string) Result {
	if st.Status == types.BuildError {
		reason := st.Error
		if reason == "" {
			reason = "build reported error"
		}
		return Result{Err: failure(ideaID, "%s", reason)}
	}
	if st.OutID != "" {
		return Result{OK: true, ProjectID: st.OutID}
	}
	return Result{Err: failure(ideaID, "%s", fallback)}
}

// ============================================================================
// Result slot
// ============================================================================

// resultSlot is written at most once; the first Settle wins. The stored
// value is published to readers by closing done.
type resultSlot struct {
	settled atomic.Bool
	done    chan struct{}
	result  Result
}

func newResultSlot() *resultSlot {
	return &resultSlot{done: make(chan struct{})}
}

// Settle stores r if nothing has been stored yet and reports whether it won.
func (s *resultSlot) Settle(r Result) bool {
	if !s.settled.CompareAndSwap(false, true) {
		return false
	}
	s.result = r
	close(s.done)
	return true
}

func (s *resultSlot) Settled() bool {
	return s.settled.Load()
}

func (s *resultSlot) Done() <-chan struct{} {
	return s.done
}

// Result blocks until the slot is settled.
func (s *resultSlot) Result() Result {
	<-s.done
	return s.result
}
