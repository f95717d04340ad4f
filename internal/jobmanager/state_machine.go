// ============================================================================
// Buildqueue state machines - job and item transition tables
// ============================================================================
//
// Package: internal/jobmanager
// File: state_machine.go
//
// Job:
//   pending ──► running ──► done
//      │          │  ▲
//      │          ▼  │
//      │        paused
//      ▼          │
//   cancelled ◄───┘ (from pending, running, paused)
//
// Item:
//   queued ──► running ──► built
//      │          │
//      ▼          ▼
//   skipped     failed ──► queued (explicit retry only)
//
// Rules:
//   - same-state is a no-op success (commands are idempotent)
//   - unknown current status falls back to the initial status
//   - unknown target status is rejected
//   - queued -> built is illegal: an item must pass through running
//
// ============================================================================

package jobmanager

import (
	"fmt"

	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// Transition is the outcome of a validation. On failure Status is the
// (normalized) current status and Err describes the refusal.
type Transition[S ~string] struct {
	OK     bool
	Status S
	Err    error
}

var jobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobPending:   {types.JobRunning, types.JobCancelled},
	types.JobRunning:   {types.JobDone, types.JobPaused, types.JobCancelled},
	types.JobPaused:    {types.JobRunning, types.JobCancelled},
	types.JobDone:      {},
	types.JobCancelled: {},
}

var itemTransitions = map[types.ItemStatus][]types.ItemStatus{
	types.ItemQueued:  {types.ItemRunning, types.ItemSkipped},
	types.ItemRunning: {types.ItemBuilt, types.ItemFailed},
	types.ItemFailed:  {types.ItemQueued},
	types.ItemBuilt:   {},
	types.ItemSkipped: {},
}

// ValidateJobTransition checks current -> target against the job table.
func ValidateJobTransition(current, target types.JobStatus) Transition[types.JobStatus] {
	return validate("job", jobTransitions, types.JobPending, current, target)
}

// ValidateItemTransition checks current -> target against the item table.
func ValidateItemTransition(current, target types.ItemStatus) Transition[types.ItemStatus] {
	return validate("item", itemTransitions, types.ItemQueued, current, target)
}

// IsTerminalJob reports whether no transition leaves s.
func IsTerminalJob(s types.JobStatus) bool {
	next, ok := jobTransitions[s]
	return ok && len(next) == 0
}

// IsTerminalItem reports whether s counts as finished for completion.
// failed is terminal here even though an explicit retry can leave it.
func IsTerminalItem(s types.ItemStatus) bool {
	switch s {
	case types.ItemBuilt, types.ItemFailed, types.ItemSkipped:
		return true
	}
	return false
}

func validate[S ~string](kind string, table map[S][]S, initial, current, target S) Transition[S] {
	if _, known := table[current]; !known {
		current = initial
	}
	if _, known := table[target]; !known {
		return Transition[S]{
			Status: current,
			Err:    fmt.Errorf("%w: unknown %s status %q", ErrIllegalTransition, kind, target),
		}
	}
	if current == target {
		return Transition[S]{OK: true, Status: current}
	}
	for _, next := range table[current] {
		if next == target {
			return Transition[S]{OK: true, Status: target}
		}
	}
	return Transition[S]{
		Status: current,
		Err:    &TransitionError{Kind: kind, From: string(current), To: string(target)},
	}
}
