// ============================================================================
// Buildqueue job manager - pure job/item lifecycle functions
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
//
// Design:
//   Every function here is pure. A Job goes in, a new Job comes out; the
//   input is never modified. Persistence and locking belong to the caller
//   (internal/controller), which runs these inside one store update.
//
// FIFO:
//   Items never move inside Job.Items. The next item to build is the queued
//   item with the lowest QueueSeq, ties broken by position, so a fresh job
//   runs in insertion order and a retried item goes to the back.
//
// ============================================================================

package jobmanager

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/buildqueue/pkg/types"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 4
)

// Stats counts items by status. The counts always sum to Total.
type Stats struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Built   int `json:"built"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ItemUpdate carries the fields a transition may write.
type ItemUpdate struct {
	ProjectID string
	Error     string
}

// JobID derives the deterministic job identifier from campaign and time.
func JobID(campaignID string, createdAt time.Time) string {
	return fmt.Sprintf("job-%s-%d", campaignID, createdAt.UnixMilli())
}

// CreateJob builds a pending job with every idea queued.
//
// Parameters:
//   - campaignID: owning campaign, required
//   - ideaIDs: ideas to build in order, non-empty, no blanks or duplicates
//   - concurrency: clamped to [MinConcurrency, MaxConcurrency]
//   - now: creation time, also the id timestamp
//
// Errors:
//   - *ValidationError for missing campaign or bad idea list
func CreateJob(campaignID string, ideaIDs []string, concurrency int, now time.Time) (types.Job, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return types.Job{}, &ValidationError{Field: "campaignId", Reason: "required"}
	}
	if len(ideaIDs) == 0 {
		return types.Job{}, &ValidationError{Field: "ideaIds", Reason: "must not be empty"}
	}

	seen := make(map[string]struct{}, len(ideaIDs))
	items := make([]types.Item, 0, len(ideaIDs))
	for _, id := range ideaIDs {
		if strings.TrimSpace(id) == "" {
			return types.Job{}, &ValidationError{Field: "ideaIds", Reason: "contains a blank id"}
		}
		if _, dup := seen[id]; dup {
			return types.Job{}, &ValidationError{Field: "ideaIds", Reason: fmt.Sprintf("duplicate id %q", id)}
		}
		seen[id] = struct{}{}
		items = append(items, types.Item{IdeaID: id, Status: types.ItemQueued})
	}

	now = now.UTC()
	return types.Job{
		JobID:       JobID(campaignID, now),
		CampaignID:  campaignID,
		CreatedAt:   now,
		Concurrency: ClampConcurrency(concurrency),
		Status:      types.JobPending,
		Items:       items,
	}, nil
}

// ClampConcurrency forces n into [MinConcurrency, MaxConcurrency].
func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ComputeStats aggregates item counts by status. Unknown statuses count as
// queued, matching the state machine's fallback.
func ComputeStats(job types.Job) Stats {
	s := Stats{Total: len(job.Items)}
	for _, it := range job.Items {
		switch it.Status {
		case types.ItemRunning:
			s.Running++
		case types.ItemBuilt:
			s.Built++
		case types.ItemFailed:
			s.Failed++
		case types.ItemSkipped:
			s.Skipped++
		default:
			s.Queued++
		}
	}
	return s
}

// IsComplete is true iff every item is built, failed or skipped.
func IsComplete(job types.Job) bool {
	for _, it := range job.Items {
		if !IsTerminalItem(it.Status) {
			return false
		}
	}
	return true
}

// NextQueued returns the index of the next item to build, or -1.
func NextQueued(job types.Job) int {
	next := -1
	for i, it := range job.Items {
		if it.Status != types.ItemQueued {
			continue
		}
		if next == -1 || it.QueueSeq < job.Items[next].QueueSeq {
			next = i
		}
	}
	return next
}

// TransitionJob returns a copy of job moved to target.
func TransitionJob(job types.Job, target types.JobStatus) (types.Job, error) {
	t := ValidateJobTransition(job.Status, target)
	if !t.OK {
		return job, t.Err
	}
	out := job.Clone()
	out.Status = t.Status
	return out, nil
}

// TransitionItem returns a copy of job with the item for ideaID moved to
// target. Timestamps, error and project id are only written here.
//
// Field rules:
//   - running: startedAt=now, finishedAt/error/projectId cleared
//   - built:   finishedAt=now, projectId=upd.ProjectID
//   - failed:  finishedAt=now, error=upd.Error
//   - skipped: finishedAt=now
//   - queued:  everything cleared, queueSeq moved behind every other item
func TransitionItem(job types.Job, ideaID string, target types.ItemStatus, upd ItemUpdate, now time.Time) (types.Job, error) {
	idx := job.ItemIndex(ideaID)
	if idx < 0 {
		return job, ItemNotFound(ideaID)
	}

	cur := job.Items[idx]
	t := ValidateItemTransition(cur.Status, target)
	if !t.OK {
		return job, t.Err
	}

	out := job.Clone()
	if cur.Status == target {
		return out, nil
	}

	now = now.UTC()
	it := cur
	it.Status = target
	switch target {
	case types.ItemRunning:
		it.StartedAt = &now
		it.FinishedAt = nil
		it.Error = nil
		it.ProjectID = nil
	case types.ItemBuilt:
		it.FinishedAt = &now
		if upd.ProjectID != "" {
			pid := upd.ProjectID
			it.ProjectID = &pid
		}
	case types.ItemFailed:
		it.FinishedAt = &now
		msg := upd.Error
		if msg == "" {
			msg = "unknown error"
		}
		it.Error = &msg
	case types.ItemSkipped:
		it.FinishedAt = &now
	case types.ItemQueued:
		it.StartedAt = nil
		it.FinishedAt = nil
		it.Error = nil
		it.ProjectID = nil
		it.QueueSeq = maxQueueSeq(out) + 1
	}
	out.Items[idx] = it
	return out, nil
}

func maxQueueSeq(job types.Job) int {
	m := 0
	for _, it := range job.Items {
		if it.QueueSeq > m {
			m = it.QueueSeq
		}
	}
	return m
}
