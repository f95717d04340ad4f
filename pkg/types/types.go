// Package types defines the core domain model shared by the buildqueue packages.
package types

import (
	"time"
)

// JobStatus is the lifecycle status of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"   // created, all items queued, loop not started
	JobRunning   JobStatus = "running"   // loop active or resumable by a supervisor
	JobPaused    JobStatus = "paused"    // halted at an iteration boundary, resumable
	JobDone      JobStatus = "done"      // every item terminal
	JobCancelled JobStatus = "cancelled" // halted by operator, terminal
)

// ItemStatus is the lifecycle status of one Item inside a Job.
type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"  // waiting in the FIFO
	ItemRunning ItemStatus = "running" // build in flight
	ItemBuilt   ItemStatus = "built"   // build produced a project
	ItemFailed  ItemStatus = "failed"  // build or pre-build step failed; retryable
	ItemSkipped ItemStatus = "skipped" // removed from the FIFO by operator
)

// Item is one buildable unit of a Job, mapped to exactly one idea.
type Item struct {
	IdeaID     string     `json:"ideaId"`
	Status     ItemStatus `json:"status"`
	ProjectID  *string    `json:"projectId"`
	Error      *string    `json:"error"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`

	// QueueSeq orders queued items: lower runs first, ties by position.
	// Retried items get a higher sequence so they re-enter at the back.
	QueueSeq int `json:"queueSeq"`
}

// Job is an ordered batch of items tied to a campaign. Jobs are treated as
// values: mutations produce a new Job with a copied Items slice.
type Job struct {
	JobID       string    `json:"jobId"`
	CampaignID  string    `json:"campaignId"`
	CreatedAt   time.Time `json:"createdAt"`
	Concurrency int       `json:"concurrency"`
	Status      JobStatus `json:"status"`
	Items       []Item    `json:"items"`
}

// Clone returns a copy of the job that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	out.Items = make([]Item, len(j.Items))
	copy(out.Items, j.Items)
	return out
}

// ItemIndex returns the position of ideaID in the job, or -1.
func (j Job) ItemIndex(ideaID string) int {
	for i := range j.Items {
		if j.Items[i].IdeaID == ideaID {
			return i
		}
	}
	return -1
}

// Lease marks a job as actively run by one holder.
type Lease struct {
	JobID      string    `json:"jobId"`
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	RenewedAt  time.Time `json:"renewedAt"`
}

// Container is the single persisted document holding every job.
type Container struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Jobs      []Job     `json:"jobs"`
	Leases    []Lease   `json:"leases,omitempty"`
}

// FindJob returns the job with jobID and its index.
func (c *Container) FindJob(jobID string) (Job, int, bool) {
	for i := range c.Jobs {
		if c.Jobs[i].JobID == jobID {
			return c.Jobs[i].Clone(), i, true
		}
	}
	return Job{}, -1, false
}

// UpsertJob replaces the job with the same JobID or appends it.
// Upserting the same job twice leaves exactly one entry.
func (c *Container) UpsertJob(job Job) {
	job = job.Clone()
	for i := range c.Jobs {
		if c.Jobs[i].JobID == job.JobID {
			c.Jobs[i] = job
			return
		}
	}
	c.Jobs = append(c.Jobs, job)
}

// FindLease returns the lease for jobID, if any.
func (c *Container) FindLease(jobID string) (Lease, bool) {
	for _, l := range c.Leases {
		if l.JobID == jobID {
			return l, true
		}
	}
	return Lease{}, false
}

// SetLease replaces or adds the lease for lease.JobID.
func (c *Container) SetLease(lease Lease) {
	for i := range c.Leases {
		if c.Leases[i].JobID == lease.JobID {
			c.Leases[i] = lease
			return
		}
	}
	c.Leases = append(c.Leases, lease)
}

// DropLease removes the lease for jobID if it is held by holderID.
func (c *Container) DropLease(jobID, holderID string) bool {
	for i, l := range c.Leases {
		if l.JobID == jobID && l.HolderID == holderID {
			c.Leases = append(c.Leases[:i], c.Leases[i+1:]...)
			return true
		}
	}
	return false
}

// BuildState values reported by the external build status document.
const (
	BuildIdle     = "idle"
	BuildComplete = "complete"
	BuildError    = "error"
)

// BuildStatus is the status document written by the external builder.
type BuildStatus struct {
	Status   string  `json:"status"`
	Stage    string  `json:"stage,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Title    string  `json:"title,omitempty"`
	OutID    string  `json:"outId,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// IsIdle reports whether the builder reports no activity.
func (s BuildStatus) IsIdle() bool {
	return s.Status == "" || s.Status == BuildIdle
}

// IsTerminal reports whether the status carries an explicit end marker.
func (s BuildStatus) IsTerminal() bool {
	return s.Status == BuildComplete || s.Status == BuildError
}
