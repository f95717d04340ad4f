// ============================================================================
// Buildqueue event broadcaster
// ============================================================================
//
// Package: internal/events
// File: broadcaster.go
//
// Delivery model:
//   - fan-out of job/item lifecycle events, keyed by job id
//   - fire-and-forget, at most once: Publish never blocks, a subscriber
//     whose buffer is full misses the event
//   - no replay: late subscribers recover state by reading the container
//
// ============================================================================

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// Name identifies an event type on the stream.
type Name string

const (
	JobStarted   Name = "job:started"
	JobPaused    Name = "job:paused"
	JobCancelled Name = "job:cancelled"
	JobDone      Name = "job:done"
	JobError     Name = "job:error"
	ItemRunning  Name = "item:running"
	ItemProgress Name = "item:progress"
	ItemBuilt    Name = "item:built"
	ItemFailed   Name = "item:failed"
)

// Progress is the builder-reported state carried by item:progress.
type Progress struct {
	Stage    string  `json:"stage,omitempty"`
	Progress float64 `json:"progress"`
	Title    string  `json:"title,omitempty"`
}

// Event is one push notification.
type Event struct {
	Name      Name            `json:"event"`
	JobID     string          `json:"jobId"`
	IdeaID    string          `json:"ideaId,omitempty"`
	JobStatus types.JobStatus `json:"jobStatus,omitempty"`
	Item      *types.Item     `json:"item,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

const allJobs = "*"

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
	buffer int
	closed bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]map[uint64]chan Event),
		buffer: buffer,
	}
}

// Subscribe receives events for one job. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(jobID string) (<-chan Event, func()) {
	return b.subscribe(jobID)
}

// SubscribeAll receives events for every job.
func (b *Broadcaster) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe(allJobs)
}

func (b *Broadcaster) subscribe(key string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]chan Event)
	}
	b.subs[key][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(key, id) })
	}
}

func (b *Broadcaster) unsubscribe(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[key]
	ch, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.subs, key)
	}
	close(ch)
}

// Publish delivers e to the job's subscribers and to SubscribeAll
// subscribers. It returns the number of channels that accepted the event.
func (b *Broadcaster) Publish(e Event) int {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, key := range []string{e.JobID, allJobs} {
		for _, ch := range b.subs[key] {
			select {
			case ch <- e:
				delivered++
			default:
				slog.Debug("Dropped event for slow subscriber", "event", e.Name, "jobID", e.JobID)
			}
		}
	}
	return delivered
}

// Subscribers returns the number of subscriptions for jobID.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Close unsubscribes everyone. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, set := range b.subs {
		for id, ch := range set {
			close(ch)
			delete(set, id)
		}
		delete(b.subs, key)
	}
}
