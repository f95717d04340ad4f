// Package ideas flags ideas in the shared idea document while they build.
//
// The document is owned by the idea pipeline; this package only rewrites the
// fields it sets and keeps everything else as found.
package ideas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/snapshot"
	"github.com/ChuLiYu/buildqueue/internal/storage/lock"
)

// StatusBuilding is written to an idea when its build starts.
const StatusBuilding = "building"

var ErrIdeaNotFound = errors.New("idea not found")

// Tracker is told before each build starts.
type Tracker interface {
	MarkBuilding(ctx context.Context, campaignID, ideaID string) error
}

// Nop accepts every call. Used when no idea document is configured.
type Nop struct{}

func (Nop) MarkBuilding(context.Context, string, string) error { return nil }

// FileTracker edits a JSON document of the form
//
//	{"ideas": [{"id": "...", "campaignId": "...", "status": "...", ...}]}
//
// under the same advisory lock discipline as the job container.
type FileTracker struct {
	path string
	opts lock.Options
	now  func() time.Time
}

// NewFileTracker creates a tracker for the document at path.
func NewFileTracker(path string, opts lock.Options) *FileTracker {
	return &FileTracker{path: path, opts: opts, now: time.Now}
}

// MarkBuilding sets status=building and buildStartedAt on the idea. An idea
// with a different campaignId is not a match; ideas with no campaignId match
// any campaign.
func (t *FileTracker) MarkBuilding(ctx context.Context, campaignID, ideaID string) error {
	return lock.WithLock(ctx, t.path, t.opts, func() error {
		doc := snapshot.ReadSafe(t.path, map[string]any{})
		list, _ := doc["ideas"].([]any)

		for _, raw := range list {
			idea, ok := raw.(map[string]any)
			if !ok || idea["id"] != ideaID {
				continue
			}
			if c, ok := idea["campaignId"].(string); ok && c != "" && c != campaignID {
				continue
			}
			idea["status"] = StatusBuilding
			idea["buildStartedAt"] = t.now().UTC().Format(time.RFC3339Nano)

			if err := snapshot.WriteAtomic(t.path, doc); err != nil {
				return fmt.Errorf("failed to write ideas: %w", err)
			}
			slog.Debug("Idea marked building", "campaignID", campaignID, "ideaID", ideaID)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrIdeaNotFound, ideaID)
	})
}
