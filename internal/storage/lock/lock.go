// ============================================================================
// Buildqueue advisory file lock
// ============================================================================
//
// Package: internal/storage/lock
// File: lock.go
//
// Protocol:
//   acquire  open(<path>.lock, O_CREATE|O_EXCL) and write {owner, pid, acquiredAt}
//   contend  sleep a random backoff in [MinBackoff, MaxBackoff] and retry
//   stale    a marker older than StaleAfter belongs to a crashed holder:
//            rename it aside, verify it is the marker we judged stale,
//            delete it, retry immediately
//   release  delete the marker only if it still carries our owner id
//
// A caller that cannot acquire within MaxWait gets *TimeoutError.
//
// ============================================================================

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxWait    = 10 * time.Second
	DefaultStaleAfter = 30 * time.Second
	DefaultMinBackoff = 10 * time.Millisecond
	DefaultMaxBackoff = 60 * time.Millisecond
)

// ErrLockTimeout is matched by every *TimeoutError
var ErrLockTimeout = errors.New("lock timeout")

// TimeoutError reports a lock that could not be acquired in time.
type TimeoutError struct {
	Path   string
	Waited time.Duration
	Holder string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired after %s (held by %s)", e.Path, e.Waited, e.Holder)
}

func (e *TimeoutError) Unwrap() error { return ErrLockTimeout }

// Options tune acquisition. Zero fields take the defaults.
type Options struct {
	MaxWait    time.Duration
	StaleAfter time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = o.MinBackoff
		if DefaultMaxBackoff > o.MaxBackoff {
			o.MaxBackoff = DefaultMaxBackoff
		}
	}
	return o
}

// marker is the lock file content
type marker struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// MarkerPath returns the lock file guarding path.
func MarkerPath(path string) string {
	return path + ".lock"
}

// WithLock runs fn while holding the exclusive marker for path.
//
// Parameters:
//   - ctx: cancels the wait (not fn)
//   - path: the guarded resource; the marker lives at MarkerPath(path)
//   - opts: wait bound, staleness window, backoff range
//   - fn: critical section; its error is returned as-is
//
// Errors:
//   - *TimeoutError when MaxWait elapses
//   - ctx.Err() when the context ends while waiting
func WithLock(ctx context.Context, path string, opts Options, fn func() error) error {
	opts = opts.withDefaults()
	lockPath := MarkerPath(path)
	owner := uuid.NewString()

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if err := acquire(ctx, lockPath, owner, opts); err != nil {
		return err
	}
	defer release(lockPath, owner)

	return fn()
}

func acquire(ctx context.Context, lockPath, owner string, opts Options) error {
	start := time.Now()
	for {
		ok, err := tryCreate(lockPath, owner)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		current, readErr := readMarker(lockPath)
		if isStale(lockPath, current, readErr, opts.StaleAfter) {
			if reclaim(lockPath, current, opts.StaleAfter) {
				slog.Warn("Reclaimed stale lock", "path", lockPath, "previousOwner", current.Owner)
			}
			continue
		}

		if waited := time.Since(start); waited >= opts.MaxWait {
			return &TimeoutError{Path: lockPath, Waited: waited, Holder: current.Owner}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(opts)):
		}
	}
}

// tryCreate creates the marker if absent. ok=false means someone holds it.
func tryCreate(lockPath, owner string) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock marker: %w", err)
	}
	defer f.Close()

	m := marker{Owner: owner, PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		os.Remove(lockPath)
		return false, fmt.Errorf("failed to write lock marker: %w", err)
	}
	return true, nil
}

func readMarker(lockPath string) (marker, error) {
	var m marker
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// isStale judges a marker abandoned. A marker that cannot be decoded falls
// back to its mtime; it may simply be mid-write by a live holder.
func isStale(lockPath string, m marker, readErr error, staleAfter time.Duration) bool {
	if readErr == nil && !m.AcquiredAt.IsZero() {
		return time.Since(m.AcquiredAt) > staleAfter
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		// vanished between create and read: retry right away
		return errors.Is(err, os.ErrNotExist)
	}
	return time.Since(info.ModTime()) > staleAfter
}

// reclaim moves the stale marker aside. The marker is read again just before
// the rename and left alone if a live holder has replaced it. A replacement
// that lands between that read and the rename is put back after the move;
// a third process can still create its own marker while the live one is
// aside, and then the restore fails and is logged.
func reclaim(lockPath string, stale marker, staleAfter time.Duration) bool {
	cur, err := readMarker(lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err == nil && !cur.AcquiredAt.IsZero() &&
		(cur.Owner != stale.Owner || time.Since(cur.AcquiredAt) <= staleAfter) {
		return false
	}

	aside := fmt.Sprintf("%s.stale-%s", lockPath, uuid.NewString())
	if err := os.Rename(lockPath, aside); err != nil {
		return false
	}
	defer os.Remove(aside)

	moved, err := readMarker(aside)
	if err == nil && moved.Owner != stale.Owner && !moved.AcquiredAt.IsZero() {
		// not the marker we judged stale: restore it unless a new one exists
		if linkErr := os.Link(aside, lockPath); linkErr != nil {
			slog.Warn("Could not restore live lock marker", "path", lockPath, "error", linkErr)
		}
		return false
	}
	return true
}

func release(lockPath, owner string) {
	m, err := readMarker(lockPath)
	if err != nil {
		slog.Warn("Lock marker unreadable on release", "path", lockPath, "error", err)
		return
	}
	if m.Owner != owner {
		slog.Warn("Lock marker owned by someone else on release", "path", lockPath, "owner", m.Owner)
		return
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to remove lock marker", "path", lockPath, "error", err)
	}
}

func backoff(opts Options) time.Duration {
	span := int64(opts.MaxBackoff - opts.MinBackoff)
	if span <= 0 {
		return opts.MinBackoff
	}
	return opts.MinBackoff + time.Duration(rand.Int63n(span))
}
