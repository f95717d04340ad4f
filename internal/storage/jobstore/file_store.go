package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/snapshot"
	"github.com/ChuLiYu/buildqueue/internal/storage/lock"
	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// FileStore keeps the container in one JSON file guarded by lock.WithLock.
type FileStore struct {
	manager *snapshot.Manager
	lockOpt lock.Options
	now     Clock
}

// NewFileStore creates a store for the container at path.
func NewFileStore(path string, opts lock.Options) *FileStore {
	return &FileStore{
		manager: snapshot.NewManager(path),
		lockOpt: opts,
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source.
func (s *FileStore) WithClock(now Clock) *FileStore {
	s.now = now
	return s
}

// Path returns the container file path.
func (s *FileStore) Path() string {
	return s.manager.GetPath()
}

// Load reads without locking: writes are atomic renames.
func (s *FileStore) Load(ctx context.Context) (types.Container, error) {
	if err := ctx.Err(); err != nil {
		return types.Container{}, err
	}
	return normalize(s.manager.Load()), nil
}

// Update is lock -> read -> fn -> write.
func (s *FileStore) Update(ctx context.Context, fn UpdateFunc) error {
	err := lock.WithLock(ctx, s.manager.GetPath(), s.lockOpt, func() error {
		c := normalize(s.manager.Load())
		if err := fn(&c); err != nil {
			return err
		}
		return s.manager.Write(c, s.now())
	})
	if errors.Is(err, ErrAbort) {
		return nil
	}
	return err
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
