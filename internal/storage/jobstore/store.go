// Package jobstore persists the job container behind one read-modify-write
// primitive. FileStore serializes updates with an advisory lock file;
// SQLiteStore runs them inside a single immediate transaction. Both give the
// same guarantee: no interleaved partial update is ever visible.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// ErrAbort can be returned by an update function to leave the container
// untouched without reporting a failure to the caller of Update.
var ErrAbort = errors.New("update aborted")

// UpdateFunc mutates the container in place. Returning an error discards
// every change.
type UpdateFunc func(c *types.Container) error

// Store is the container persistence used by the controller.
type Store interface {
	// Load returns the current container; missing or corrupt state is empty.
	Load(ctx context.Context) (types.Container, error)
	// Update runs fn under mutual exclusion and persists the result.
	Update(ctx context.Context, fn UpdateFunc) error
	Close() error
}

// Clock lets tests pin UpdatedAt.
type Clock func() time.Time

func normalize(c types.Container) types.Container {
	if c.Jobs == nil {
		c.Jobs = []types.Job{}
	}
	return c
}
