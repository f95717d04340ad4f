package invoker

import (
	"fmt"

	"github.com/ChuLiYu/buildqueue/internal/snapshot"
	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// StatusSource is the document a builder reports progress through.
type StatusSource interface {
	// Read never fails; a missing or malformed document reads as idle.
	Read() types.BuildStatus
	// Reset marks the document idle before a new build starts.
	Reset() error
}

// FileStatus reads the build-status JSON written by the builder.
type FileStatus struct {
	Path string
}

func (f FileStatus) Read() types.BuildStatus {
	return snapshot.ReadSafe(f.Path, types.BuildStatus{Status: types.BuildIdle})
}

func (f FileStatus) Reset() error {
	if err := snapshot.WriteAtomic(f.Path, types.BuildStatus{Status: types.BuildIdle}); err != nil {
		return fmt.Errorf("failed to reset %s: %w", f.Path, err)
	}
	return nil
}
