package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize documents as JSON and write them atomically (temp file + rename)
// 2. Read documents without ever failing: missing or corrupt -> fallback
// 3. Container-typed Manager used by the file-backed job store
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/buildqueue/pkg/types"
)

// WriteAtomic serializes v and replaces path in one rename.
//
// Flow:
//  1. encode to JSON (indented, readable when debugging)
//  2. write a temp file in the same directory (rename must not cross devices)
//  3. fsync and close the temp file
//  4. os.Rename over path
//
// Concurrent readers see either the old or the new document, never a
// partial one.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename document: %w", err)
	}
	return nil
}

// ReadSafe decodes path into a T. It never fails: a missing, unreadable or
// malformed file yields fallback.
func ReadSafe[T any](path string, fallback T) T {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fallback
	}
	return v
}

// Manager reads and writes the job container document.
type Manager struct {
	path string
}

// NewManager creates a container manager for path
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load returns the persisted container. A missing or corrupt document
// degrades to an empty container.
func (m *Manager) Load() types.Container {
	c := ReadSafe(m.path, types.Container{})
	if c.Jobs == nil {
		c.Jobs = []types.Job{}
	}
	return c
}

// Write stamps UpdatedAt and persists the container atomically.
func (m *Manager) Write(c types.Container, now time.Time) error {
	c.UpdatedAt = now.UTC()
	if c.Jobs == nil {
		c.Jobs = []types.Job{}
	}
	if err := WriteAtomic(m.path, c); err != nil {
		return fmt.Errorf("failed to write container: %w", err)
	}
	return nil
}

// Exists checks whether the container file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the container file path (tests and debugging)
func (m *Manager) GetPath() string {
	return m.path
}
