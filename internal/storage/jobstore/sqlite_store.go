package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/buildqueue/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the container as a single versioned row. Every update is
// one BEGIN IMMEDIATE transaction, which takes the database write lock up
// front so two updaters never read the same version.
type SQLiteStore struct {
	db  *sql.DB
	now Clock
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// WithClock overrides the timestamp source.
func (s *SQLiteStore) WithClock(now Clock) *SQLiteStore {
	s.now = now
	return s
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS container (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		doc TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reads the latest committed container.
func (s *SQLiteStore) Load(ctx context.Context) (types.Container, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM container WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return normalize(types.Container{}), nil
	}
	if err != nil {
		return types.Container{}, fmt.Errorf("failed to read container: %w", err)
	}
	return decodeContainer(doc), nil
}

// Update runs fn inside one transaction and bumps the row version.
func (s *SQLiteStore) Update(ctx context.Context, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		doc     string
		version int64
	)
	err = tx.QueryRowContext(ctx, `SELECT doc, version FROM container WHERE id = 1`).Scan(&doc, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		doc = ""
	case err != nil:
		return fmt.Errorf("failed to read container: %w", err)
	}

	c := decodeContainer(doc)
	if err := fn(&c); err != nil {
		if errors.Is(err, ErrAbort) {
			return nil
		}
		return err
	}

	now := s.now().UTC()
	c.UpdatedAt = now
	data, err := json.Marshal(normalize(c))
	if err != nil {
		return fmt.Errorf("failed to marshal container: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO container (id, doc, version, updated_at) VALUES (1, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, version = container.version + 1, updated_at = excluded.updated_at
	`, string(data), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write container: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit container: %w", err)
	}
	return nil
}

// Version returns the number of committed updates (0 when empty).
func (s *SQLiteStore) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM container WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// decodeContainer degrades corrupt state to an empty container.
func decodeContainer(doc string) types.Container {
	var c types.Container
	if doc == "" {
		return normalize(c)
	}
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		slog.Warn("Corrupt container row, starting empty", "error", err)
		return normalize(types.Container{})
	}
	return normalize(c)
}
