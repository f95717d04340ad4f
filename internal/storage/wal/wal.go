package wal

// ============================================================================
// Event journal
// Responsibilities:
// 1. Append broadcast events to an append-only JSON-lines file
// 2. Replay the file with per-record checksum verification
// 3. Rotate the file, compressing the old segment with gzip
// 4. Batch writes; flush on size, interval or Close
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/events"
	"github.com/ChuLiYu/buildqueue/internal/storage/lock"
)

// Options tune batching. Zero values take the defaults.
type Options struct {
	BufferSize    int           // records held before a flush (default 64)
	FlushInterval time.Duration // max age of the oldest buffered record (default 1s)
	SyncOnFlush   bool          // fsync after every flush
}

// WAL is an open event journal. Several processes may hold the same file
// open; each flush appends whole lines under the file's lock marker. Seq is
// counted per writer, so records from concurrent writers can share a number.
type WAL struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    uint64
	opts   Options
	closed bool

	buffer    []Record
	lastFlush time.Time
}

// Open creates or opens the journal at path and continues its sequence from
// the last valid record. An unterminated final line is dropped.
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	var seq uint64
	err := lock.WithLock(context.Background(), path, lock.Options{}, func() error {
		var err error
		seq, err = recoverTail(path)
		return err
	})
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &WAL{
		file:      file,
		path:      path,
		seq:       seq,
		opts:      opts,
		buffer:    make([]Record, 0, opts.BufferSize),
		lastFlush: time.Now(),
	}, nil
}

// Path returns the journal file path.
func (w *WAL) Path() string { return w.path }

// Append adds e to the journal. The record is buffered until the batch is
// full, the flush interval has passed, or force is set.
func (w *WAL) Append(e events.Event, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	sum, err := CalculateChecksum(w.seq+1, e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	w.seq++
	w.buffer = append(w.buffer, Record{Seq: w.seq, Event: e, Checksum: sum})

	if force || len(w.buffer) >= w.opts.BufferSize || time.Since(w.lastFlush) > w.opts.FlushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush writes buffered records to the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flushLocked()
}

// LastSeq returns the sequence number of the last appended record.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Rotate flushes, moves the current file to a timestamped .gz segment and
// starts a fresh journal. It returns the segment path.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}

	rotated := w.path + "." + time.Now().UTC().Format("20060102T150405.000000000")
	err := lock.WithLock(context.Background(), w.path, lock.Options{}, func() error {
		if err := w.file.Close(); err != nil {
			return err
		}
		if err := os.Rename(w.path, rotated); err != nil {
			return err
		}
		file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		w.file = file
		return nil
	})
	if err != nil {
		return "", err
	}
	w.seq = 0
	w.lastFlush = time.Now()

	segment := rotated + ".gz"
	if err := compressFile(rotated, segment); err != nil {
		slog.Warn("Failed to compress journal segment, keeping it uncompressed", "path", rotated, "error", err)
		return rotated, nil
	}
	if err := os.Remove(rotated); err != nil {
		return "", err
	}
	return segment, nil
}

// Close flushes and closes the journal. The WAL must not be used afterwards.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Consume journals every event from ch until it closes or ctx ends, then
// flushes.
func (w *WAL) Consume(ctx context.Context, ch <-chan events.Event) {
	defer func() {
		if err := w.Flush(); err != nil && !errors.Is(err, ErrClosed) {
			slog.Error("Failed to flush journal", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			// job-level events are rare and mark boundaries; write them through
			force := e.Name != events.ItemProgress
			if err := w.Append(e, force); err != nil {
				slog.Error("Failed to journal event", "event", e.Name, "jobID", e.JobID, "error", err)
			}
		}
	}
}

// flushLocked assumes w.mu is held. The batch goes out in one write so a
// reader recovering the tail never sees half of it.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		w.lastFlush = time.Now()
		return nil
	}

	var batch bytes.Buffer
	enc := json.NewEncoder(&batch)
	for _, rec := range w.buffer {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}

	err := lock.WithLock(context.Background(), w.path, lock.Options{}, func() error {
		if _, err := w.file.Write(batch.Bytes()); err != nil {
			return err
		}
		if w.opts.SyncOnFlush {
			return w.file.Sync()
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.buffer = w.buffer[:0]
	w.lastFlush = time.Now()
	return nil
}

// ============================================================================
// Reading
// ============================================================================

// Replay calls handler for each record in the file at path, verifying
// checksums. A path ending in .gz is read through gzip. A missing file
// replays nothing.
//
// Errors:
//   - *CorruptionError for an undecodable line
//   - *ChecksumError for a record that fails verification
//   - the handler's error, returned as is
func Replay(path string, handler Handler) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return &CorruptionError{Line: 0, Cause: err}
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(rec); err != nil {
			return err
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// JobHistory returns the journaled events of one job in order.
func JobHistory(path, jobID string) ([]events.Event, error) {
	var out []events.Event
	err := Replay(path, func(rec Record) error {
		if rec.Event.JobID == jobID {
			out = append(out, rec.Event)
		}
		return nil
	})
	return out, err
}

// recoverTail returns the sequence number of the last valid record in path
// and truncates an unterminated final line, such as one torn by a crash.
// Complete lines that fail to decode or verify are kept for Replay to report.
func recoverTail(path string) (uint64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		seq      uint64
		complete int64
	)
	r := bufio.NewReader(f)
	for {
		b, err := r.ReadBytes('\n')
		if len(b) > 0 && b[len(b)-1] == '\n' {
			complete += int64(len(b))
			var rec Record
			switch {
			case len(bytes.TrimSpace(b)) == 0:
			case json.Unmarshal(b, &rec) != nil || VerifyChecksum(rec) != nil:
				slog.Warn("Journal holds an invalid record, keeping it", "path", path, "offset", complete-int64(len(b)))
			default:
				seq = rec.Seq
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read journal: %w", err)
		}
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() > complete {
		slog.Warn("Journal has a torn tail, truncating", "path", path, "seq", seq, "validBytes", complete, "size", info.Size())
		if err := os.Truncate(path, complete); err != nil {
			return 0, fmt.Errorf("failed to truncate journal tail: %w", err)
		}
	}
	return seq, nil
}

// compressFile gzips srcPath into dstPath.
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
