package wal

import "github.com/ChuLiYu/buildqueue/internal/events"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the on-disk record of the event journal
// ============================================================================

// Record is one journal line.
type Record struct {
	Seq      uint64       `json:"seq"`      // monotonically increasing, restarts at 1 after Rotate
	Event    events.Event `json:"event"`    // the broadcast event as published
	Checksum uint32       `json:"checksum"` // CRC32 of seq + encoded event
}

// Handler processes records during Replay. A non-nil error stops the replay.
type Handler func(rec Record) error
