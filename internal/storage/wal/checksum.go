package wal

// ============================================================================
// Checksum calculation
// Responsibility: CRC32 over a record's sequence number and event payload
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/ChuLiYu/buildqueue/internal/events"
)

// CalculateChecksum returns the CRC32-IEEE of seq (big endian) followed by
// the JSON encoding of e.
func CalculateChecksum(seq uint64, e events.Event) (uint32, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32(), nil
}

// VerifyChecksum recomputes the checksum of rec. It returns a *ChecksumError
// on mismatch.
func VerifyChecksum(rec Record) error {
	expected, err := CalculateChecksum(rec.Seq, rec.Event)
	if err != nil {
		return err
	}
	if expected != rec.Checksum {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
