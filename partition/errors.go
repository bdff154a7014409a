// Package partition implements the per-disk append-only partition
// file: blobs are appended sequentially as length-prefixed records
// and never rewritten in place. Offset, length and deletion state
// live in the index package, not here — a partition is a dumb byte
// log plus crash-safe header bookkeeping.
package partition

import "errors"

// Sentinel errors returned by partition operations.
var (
	// ErrClosed is returned when operating on a closed partition.
	ErrClosed = errors.New("partition: closed")

	// ErrEmptyPayload is returned when attempting to append a zero-length blob.
	ErrEmptyPayload = errors.New("partition: payload cannot be empty")

	// ErrCorruptHeader is returned when the file header cannot be parsed.
	ErrCorruptHeader = errors.New("partition: corrupt header")

	// ErrCorruptRecord is returned when a record cannot be parsed.
	ErrCorruptRecord = errors.New("partition: corrupt record")

	// ErrCRCMismatch is returned when a record's stored CRC does not
	// match its payload.
	ErrCRCMismatch = errors.New("partition: crc mismatch")

	// ErrSealed is returned when appending to a partition that has
	// been rolled over and closed for new writes.
	ErrSealed = errors.New("partition: sealed, no longer active")

	// ErrBusy is returned when a read or write is attempted while the
	// partition is blocked for repair or compaction.
	ErrBusy = errors.New("partition: blocked for repair")
)
