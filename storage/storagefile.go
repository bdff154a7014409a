// Package storage implements the per-disk write path: StorageFile is
// what the ingest layer hands to a disk's queue, and DiskWriter is the
// single consumer that appends it to the active partition, records it
// in the index, and (on the master) fans it out for replication.
package storage

import "github.com/golang-jwt/jwt/v5"

// StorageFile is one blob write queued for a disk.
type StorageFile struct {
	Disk       uint32
	ID         uint64
	Type       int32
	Payload    []byte
	Metadata   map[string][]string
	Compaction bool // true when produced by CompactionService, skips temp-index/replication

	// AuthTokens carries zero or more signed capability tokens
	// authorizing this write. Optional: a DiskWriter with no
	// TokenIssuer configured ignores this field entirely; one with a
	// TokenIssuer rejects the write unless at least one token verifies.
	AuthTokens []string

	// Done, if non-nil, receives the outcome of handling this file
	// exactly once. CompactionService sets it so it can tell when a
	// relocated entry has actually landed before dropping the source
	// partition; ordinary client writes leave it nil.
	Done chan<- error
}

// AuthClaims is the payload of one StorageFile.AuthTokens entry: which
// tenant a write was authorized for, and when the capability expires.
type AuthClaims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tenant"`
}
