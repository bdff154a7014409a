// Package cluster defines the membership and RPC collaborators used
// for replication fan-out, Merkle tree exchange, and range fetch
// during repair. The wire transport is gRPC; payloads use a JSON
// codec rather than generated protobuf types, since the service only
// ever needs to move the same JSON-friendly structs the rest of the
// module already marshals with goccy/go-json.
package cluster

import "errors"

// ErrPeerUnavailable is returned when an RPC to a peer times out or
// the peer cannot be reached; callers treat it as a reason to skip
// this cycle rather than a fatal error.
var ErrPeerUnavailable = errors.New("cluster: peer unavailable")

// Peer identifies one cluster member.
type Peer struct {
	ID   string
	Addr string // host:port, dialable via gRPC
}

// RangeSpan is a half-open [Lo, Hi) offset range, the wire form of
// merkle.Range.
type RangeSpan struct {
	Lo uint64 `json:"lo"`
	Hi uint64 `json:"hi"`
}

// MerkleTreeInfo carries a serialized merkle.Tree (via
// Tree.MarshalCompressed) scoped to one disk/partition.
type MerkleTreeInfo struct {
	Disk      uint32 `json:"disk"`
	Partition uint32 `json:"partition"`
	Tree      []byte `json:"tree"`
}

// DifferenceInfo reports the offset ranges where a partition diverges
// from its counterpart.
type DifferenceInfo struct {
	Disk      uint32      `json:"disk"`
	Partition uint32      `json:"partition"`
	Ranges    []RangeSpan `json:"ranges"`
}

// ReplicationEnvelope carries one blob record across the wire for
// both normal replication and repair's FetchRange.
type ReplicationEnvelope struct {
	Disk      uint32              `json:"disk"`
	Partition uint32              `json:"partition"`
	Offset    uint64              `json:"offset"`
	ID        uint64              `json:"id"`
	Type      int32               `json:"type"`
	CRC       uint64              `json:"crc"`
	Payload   []byte              `json:"payload"`
	Metadata  map[string][]string `json:"metadata,omitempty"`
}

// treeRequest/diffRequest/fetchRequest/fetchResponse/sendResponse are
// the wire envelopes for the four RPCs; Peer and ctx are not
// serialized, only the (disk, partition[, ranges]) selector and result.
type treeRequest struct {
	Disk      uint32 `json:"disk"`
	Partition uint32 `json:"partition"`
}

type diffRequest struct {
	Disk      uint32 `json:"disk"`
	Partition uint32 `json:"partition"`
}

type fetchRequest struct {
	Disk      uint32      `json:"disk"`
	Partition uint32      `json:"partition"`
	Ranges    []RangeSpan `json:"ranges"`
}

type fetchResponse struct {
	Files []ReplicationEnvelope `json:"files"`
}

type sendResponse struct{}
