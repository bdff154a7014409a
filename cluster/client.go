package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Transport is the client side of the four cluster RPCs. Every call
// carries its own deadline via ctx; a deadline exceeded or unreachable
// peer surfaces as ErrPeerUnavailable so callers (the repair engine,
// the replication client) can uniformly skip this cycle.
type Transport interface {
	SendReplication(ctx context.Context, peer Peer, env ReplicationEnvelope) error
	GetMerkleTreeInfo(ctx context.Context, peer Peer, disk, partition uint32) (MerkleTreeInfo, error)
	GetDifference(ctx context.Context, peer Peer, disk, partition uint32) (DifferenceInfo, error)
	FetchRange(ctx context.Context, peer Peer, disk, partition uint32, ranges []RangeSpan) ([]ReplicationEnvelope, error)
}

// GRPCTransport dials peers lazily and caches connections by address.
type GRPCTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport returns a Transport with an empty connection cache.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	t.conns[addr] = c
	return c, nil
}

func callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(codecName)}
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
		}
	}
	return err
}

func (t *GRPCTransport) SendReplication(ctx context.Context, peer Peer, env ReplicationEnvelope) error {
	conn, err := t.conn(peer.Addr)
	if err != nil {
		return wrapUnavailable(err)
	}
	var resp sendResponse
	err = conn.Invoke(ctx, "/"+serviceName+"/SendReplication", &env, &resp, callOpts()...)
	return wrapUnavailable(err)
}

func (t *GRPCTransport) GetMerkleTreeInfo(ctx context.Context, peer Peer, disk, partition uint32) (MerkleTreeInfo, error) {
	conn, err := t.conn(peer.Addr)
	if err != nil {
		return MerkleTreeInfo{}, wrapUnavailable(err)
	}
	req := treeRequest{Disk: disk, Partition: partition}
	var resp MerkleTreeInfo
	err = conn.Invoke(ctx, "/"+serviceName+"/GetMerkleTreeInfo", &req, &resp, callOpts()...)
	return resp, wrapUnavailable(err)
}

func (t *GRPCTransport) GetDifference(ctx context.Context, peer Peer, disk, partition uint32) (DifferenceInfo, error) {
	conn, err := t.conn(peer.Addr)
	if err != nil {
		return DifferenceInfo{}, wrapUnavailable(err)
	}
	req := diffRequest{Disk: disk, Partition: partition}
	var resp DifferenceInfo
	err = conn.Invoke(ctx, "/"+serviceName+"/GetDifference", &req, &resp, callOpts()...)
	return resp, wrapUnavailable(err)
}

func (t *GRPCTransport) FetchRange(ctx context.Context, peer Peer, disk, partition uint32, ranges []RangeSpan) ([]ReplicationEnvelope, error) {
	conn, err := t.conn(peer.Addr)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	req := fetchRequest{Disk: disk, Partition: partition, Ranges: ranges}
	var resp fetchResponse
	err = conn.Invoke(ctx, "/"+serviceName+"/FetchRange", &req, &resp, callOpts()...)
	return resp.Files, wrapUnavailable(err)
}

// DefaultRPCTimeout is the deadline the repair engine and replication
// client put on every cluster RPC they make; an earlier deadline
// already on ctx still takes precedence.
const DefaultRPCTimeout = 5 * time.Second
