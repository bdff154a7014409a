package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeHandler struct {
	received []ReplicationEnvelope
}

func (h *fakeHandler) HandleReplication(ctx context.Context, env ReplicationEnvelope) error {
	h.received = append(h.received, env)
	return nil
}

func (h *fakeHandler) HandleMerkleTreeInfo(ctx context.Context, disk, partition uint32) (MerkleTreeInfo, error) {
	return MerkleTreeInfo{Disk: disk, Partition: partition, Tree: []byte("tree-bytes")}, nil
}

func (h *fakeHandler) HandleDifference(ctx context.Context, disk, partition uint32) (DifferenceInfo, error) {
	return DifferenceInfo{Disk: disk, Partition: partition, Ranges: []RangeSpan{{Lo: 0, Hi: 10}}}, nil
}

func (h *fakeHandler) HandleFetchRange(ctx context.Context, disk, partition uint32, ranges []RangeSpan) ([]ReplicationEnvelope, error) {
	return []ReplicationEnvelope{{Disk: disk, Partition: partition, ID: 1, Payload: []byte("x")}}, nil
}

func startTestServer(t *testing.T, h Handler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer()
	RegisterServer(s, h)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	return lis.Addr().String()
}

func TestTransportRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	addr := startTestServer(t, h)
	peer := Peer{ID: "b", Addr: addr}

	tr := NewGRPCTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.SendReplication(ctx, peer, ReplicationEnvelope{Disk: 1, Partition: 2, ID: 7, Payload: []byte("hi")})
	require.NoError(t, err)
	require.Len(t, h.received, 1)
	require.Equal(t, uint64(7), h.received[0].ID)

	info, err := tr.GetMerkleTreeInfo(ctx, peer, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("tree-bytes"), info.Tree)

	diff, err := tr.GetDifference(ctx, peer, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []RangeSpan{{Lo: 0, Hi: 10}}, diff.Ranges)

	files, err := tr.FetchRange(ctx, peer, 1, 2, []RangeSpan{{Lo: 0, Hi: 10}})
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestTransportUnavailablePeerWrapsErrPeerUnavailable(t *testing.T) {
	tr := NewGRPCTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := tr.GetMerkleTreeInfo(ctx, Peer{ID: "gone", Addr: "127.0.0.1:1"}, 1, 0)
	require.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestStaticMembershipExcludesSelf(t *testing.T) {
	self := Peer{ID: "a"}
	b := Peer{ID: "b"}
	c := Peer{ID: "c"}
	m := NewStaticMembership(self, self, []Peer{self, b, c})
	require.ElementsMatch(t, []Peer{b, c}, m.Peers())
}
