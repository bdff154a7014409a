package repair

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yoxibaga/blobkeeper/cluster"
	"github.com/yoxibaga/blobkeeper/index"
	"github.com/yoxibaga/blobkeeper/metadata"
	"github.com/yoxibaga/blobkeeper/partition"
)

type fakeReplicationHandler struct {
	handled []cluster.ReplicationEnvelope
	err     error
}

func (f *fakeReplicationHandler) HandleReplication(ctx context.Context, env cluster.ReplicationEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.handled = append(f.handled, env)
	return nil
}

func newTestEngine(t *testing.T, disk uint32) *Engine {
	t.Helper()
	reg, _, err := partition.OpenRegistry(disk, t.TempDir(), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	self := cluster.Peer{ID: "a"}
	return &Engine{
		Disk:       disk,
		Registry:   reg,
		Index:      index.NewMemStore(),
		Metadata:   metadata.NewStore(""),
		Membership: cluster.NewStaticMembership(self, self, []cluster.Peer{self}),
		Transport:  &fakeTransport{},
		Applier:    &fakeApplier{},
		MaxLevel:   2,
		Logger:     zap.NewNop(),
	}
}

func TestCoordinatorHandleReplicationDelegates(t *testing.T) {
	repl := &fakeReplicationHandler{}
	c := NewCoordinator(map[uint32]*Engine{1: newTestEngine(t, 1)}, repl, zap.NewNop())

	env := cluster.ReplicationEnvelope{Disk: 1, ID: 9}
	require.NoError(t, c.HandleReplication(context.Background(), env))
	require.Len(t, repl.handled, 1)
	require.Equal(t, uint64(9), repl.handled[0].ID)
}

func TestCoordinatorHandleMerkleTreeInfoUnknownDisk(t *testing.T) {
	c := NewCoordinator(map[uint32]*Engine{1: newTestEngine(t, 1)}, &fakeReplicationHandler{}, zap.NewNop())
	_, err := c.HandleMerkleTreeInfo(context.Background(), 99, 0)
	require.Error(t, err)
}

func TestCoordinatorHandleMerkleTreeInfoReturnsTree(t *testing.T) {
	eng := newTestEngine(t, 1)
	_, _, partID, offset, err := eng.Registry.Append(5, 0, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, eng.Index.Add(index.Entry{
		ID: 5, Type: 0,
		Partition: index.PartitionRef{Disk: 1, ID: partID},
		Offset:    offset, Length: 4,
	}))

	c := NewCoordinator(map[uint32]*Engine{1: eng}, &fakeReplicationHandler{}, zap.NewNop())
	info, err := c.HandleMerkleTreeInfo(context.Background(), 1, partID)
	require.NoError(t, err)
	require.NotEmpty(t, info.Tree)
}

func TestCoordinatorHandleFetchRangeReturnsMatchingEnvelopes(t *testing.T) {
	eng := newTestEngine(t, 1)
	_, _, partID, offset, err := eng.Registry.Append(3, 0, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, eng.Index.Add(index.Entry{
		ID: 3, Type: 0,
		Partition: index.PartitionRef{Disk: 1, ID: partID},
		Offset:    offset, Length: 5,
	}))

	c := NewCoordinator(map[uint32]*Engine{1: eng}, &fakeReplicationHandler{}, zap.NewNop())
	files, err := c.HandleFetchRange(context.Background(), 1, partID, []cluster.RangeSpan{{Lo: 0, Hi: offset + 100}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, uint64(3), files[0].ID)
	require.Equal(t, []byte("hello"), files[0].Payload)
}

func TestCoordinatorHandleFetchRangeUnknownPartition(t *testing.T) {
	eng := newTestEngine(t, 1)
	c := NewCoordinator(map[uint32]*Engine{1: eng}, &fakeReplicationHandler{}, zap.NewNop())
	_, err := c.HandleFetchRange(context.Background(), 1, 999, nil)
	require.Error(t, err)
}

func TestCoordinatorHandleDifferenceReportsNoDivergence(t *testing.T) {
	eng := newTestEngine(t, 1)
	c := NewCoordinator(map[uint32]*Engine{1: eng}, &fakeReplicationHandler{}, zap.NewNop())
	info, err := c.HandleDifference(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Empty(t, info.Ranges)
}

func TestCoordinatorStartStopSchedulesPerDisk(t *testing.T) {
	eng1 := newTestEngine(t, 1)
	eng2 := newTestEngine(t, 2)
	c := NewCoordinator(map[uint32]*Engine{1: eng1, 2: eng2}, &fakeReplicationHandler{}, zap.NewNop())

	_, err := c.Start(context.Background(), "@every 1h")
	require.NoError(t, err)
	c.Stop()
}
