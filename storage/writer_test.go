package storage

import (
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yoxibaga/blobkeeper/index"
	"github.com/yoxibaga/blobkeeper/metadata"
	"github.com/yoxibaga/blobkeeper/partition"
)

type fakeReplicator struct {
	calls int
}

func (f *fakeReplicator) Replicate(ctx context.Context, disk, part uint32, offset uint64, sf StorageFile) error {
	f.calls++
	return nil
}

func newTestWriter(t *testing.T, isMaster bool, repl Replicator) (*DiskWriter, index.Store) {
	t.Helper()
	reg, _, err := partition.OpenRegistry(1, t.TempDir(), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	idx := index.NewMemStore()
	temp := metadata.NewStore("")

	w := NewDiskWriter(1, reg, idx, temp, repl, func() bool { return isMaster }, zap.NewNop(), 4)
	return w, idx
}

func TestDiskWriterAppendsAndIndexesOnMaster(t *testing.T) {
	repl := &fakeReplicator{}
	w, idx := newTestWriter(t, true, repl)

	err := w.handle(context.Background(), StorageFile{Disk: 1, ID: 1, Type: 0, Payload: []byte("hello")})
	require.NoError(t, err)

	entry, ok := idx.GetByID(1, 0)
	require.True(t, ok)
	require.Equal(t, uint64(5), entry.Length)
	require.Equal(t, uint64(crc32.ChecksumIEEE([]byte("hello"))), entry.CRC)
	require.Equal(t, 1, repl.calls)
}

func TestDiskWriterCleansUpStagedPayloadAfterSuccess(t *testing.T) {
	w, _ := newTestWriter(t, true, &fakeReplicator{})

	err := w.handle(context.Background(), StorageFile{Disk: 1, ID: 2, Type: 0, Payload: []byte("staged")})
	require.NoError(t, err)

	entries, err := os.ReadDir(w.stagingDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	rows, err := w.TempIndex.List(0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDiskWriterReplaysRowInterruptedBeforeAppend(t *testing.T) {
	w, idx := newTestWriter(t, true, &fakeReplicator{})

	require.NoError(t, os.MkdirAll(w.stagingDir, 0o755))
	path := filepath.Join(w.stagingDir, "crashed-token.blob")
	require.NoError(t, os.WriteFile(path, []byte("recovered"), 0o644))
	_, err := w.TempIndex.Put(metadata.TempIndexRow{
		Token: "crashed-token", Disk: 1, ID: 77, Type: 0, Path: path,
	})
	require.NoError(t, err)

	require.NoError(t, w.Replay(context.Background()))

	entry, ok := idx.GetByID(77, 0)
	require.True(t, ok)
	require.Equal(t, uint64(len("recovered")), entry.Length)

	rows, err := w.TempIndex.List(0)
	require.NoError(t, err)
	require.Empty(t, rows)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestDiskWriterReplayDropsRowWithMissingPayload(t *testing.T) {
	w, idx := newTestWriter(t, true, &fakeReplicator{})

	_, err := w.TempIndex.Put(metadata.TempIndexRow{
		Token: "gone-token", Disk: 1, ID: 88, Type: 0, Path: filepath.Join(w.stagingDir, "gone-token.blob"),
	})
	require.NoError(t, err)

	require.NoError(t, w.Replay(context.Background()))

	_, ok := idx.GetByID(88, 0)
	require.False(t, ok)
	rows, err := w.TempIndex.List(0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDiskWriterRejectsWriteWithoutValidToken(t *testing.T) {
	w, idx := newTestWriter(t, true, &fakeReplicator{})
	w.Tokens = NewTokenIssuer([]byte("secret"), time.Minute)

	err := w.handle(context.Background(), StorageFile{Disk: 1, ID: 5, Type: 0, Payload: []byte("hello")})
	require.ErrorIs(t, err, ErrUnauthorized)
	_, ok := idx.GetByID(5, 0)
	require.False(t, ok)
}

func TestDiskWriterAcceptsWriteWithValidToken(t *testing.T) {
	w, idx := newTestWriter(t, true, &fakeReplicator{})
	w.Tokens = NewTokenIssuer([]byte("secret"), time.Minute)
	tok, err := w.Tokens.Issue("tenant-a")
	require.NoError(t, err)

	err = w.handle(context.Background(), StorageFile{
		Disk: 1, ID: 6, Type: 0, Payload: []byte("hello"), AuthTokens: []string{"bad", tok},
	})
	require.NoError(t, err)
	_, ok := idx.GetByID(6, 0)
	require.True(t, ok)
}

func TestDiskWriterSlaveRejectsClientWrite(t *testing.T) {
	w, idx := newTestWriter(t, false, nil)

	err := w.handle(context.Background(), StorageFile{Disk: 1, ID: 1, Type: 0, Payload: []byte("hello")})
	require.Error(t, err)

	_, ok := idx.GetByID(1, 0)
	require.False(t, ok)
}

func TestDiskWriterCompactionSkipsReplication(t *testing.T) {
	repl := &fakeReplicator{}
	w, idx := newTestWriter(t, true, repl)

	err := w.handle(context.Background(), StorageFile{
		Disk: 1, ID: 9, Type: 0, Payload: []byte("moved"), Compaction: true,
	})
	require.NoError(t, err)
	require.Equal(t, 0, repl.calls)

	entry, ok := idx.GetByID(9, 0)
	require.True(t, ok)
	require.False(t, entry.Deleted)
}

func TestDiskWriterRunProcessesQueuedFiles(t *testing.T) {
	w, idx := newTestWriter(t, true, &fakeReplicator{})
	ctx, cancel := context.WithCancel(context.Background())

	go w.Run(ctx)
	require.NoError(t, w.Queue().Push(ctx, StorageFile{Disk: 1, ID: 3, Type: 0, Payload: []byte("abc")}))

	require.Eventually(t, func() bool {
		_, ok := idx.GetByID(3, 0)
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
}
