package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndGetPartitions(t *testing.T) {
	s := NewStore("")
	require.NoError(t, s.AddPartition(PartitionRow{Disk: 1, ID: 0, Size: 10}))
	require.NoError(t, s.AddPartition(PartitionRow{Disk: 1, ID: 1, Size: 20}))

	rows, err := s.GetPartitions(1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestAddPartitionDuplicateRejected(t *testing.T) {
	s := NewStore("")
	require.NoError(t, s.AddPartition(PartitionRow{Disk: 1, ID: 0}))
	require.Error(t, s.AddPartition(PartitionRow{Disk: 1, ID: 0}))
}

func TestUpdateTreeNotFound(t *testing.T) {
	s := NewStore("")
	require.ErrorIs(t, s.UpdateTree(1, 99, []byte("x")), ErrNotFound)
}

func TestUpdateTreePersists(t *testing.T) {
	s := NewStore("")
	require.NoError(t, s.AddPartition(PartitionRow{Disk: 1, ID: 0}))
	require.NoError(t, s.UpdateTree(1, 0, []byte("tree-bytes")))

	rows, _ := s.GetPartitions(1)
	require.Equal(t, []byte("tree-bytes"), rows[0].Tree)
}

func TestTempIndexPutDeleteList(t *testing.T) {
	s := NewStore("")
	token, err := s.Put(TempIndexRow{Disk: 1, ID: 7, Type: 0, Path: "/tmp/x"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	rows, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, s.Delete(token))
	rows, err = s.List(0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	s := NewStore(path)
	require.NoError(t, s.AddPartition(PartitionRow{Disk: 2, ID: 0, Size: 5}))
	_, err := s.Put(TempIndexRow{Disk: 2, ID: 1, Type: 0, Path: "/tmp/y"})
	require.NoError(t, err)

	restored := NewStore(path)
	require.NoError(t, restored.Load())

	rows, err := restored.GetPartitions(2)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	temps, err := restored.List(0)
	require.NoError(t, err)
	require.Len(t, temps, 1)
}

func TestLoadMissingSnapshotIsNotError(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, s.Load())
}
