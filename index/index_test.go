package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func part() PartitionRef { return PartitionRef{Disk: 0, ID: 0} }

func TestAddThenGetByID(t *testing.T) {
	s := NewMemStore()
	e := Entry{ID: 1, Type: 0, Partition: part(), Offset: 0, Length: 4, CRC: 1}
	require.NoError(t, s.Add(e))

	got, ok := s.GetByID(1, 0)
	require.True(t, ok)
	require.Equal(t, e, got)
}

func TestAddDuplicateRejected(t *testing.T) {
	s := NewMemStore()
	e := Entry{ID: 1, Type: 0, Partition: part(), Offset: 0, Length: 4}
	require.NoError(t, s.Add(e))
	require.ErrorIs(t, s.Add(e), ErrDuplicateEntry)
}

func TestListByPartitionSortedByIDThenType(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Add(Entry{ID: 2, Type: 0, Partition: part(), Offset: 0, Length: 1}))
	require.NoError(t, s.Add(Entry{ID: 1, Type: 1, Partition: part(), Offset: 1, Length: 1}))
	require.NoError(t, s.Add(Entry{ID: 1, Type: 0, Partition: part(), Offset: 2, Length: 1}))

	entries := s.ListByPartition(part())
	require.Len(t, entries, 3)
	require.Equal(t, uint64(1), entries[0].ID)
	require.Equal(t, int32(0), entries[0].Type)
	require.Equal(t, uint64(1), entries[1].ID)
	require.Equal(t, int32(1), entries[1].Type)
	require.Equal(t, uint64(2), entries[2].ID)
}

func TestLiveListByPartitionExcludesDeleted(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Add(Entry{ID: 1, Type: 0, Partition: part(), Offset: 0, Length: 1}))
	require.NoError(t, s.Add(Entry{ID: 2, Type: 0, Partition: part(), Offset: 1, Length: 1}))
	require.NoError(t, s.Delete(1, 0))

	live := s.LiveListByPartition(part())
	require.Len(t, live, 1)
	require.Equal(t, uint64(2), live[0].ID)
}

func TestDeleteIdempotent(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Add(Entry{ID: 1, Type: 0, Partition: part(), Offset: 0, Length: 1}))
	require.NoError(t, s.Delete(1, 0))
	require.NoError(t, s.Delete(1, 0))
}

func TestMinMaxRange(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Add(Entry{ID: 5, Type: 0, Partition: part(), Offset: 0, Length: 1}))
	require.NoError(t, s.Add(Entry{ID: 1, Type: 0, Partition: part(), Offset: 1, Length: 1}))
	require.NoError(t, s.Add(Entry{ID: 3, Type: 0, Partition: part(), Offset: 2, Length: 1}))

	min, max, ok := s.MinMaxRange(part())
	require.True(t, ok)
	require.Equal(t, uint64(1), min)
	require.Equal(t, uint64(5), max)
}

func TestSizeOfDeleted(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Add(Entry{ID: 1, Type: 0, Partition: part(), Offset: 0, Length: 100}))
	require.NoError(t, s.Add(Entry{ID: 2, Type: 0, Partition: part(), Offset: 1, Length: 50}))
	require.NoError(t, s.Delete(1, 0))

	require.Equal(t, uint64(100), s.SizeOfDeleted(part()))
}

func TestRestoreAfterCompaction(t *testing.T) {
	s := NewMemStore()
	e := Entry{ID: 1, Type: 0, Partition: part(), Offset: 0, Length: 1, Deleted: true}
	require.NoError(t, s.Add(e))

	newPart := PartitionRef{Disk: 0, ID: 1}
	moved := e
	moved.Partition = newPart
	moved.Offset = 10
	moved.Deleted = false
	require.NoError(t, s.Restore(moved))

	got, ok := s.GetByID(1, 0)
	require.True(t, ok)
	require.False(t, got.Deleted)
	require.Equal(t, newPart, got.Partition)
}
