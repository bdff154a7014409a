package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteQueuePushTake(t *testing.T) {
	q := NewWriteQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, StorageFile{ID: 1}))

	f, err := q.Take(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), f.ID)
}

func TestWriteQueuePushBlocksWhenFull(t *testing.T) {
	q := NewWriteQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, StorageFile{ID: 1}))

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Push(ctx2, StorageFile{ID: 2})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteQueueDrain(t *testing.T) {
	q := NewWriteQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, StorageFile{ID: 1}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Take(context.Background())
	}()

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	q.Drain(drainCtx, 5*time.Millisecond)
	require.Equal(t, 0, q.Len())
}
