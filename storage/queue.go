package storage

import (
	"context"
	"time"
)

// WriteQueue is the bounded, blocking queue one disk's DiskWriter
// consumes from. It is the flow-control boundary between the ingest
// layer and the disk writer.
type WriteQueue struct {
	ch chan StorageFile
}

// NewWriteQueue returns a queue with the given capacity.
func NewWriteQueue(capacity int) *WriteQueue {
	return &WriteQueue{ch: make(chan StorageFile, capacity)}
}

// Push enqueues f, blocking if the queue is full until ctx is done.
func (q *WriteQueue) Push(ctx context.Context, f StorageFile) error {
	select {
	case q.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take blocks until a file is available or ctx is done.
func (q *WriteQueue) Take(ctx context.Context) (StorageFile, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return StorageFile{}, ctx.Err()
	}
}

// Len reports the number of items currently queued.
func (q *WriteQueue) Len() int { return len(q.ch) }

// Drain blocks until the queue is empty or ctx is done, polling at the
// given interval. Shutdown drains this queue at 500ms intervals.
func (q *WriteQueue) Drain(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if q.Len() == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
