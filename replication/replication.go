// Package replication implements the master's fan-out client and the
// slave's single-consumer writer. Delivery is
// best-effort and unordered per peer; ReplicationWriter tolerates
// index.ErrDuplicateEntry so a re-delivered record is a no-op instead
// of a fatal error.
package replication

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/yoxibaga/blobkeeper/cluster"
	"github.com/yoxibaga/blobkeeper/index"
	"github.com/yoxibaga/blobkeeper/metrics"
	"github.com/yoxibaga/blobkeeper/partition"
	"github.com/yoxibaga/blobkeeper/storage"
)

// Client fans a just-written blob out to every peer except self
// (storage.Replicator). Failures are logged per peer and the first one
// is returned; the disk writer only logs it, so a failed delivery
// never fails the write — replication is best-effort.
type Client struct {
	Membership cluster.Membership
	Transport  cluster.Transport
	Logger     *zap.Logger
}

// NewClient returns a replication Client.
func NewClient(m cluster.Membership, t cluster.Transport, logger *zap.Logger) *Client {
	return &Client{Membership: m, Transport: t, Logger: logger}
}

// Replicate implements storage.Replicator.
func (c *Client) Replicate(ctx context.Context, disk, part uint32, offset uint64, f storage.StorageFile) error {
	env := cluster.ReplicationEnvelope{
		Disk: disk, Partition: part, Offset: offset,
		ID: f.ID, Type: f.Type, Payload: f.Payload, Metadata: f.Metadata,
	}
	var firstErr error
	for _, peer := range c.Membership.Peers() {
		rpcCtx, cancel := context.WithTimeout(ctx, cluster.DefaultRPCTimeout)
		err := c.Transport.SendReplication(rpcCtx, peer, env)
		cancel()
		if err != nil {
			c.Logger.Warn("replication delivery failed",
				zap.String("peer", peer.ID), zap.Uint64("id", f.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Queue is the bounded inbox a slave's Writer consumes from.
type Queue struct {
	ch chan cluster.ReplicationEnvelope
}

// NewQueue returns a Queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan cluster.ReplicationEnvelope, capacity)}
}

// Push enqueues an incoming replication envelope, blocking if full.
func (q *Queue) Push(ctx context.Context, env cluster.ReplicationEnvelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) take(ctx context.Context) (cluster.ReplicationEnvelope, error) {
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		return cluster.ReplicationEnvelope{}, ctx.Err()
	}
}

// Len reports how many envelopes are queued.
func (q *Queue) Len() int { return len(q.ch) }

// Drain blocks until the queue is empty or ctx is done, polling at the
// given interval. Shutdown drains this queue after the per-disk write
// queues.
func (q *Queue) Drain(ctx context.Context, pollInterval time.Duration) {
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

// Writer is the single consumer that applies queued envelopes to the
// local partitions and index.
type Writer struct {
	Registries map[uint32]*partition.Registry // by disk
	Index      index.Store
	Logger     *zap.Logger
	queue      *Queue
}

// NewWriter returns a Writer consuming from a freshly created queue.
func NewWriter(registries map[uint32]*partition.Registry, idx index.Store, logger *zap.Logger, capacity int) *Writer {
	return &Writer{Registries: registries, Index: idx, Logger: logger, queue: NewQueue(capacity)}
}

// Queue returns the writer's inbox, for HandleReplication to push into.
func (w *Writer) Queue() *Queue { return w.queue }

// Run consumes envelopes until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	for {
		env, err := w.queue.take(ctx)
		if err != nil {
			return
		}
		metrics.ReplicationQueueDepth.Set(float64(w.queue.Len()))
		if err := w.apply(env); err != nil {
			w.Logger.Error("replication writer dropped envelope",
				zap.Uint32("disk", env.Disk), zap.Uint64("id", env.ID), zap.Error(err))
		}
	}
}

// apply appends env to the disk's own active partition rather than
// trying to mirror the master's partition id — each node's
// PartitionRegistry rotates independently, so the master's (disk,
// partition, offset) selector only round-trips back to it via the
// index; the repair engine is what reconciles any divergence this
// introduces.
func (w *Writer) apply(env cluster.ReplicationEnvelope) error {
	reg, ok := w.Registries[env.Disk]
	if !ok {
		return errors.New("replication: unknown disk")
	}

	block, disk, partID, offset, err := reg.Append(env.ID, env.Type, env.Payload)
	if err != nil {
		return err
	}

	err = w.Index.Add(index.Entry{
		ID:        env.ID,
		Type:      env.Type,
		CRC:       block.CRC,
		Partition: index.PartitionRef{Disk: disk, ID: partID},
		Offset:    offset,
		Length:    uint64(len(env.Payload)),
		Metadata:  env.Metadata,
	})
	if errors.Is(err, index.ErrDuplicateEntry) {
		return nil // idempotent re-apply
	}
	return err
}

// Apply is the exported form of apply, used by the repair engine to
// replay fetched records through the same idempotent path normal
// replication uses.
func (w *Writer) Apply(env cluster.ReplicationEnvelope) error {
	return w.apply(env)
}

// HandleReplication implements cluster.Handler's replication leg by
// pushing onto the Writer's queue rather than applying inline, so the
// gRPC handler never blocks on disk I/O.
func (w *Writer) HandleReplication(ctx context.Context, env cluster.ReplicationEnvelope) error {
	return w.queue.Push(ctx, env)
}
