package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yoxibaga/blobkeeper/index"
	"github.com/yoxibaga/blobkeeper/metadata"
	"github.com/yoxibaga/blobkeeper/metrics"
	"github.com/yoxibaga/blobkeeper/partition"
)

// stagingSubdir is where a write's payload is staged before it is
// appended to a partition, so a crash between the temp-index write and
// the append has something durable to recover from.
const stagingSubdir = ".staging"

// Replicator fans a freshly written blob out to peers. Implemented by
// replication.Client; declared here (rather than imported) so storage
// never depends on replication — replication depends on storage's
// types instead, avoiding an import cycle.
type Replicator interface {
	Replicate(ctx context.Context, disk, part uint32, offset uint64, f StorageFile) error
}

// DiskWriter is the single writer for one disk:
// strictly serial, absorbing on error, responsible for rotation via
// the embedded Registry.
type DiskWriter struct {
	Disk       uint32
	Registry   *partition.Registry
	Index      index.Store
	TempIndex  metadata.TempIndexDAO
	Replicator Replicator
	IsMaster   func() bool
	StartDelay time.Duration
	Tokens     *TokenIssuer // nil disables capability-token enforcement
	Logger     *zap.Logger

	queue      *WriteQueue
	stagingDir string
}

// NewDiskWriter returns a writer consuming from a freshly created
// queue of the given capacity.
func NewDiskWriter(disk uint32, reg *partition.Registry, idx index.Store, temp metadata.TempIndexDAO, repl Replicator, isMaster func() bool, logger *zap.Logger, queueCapacity int) *DiskWriter {
	return &DiskWriter{
		Disk:       disk,
		Registry:   reg,
		Index:      idx,
		TempIndex:  temp,
		Replicator: repl,
		IsMaster:   isMaster,
		Logger:     logger,
		queue:      NewWriteQueue(queueCapacity),
		stagingDir: filepath.Join(reg.Dir(), stagingSubdir),
	}
}

// Queue returns the writer's input queue.
func (w *DiskWriter) Queue() *WriteQueue { return w.queue }

// Run consumes StorageFiles until ctx is cancelled. Every failure
// inside the loop is logged and the loop continues. If StartDelay is
// set, the first Take is delayed by that long so a node with many
// disks doesn't start every writer loop in the same instant.
func (w *DiskWriter) Run(ctx context.Context) {
	if w.StartDelay > 0 {
		select {
		case <-time.After(w.StartDelay):
		case <-ctx.Done():
			return
		}
	}

	diskLabel := strconv.FormatUint(uint64(w.Disk), 10)
	for {
		f, err := w.queue.Take(ctx)
		if err != nil {
			return // ctx cancelled: caller is shutting down
		}
		metrics.WriteQueueDepth.WithLabelValues(diskLabel).Set(float64(w.queue.Len()))
		err = w.handle(ctx, f)
		if err != nil {
			w.Logger.Error("disk writer dropped file",
				zap.Uint32("disk", w.Disk), zap.Uint64("id", f.ID), zap.Error(err))
		}
		if f.Done != nil {
			f.Done <- err
		}
	}
}

func (w *DiskWriter) handle(ctx context.Context, f StorageFile) error {
	if !f.Compaction && !w.IsMaster() {
		w.Logger.Error("slave received a client write; discarding",
			zap.Uint32("disk", w.Disk), zap.Uint64("id", f.ID))
		return errors.New("storage: slave node cannot accept client writes")
	}
	if !f.Compaction && w.Tokens != nil {
		if err := w.authorize(f); err != nil {
			w.Logger.Warn("rejected write with invalid capability token",
				zap.Uint32("disk", w.Disk), zap.Uint64("id", f.ID), zap.Error(err))
			return err
		}
	}

	if f.Compaction {
		return w.appendCompacted(f)
	}
	return w.appendNew(ctx, f)
}

// authorize requires at least one of f.AuthTokens to verify against
// w.Tokens. A write carrying no tokens is rejected outright once a
// TokenIssuer is configured.
func (w *DiskWriter) authorize(f StorageFile) error {
	for _, tok := range f.AuthTokens {
		if _, err := w.Tokens.Verify(tok); err == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

// appendNew stages the payload to disk before recording the
// temp-index row, so a crash at any point between here and the final
// TempIndex.Delete leaves a row Replay can resolve on restart.
func (w *DiskWriter) appendNew(ctx context.Context, f StorageFile) error {
	token := uuid.NewString()
	path, err := w.stagePayload(token, f.Payload)
	if err != nil {
		return fmt.Errorf("storage: stage payload: %w", err)
	}

	if _, err := w.TempIndex.Put(metadata.TempIndexRow{
		Token: token, Disk: f.Disk, ID: f.ID, Type: f.Type, Path: path, Metadata: f.Metadata,
	}); err != nil {
		os.Remove(path)
		return err
	}

	return w.finishAppend(ctx, token, path, f)
}

// finishAppend performs the append/index/cleanup/replicate steps
// shared by a fresh write and a replayed one.
func (w *DiskWriter) finishAppend(ctx context.Context, token, path string, f StorageFile) error {
	block, disk, partID, offset, err := w.Registry.Append(f.ID, f.Type, f.Payload)
	if err != nil {
		return err
	}

	entry := index.Entry{
		ID:        f.ID,
		Type:      f.Type,
		CRC:       block.CRC,
		Partition: index.PartitionRef{Disk: disk, ID: partID},
		Offset:    offset,
		Length:    uint64(len(f.Payload)),
		Metadata:  f.Metadata,
	}
	if err := w.Index.Add(entry); err != nil {
		return err
	}

	if err := w.TempIndex.Delete(token); err != nil {
		w.Logger.Warn("failed to clear temp-index row after successful write",
			zap.String("token", token), zap.Error(err))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.Logger.Warn("failed to remove staged payload file",
			zap.String("path", path), zap.Error(err))
	}

	if w.IsMaster() && w.Replicator != nil {
		if err := w.Replicator.Replicate(ctx, disk, partID, offset, f); err != nil {
			w.Logger.Warn("replication fan-out failed",
				zap.Uint32("disk", disk), zap.Uint64("id", f.ID), zap.Error(err))
		}
	}
	return nil
}

// appendCompacted copies an already-indexed blob into the disk's
// active partition without re-running temp-index bookkeeping or
// replication.
func (w *DiskWriter) appendCompacted(f StorageFile) error {
	block, disk, partID, offset, err := w.Registry.Append(f.ID, f.Type, f.Payload)
	if err != nil {
		return err
	}
	return w.Index.Restore(index.Entry{
		ID:        f.ID,
		Type:      f.Type,
		CRC:       block.CRC,
		Partition: index.PartitionRef{Disk: disk, ID: partID},
		Offset:    offset,
		Length:    uint64(len(f.Payload)),
		Metadata:  f.Metadata,
	})
}

// stagePayload writes payload to a token-named file under the disk's
// staging directory, creating the directory on first use.
func (w *DiskWriter) stagePayload(token string, payload []byte) (string, error) {
	if err := os.MkdirAll(w.stagingDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(w.stagingDir, token+".blob")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Replay re-attempts every temp-index row left over from a crash
// between staging a payload and clearing its row — the write reached
// TempIndex.Put but never reached Registry.Append, TempIndex.Delete,
// or both. Called once per disk before Run starts consuming new
// writes. A row whose staged file is gone (the crash happened before
// the payload ever hit disk) is dropped rather than retried.
func (w *DiskWriter) Replay(ctx context.Context) error {
	rows, err := w.TempIndex.List(0)
	if err != nil {
		return fmt.Errorf("storage: list temp-index rows: %w", err)
	}

	for _, row := range rows {
		if row.Disk != w.Disk {
			continue
		}
		payload, err := os.ReadFile(row.Path)
		if err != nil {
			w.Logger.Warn("temp-index row has no recoverable payload on disk, dropping",
				zap.String("token", row.Token), zap.Uint64("id", row.ID), zap.Error(err))
			if delErr := w.TempIndex.Delete(row.Token); delErr != nil {
				w.Logger.Warn("failed to clear unrecoverable temp-index row",
					zap.String("token", row.Token), zap.Error(delErr))
			}
			continue
		}

		f := StorageFile{Disk: row.Disk, ID: row.ID, Type: row.Type, Payload: payload, Metadata: row.Metadata}
		if err := w.finishAppend(ctx, row.Token, row.Path, f); err != nil {
			w.Logger.Error("replay failed to re-attempt temp-index row",
				zap.String("token", row.Token), zap.Uint64("id", row.ID), zap.Error(err))
			continue
		}
		w.Logger.Info("replayed write interrupted by crash",
			zap.Uint32("disk", w.Disk), zap.Uint64("id", row.ID))
	}
	return nil
}
