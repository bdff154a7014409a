// Package compaction implements the master-only CompactionService: it
// scans a disk's closed partitions and, once a partition's deleted
// fraction passes a threshold, relocates every still-live entry into a
// fresh location and drops the emptied file.
//
// Relocation goes through the disk's normal storage.WriteQueue so the
// single-writer discipline DiskWriter enforces is never bypassed: a
// compacted entry is just a StorageFile{Compaction:true} like any
// other write, it simply skips temp-index bookkeeping and replication
// (those already happened when the entry was first written). Only the
// final swap — updating index.Store's partition pointers and removing
// the source file — is specific to this package.
package compaction

import (
	"context"
	"fmt"
	"strconv"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/yoxibaga/blobkeeper/index"
	"github.com/yoxibaga/blobkeeper/metrics"
	"github.com/yoxibaga/blobkeeper/partition"
	"github.com/yoxibaga/blobkeeper/storage"
)

// Service compacts every closed, over-threshold partition on one disk.
type Service struct {
	Disk         uint32
	Registry     *partition.Registry
	Index        index.Store
	Queue        *storage.WriteQueue
	DeletedRatio float64
	Logger       *zap.Logger
}

// RunOnce scans every partition on the disk except the active one and
// compacts the first one found whose deleted fraction exceeds
// DeletedRatio. Only one partition is compacted per call so a single
// slow relocation never blocks the next scheduled tick indefinitely;
// callers that want to drain a backlog call RunOnce repeatedly.
func (s *Service) RunOnce(ctx context.Context) {
	active := s.Registry.Active()
	for _, p := range s.Registry.All() {
		if p == active || !p.Sealed() {
			continue
		}
		ref := index.PartitionRef{Disk: s.Disk, ID: p.ID}
		size := p.Size()
		if size == 0 {
			continue
		}
		deleted := s.Index.SizeOfDeleted(ref)
		ratio := float64(deleted) / float64(size)
		if ratio <= s.DeletedRatio {
			continue
		}

		if err := s.compactPartition(ctx, p, ref); err != nil {
			s.Logger.Warn("compaction cycle failed for partition",
				zap.Uint32("disk", s.Disk), zap.Uint32("partition", p.ID), zap.Error(err))
			continue
		}
		return
	}
}

func (s *Service) compactPartition(ctx context.Context, p *partition.Partition, ref index.PartitionRef) error {
	reclaimed := p.Size()
	diskLabel := strconv.FormatUint(uint64(s.Disk), 10)

	live := s.Index.LiveListByPartition(ref)
	if len(live) == 0 {
		// Nothing left to save; the file is pure deleted weight.
		if err := s.Registry.Remove(p.ID); err != nil {
			return err
		}
		metrics.CompactionBytesReclaimed.WithLabelValues(diskLabel).Add(float64(reclaimed))
		return nil
	}

	acks := make(chan error, len(live))
	for _, entry := range live {
		_, payload, err := p.ReadAt(entry.Offset)
		if err != nil {
			return fmt.Errorf("compaction: read live entry %d: %w", entry.ID, err)
		}
		f := storage.StorageFile{
			Disk: s.Disk, ID: entry.ID, Type: entry.Type,
			Payload: payload, Metadata: entry.Metadata,
			Compaction: true, Done: acks,
		}
		if err := s.Queue.Push(ctx, f); err != nil {
			return fmt.Errorf("compaction: queue relocated entry %d: %w", entry.ID, err)
		}
	}

	for i := 0; i < len(live); i++ {
		select {
		case err := <-acks:
			if err != nil {
				return fmt.Errorf("compaction: relocate entry: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Every live entry has been re-indexed to its new location by the
	// disk writer's appendCompacted/Index.Restore; the source file now
	// holds only dead weight and deleted-but-superseded records.
	if err := s.Registry.Remove(p.ID); err != nil {
		return err
	}
	metrics.CompactionBytesReclaimed.WithLabelValues(diskLabel).Add(float64(reclaimed))
	return nil
}

// Coordinator runs one Service per disk on a shared cron schedule, the
// compaction counterpart of repair.Coordinator.
type Coordinator struct {
	Services map[uint32]*Service
	Logger   *zap.Logger

	cron *cron.Cron
}

// NewCoordinator returns a Coordinator over the given per-disk services.
func NewCoordinator(services map[uint32]*Service, logger *zap.Logger) *Coordinator {
	return &Coordinator{Services: services, Logger: logger}
}

// Start schedules every disk's Service.RunOnce on the given cron spec,
// one entry per disk so a slow compaction on one disk never delays the
// others.
func (c *Coordinator) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c.cron = cron.New()
	for disk, svc := range c.Services {
		svc := svc
		disk := disk
		_, err := c.cron.AddFunc(spec, func() {
			c.Logger.Debug("compaction cycle starting", zap.Uint32("disk", disk))
			svc.RunOnce(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("compaction: schedule disk %d: %w", disk, err)
		}
	}
	c.cron.Start()
	return c.cron, nil
}

// Stop halts the scheduler, waiting for any in-flight cycle to finish.
func (c *Coordinator) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}
