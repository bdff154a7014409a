// Package repair implements per-disk, per-partition
// Merkle tree comparison against the master and pull-based
// anti-entropy for whatever diverges. It runs on every node; on the
// master every partition is skipped without building or comparing a
// tree.
package repair

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/yoxibaga/blobkeeper/cluster"
	"github.com/yoxibaga/blobkeeper/index"
	"github.com/yoxibaga/blobkeeper/merkle"
	"github.com/yoxibaga/blobkeeper/metadata"
	"github.com/yoxibaga/blobkeeper/metrics"
	"github.com/yoxibaga/blobkeeper/partition"
)

// Applier replays a fetched record into local storage, tolerating
// re-delivery. Implemented by *replication.Writer.
type Applier interface {
	Apply(env cluster.ReplicationEnvelope) error
}

// Engine repairs every partition on one disk.
type Engine struct {
	Disk       uint32
	Registry   *partition.Registry
	Index      index.Store
	Metadata   metadata.PartitionDAO
	Membership cluster.Membership
	Transport  cluster.Transport
	Applier    Applier
	MaxLevel   int
	Logger     *zap.Logger
}

// RunOnce repairs every partition currently open on the engine's disk.
// A failure on one partition is logged and does not abort the rest.
func (e *Engine) RunOnce(ctx context.Context) {
	diskLabel := strconv.FormatUint(uint64(e.Disk), 10)
	active := e.Registry.Active()
	for _, p := range e.Registry.All() {
		outcome := "ok"
		if err := e.repairPartition(ctx, p, p == active && !p.Sealed()); err != nil {
			outcome = "error"
			e.Logger.Warn("repair cycle failed for partition",
				zap.Uint32("disk", e.Disk), zap.Uint32("partition", p.ID), zap.Error(err))
		}
		metrics.RepairCycles.WithLabelValues(diskLabel, outcome).Inc()
	}
}

func (e *Engine) localTree(p *partition.Partition) (*merkle.Tree, error) {
	ref := index.PartitionRef{Disk: e.Disk, ID: p.ID}
	live := e.Index.LiveListByPartition(ref)

	entries := merkle.NewEntries()
	for _, ent := range live {
		entries.Add(ent.Offset, merkle.Block{ID: ent.ID, Type: ent.Type, CRC: ent.CRC, Length: ent.Length})
	}
	return merkle.Build(0, p.Size(), e.MaxLevel, entries)
}

func (e *Engine) repairPartition(ctx context.Context, p *partition.Partition, isActive bool) error {
	master := e.Membership.Master()
	if master.ID == e.Membership.Self().ID {
		return nil // we are the master; nothing to reconcile against
	}

	local, err := e.localTree(p)
	if err != nil {
		return fmt.Errorf("repair: build local tree: %w", err)
	}

	masterTree, err := e.fetchMasterTree(ctx, master, p.ID)
	if err != nil {
		return err
	}
	if masterTree == nil {
		return nil // unavailable peer: skip this cycle
	}

	if local.Root() == masterTree.Root() {
		return e.persistTree(p, local)
	}

	if isActive {
		// The active partition keeps receiving writes; repairing it
		// now would race the writer. Defer until it rotates out.
		e.Logger.Info("active partition diverges from master, deferring to next rotation",
			zap.Uint32("disk", e.Disk), zap.Uint32("partition", p.ID))
		return nil
	}

	return e.repairClosedPartition(ctx, p, local, masterTree, master)
}

// fetchMasterTree fetches and unmarshals the master's tree for a
// partition. A nil, nil return means the master was unreachable this
// cycle.
func (e *Engine) fetchMasterTree(ctx context.Context, master cluster.Peer, partID uint32) (*merkle.Tree, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, cluster.DefaultRPCTimeout)
	info, err := e.Transport.GetMerkleTreeInfo(rpcCtx, master, e.Disk, partID)
	cancel()
	if err != nil {
		e.Logger.Info("master unavailable this cycle", zap.Uint32("partition", partID), zap.Error(err))
		return nil, nil
	}
	tree, err := merkle.UnmarshalCompressed(info.Tree)
	if err != nil {
		return nil, fmt.Errorf("repair: unmarshal master tree: %w", err)
	}
	return tree, nil
}

func (e *Engine) repairClosedPartition(ctx context.Context, p *partition.Partition, local, masterTree *merkle.Tree, master cluster.Peer) error {
	// The engine already holds both trees (it just fetched the
	// master's via GetMerkleTreeInfo above), so the diff is computed
	// locally rather than via the getDifference RPC: that RPC exists
	// for a peer that wants to avoid shipping its own tree and instead
	// asks the master to diff against what the master last recorded
	// for it, which Coordinator.HandleDifference does not track. Local
	// computation needs no extra round trip and is always correct.
	diffRanges, err := merkle.Difference(local, masterTree)
	if err != nil {
		e.Logger.Warn("incompatible tree shapes, skipping partition",
			zap.Uint32("partition", p.ID), zap.Error(err))
		return nil
	}
	if len(diffRanges) == 0 {
		return e.persistTree(p, local)
	}

	ranges := make([]cluster.RangeSpan, len(diffRanges))
	for i, r := range diffRanges {
		ranges[i] = cluster.RangeSpan{Lo: r.Lo, Hi: r.Hi}
	}

	rpcCtx2, cancel2 := context.WithTimeout(ctx, cluster.DefaultRPCTimeout)
	files, err := e.Transport.FetchRange(rpcCtx2, master, e.Disk, p.ID, ranges)
	cancel2()
	if err != nil {
		e.Logger.Info("master unavailable fetching range payloads", zap.Uint32("partition", p.ID), zap.Error(err))
		return nil
	}

	for _, f := range files {
		if err := e.Applier.Apply(f); err != nil {
			e.Logger.Warn("failed to apply repaired record",
				zap.Uint32("partition", p.ID), zap.Uint64("id", f.ID), zap.Error(err))
		}
	}

	refreshed, err := e.localTree(p)
	if err != nil {
		return err
	}
	return e.persistTree(p, refreshed)
}

func (e *Engine) persistTree(p *partition.Partition, tree *merkle.Tree) error {
	data, err := tree.Marshal()
	if err != nil {
		return err
	}
	err = e.Metadata.UpdateTree(e.Disk, p.ID, data)
	if err == metadata.ErrNotFound {
		// First repair cycle for a partition the DiskWriter hasn't
		// registered yet: register it now with the tree already attached.
		return e.Metadata.AddPartition(metadata.PartitionRow{
			Disk: e.Disk, ID: p.ID, Size: p.Size(), Tree: data,
		})
	}
	return err
}
