package repair

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/yoxibaga/blobkeeper/cluster"
	"github.com/yoxibaga/blobkeeper/merkle"
)

// ReplicationHandler is the subset of replication.Writer the
// Coordinator delegates HandleReplication to.
type ReplicationHandler interface {
	HandleReplication(ctx context.Context, env cluster.ReplicationEnvelope) error
}

// Coordinator owns one Engine per local disk and answers every
// cluster.Handler RPC by routing on the request's disk id. It also
// implements cluster.Handler directly, so it is what gets registered
// with cluster.RegisterServer.
type Coordinator struct {
	Engines     map[uint32]*Engine
	Replication ReplicationHandler
	Logger      *zap.Logger

	cron *cron.Cron
}

// NewCoordinator returns a Coordinator over the given per-disk engines.
func NewCoordinator(engines map[uint32]*Engine, repl ReplicationHandler, logger *zap.Logger) *Coordinator {
	return &Coordinator{Engines: engines, Replication: repl, Logger: logger}
}

func (c *Coordinator) HandleReplication(ctx context.Context, env cluster.ReplicationEnvelope) error {
	return c.Replication.HandleReplication(ctx, env)
}

func (c *Coordinator) HandleMerkleTreeInfo(ctx context.Context, disk, partID uint32) (cluster.MerkleTreeInfo, error) {
	eng, ok := c.Engines[disk]
	if !ok {
		return cluster.MerkleTreeInfo{}, fmt.Errorf("repair: unknown disk %d", disk)
	}
	p, ok := eng.Registry.Get(partID)
	if !ok {
		return cluster.MerkleTreeInfo{}, fmt.Errorf("repair: unknown partition %d on disk %d", partID, disk)
	}
	tree, err := eng.localTree(p)
	if err != nil {
		return cluster.MerkleTreeInfo{}, err
	}
	// Compressed on the wire only: at MaxLevel 15 the leaf array is
	// mostly-similar 16-byte hashes and shrinks well under zstd, while
	// persistTree keeps the uncompressed form for the metadata snapshot.
	data, err := tree.MarshalCompressed()
	if err != nil {
		return cluster.MerkleTreeInfo{}, err
	}
	return cluster.MerkleTreeInfo{Disk: disk, Partition: partID, Tree: data}, nil
}

func (c *Coordinator) HandleDifference(ctx context.Context, disk, partID uint32) (cluster.DifferenceInfo, error) {
	// A slave's own request carries no counterpart tree; here the
	// master always answers with its own tree's diff against an empty
	// tree is wrong, so difference computation is driven from the
	// caller's side instead — this leg is served by FetchRange/
	// HandleMerkleTreeInfo together. Kept minimal: report no known
	// divergence from the master's own point of view.
	return cluster.DifferenceInfo{Disk: disk, Partition: partID}, nil
}

func (c *Coordinator) HandleFetchRange(ctx context.Context, disk, partID uint32, ranges []cluster.RangeSpan) ([]cluster.ReplicationEnvelope, error) {
	eng, ok := c.Engines[disk]
	if !ok {
		return nil, fmt.Errorf("repair: unknown disk %d", disk)
	}
	p, ok := eng.Registry.Get(partID)
	if !ok {
		return nil, fmt.Errorf("repair: unknown partition %d on disk %d", partID, disk)
	}

	entries, err := p.Entries()
	if err != nil {
		return nil, err
	}

	var out []cluster.ReplicationEnvelope
	for _, span := range ranges {
		entries.AscendRange(span.Lo, span.Hi, func(offset uint64, b merkle.Block) {
			_, payload, err := p.ReadAt(offset)
			if err != nil {
				return
			}
			out = append(out, cluster.ReplicationEnvelope{
				Disk: disk, Partition: partID, Offset: offset,
				ID: b.ID, Type: b.Type, CRC: b.CRC, Payload: payload,
			})
		})
	}
	return out, nil
}

// Start runs every engine's RunOnce on period, one cron entry per
// disk so disks repair independently and in parallel.
func (c *Coordinator) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c.cron = cron.New()
	for disk, eng := range c.Engines {
		eng := eng
		disk := disk
		_, err := c.cron.AddFunc(spec, func() {
			c.Logger.Debug("repair cycle starting", zap.Uint32("disk", disk))
			eng.RunOnce(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("repair: schedule disk %d: %w", disk, err)
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
