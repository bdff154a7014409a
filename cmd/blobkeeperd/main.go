// Command blobkeeperd is the process entry point: it loads
// config.Config, opens every configured disk's partition.Registry,
// wires storage/replication/repair/compaction around a shared
// index.Store and metadata.Store, serves the cluster gRPC transport,
// and on SIGINT/SIGTERM runs the daemon's drain-and-close sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/yoxibaga/blobkeeper/cluster"
	"github.com/yoxibaga/blobkeeper/compaction"
	"github.com/yoxibaga/blobkeeper/config"
	"github.com/yoxibaga/blobkeeper/index"
	"github.com/yoxibaga/blobkeeper/metadata"
	"github.com/yoxibaga/blobkeeper/metrics"
	"github.com/yoxibaga/blobkeeper/partition"
	"github.com/yoxibaga/blobkeeper/repair"
	"github.com/yoxibaga/blobkeeper/replication"
	"github.com/yoxibaga/blobkeeper/storage"
)

// gracePeriod bounds how long stop() waits after draining queues
// before it cancels in-flight work outright.
const gracePeriod = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "blobkeeperd:", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return fmt.Errorf("wire daemon: %w", err)
	}

	metrics.Register(nil)
	go serveMetrics(metricsAddr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	d.Stop()
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		l, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = l
	}
	return cfg.Build()
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// daemon holds every long-lived collaborator wired at startup, and
// knows how to start and gracefully stop them.
type daemon struct {
	cfg    config.Config
	logger *zap.Logger

	registries map[uint32]*partition.Registry
	writers    map[uint32]*storage.DiskWriter
	index      index.Store
	metadata   *metadata.Store

	replWriter *replication.Writer
	replClient *replication.Client

	repairCoord     *repair.Coordinator
	compactionCoord *compaction.Coordinator

	grpcServer *grpc.Server

	writerCancel context.CancelFunc
}

func newDaemon(cfg config.Config, logger *zap.Logger) (*daemon, error) {
	self := cluster.Peer{ID: cfg.NodeID, Addr: cfg.ListenAddr}
	var master cluster.Peer
	var allPeers []cluster.Peer
	for _, p := range cfg.Peers {
		peer := cluster.Peer{ID: p.ID, Addr: p.Addr}
		allPeers = append(allPeers, peer)
		if p.ID == cfg.MasterID {
			master = peer
		}
	}
	if len(allPeers) == 0 {
		allPeers = []cluster.Peer{self}
		master = self
	}
	membership := cluster.NewStaticMembership(self, master, allPeers)
	transport := cluster.NewGRPCTransport()

	md := metadata.NewStore(cfg.MetadataSnapshotPath)
	if err := md.Load(); err != nil {
		return nil, fmt.Errorf("load metadata snapshot: %w", err)
	}
	idx := index.NewMemStore()

	registries := make(map[uint32]*partition.Registry, len(cfg.Disks))
	for i, dir := range cfg.Disks {
		disk := uint32(i)
		reg, dirty, err := partition.OpenRegistry(disk, dir, cfg.MaxPartitionSize)
		if err != nil {
			return nil, fmt.Errorf("open disk %d (%s): %w", disk, dir, err)
		}
		registries[disk] = reg
		for _, id := range dirty {
			logger.Warn("partition reopened with dirty header, scheduling for repair",
				zap.Uint32("disk", disk), zap.Uint32("partition", id))
		}
	}

	replWriter := replication.NewWriter(registries, idx, logger, cfg.WriterPoolSize*4)
	replClient := replication.NewClient(membership, transport, logger)

	var tokens *storage.TokenIssuer
	if cfg.AuthTokenSecret != "" {
		tokens = storage.NewTokenIssuer([]byte(cfg.AuthTokenSecret), cfg.AuthTokenTTL)
	}

	writers := make(map[uint32]*storage.DiskWriter, len(registries))
	for disk, reg := range registries {
		var repl storage.Replicator
		if cfg.IsMaster {
			repl = replClient
		}
		w := storage.NewDiskWriter(disk, reg, idx, md, repl,
			func() bool { return cfg.IsMaster }, logger, cfg.WriterPoolSize)
		w.StartDelay = cfg.WriterTaskStartDelay * time.Duration(disk)
		w.Tokens = tokens
		writers[disk] = w
	}

	engines := make(map[uint32]*repair.Engine, len(registries))
	for disk, reg := range registries {
		engines[disk] = &repair.Engine{
			Disk: disk, Registry: reg, Index: idx, Metadata: md,
			Membership: membership, Transport: transport, Applier: replWriter,
			MaxLevel: int(cfg.MerkleMaxLevel), Logger: logger,
		}
	}
	repairCoord := repair.NewCoordinator(engines, replWriter, logger)

	var compactionCoord *compaction.Coordinator
	if cfg.IsMaster {
		services := make(map[uint32]*compaction.Service, len(registries))
		for disk, reg := range registries {
			services[disk] = &compaction.Service{
				Disk: disk, Registry: reg, Index: idx,
				Queue: writers[disk].Queue(), DeletedRatio: cfg.CompactionDeletedRatio,
				Logger: logger,
			}
		}
		compactionCoord = compaction.NewCoordinator(services, logger)
	}

	grpcServer := grpc.NewServer()
	cluster.RegisterServer(grpcServer, repairCoord)

	return &daemon{
		cfg: cfg, logger: logger,
		registries: registries, writers: writers, index: idx, metadata: md,
		replWriter: replWriter, replClient: replClient,
		repairCoord: repairCoord, compactionCoord: compactionCoord,
		grpcServer: grpcServer,
	}, nil
}

// Start launches every background loop and the gRPC listener.
func (d *daemon) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	d.writerCancel = cancel

	for disk, w := range d.writers {
		if err := w.Replay(ctx); err != nil {
			cancel()
			return fmt.Errorf("replay temp-index rows for disk %d: %w", disk, err)
		}
	}

	for disk, w := range d.writers {
		disk, w := disk, w
		go func() {
			d.logger.Info("disk writer started", zap.Uint32("disk", disk))
			w.Run(workerCtx)
		}()
	}
	go d.replWriter.Run(workerCtx)

	repairSpec := fmt.Sprintf("@every %s", d.cfg.RepairPeriod)
	if _, err := d.repairCoord.Start(workerCtx, repairSpec); err != nil {
		cancel()
		return fmt.Errorf("start repair scheduler: %w", err)
	}
	if d.compactionCoord != nil {
		if _, err := d.compactionCoord.Start(workerCtx, repairSpec); err != nil {
			cancel()
			return fmt.Errorf("start compaction scheduler: %w", err)
		}
	}

	if d.cfg.ListenAddr != "" {
		lis, err := net.Listen("tcp", d.cfg.ListenAddr)
		if err != nil {
			cancel()
			return fmt.Errorf("listen %s: %w", d.cfg.ListenAddr, err)
		}
		go func() {
			d.logger.Info("cluster transport listening", zap.String("addr", d.cfg.ListenAddr))
			if err := d.grpcServer.Serve(lis); err != nil {
				d.logger.Warn("grpc server stopped", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop drains every disk's write queue, then the replication queue
// (polled at 500ms), waits a grace period, cancels the scheduled
// futures, and closes storage.
func (d *daemon) Stop() {
	drainCtx, drainCancel := context.WithTimeout(context.Background(), gracePeriod)
	defer drainCancel()

	for disk, w := range d.writers {
		w.Queue().Drain(drainCtx, 500*time.Millisecond)
		d.logger.Info("write queue drained", zap.Uint32("disk", disk))
	}
	d.replWriter.Queue().Drain(drainCtx, 500*time.Millisecond)
	d.logger.Info("replication queue drained")

	time.Sleep(gracePeriod)

	d.repairCoord.Stop()
	if d.compactionCoord != nil {
		d.compactionCoord.Stop()
	}
	if d.writerCancel != nil {
		d.writerCancel()
	}
	d.grpcServer.GracefulStop()

	for disk, reg := range d.registries {
		if err := reg.Close(); err != nil {
			d.logger.Warn("error closing disk registry", zap.Uint32("disk", disk), zap.Error(err))
		}
	}
}
