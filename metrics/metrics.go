// Package metrics holds the process-wide Prometheus collectors other
// packages update directly: queue depth gauges and repair/compaction
// counters, giving operators visibility into backpressure and repair
// health without tailing logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WriteQueueDepth tracks how many StorageFiles are currently queued
	// per disk, labeled by disk id.
	WriteQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blobkeeper",
		Subsystem: "storage",
		Name:      "write_queue_depth",
		Help:      "Number of StorageFiles currently queued for a disk's writer.",
	}, []string{"disk"})

	// ReplicationQueueDepth tracks a slave's inbound replication backlog.
	ReplicationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blobkeeper",
		Subsystem: "replication",
		Name:      "queue_depth",
		Help:      "Number of replication envelopes queued for the local writer.",
	})

	// RepairCycles counts per-partition repair attempts per disk and
	// outcome: one increment for every partition a repair cycle visits.
	RepairCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobkeeper",
		Subsystem: "repair",
		Name:      "cycles_total",
		Help:      "Per-partition repair attempts, partitioned by outcome.",
	}, []string{"disk", "outcome"})

	// CompactionBytesReclaimed sums the size of partition files removed
	// after a successful compaction, per disk.
	CompactionBytesReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobkeeper",
		Subsystem: "compaction",
		Name:      "bytes_reclaimed_total",
		Help:      "Bytes freed by removing superseded partition files.",
	}, []string{"disk"})
)

// Register adds every collector in this package to reg. Called once
// at process startup; a nil reg registers against the default registry.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(WriteQueueDepth, ReplicationQueueDepth, RepairCycles, CompactionBytesReclaimed)
}
