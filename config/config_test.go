package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileRequiresDisks(t *testing.T) {
	t.Setenv("BLOBKEEPER_DISKS", "")
	cfg, err := Load("")
	require.Error(t, err) // no disks configured
	_ = cfg
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blobkeeper.yaml")
	contents := `
is_master: true
node_id: node-a
listen_addr: 127.0.0.1:9090
disks:
  - /data/disk0
  - /data/disk1
writer_pool_size: 8
max_partition_size: 2048
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.IsMaster)
	require.Equal(t, "node-a", cfg.NodeID)
	require.Equal(t, []string{"/data/disk0", "/data/disk1"}, cfg.Disks)
	require.Equal(t, 8, cfg.WriterPoolSize)
	require.Equal(t, uint64(2048), cfg.MaxPartitionSize)
	// untouched defaults still apply
	require.Equal(t, uint(15), cfg.MerkleMaxLevel)
}

func TestDefaultsMatchSpecFigures(t *testing.T) {
	d := Defaults()
	require.Equal(t, 16, d.WriterPoolSize)
	require.Equal(t, uint(15), d.MerkleMaxLevel)
	require.InDelta(t, 0.5, d.CompactionDeletedRatio, 0.0001)
}
