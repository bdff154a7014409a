// Package config loads daemon configuration: viper over a YAML file
// with environment-variable overrides, decoded into a typed struct.
// Every knob here corresponds to a runtime tunable (writer pool size,
// partition rollover size, compaction ratio, repair period, Merkle
// tree depth) plus the ambient bits (listen address, log level) a
// production daemon needs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// IsMaster marks this node as the sole accepter of client writes
	//. Exactly one node in a cluster should set this.
	IsMaster bool `mapstructure:"is_master"`

	// NodeID identifies this node to peers during replication and repair.
	NodeID string `mapstructure:"node_id"`

	// ListenAddr is the gRPC cluster-transport bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// Disks lists the mount points this node writes partitions under.
	Disks []string `mapstructure:"disks"`

	// WriterPoolSize sets each disk's write-queue capacity, and four
	// times it is the replication queue's capacity. It does not size a
	// worker pool: every disk always has exactly one writer goroutine.
	WriterPoolSize int `mapstructure:"writer_pool_size"`

	// WriterTaskStartDelay staggers when each disk's writer loop begins
	// consuming its queue after Run is called, so a node with many
	// disks doesn't open every partition file under load at once.
	WriterTaskStartDelay time.Duration `mapstructure:"writer_task_start_delay"`

	// MaxPartitionSize rolls a partition to a new file before an append
	// would take it past this many bytes.
	MaxPartitionSize uint64 `mapstructure:"max_partition_size"`

	// CompactionDeletedRatio triggers compaction once a closed
	// partition's deleted-byte fraction exceeds it.
	CompactionDeletedRatio float64 `mapstructure:"compaction_deleted_ratio"`

	// RepairPeriod is how often the per-disk repair task runs.
	RepairPeriod time.Duration `mapstructure:"repair_period"`

	// MerkleMaxLevel bounds tree depth (2^MerkleMaxLevel leaves).
	MerkleMaxLevel uint `mapstructure:"merkle_max_level"`

	// MetadataSnapshotPath is where the default metadata.Store persists.
	MetadataSnapshotPath string `mapstructure:"metadata_snapshot_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// Peers lists every cluster member, including this node, by id and
	// dialable gRPC address.
	Peers []PeerConfig `mapstructure:"peers"`

	// MasterID is the Peers entry that accepts client writes.
	MasterID string `mapstructure:"master_id"`

	// AuthTokenSecret is the HMAC key capability tokens are signed
	// with. Empty disables token enforcement entirely (every
	// DiskWriter's Tokens is left nil).
	AuthTokenSecret string `mapstructure:"auth_token_secret"`

	// AuthTokenTTL bounds how long a minted capability token is valid.
	AuthTokenTTL time.Duration `mapstructure:"auth_token_ttl"`
}

// PeerConfig names one cluster member.
type PeerConfig struct {
	ID   string `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

// Defaults returns the configuration used when no file or env
// override is present.
func Defaults() Config {
	return Config{
		WriterPoolSize:         16,
		WriterTaskStartDelay:   50 * time.Millisecond,
		MaxPartitionSize:       1 << 30, // 1 GiB
		CompactionDeletedRatio: 0.5,
		RepairPeriod:           time.Hour,
		MerkleMaxLevel:         15,
		LogLevel:               "info",
		AuthTokenTTL:           24 * time.Hour,
	}
}

// Load reads configuration from path (if non-empty), then from
// environment variables prefixed BLOBKEEPER_, layered over Defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("blobkeeper")
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("writer_pool_size", def.WriterPoolSize)
	v.SetDefault("writer_task_start_delay", def.WriterTaskStartDelay)
	v.SetDefault("max_partition_size", def.MaxPartitionSize)
	v.SetDefault("compaction_deleted_ratio", def.CompactionDeletedRatio)
	v.SetDefault("repair_period", def.RepairPeriod)
	v.SetDefault("merkle_max_level", def.MerkleMaxLevel)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("auth_token_ttl", def.AuthTokenTTL)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if len(c.Disks) == 0 {
		return fmt.Errorf("config: at least one disk is required")
	}
	if c.MerkleMaxLevel == 0 {
		return fmt.Errorf("config: merkle_max_level must be > 0")
	}
	if c.WriterPoolSize <= 0 {
		return fmt.Errorf("config: writer_pool_size must be > 0")
	}
	return nil
}
