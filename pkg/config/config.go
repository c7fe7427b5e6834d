// Package config loads and validates the QuiltFS configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (QUILTFS_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/quiltfs/quiltfs/internal/bytesize"
	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/admin"
	"github.com/quiltfs/quiltfs/pkg/api"
	"github.com/quiltfs/quiltfs/pkg/cache"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/engine"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// Config is the full QuiltFS server configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging logger.Config `mapstructure:"logging"`

	// Database configures the metadata store (SQLite or PostgreSQL).
	Database store.Config `mapstructure:"database"`

	// Storage holds the engine tunables.
	Storage StorageConfig `mapstructure:"storage"`

	// API configures the operational HTTP surface.
	API api.Config `mapstructure:"api"`

	// MetricsEnabled turns on the Prometheus registry, served on the
	// API listener under /metrics.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// StorageConfig holds the engine tunables. Sizes are human-readable
// strings ("5Mi", "50Mi"); durations use Go notation ("60s", "1h").
type StorageConfig struct {
	// ChunkSize is the fixed chunk size for new uploads.
	ChunkSize string `mapstructure:"chunk_size" validate:"required"`

	// MinReplicas is the minimum replica count per primary chunk.
	MinReplicas int `mapstructure:"min_replicas" validate:"gte=1"`

	// MinAvailableNodesForUpload rejects uploads below this many
	// currently-available nodes.
	MinAvailableNodesForUpload int `mapstructure:"min_available_nodes_for_upload" validate:"gte=1"`

	// MonitorInterval is the node monitor loop period.
	MonitorInterval time.Duration `mapstructure:"monitor_interval" validate:"gt=0"`

	// LoadStatsTTL bounds the freshness of the placement load cache.
	LoadStatsTTL time.Duration `mapstructure:"load_stats_ttl" validate:"gt=0"`

	// PendingMaxAttempts is the give-up threshold per pending
	// replication.
	PendingMaxAttempts int `mapstructure:"pending_max_attempts" validate:"gte=1"`

	// CacheFileMaxSize is the largest file held in the download cache.
	CacheFileMaxSize string `mapstructure:"cache_file_max_size" validate:"required"`

	// CacheFileTTL is the download cache entry lifetime.
	CacheFileTTL time.Duration `mapstructure:"cache_file_ttl" validate:"gt=0"`

	// AccessCountTTL is the access-counter lifetime.
	AccessCountTTL time.Duration `mapstructure:"access_count_ttl" validate:"gt=0"`
}

// Load reads the configuration from the given file (optional), applies
// QUILTFS_* environment overrides and defaults, and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUILTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Database.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")

	v.SetDefault("database.type", "sqlite")

	v.SetDefault("storage.chunk_size", "5Mi")
	v.SetDefault("storage.min_replicas", 1)
	v.SetDefault("storage.min_available_nodes_for_upload", 3)
	v.SetDefault("storage.monitor_interval", "60s")
	v.SetDefault("storage.load_stats_ttl", "60s")
	v.SetDefault("storage.pending_max_attempts", 5)
	v.SetDefault("storage.cache_file_max_size", "50Mi")
	v.SetDefault("storage.cache_file_ttl", "3600s")
	v.SetDefault("storage.access_count_ttl", "86400s")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("metrics_enabled", true)
}

// Validate checks the configuration, including that size strings parse.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	if _, err := bytesize.Parse(c.Storage.ChunkSize); err != nil {
		return fmt.Errorf("invalid storage.chunk_size: %w", err)
	}
	if _, err := bytesize.Parse(c.Storage.CacheFileMaxSize); err != nil {
		return fmt.Errorf("invalid storage.cache_file_max_size: %w", err)
	}
	return nil
}

// ChunkSizeBytes returns the parsed chunk size.
func (c *StorageConfig) ChunkSizeBytes() int64 {
	size, err := bytesize.Parse(c.ChunkSize)
	if err != nil {
		return engine.DefaultChunkSize
	}
	return size.Int64()
}

// CacheFileMaxSizeBytes returns the parsed cache file size limit.
func (c *StorageConfig) CacheFileMaxSizeBytes() int64 {
	size, err := bytesize.Parse(c.CacheFileMaxSize)
	if err != nil {
		return 50 * 1024 * 1024
	}
	return size.Int64()
}

// AdminOptions maps the storage configuration onto the engine's
// component options.
func (c *Config) AdminOptions() admin.Options {
	return admin.Options{
		Monitor: cluster.MonitorConfig{
			Interval: c.Storage.MonitorInterval,
			StatsTTL: c.Storage.LoadStatsTTL,
		},
		Chunker: engine.ChunkerConfig{
			ChunkSize:         c.Storage.ChunkSizeBytes(),
			MinAvailableNodes: c.Storage.MinAvailableNodesForUpload,
		},
		Replicator: engine.ReplicatorConfig{
			MinReplicas: c.Storage.MinReplicas,
		},
		Drainer: engine.DrainerConfig{
			MaxAttempts: c.Storage.PendingMaxAttempts,
			Interval:    c.Storage.MonitorInterval,
		},
		Cache: cache.Config{
			MaxFileSize: c.Storage.CacheFileMaxSizeBytes(),
			FileTTL:     c.Storage.CacheFileTTL,
			AccessTTL:   c.Storage.AccessCountTTL,
		},
	}
}
