package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.ChunkSize != "5Mi" || cfg.Storage.ChunkSizeBytes() != 5*1024*1024 {
		t.Errorf("chunk size = %s (%d bytes), want 5Mi", cfg.Storage.ChunkSize, cfg.Storage.ChunkSizeBytes())
	}
	if cfg.Storage.MinReplicas != 1 {
		t.Errorf("min replicas = %d, want 1", cfg.Storage.MinReplicas)
	}
	if cfg.Storage.MinAvailableNodesForUpload != 3 {
		t.Errorf("min available nodes = %d, want 3", cfg.Storage.MinAvailableNodesForUpload)
	}
	if cfg.Storage.MonitorInterval != 60*time.Second {
		t.Errorf("monitor interval = %s, want 60s", cfg.Storage.MonitorInterval)
	}
	if cfg.Storage.PendingMaxAttempts != 5 {
		t.Errorf("pending max attempts = %d, want 5", cfg.Storage.PendingMaxAttempts)
	}
	if cfg.Storage.CacheFileMaxSizeBytes() != 50*1024*1024 {
		t.Errorf("cache max size = %d, want 50Mi", cfg.Storage.CacheFileMaxSizeBytes())
	}
	if cfg.Storage.CacheFileTTL != time.Hour {
		t.Errorf("cache TTL = %s, want 1h", cfg.Storage.CacheFileTTL)
	}
	if cfg.Storage.AccessCountTTL != 24*time.Hour {
		t.Errorf("access TTL = %s, want 24h", cfg.Storage.AccessCountTTL)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("database type = %s, want sqlite", cfg.Database.Type)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: "DEBUG"

storage:
  chunk_size: "1Mi"
  min_replicas: 2
  monitor_interval: "30s"

database:
  type: sqlite
  sqlite:
    path: "` + filepath.ToSlash(filepath.Join(dir, "meta.db")) + `"

api:
  listen: ":9999"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("level = %s, want DEBUG", cfg.Logging.Level)
	}
	if cfg.Storage.ChunkSizeBytes() != 1024*1024 {
		t.Errorf("chunk size = %d, want 1Mi", cfg.Storage.ChunkSizeBytes())
	}
	if cfg.Storage.MinReplicas != 2 {
		t.Errorf("min replicas = %d, want 2", cfg.Storage.MinReplicas)
	}
	if cfg.Storage.MonitorInterval != 30*time.Second {
		t.Errorf("monitor interval = %s, want 30s", cfg.Storage.MonitorInterval)
	}
	if cfg.API.Listen != ":9999" {
		t.Errorf("api listen = %s, want :9999", cfg.API.Listen)
	}

	// Unset values keep their defaults.
	if cfg.Storage.PendingMaxAttempts != 5 {
		t.Errorf("pending max attempts = %d, want default 5", cfg.Storage.PendingMaxAttempts)
	}
}

func TestLoad_InvalidChunkSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  chunk_size: "five megabytes"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted an unparsable chunk size")
	}
}

func TestAdminOptions_MapsStorageConfig(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	opts := cfg.AdminOptions()
	if opts.Chunker.ChunkSize != 5*1024*1024 {
		t.Errorf("chunker chunk size = %d, want 5Mi", opts.Chunker.ChunkSize)
	}
	if opts.Chunker.MinAvailableNodes != 3 {
		t.Errorf("chunker min nodes = %d, want 3", opts.Chunker.MinAvailableNodes)
	}
	if opts.Replicator.MinReplicas != 1 {
		t.Errorf("replicator min = %d, want 1", opts.Replicator.MinReplicas)
	}
	if opts.Drainer.MaxAttempts != 5 {
		t.Errorf("drainer max attempts = %d, want 5", opts.Drainer.MaxAttempts)
	}
	if opts.Cache.MaxFileSize != 50*1024*1024 {
		t.Errorf("cache max file size = %d, want 50Mi", opts.Cache.MaxFileSize)
	}
}
