// Package admin is the programmatic administrative and data surface of
// the storage engine: node management, uploads and downloads, integrity
// sweeps, replica top-ups, backlog drains, and system statistics. The
// CLI and the HTTP API are both thin shells over this service.
package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/backend"
	"github.com/quiltfs/quiltfs/pkg/cache"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/engine"
	"github.com/quiltfs/quiltfs/pkg/health"
	"github.com/quiltfs/quiltfs/pkg/metrics"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// Options bundles the tunables of every engine component.
type Options struct {
	Monitor    cluster.MonitorConfig
	Chunker    engine.ChunkerConfig
	Replicator engine.ReplicatorConfig
	Drainer    engine.DrainerConfig
	Cache      cache.Config

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.EngineMetrics
}

// Service wires the engine together and exposes its operations.
type Service struct {
	Store       *store.Store
	Dialer      backend.Dialer
	Monitor     *cluster.Monitor
	Placement   *cluster.Placement
	Chunker     *engine.Chunker
	Reassembler *engine.Reassembler
	Replicator  *engine.Replicator
	Drainer     *engine.Drainer
	Cache       *cache.Cache
	Health      *health.Reporter

	metrics *metrics.EngineMetrics
	cacheMax int64
}

// NewService builds the engine over a store and a backend dialer.
func NewService(st *store.Store, dialer backend.Dialer, opts Options) *Service {
	opts.Cache.ApplyDefaults()

	monitor := cluster.NewMonitor(st, dialer, opts.Monitor)
	placement := cluster.NewPlacement(st, monitor)
	replicator := engine.NewReplicator(st, dialer, monitor, opts.Replicator)
	chunker := engine.NewChunker(st, dialer, placement, monitor, replicator, opts.Chunker)
	reassembler := engine.NewReassembler(st, dialer)
	drainer := engine.NewDrainer(st, monitor, replicator, opts.Drainer)
	fileCache := cache.New(opts.Cache)
	reporter := health.NewReporter(st, replicator)

	// Repairs rewire chunk rows; cached bytes for those files may now
	// be served from a different object, so drop them.
	replicator.SetRepairHook(fileCache.Invalidate)

	return &Service{
		Store:       st,
		Dialer:      dialer,
		Monitor:     monitor,
		Placement:   placement,
		Chunker:     chunker,
		Reassembler: reassembler,
		Replicator:  replicator,
		Drainer:     drainer,
		Cache:       fileCache,
		Health:      reporter,
		metrics:     opts.Metrics,
		cacheMax:    opts.Cache.MaxFileSize,
	}
}

// FileMeta describes an upload.
type FileMeta struct {
	Name             string
	OriginalFilename string
	FileType         string
	ContentType      string
	Owner            string
}

// Upload chunks the stream across the cluster and returns the recorded
// file.
func (s *Service) Upload(ctx context.Context, r io.Reader, meta FileMeta) (*model.StoredFile, error) {
	file := &model.StoredFile{
		Name:             meta.Name,
		OriginalFilename: meta.OriginalFilename,
		FileType:         meta.FileType,
		ContentType:      meta.ContentType,
		Owner:            meta.Owner,
	}
	chunks, err := s.Chunker.Upload(ctx, r, file)
	if err != nil {
		s.metrics.ObserveUpload("error", 0, 0)
		return nil, err
	}
	s.metrics.ObserveUpload("ok", len(chunks), file.SizeBytes)
	return file, nil
}

// Download writes the file's bytes to w, serving from the whole-file
// cache when possible. Small files are reassembled to memory and cached;
// larger ones stream straight through. last_accessed is stamped,
// independent of the cache write, only after the whole file has been
// written to w; a download that fails part-way does not stamp it.
func (s *Service) Download(ctx context.Context, fileID string, w io.Writer) error {
	file, err := s.Store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}

	if data, ok := s.Cache.Get(file.ID); ok {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write cached file: %w", err)
		}
		s.touch(ctx, file.ID)
		s.metrics.ObserveDownload("ok", true)
		return nil
	}

	if file.SizeBytes < s.cacheMax {
		data, err := s.Reassembler.ReassembleBytes(ctx, file)
		if err != nil {
			s.metrics.ObserveDownload("error", false)
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
		s.touch(ctx, file.ID)
		s.Cache.Put(file.ID, data)
		s.metrics.ObserveDownload("ok", false)
		return nil
	}

	if err := s.Reassembler.Reassemble(ctx, file, w); err != nil {
		s.metrics.ObserveDownload("error", false)
		return err
	}
	s.touch(ctx, file.ID)
	s.metrics.ObserveDownload("ok", false)
	return nil
}

func (s *Service) touch(ctx context.Context, fileID string) {
	if err := s.Store.TouchLastAccessed(ctx, fileID, time.Now().UTC()); err != nil {
		logger.Warn("stamping last_accessed failed", "file", fileID, "error", err)
	}
}

// AddNode registers a backend node, provisions its bucket when
// reachable, and optionally makes it primary.
func (s *Service) AddNode(ctx context.Context, node *model.Node, primary bool) error {
	if node.Status == "" {
		node.Status = model.NodeActive
	}
	if err := s.Store.CreateNode(ctx, node); err != nil {
		return err
	}

	client, err := s.Dialer.Dial(ctx, node)
	if err == nil {
		if err := client.EnsureBucket(ctx, node.Bucket); err != nil {
			logger.Warn("bucket provisioning deferred", "node", node.Name, "error", err)
		}
	}

	if primary {
		if err := s.Store.MarkPrimary(ctx, node.ID); err != nil {
			return err
		}
		node.IsPrimary = true
	}
	s.Monitor.InvalidateStats()
	logger.Info("node added", "node", node.Name, "address", node.Address, "primary", primary)
	return nil
}

// SetNodeStatus changes a node's administrative status. Demoting the
// primary triggers a fresh election.
func (s *Service) SetNodeStatus(ctx context.Context, nodeID uint, status model.NodeStatus) error {
	if err := s.Store.SetNodeStatus(ctx, nodeID, status); err != nil {
		return err
	}
	s.Monitor.InvalidateStats()

	if status != model.NodeActive {
		if _, err := s.Monitor.ElectPrimary(ctx); err != nil && !errors.Is(err, cluster.ErrNoActiveNodes) {
			logger.Warn("re-election after demotion failed", "error", err)
		}
	}
	return nil
}

// ElectPrimary runs a primary election and returns the primary node.
func (s *Service) ElectPrimary(ctx context.Context) (*model.Node, error) {
	return s.Monitor.ElectPrimary(ctx)
}

// VerifyAll verifies every uploaded chunk and repairs what it can.
func (s *Service) VerifyAll(ctx context.Context) (engine.VerifyStats, error) {
	stats, err := s.Replicator.VerifyAndRepairAllChunks(ctx)
	s.metrics.ObserveRepairs(stats.Repaired, stats.Unrepairable)
	return stats, err
}

// VerifyNode verifies every uploaded chunk on one node.
func (s *Service) VerifyNode(ctx context.Context, nodeID uint) (engine.VerifyStats, error) {
	if _, err := s.Store.GetNode(ctx, nodeID); err != nil {
		return engine.VerifyStats{}, err
	}
	stats, err := s.Replicator.VerifyNode(ctx, nodeID)
	s.metrics.ObserveRepairs(stats.Repaired, stats.Unrepairable)
	return stats, err
}

// VerifyFile checks one file's integrity and repairs or recovers its
// damaged primaries.
func (s *Service) VerifyFile(ctx context.Context, fileID string) (engine.FileRepairStats, engine.FileIntegrity, error) {
	file, err := s.Store.GetFile(ctx, fileID)
	if err != nil {
		return engine.FileRepairStats{}, engine.FileIntegrity{}, err
	}
	return s.Replicator.VerifyFile(ctx, file)
}

// EnsureReplicas tops up every primary's replica count to min (or the
// configured minimum when min is zero).
func (s *Service) EnsureReplicas(ctx context.Context, min int) (engine.ReplicaSweepStats, error) {
	stats, err := s.Replicator.EnsureReplicas(ctx, min)
	s.metrics.ObserveReplicas(stats.Created)
	return stats, err
}

// DrainPendingReplications runs one backlog drain with the given attempt
// limit (or the configured default when zero).
func (s *Service) DrainPendingReplications(ctx context.Context, maxAttempts int) (engine.DrainStats, error) {
	stats, err := s.Drainer.DrainWithLimit(ctx, maxAttempts)
	if n, cerr := s.Store.CountPending(ctx); cerr == nil {
		s.metrics.SetPendingBacklog(n)
	}
	return stats, err
}

// WarmCache reassembles a file and inserts it into the whole-file
// cache.
func (s *Service) WarmCache(ctx context.Context, fileID string) error {
	file, err := s.Store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file.SizeBytes >= s.cacheMax {
		return fmt.Errorf("file %s is %d bytes, over the cache limit", fileID, file.SizeBytes)
	}
	if s.Cache.Contains(file.ID) {
		return nil
	}
	data, err := s.Reassembler.ReassembleBytes(ctx, file)
	if err != nil {
		return err
	}
	s.Cache.Put(file.ID, data)
	return nil
}

// SystemStats is the ShowStats snapshot.
type SystemStats struct {
	Nodes struct {
		Total       int64 `json:"total"`
		Active      int64 `json:"active"`
		Inactive    int64 `json:"inactive"`
		Maintenance int64 `json:"maintenance"`
		Available   int   `json:"available"`
	} `json:"nodes"`
	Files struct {
		Total int64 `json:"total"`
	} `json:"files"`
	Chunks             map[model.ChunkStatus]int64 `json:"chunks"`
	PendingReplication int64                       `json:"pending_replications"`
	Cache              cache.Stats                 `json:"cache"`
}

// ShowStats gathers node, file, chunk, backlog, and cache statistics.
func (s *Service) ShowStats(ctx context.Context) (SystemStats, error) {
	var stats SystemStats

	nodes, err := s.Store.ListNodes(ctx)
	if err != nil {
		return stats, err
	}
	stats.Nodes.Total = int64(len(nodes))
	for i := range nodes {
		switch nodes[i].Status {
		case model.NodeActive:
			stats.Nodes.Active++
		case model.NodeInactive:
			stats.Nodes.Inactive++
		case model.NodeMaintenance:
			stats.Nodes.Maintenance++
		}
	}
	if stats.Nodes.Available, err = s.Monitor.AvailableCount(ctx); err != nil {
		return stats, err
	}
	s.metrics.SetAvailableNodes(stats.Nodes.Available)

	if stats.Files.Total, err = s.Store.CountFiles(ctx); err != nil {
		return stats, err
	}
	if stats.Chunks, err = s.Store.ChunkStatusCounts(ctx); err != nil {
		return stats, err
	}
	if stats.PendingReplication, err = s.Store.CountPending(ctx); err != nil {
		return stats, err
	}
	s.metrics.SetPendingBacklog(stats.PendingReplication)
	stats.Cache = s.Cache.Stats()
	return stats, nil
}

// DownloadBytes is a convenience wrapper returning the whole file in
// memory.
func (s *Service) DownloadBytes(ctx context.Context, fileID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Download(ctx, fileID, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
