package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/backend"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// ReplicatorConfig holds replication tuning knobs.
type ReplicatorConfig struct {
	// MinReplicas is the minimum number of uploaded replicas wanted
	// per primary chunk. Default 1.
	MinReplicas int
}

// ApplyDefaults fills in zero fields.
func (c *ReplicatorConfig) ApplyDefaults() {
	if c.MinReplicas == 0 {
		c.MinReplicas = 1
	}
}

// ReplicaSweepStats reports one EnsureMinimumReplicas pass.
type ReplicaSweepStats struct {
	Checked           int `json:"checked"`
	Created           int `json:"created"`
	Failed            int `json:"failed"`
	AlreadySufficient int `json:"already_sufficient"`
}

// VerifyStats reports one verification sweep.
type VerifyStats struct {
	Verified     int `json:"verified"`
	Corrupt      int `json:"corrupt"`
	Repaired     int `json:"repaired"`
	Unrepairable int `json:"unrepairable"`
}

// FileIntegrity is the result of CheckFileIntegrity.
type FileIntegrity struct {
	// Recoverable is true when every missing and every corrupt primary
	// chunk number has an uploaded replica to recover from.
	Recoverable bool `json:"recoverable"`

	// MissingNumbers are chunk numbers with no primary row.
	MissingNumbers []int `json:"missing_numbers"`

	// CorruptPrimaries are primary rows in corrupt or failed status.
	CorruptPrimaries []model.Chunk `json:"corrupt_primaries"`
}

// FileRepairStats reports one VerifyFile repair pass.
type FileRepairStats struct {
	RepairedPrimaries  int `json:"repaired_primaries"`
	UnrepairedCorrupt  int `json:"unrepaired_corrupt"`
	RecoveredMissing   int `json:"recovered_missing"`
	UnrecoveredMissing int `json:"unrecovered_missing"`
}

// Replicator creates and counts replicas, verifies stored objects
// against their recorded digests, and repairs corrupt primaries from
// replicas.
type Replicator struct {
	store   *store.Store
	dialer  backend.Dialer
	monitor *cluster.Monitor
	cfg     ReplicatorConfig

	// onRepair, when set, is invoked with the file id after any repair
	// or recovery that rewires a file's chunk rows. The download cache
	// hooks in here to invalidate stale entries.
	onRepair func(fileID string)
}

// SetRepairHook installs the structural-change callback. Not safe to
// call concurrently with running sweeps; wire it once at startup.
func (r *Replicator) SetRepairHook(fn func(fileID string)) {
	r.onRepair = fn
}

func (r *Replicator) notifyRepair(fileID string) {
	if r.onRepair != nil {
		r.onRepair(fileID)
	}
}

// NewReplicator creates a replicator.
func NewReplicator(st *store.Store, dialer backend.Dialer, monitor *cluster.Monitor, cfg ReplicatorConfig) *Replicator {
	cfg.ApplyDefaults()
	return &Replicator{store: st, dialer: dialer, monitor: monitor, cfg: cfg}
}

// MinReplicas returns the configured minimum replica count.
func (r *Replicator) MinReplicas() int {
	return r.cfg.MinReplicas
}

// CreateReplicasForChunk creates up to MinReplicas replicas of a primary
// chunk on eligible target nodes: active, not excluded, and not already
// holding any copy of this chunk number. Equally-eligible targets are
// ordered by lowest load, then lowest priority, then lowest id.
// Unreachable targets are recorded in the pending-replication backlog
// instead of failing. Returns the number of replicas created now.
func (r *Replicator) CreateReplicasForChunk(ctx context.Context, chunk *model.Chunk, exclude []uint) (int, error) {
	return r.createReplicas(ctx, chunk, exclude, r.cfg.MinReplicas)
}

// createReplicas creates up to want replicas of a primary chunk.
func (r *Replicator) createReplicas(ctx context.Context, chunk *model.Chunk, exclude []uint, want int) (int, error) {
	if chunk.IsReplica {
		return 0, fmt.Errorf("chunk %s is a replica, refusing to replicate it", chunk.ID)
	}
	if chunk.Status != model.ChunkUploaded {
		return 0, fmt.Errorf("chunk %s has status %s, only uploaded chunks replicate", chunk.ID, chunk.Status)
	}
	if chunk.NodeID == nil || chunk.Node == nil {
		return 0, fmt.Errorf("chunk %s has no source node", chunk.ID)
	}

	candidates, err := r.replicaTargets(ctx, chunk, exclude)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		logger.Debug("no eligible replica targets", "chunk", chunk.ID)
		return 0, nil
	}

	data, err := r.readVerified(ctx, chunk)
	if err != nil {
		if errors.Is(err, ErrSourceCorrupt) {
			if uerr := r.store.UpdateChunkStatus(ctx, chunk.ID, model.ChunkCorrupt); uerr != nil {
				logger.Error("marking corrupt source failed", "chunk", chunk.ID, "error", uerr)
			}
		}
		return 0, fmt.Errorf("read source for replication: %w", err)
	}

	created := 0
	for i := range candidates {
		if created >= want {
			break
		}
		target := &candidates[i]

		// Another worker may have raced us here; the row check keeps
		// the per-node uniqueness rule cheap, the DB constraint keeps
		// it authoritative.
		exists, err := r.store.ReplicaExists(ctx, chunk.FileID, chunk.ChunkNumber, target.ID)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		if !r.monitor.Available(ctx, target) {
			if err := r.store.EnqueuePending(ctx, chunk.ID, target.ID); err != nil {
				logger.Error("enqueueing pending replication failed",
					"chunk", chunk.ID, "target", target.Name, "error", err)
				continue
			}
			logger.Info("target unreachable, replication queued",
				"chunk", chunk.ID, "target", target.Name)
			continue
		}

		if err := r.writeReplica(ctx, chunk, target, data); err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				if qerr := r.store.EnqueuePending(ctx, chunk.ID, target.ID); qerr != nil {
					logger.Error("enqueueing pending replication failed",
						"chunk", chunk.ID, "target", target.Name, "error", qerr)
				}
				continue
			}
			if errors.Is(err, store.ErrConflict) {
				continue // lost the race, a replica is there now
			}
			logger.Warn("replica creation failed", "chunk", chunk.ID, "target", target.Name, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

// CreateReplicaOnNode creates one replica of a primary chunk on a
// specific node. Used by the pending-queue drainer. A replica already
// present on the target satisfies the call.
func (r *Replicator) CreateReplicaOnNode(ctx context.Context, chunk *model.Chunk, target *model.Node) error {
	if chunk.IsReplica {
		return fmt.Errorf("chunk %s is a replica, refusing to replicate it", chunk.ID)
	}
	if chunk.Status != model.ChunkUploaded {
		return fmt.Errorf("chunk %s has status %s, only uploaded chunks replicate", chunk.ID, chunk.Status)
	}
	if chunk.NodeID == nil || chunk.Node == nil {
		return fmt.Errorf("chunk %s has no source node", chunk.ID)
	}

	exists, err := r.store.ReplicaExists(ctx, chunk.FileID, chunk.ChunkNumber, target.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	data, err := r.readVerified(ctx, chunk)
	if err != nil {
		if errors.Is(err, ErrSourceCorrupt) {
			if uerr := r.store.UpdateChunkStatus(ctx, chunk.ID, model.ChunkCorrupt); uerr != nil {
				logger.Error("marking corrupt source failed", "chunk", chunk.ID, "error", uerr)
			}
		}
		return fmt.Errorf("read source for replication: %w", err)
	}

	if err := r.writeReplica(ctx, chunk, target, data); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

// replicaTargets returns the active nodes eligible to hold a new
// replica of the chunk, ordered by load, priority, id.
func (r *Replicator) replicaTargets(ctx context.Context, chunk *model.Chunk, exclude []uint) ([]model.Node, error) {
	holders, err := r.store.NodesHoldingChunk(ctx, chunk.FileID, chunk.ChunkNumber)
	if err != nil {
		return nil, err
	}
	excluded := make(map[uint]bool, len(exclude)+len(holders)+1)
	for _, id := range exclude {
		excluded[id] = true
	}
	for _, id := range holders {
		excluded[id] = true
	}
	excluded[*chunk.NodeID] = true

	nodes, err := r.store.ListActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := r.monitor.LoadStats(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []model.Node
	for i := range nodes {
		if !excluded[nodes[i].ID] {
			candidates = append(candidates, nodes[i])
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := stats[candidates[i].ID].ChunkCount, stats[candidates[j].ID].ChunkCount
		if li != lj {
			return li < lj
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates, nil
}

// writeReplica stores the chunk bytes on the target under a fresh
// replica key and inserts the replica row.
func (r *Replicator) writeReplica(ctx context.Context, chunk *model.Chunk, target *model.Node, data []byte) error {
	client, err := r.dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("dial target %s: %w", target.Name, err)
	}
	if err := client.EnsureBucket(ctx, target.Bucket); err != nil {
		return fmt.Errorf("ensure bucket on %s: %w", target.Name, err)
	}

	owner := ""
	if chunk.File != nil {
		owner = chunk.File.Owner
	}
	key := replicaObjectKey(owner, chunk.FileID, chunk.ChunkNumber)
	if err := client.PutObject(ctx, target.Bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("put replica on %s: %w", target.Name, err)
	}

	replica := &model.Chunk{
		ID:          uuid.NewString(),
		FileID:      chunk.FileID,
		ChunkNumber: chunk.ChunkNumber,
		SizeBytes:   chunk.SizeBytes,
		Checksum:    chunk.Checksum,
		ObjectKey:   key,
		NodeID:      &target.ID,
		IsReplica:   true,
		Status:      model.ChunkUploaded,
	}
	if err := r.store.CreateChunk(ctx, replica); err != nil {
		return err
	}
	logger.Info("replica created", "chunk", chunk.ID, "target", target.Name)
	return nil
}

// EnsureMinimumReplicas sweeps every uploaded primary and tops up its
// replica count to the configured minimum.
func (r *Replicator) EnsureMinimumReplicas(ctx context.Context) (ReplicaSweepStats, error) {
	return r.EnsureReplicas(ctx, r.cfg.MinReplicas)
}

// EnsureReplicas is EnsureMinimumReplicas with an explicit minimum,
// overriding the configured default for this sweep.
func (r *Replicator) EnsureReplicas(ctx context.Context, min int) (ReplicaSweepStats, error) {
	var stats ReplicaSweepStats
	if min <= 0 {
		min = r.cfg.MinReplicas
	}

	primaries, err := r.store.UploadedPrimaries(ctx)
	if err != nil {
		return stats, err
	}

	for i := range primaries {
		chunk := &primaries[i]
		stats.Checked++

		existing, err := r.store.CountUploadedReplicas(ctx, chunk.FileID, chunk.ChunkNumber)
		if err != nil {
			return stats, err
		}
		if int(existing) >= min {
			stats.AlreadySufficient++
			continue
		}

		created, err := r.createReplicas(ctx, chunk, nil, min-int(existing))
		if err != nil {
			logger.Warn("replica top-up failed", "chunk", chunk.ID, "error", err)
			stats.Failed++
			continue
		}
		if created > 0 {
			stats.Created += created
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

// VerifyAndRepairAllChunks fetches every uploaded object, hashes it, and
// compares with the recorded digest. Mismatches go to corrupt, missing
// objects and IO failures to failed, and corrupt or failed primaries are
// repaired from replicas where possible.
func (r *Replicator) VerifyAndRepairAllChunks(ctx context.Context) (VerifyStats, error) {
	chunks, err := r.store.UploadedChunks(ctx)
	if err != nil {
		return VerifyStats{}, err
	}
	return r.verifySweep(ctx, chunks), nil
}

// VerifyNode verifies every uploaded chunk stored on one node.
func (r *Replicator) VerifyNode(ctx context.Context, nodeID uint) (VerifyStats, error) {
	chunks, err := r.store.UploadedChunksOnNode(ctx, nodeID)
	if err != nil {
		return VerifyStats{}, err
	}
	return r.verifySweep(ctx, chunks), nil
}

func (r *Replicator) verifySweep(ctx context.Context, chunks []model.Chunk) VerifyStats {
	var stats VerifyStats
	for i := range chunks {
		chunk := &chunks[i]
		stats.Verified++

		verr := r.verifyObject(ctx, chunk)
		if verr == nil {
			continue
		}
		stats.Corrupt++

		status := model.ChunkFailed
		if errors.Is(verr, ErrSourceCorrupt) {
			status = model.ChunkCorrupt
		}
		if err := r.store.UpdateChunkStatus(ctx, chunk.ID, status); err != nil {
			logger.Error("status update failed", "chunk", chunk.ID, "error", err)
			continue
		}
		chunk.Status = status
		logger.Warn("chunk failed verification", "chunk", chunk.ID,
			"file", chunk.FileID, "number", chunk.ChunkNumber, "status", status)

		// Replicas are never repaired in place; they are re-created
		// elsewhere by the replica sweep.
		if chunk.IsReplica {
			continue
		}
		repaired, err := r.RepairChunk(ctx, chunk)
		if err != nil {
			logger.Error("repair attempt failed", "chunk", chunk.ID, "error", err)
		}
		if repaired {
			stats.Repaired++
		} else {
			stats.Unrepairable++
		}
	}
	return stats
}

// verifyObject fetches a chunk's object and compares its hash with the
// recorded digest. Returns nil when the object is intact,
// ErrSourceCorrupt on mismatch, and a backend error otherwise.
func (r *Replicator) verifyObject(ctx context.Context, chunk *model.Chunk) error {
	if chunk.Node == nil {
		return fmt.Errorf("chunk %s has no node", chunk.ID)
	}
	_, err := r.readVerified(ctx, chunk)
	return err
}

// readVerified fetches a chunk's object and verifies it against the
// recorded digest, returning the bytes on success.
func (r *Replicator) readVerified(ctx context.Context, chunk *model.Chunk) ([]byte, error) {
	client, err := r.dialer.Dial(ctx, chunk.Node)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", chunk.Node.Name, err)
	}
	body, err := client.GetObject(ctx, chunk.Node.Bucket, chunk.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if digest(data) != chunk.Checksum {
		return nil, fmt.Errorf("%w: chunk %s on %s", ErrSourceCorrupt, chunk.ID, chunk.Node.Name)
	}
	return data, nil
}

// RepairChunk restores a corrupt or failed primary from the first
// replica that still verifies. The rewritten object lands on the
// primary's original node when reachable, otherwise on the replica's
// node, and the row is updated atomically. Replicas are never repaired.
// Returns whether the repair succeeded.
func (r *Replicator) RepairChunk(ctx context.Context, primary *model.Chunk) (bool, error) {
	if primary.IsReplica {
		return false, nil
	}

	replicas, err := r.store.UploadedReplicas(ctx, primary.FileID, primary.ChunkNumber)
	if err != nil {
		return false, err
	}

	owner := ""
	if primary.File != nil {
		owner = primary.File.Owner
	}

	for i := range replicas {
		replica := &replicas[i]
		data, err := r.readVerified(ctx, replica)
		if err != nil {
			logger.Warn("replica unusable for repair",
				"chunk", primary.ID, "replica", replica.ID, "error", err)
			continue
		}

		key := primaryObjectKey(owner, primary.FileID, primary.ChunkNumber)

		// Prefer the primary's original node; fall back to the
		// replica's node, which we just read from successfully.
		targets := make([]*model.Node, 0, 2)
		if primary.Node != nil {
			targets = append(targets, primary.Node)
		}
		if replica.Node != nil {
			targets = append(targets, replica.Node)
		}
		for _, target := range targets {
			client, err := r.dialer.Dial(ctx, target)
			if err != nil {
				continue
			}
			if err := client.EnsureBucket(ctx, target.Bucket); err != nil {
				continue
			}
			if err := client.PutObject(ctx, target.Bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
				logger.Warn("repair write failed", "chunk", primary.ID, "node", target.Name, "error", err)
				continue
			}
			if err := r.store.RepairChunkRow(ctx, primary.ID, key, target.ID); err != nil {
				return false, err
			}
			primary.ObjectKey = key
			primary.NodeID = &target.ID
			primary.Node = target
			primary.Status = model.ChunkUploaded
			logger.Info("primary repaired from replica",
				"chunk", primary.ID, "replica", replica.ID, "node", target.Name)
			r.notifyRepair(primary.FileID)
			return true, nil
		}
	}

	logger.Error("no valid replica found for repair", "chunk", primary.ID)
	return false, nil
}

// CheckFileIntegrity reports whether a file can be fully reassembled:
// which primary chunk numbers are missing, which primary rows are
// corrupt or failed, and whether every such number has an uploaded
// replica to recover from.
func (r *Replicator) CheckFileIntegrity(ctx context.Context, file *model.StoredFile) (FileIntegrity, error) {
	rows, err := r.store.ChunksForFile(ctx, file.ID)
	if err != nil {
		return FileIntegrity{}, err
	}

	// A zero-byte file has no chunks and is trivially intact.
	if len(rows) == 0 {
		return FileIntegrity{Recoverable: file.SizeBytes == 0}, nil
	}

	maxNumber := 0
	primaries := make(map[int]*model.Chunk)
	for i := range rows {
		row := &rows[i]
		if row.ChunkNumber > maxNumber {
			maxNumber = row.ChunkNumber
		}
		if !row.IsReplica {
			primaries[row.ChunkNumber] = row
		}
	}

	result := FileIntegrity{Recoverable: true}
	for number := 1; number <= maxNumber; number++ {
		primary, ok := primaries[number]
		if !ok {
			result.MissingNumbers = append(result.MissingNumbers, number)
		} else if primary.Status == model.ChunkCorrupt || primary.Status == model.ChunkFailed {
			result.CorruptPrimaries = append(result.CorruptPrimaries, *primary)
		} else {
			continue
		}

		hasReplica, err := r.store.HasUploadedReplica(ctx, file.ID, number)
		if err != nil {
			return FileIntegrity{}, err
		}
		if !hasReplica {
			result.Recoverable = false
		}
	}
	return result, nil
}

// VerifyFile checks one file's integrity and repairs what it can:
// corrupt or failed primaries are repaired in place, and missing
// primaries are recreated from uploaded replicas.
func (r *Replicator) VerifyFile(ctx context.Context, file *model.StoredFile) (FileRepairStats, FileIntegrity, error) {
	var stats FileRepairStats

	integrity, err := r.CheckFileIntegrity(ctx, file)
	if err != nil {
		return stats, integrity, err
	}

	for i := range integrity.CorruptPrimaries {
		primary := integrity.CorruptPrimaries[i]
		repaired, err := r.RepairChunk(ctx, &primary)
		if err != nil {
			return stats, integrity, err
		}
		if repaired {
			stats.RepairedPrimaries++
		} else {
			stats.UnrepairedCorrupt++
		}
	}

	for _, number := range integrity.MissingNumbers {
		if r.recoverMissingPrimary(ctx, file, number) {
			stats.RecoveredMissing++
		} else {
			stats.UnrecoveredMissing++
		}
	}

	return stats, integrity, nil
}

// recoverMissingPrimary recreates a primary row for a chunk number that
// lost its primary entirely, from the first replica that verifies. The
// new object is written to the replica's own node.
func (r *Replicator) recoverMissingPrimary(ctx context.Context, file *model.StoredFile, number int) bool {
	replicas, err := r.store.UploadedReplicas(ctx, file.ID, number)
	if err != nil {
		logger.Error("listing replicas failed", "file", file.ID, "number", number, "error", err)
		return false
	}

	for i := range replicas {
		replica := &replicas[i]
		data, err := r.readVerified(ctx, replica)
		if err != nil {
			logger.Warn("replica unusable for recovery",
				"file", file.ID, "number", number, "replica", replica.ID, "error", err)
			continue
		}
		if replica.Node == nil {
			continue
		}

		client, err := r.dialer.Dial(ctx, replica.Node)
		if err != nil {
			continue
		}
		key := primaryObjectKey(file.Owner, file.ID, number)
		if err := client.PutObject(ctx, replica.Node.Bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
			logger.Warn("recovery write failed", "file", file.ID, "number", number, "error", err)
			continue
		}

		primary := &model.Chunk{
			ID:          uuid.NewString(),
			FileID:      file.ID,
			ChunkNumber: number,
			SizeBytes:   replica.SizeBytes,
			Checksum:    replica.Checksum,
			ObjectKey:   key,
			NodeID:      replica.NodeID,
			IsReplica:   false,
			Status:      model.ChunkUploaded,
		}
		if err := r.store.CreateChunk(ctx, primary); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return true // another worker recovered it first
			}
			logger.Error("recording recovered primary failed", "file", file.ID, "number", number, "error", err)
			return false
		}
		logger.Info("missing primary recovered from replica", "file", file.ID, "number", number)
		r.notifyRepair(file.ID)
		return true
	}
	return false
}
