package store

import (
	"context"

	"github.com/quiltfs/quiltfs/pkg/model"
)

// CreateChunk inserts a chunk row. A concurrent insert of the same
// (file_id, chunk_number, is_replica) triple returns ErrConflict; callers
// re-read the winning row instead of treating this as failure.
func (s *Store) CreateChunk(ctx context.Context, chunk *model.Chunk) error {
	return translate(s.db.WithContext(ctx).Create(chunk).Error)
}

// GetChunk returns a chunk row by id with its node and file preloaded.
func (s *Store) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	var chunk model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("id = ?", id).First(&chunk).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chunk, nil
}

// UpdateChunkStatus transitions a chunk row to the given status.
func (s *Store) UpdateChunkStatus(ctx context.Context, id string, status model.ChunkStatus) error {
	return translate(s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("id = ?", id).
		Update("status", status).Error)
}

// RepairChunkRow points a repaired primary at its rewritten object and
// returns it to uploaded in one update.
func (s *Store) RepairChunkRow(ctx context.Context, id string, objectKey string, nodeID uint) error {
	return translate(s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"object_key": objectKey,
			"node_id":    nodeID,
			"status":     model.ChunkUploaded,
		}).Error)
}

// DeleteChunk removes a chunk row.
func (s *Store) DeleteChunk(ctx context.Context, id string) error {
	return translate(s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Chunk{}).Error)
}

// PrimaryChunk returns the primary row for (file, chunk number).
func (s *Store) PrimaryChunk(ctx context.Context, fileID string, number int) (*model.Chunk, error) {
	var chunk model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("file_id = ? AND chunk_number = ? AND is_replica = ?", fileID, number, false).
		First(&chunk).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chunk, nil
}

// UploadedCopies returns every uploaded row (primary and replicas) for a
// chunk number, primaries first.
func (s *Store) UploadedCopies(ctx context.Context, fileID string, number int) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("file_id = ? AND chunk_number = ? AND status = ?", fileID, number, model.ChunkUploaded).
		Order("is_replica, id").
		Find(&chunks).Error
	if err != nil {
		return nil, translate(err)
	}
	return chunks, nil
}

// UploadedReplicas returns the uploaded replica rows for a chunk number.
func (s *Store) UploadedReplicas(ctx context.Context, fileID string, number int) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("file_id = ? AND chunk_number = ? AND is_replica = ? AND status = ?",
			fileID, number, true, model.ChunkUploaded).
		Order("id").
		Find(&chunks).Error
	if err != nil {
		return nil, translate(err)
	}
	return chunks, nil
}

// CountUploadedReplicas counts uploaded replica rows for a chunk number.
func (s *Store) CountUploadedReplicas(ctx context.Context, fileID string, number int) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("file_id = ? AND chunk_number = ? AND is_replica = ? AND status = ?",
			fileID, number, true, model.ChunkUploaded).
		Count(&n).Error
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// HasUploadedReplica reports whether any uploaded replica exists for a
// chunk number.
func (s *Store) HasUploadedReplica(ctx context.Context, fileID string, number int) (bool, error) {
	n, err := s.CountUploadedReplicas(ctx, fileID, number)
	return n > 0, err
}

// ReplicaExists reports whether a replica row already exists for the
// chunk number on the given node, in any status.
func (s *Store) ReplicaExists(ctx context.Context, fileID string, number int, nodeID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("file_id = ? AND chunk_number = ? AND is_replica = ? AND node_id = ?",
			fileID, number, true, nodeID).
		Count(&n).Error
	if err != nil {
		return false, translate(err)
	}
	return n > 0, nil
}

// NodesHoldingChunk returns the distinct node ids holding any copy of a
// chunk number, regardless of row status.
func (s *Store) NodesHoldingChunk(ctx context.Context, fileID string, number int) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("file_id = ? AND chunk_number = ? AND node_id IS NOT NULL", fileID, number).
		Distinct("node_id").
		Pluck("node_id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

// PrimaryChunksForFile returns all primary rows for a file ordered by
// chunk number, in any status.
func (s *Store) PrimaryChunksForFile(ctx context.Context, fileID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("file_id = ? AND is_replica = ?", fileID, false).
		Order("chunk_number").
		Find(&chunks).Error
	if err != nil {
		return nil, translate(err)
	}
	return chunks, nil
}

// ChunksForFile returns every row for a file, primaries and replicas,
// ordered by chunk number.
func (s *Store) ChunksForFile(ctx context.Context, fileID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("file_id = ?", fileID).
		Order("chunk_number, is_replica").
		Find(&chunks).Error
	if err != nil {
		return nil, translate(err)
	}
	return chunks, nil
}

// UploadedChunkNumbers returns the distinct chunk numbers for which the
// file has at least one uploaded row, ascending.
func (s *Store) UploadedChunkNumbers(ctx context.Context, fileID string) ([]int, error) {
	var numbers []int
	err := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("file_id = ? AND status = ?", fileID, model.ChunkUploaded).
		Distinct("chunk_number").
		Order("chunk_number").
		Pluck("chunk_number", &numbers).Error
	if err != nil {
		return nil, translate(err)
	}
	return numbers, nil
}

// UploadedPrimaries returns every uploaded primary row in the system.
// Used by the replication sweep.
func (s *Store) UploadedPrimaries(ctx context.Context) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("is_replica = ? AND status = ?", false, model.ChunkUploaded).
		Order("file_id, chunk_number").
		Find(&chunks).Error
	if err != nil {
		return nil, translate(err)
	}
	return chunks, nil
}

// UploadedChunks returns every uploaded row in the system. Used by the
// verify sweep.
func (s *Store) UploadedChunks(ctx context.Context) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("status = ?", model.ChunkUploaded).
		Order("file_id, chunk_number, is_replica").
		Find(&chunks).Error
	if err != nil {
		return nil, translate(err)
	}
	return chunks, nil
}

// UploadedChunksOnNode returns every uploaded row stored on one node.
func (s *Store) UploadedChunksOnNode(ctx context.Context, nodeID uint) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.WithContext(ctx).
		Preload("Node").Preload("File").
		Where("node_id = ? AND status = ?", nodeID, model.ChunkUploaded).
		Order("file_id, chunk_number").
		Find(&chunks).Error
	if err != nil {
		return nil, translate(err)
	}
	return chunks, nil
}

// ChunkCountsByNode returns the number of chunk rows stored per node.
// This is the load metric used by placement.
func (s *Store) ChunkCountsByNode(ctx context.Context) (map[uint]int64, error) {
	type row struct {
		NodeID uint
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Select("node_id, COUNT(*) AS n").
		Where("node_id IS NOT NULL").
		Group("node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.NodeID] = r.N
	}
	return counts, nil
}

// ChunkStatusCounts returns system-wide chunk row counts per status.
func (s *Store) ChunkStatusCounts(ctx context.Context) (map[model.ChunkStatus]int64, error) {
	return s.chunkStatusCounts(ctx, 0)
}

// NodeChunkStatusCounts returns chunk row counts per status for one node.
func (s *Store) NodeChunkStatusCounts(ctx context.Context, nodeID uint) (map[model.ChunkStatus]int64, error) {
	return s.chunkStatusCounts(ctx, nodeID)
}

func (s *Store) chunkStatusCounts(ctx context.Context, nodeID uint) (map[model.ChunkStatus]int64, error) {
	type row struct {
		Status model.ChunkStatus
		N      int64
	}
	q := s.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Select("status, COUNT(*) AS n").
		Group("status")
	if nodeID != 0 {
		q = q.Where("node_id = ?", nodeID)
	}
	var rows []row
	if err := q.Scan(&rows).Error; err != nil {
		return nil, translate(err)
	}
	counts := make(map[model.ChunkStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
