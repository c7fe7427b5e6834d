package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/quiltfs/quiltfs/pkg/model"
)

// EnqueuePending records the intent to replicate a chunk to a node that
// is currently unreachable. Enqueueing the same (chunk, target) pair
// twice is a no-op.
func (s *Store) EnqueuePending(ctx context.Context, chunkID string, targetNodeID uint) error {
	err := s.db.WithContext(ctx).Create(&model.PendingReplication{
		ChunkID:      chunkID,
		TargetNodeID: targetNodeID,
	}).Error
	if errors.Is(translate(err), ErrConflict) {
		return nil
	}
	return translate(err)
}

// ListPending returns the whole backlog with chunks and target nodes
// preloaded, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]model.PendingReplication, error) {
	var rows []model.PendingReplication
	err := s.db.WithContext(ctx).
		Preload("Chunk").Preload("Chunk.File").Preload("Chunk.Node").Preload("TargetNode").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

// PendingTargetNodeIDs returns the distinct node ids that have backlog
// entries targeted at them. The monitor watches these for offline→online
// transitions.
func (s *Store) PendingTargetNodeIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&model.PendingReplication{}).
		Distinct("target_node_id").
		Pluck("target_node_id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

// CountPending returns the backlog size.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.PendingReplication{}).Count(&n).Error; err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// BumpPendingIfAttempts increments a backlog row's attempt counter and
// stamps the attempt time, but only if the counter still has its
// expected value. The conditional update is the claim: when false is
// returned another drainer got there first and this row must be left
// alone this cycle.
func (s *Store) BumpPendingIfAttempts(ctx context.Context, id uint, expected int, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.PendingReplication{}).
		Where("id = ? AND attempts = ?", id, expected).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": at,
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimPendingIfAttempts removes a backlog row, but only if its attempt
// counter still has its expected value. Deletion is the exclusive claim:
// true means this drainer owns the replication attempt; if it then
// fails, the row is re-queued with RequeuePending.
func (s *Store) ClaimPendingIfAttempts(ctx context.Context, id uint, expected int) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND attempts = ?", id, expected).
		Delete(&model.PendingReplication{})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RequeuePending re-inserts a claimed backlog row after a failed
// replication attempt, with the counter bumped. A conflicting row means
// someone re-enqueued the same intent concurrently, which is fine.
func (s *Store) RequeuePending(ctx context.Context, chunkID string, targetNodeID uint, attempts int, at time.Time) error {
	err := s.db.WithContext(ctx).Create(&model.PendingReplication{
		ChunkID:       chunkID,
		TargetNodeID:  targetNodeID,
		Attempts:      attempts,
		LastAttemptAt: &at,
	}).Error
	if errors.Is(translate(err), ErrConflict) {
		return nil
	}
	return translate(err)
}
