package store

import (
	"context"
	"fmt"

	"github.com/quiltfs/quiltfs/pkg/model"
)

// CreateNode inserts a new node. Name collisions return ErrConflict.
func (s *Store) CreateNode(ctx context.Context, node *model.Node) error {
	return translate(s.db.WithContext(ctx).Create(node).Error)
}

// GetNode returns a node by id.
func (s *Store) GetNode(ctx context.Context, id uint) (*model.Node, error) {
	var node model.Node
	if err := s.db.WithContext(ctx).First(&node, id).Error; err != nil {
		return nil, translate(err)
	}
	return &node, nil
}

// GetNodeByName returns a node by its unique name.
func (s *Store) GetNodeByName(ctx context.Context, name string) (*model.Node, error) {
	var node model.Node
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&node).Error; err != nil {
		return nil, translate(err)
	}
	return &node, nil
}

// ListNodes returns all nodes ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	var nodes []model.Node
	if err := s.db.WithContext(ctx).Order("id").Find(&nodes).Error; err != nil {
		return nil, translate(err)
	}
	return nodes, nil
}

// ListActiveNodes returns active nodes ordered by ascending priority,
// ties broken by lowest id.
func (s *Store) ListActiveNodes(ctx context.Context) ([]model.Node, error) {
	var nodes []model.Node
	err := s.db.WithContext(ctx).
		Where("status = ?", model.NodeActive).
		Order("priority, id").
		Find(&nodes).Error
	if err != nil {
		return nil, translate(err)
	}
	return nodes, nil
}

// SetNodeStatus updates a node's administrative status. Demoting the
// current primary to a non-active status also clears its primary flag so
// the monitor elects a replacement.
func (s *Store) SetNodeStatus(ctx context.Context, id uint, status model.NodeStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid node status %q", status)
	}
	return s.WithTransaction(ctx, func(tx *Store) error {
		node, err := tx.GetNode(ctx, id)
		if err != nil {
			return err
		}
		updates := map[string]any{"status": status}
		if node.IsPrimary && status != model.NodeActive {
			updates["is_primary"] = false
		}
		return translate(tx.db.Model(&model.Node{}).Where("id = ?", id).Updates(updates).Error)
	})
}

// PrimaryNode returns the active node currently flagged primary, or
// ErrNotFound if none is.
func (s *Store) PrimaryNode(ctx context.Context) (*model.Node, error) {
	var node model.Node
	err := s.db.WithContext(ctx).
		Where("is_primary = ? AND status = ?", true, model.NodeActive).
		First(&node).Error
	if err != nil {
		return nil, translate(err)
	}
	return &node, nil
}

// MarkPrimary flags the given node as primary. The transaction clears
// every other primary flag first, so at most one active node carries the
// flag at any instant. The node must be active.
func (s *Store) MarkPrimary(ctx context.Context, id uint) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		node, err := tx.GetNode(ctx, id)
		if err != nil {
			return err
		}
		if !node.IsActive() {
			return fmt.Errorf("node %d is %s, only active nodes can be primary", id, node.Status)
		}
		if err := tx.db.Model(&model.Node{}).
			Where("is_primary = ? AND id <> ?", true, id).
			Update("is_primary", false).Error; err != nil {
			return translate(err)
		}
		return translate(tx.db.Model(&model.Node{}).Where("id = ?", id).Update("is_primary", true).Error)
	})
}

// ClearPrimary removes the primary flag from all nodes.
func (s *Store) ClearPrimary(ctx context.Context) error {
	return translate(s.db.WithContext(ctx).
		Model(&model.Node{}).
		Where("is_primary = ?", true).
		Update("is_primary", false).Error)
}
