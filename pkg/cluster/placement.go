package cluster

import (
	"context"
	"errors"
	"slices"

	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// ErrNoAvailableNodes indicates no active node currently answers its
// health probe, so nothing can be placed or served.
var ErrNoAvailableNodes = errors.New("no available nodes")

// Placement chooses target nodes for new chunks and source nodes for
// reads, using the monitor's cached load stats.
type Placement struct {
	store   *store.Store
	monitor *Monitor
}

// NewPlacement creates a placement helper over the store and monitor.
func NewPlacement(st *store.Store, monitor *Monitor) *Placement {
	return &Placement{store: st, monitor: monitor}
}

// SelectForUpload chooses the active, currently-available node with the
// smallest chunk count, excluding the given node ids. Load ties break by
// lowest priority, then lowest id. When no candidate is available the
// elected primary serves as fallback if it answers its probe; otherwise
// ErrNoAvailableNodes.
func (p *Placement) SelectForUpload(ctx context.Context, exclude []uint) (*model.Node, error) {
	nodes, err := p.store.ListActiveNodes(ctx) // priority asc, id asc
	if err != nil {
		return nil, err
	}
	stats, err := p.monitor.LoadStats(ctx)
	if err != nil {
		return nil, err
	}

	var best *model.Node
	var bestLoad int64
	for i := range nodes {
		node := &nodes[i]
		if slices.Contains(exclude, node.ID) {
			continue
		}
		stat, ok := stats[node.ID]
		if !ok || !stat.Available {
			continue
		}
		// Strict comparison: on equal load the earlier node wins, and
		// the list is already ordered by (priority, id).
		if best == nil || stat.ChunkCount < bestLoad {
			best = node
			bestLoad = stat.ChunkCount
		}
	}
	if best != nil {
		return best, nil
	}

	// Fall back to the elected primary if it is itself reachable and
	// not excluded.
	primary, err := p.monitor.ElectPrimary(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveNodes) {
			return nil, ErrNoAvailableNodes
		}
		return nil, err
	}
	if !slices.Contains(exclude, primary.ID) && p.monitor.Available(ctx, primary) {
		return primary, nil
	}
	return nil, ErrNoAvailableNodes
}

// SelectForChunk chooses the node to serve an existing chunk from: the
// primary row's node when it is active, available, and not excluded;
// else a replica row's node with the same properties; else a fresh
// upload target.
func (p *Placement) SelectForChunk(ctx context.Context, fileID string, number int, exclude []uint) (*model.Node, error) {
	primary, err := p.store.PrimaryChunk(ctx, fileID, number)
	if err == nil && primary.Status == model.ChunkUploaded {
		if node := p.usable(ctx, primary.Node, exclude); node != nil {
			return node, nil
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	replicas, err := p.store.UploadedReplicas(ctx, fileID, number)
	if err != nil {
		return nil, err
	}
	for i := range replicas {
		if node := p.usable(ctx, replicas[i].Node, exclude); node != nil {
			return node, nil
		}
	}

	return p.SelectForUpload(ctx, exclude)
}

// usable returns the node if it is active, not excluded, and answers
// its health probe; nil otherwise.
func (p *Placement) usable(ctx context.Context, node *model.Node, exclude []uint) *model.Node {
	if node == nil || !node.IsActive() || slices.Contains(exclude, node.ID) {
		return nil
	}
	if !p.monitor.Available(ctx, node) {
		return nil
	}
	return node
}
