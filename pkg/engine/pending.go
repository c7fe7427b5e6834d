package engine

import (
	"context"
	"time"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// DrainerConfig holds pending-queue drain knobs.
type DrainerConfig struct {
	// MaxAttempts caps the attempt counter: while its target stays
	// unreachable, a row at or past it is skipped and retained for
	// operator inspection; once the target answers again the row is still
	// processed. Default 5.
	MaxAttempts int

	// Interval is the period of the background drain loop. Default 60s.
	Interval time.Duration
}

// ApplyDefaults fills in zero fields.
func (c *DrainerConfig) ApplyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
}

// DrainStats reports one drain cycle.
type DrainStats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Drainer works through the pending-replication backlog: replicas whose
// target node was unreachable when they were wanted. Each row is claimed
// exclusively before processing so concurrent drainers never replicate
// the same chunk to the same target twice.
type Drainer struct {
	store      *store.Store
	monitor    *cluster.Monitor
	replicator *Replicator
	cfg        DrainerConfig
}

// NewDrainer creates a drainer.
func NewDrainer(st *store.Store, monitor *cluster.Monitor, replicator *Replicator, cfg DrainerConfig) *Drainer {
	cfg.ApplyDefaults()
	return &Drainer{store: st, monitor: monitor, replicator: replicator, cfg: cfg}
}

// DrainOnce runs one pass over the backlog. Rows whose target is still
// unreachable get their counter bumped, or are skipped once it has
// reached the attempt limit; rows whose target is reachable, whatever
// their counter, are claimed, replicated, and deleted on success or
// re-queued with a bumped counter on failure.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainStats, error) {
	return d.drain(ctx, d.cfg.MaxAttempts)
}

// DrainWithLimit runs one pass with an explicit attempt limit,
// overriding the configured default. Used by the administrative surface.
func (d *Drainer) DrainWithLimit(ctx context.Context, maxAttempts int) (DrainStats, error) {
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	return d.drain(ctx, maxAttempts)
}

func (d *Drainer) drain(ctx context.Context, maxAttempts int) (DrainStats, error) {
	var stats DrainStats

	rows, err := d.store.ListPending(ctx)
	if err != nil {
		return stats, err
	}
	if len(rows) == 0 {
		return stats, nil
	}
	logger.Info("draining pending replications", "backlog", len(rows))

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		row := &rows[i]

		if row.Chunk == nil || row.TargetNode == nil {
			stats.Skipped++
			continue
		}

		if !row.TargetNode.IsActive() || !d.monitor.Available(ctx, row.TargetNode) {
			// The attempt cap only stops waiting on targets that stay
			// down; a row at the cap is retained untouched so the
			// replica is still created the moment the node returns.
			if row.Attempts >= maxAttempts {
				logger.Warn("pending replication at attempt limit, leaving row",
					"chunk", row.ChunkID, "target", row.TargetNode.Name, "attempts", row.Attempts)
				stats.Skipped++
				continue
			}
			owned, err := d.store.BumpPendingIfAttempts(ctx, row.ID, row.Attempts, time.Now())
			if err != nil {
				return stats, err
			}
			if owned {
				logger.Debug("target still unreachable", "chunk", row.ChunkID, "target", row.TargetNode.Name)
			}
			stats.Skipped++
			continue
		}

		// Deleting under the attempts guard is the exclusive claim on
		// this row; a failed attempt re-inserts it with the counter
		// bumped.
		owned, err := d.store.ClaimPendingIfAttempts(ctx, row.ID, row.Attempts)
		if err != nil {
			return stats, err
		}
		if !owned {
			continue
		}

		if err := d.replicator.CreateReplicaOnNode(ctx, row.Chunk, row.TargetNode); err != nil {
			logger.Warn("pending replication failed",
				"chunk", row.ChunkID, "target", row.TargetNode.Name, "error", err)
			if rqErr := d.store.RequeuePending(ctx, row.ChunkID, row.TargetNodeID, row.Attempts+1, time.Now()); rqErr != nil {
				logger.Error("re-queueing pending replication failed", "chunk", row.ChunkID, "error", rqErr)
			}
			stats.Failed++
			continue
		}
		logger.Info("pending replication completed", "chunk", row.ChunkID, "target", row.TargetNode.Name)
		stats.Processed++
	}
	return stats, nil
}

// Run drains on a timer and whenever the monitor reports a target node
// transitioning back online, until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	logger.Info("pending-replication drainer started", "interval", d.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("pending-replication drainer stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-d.monitor.DrainSignals():
		}
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("drain cycle failed", "error", err)
		}
	}
}
