// Package health aggregates node, file, and system health snapshots.
// Thresholds follow the operational rule of thumb that a cluster can
// lose a quarter of its nodes and a few percent of its chunks before an
// operator needs to act.
package health

import (
	"context"
	"time"

	"github.com/quiltfs/quiltfs/pkg/engine"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// Status is a coarse health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	// StatusOffline is reported for nodes that are not administratively
	// active.
	StatusOffline Status = "offline"
)

// NodeCounts summarizes chunk rows on one node or cluster-wide.
type NodeCounts struct {
	Total            int64   `json:"total"`
	Corrupt          int64   `json:"corrupt"`
	Failed           int64   `json:"failed"`
	HealthPercentage float64 `json:"health_percentage"`
}

// SystemSnapshot is the overall system health report.
type SystemSnapshot struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Nodes     struct {
		Total            int64   `json:"total"`
		Active           int64   `json:"active"`
		HealthPercentage float64 `json:"health_percentage"`
	} `json:"nodes"`
	Files struct {
		Total int64 `json:"total"`
	} `json:"files"`
	Chunks NodeCounts `json:"chunks"`
}

// NodeSnapshot is the health report for one node.
type NodeSnapshot struct {
	ID        uint             `json:"id"`
	Name      string           `json:"name"`
	Address   string           `json:"address"`
	Status    model.NodeStatus `json:"status"`
	Health    Status           `json:"health_status"`
	Chunks    NodeCounts       `json:"chunks"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// FileSnapshot is the health report for one file.
type FileSnapshot struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	OriginalFilename string    `json:"original_filename"`
	SizeBytes        int64     `json:"size_bytes"`
	CanRecover       bool      `json:"can_recover"`
	Health           Status    `json:"health_status"`
	UploadedAt       time.Time `json:"uploaded_at"`
	Chunks           struct {
		Total            int64   `json:"total"`
		Corrupt          int64   `json:"corrupt"`
		Failed           int64   `json:"failed"`
		Missing          int     `json:"missing"`
		MissingNumbers   []int   `json:"missing_numbers"`
		Unrecoverable    []int   `json:"unrecoverable"`
		HealthPercentage float64 `json:"health_percentage"`
	} `json:"chunks"`
}

// Reporter computes health snapshots from the metadata store, deferring
// recoverability questions to the replicator.
type Reporter struct {
	store      *store.Store
	replicator *engine.Replicator
}

// NewReporter creates a reporter.
func NewReporter(st *store.Store, replicator *engine.Replicator) *Reporter {
	return &Reporter{store: st, replicator: replicator}
}

// OverallStatus computes system-wide node and chunk health and maps them
// to healthy / warning / critical.
func (r *Reporter) OverallStatus(ctx context.Context) (SystemSnapshot, error) {
	var snap SystemSnapshot
	snap.Timestamp = time.Now().UTC()

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return snap, err
	}
	snap.Nodes.Total = int64(len(nodes))
	for i := range nodes {
		if nodes[i].IsActive() {
			snap.Nodes.Active++
		}
	}

	snap.Files.Total, err = r.store.CountFiles(ctx)
	if err != nil {
		return snap, err
	}

	counts, err := r.store.ChunkStatusCounts(ctx)
	if err != nil {
		return snap, err
	}
	snap.Chunks = chunkCounts(counts)

	nodeHealth := 0.0
	if snap.Nodes.Total > 0 {
		nodeHealth = float64(snap.Nodes.Active) / float64(snap.Nodes.Total) * 100
	}
	snap.Nodes.HealthPercentage = round1(nodeHealth)

	switch {
	case nodeHealth < 50 || snap.Chunks.HealthPercentage < 80:
		snap.Status = StatusCritical
	case nodeHealth < 75 || snap.Chunks.HealthPercentage < 95:
		snap.Status = StatusWarning
	default:
		snap.Status = StatusHealthy
	}
	return snap, nil
}

// NodeHealth reports one node's health: offline when not active,
// otherwise classified by its local chunk health with the 95% / 80%
// thresholds.
func (r *Reporter) NodeHealth(ctx context.Context, node *model.Node) (NodeSnapshot, error) {
	snap := NodeSnapshot{
		ID:        node.ID,
		Name:      node.Name,
		Address:   node.Address,
		Status:    node.Status,
		UpdatedAt: node.UpdatedAt,
	}

	counts, err := r.store.NodeChunkStatusCounts(ctx, node.ID)
	if err != nil {
		return snap, err
	}

	if !node.IsActive() {
		snap.Health = StatusOffline
		snap.Chunks.Total = total(counts)
		return snap, nil
	}

	snap.Chunks = chunkCounts(counts)
	switch {
	case snap.Chunks.HealthPercentage < 80:
		snap.Health = StatusCritical
	case snap.Chunks.HealthPercentage < 95:
		snap.Health = StatusWarning
	default:
		snap.Health = StatusHealthy
	}
	return snap, nil
}

// FileHealth reports one file's health: critical when it cannot be
// recovered, warning when any primary is corrupt, failed, or missing but
// replicas cover the damage, healthy otherwise.
func (r *Reporter) FileHealth(ctx context.Context, file *model.StoredFile) (FileSnapshot, error) {
	snap := FileSnapshot{
		ID:               file.ID,
		Name:             file.Name,
		OriginalFilename: file.OriginalFilename,
		SizeBytes:        file.SizeBytes,
		UploadedAt:       file.UploadedAt,
	}

	primaries, err := r.store.PrimaryChunksForFile(ctx, file.ID)
	if err != nil {
		return snap, err
	}
	for i := range primaries {
		snap.Chunks.Total++
		switch primaries[i].Status {
		case model.ChunkCorrupt:
			snap.Chunks.Corrupt++
		case model.ChunkFailed:
			snap.Chunks.Failed++
		}
	}

	integrity, err := r.replicator.CheckFileIntegrity(ctx, file)
	if err != nil {
		return snap, err
	}
	snap.CanRecover = integrity.Recoverable
	snap.Chunks.MissingNumbers = integrity.MissingNumbers
	snap.Chunks.Missing = len(integrity.MissingNumbers)

	// Numbers with neither a healthy primary nor an uploaded replica.
	for _, n := range integrity.MissingNumbers {
		ok, err := r.store.HasUploadedReplica(ctx, file.ID, n)
		if err != nil {
			return snap, err
		}
		if !ok {
			snap.Chunks.Unrecoverable = append(snap.Chunks.Unrecoverable, n)
		}
	}
	for i := range integrity.CorruptPrimaries {
		n := integrity.CorruptPrimaries[i].ChunkNumber
		ok, err := r.store.HasUploadedReplica(ctx, file.ID, n)
		if err != nil {
			return snap, err
		}
		if !ok {
			snap.Chunks.Unrecoverable = append(snap.Chunks.Unrecoverable, n)
		}
	}

	if snap.Chunks.Total > 0 {
		healthy := snap.Chunks.Total - snap.Chunks.Corrupt - snap.Chunks.Failed - int64(snap.Chunks.Missing)
		if healthy < 0 {
			healthy = 0
		}
		snap.Chunks.HealthPercentage = round1(float64(healthy) / float64(snap.Chunks.Total) * 100)
	}

	switch {
	case !snap.CanRecover:
		snap.Health = StatusCritical
	case snap.Chunks.Corrupt > 0 || snap.Chunks.Failed > 0 || snap.Chunks.Missing > 0:
		snap.Health = StatusWarning
	default:
		snap.Health = StatusHealthy
	}
	return snap, nil
}

func chunkCounts(counts map[model.ChunkStatus]int64) NodeCounts {
	c := NodeCounts{
		Total:   total(counts),
		Corrupt: counts[model.ChunkCorrupt],
		Failed:  counts[model.ChunkFailed],
	}
	if c.Total > 0 {
		c.HealthPercentage = round1(float64(c.Total-c.Corrupt-c.Failed) / float64(c.Total) * 100)
	} else {
		c.HealthPercentage = 100
	}
	return c
}

func total(counts map[model.ChunkStatus]int64) int64 {
	var n int64
	for _, v := range counts {
		n += v
	}
	return n
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
