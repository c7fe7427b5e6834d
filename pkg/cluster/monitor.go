// Package cluster tracks node liveness and chooses nodes for chunk
// placement. The monitor keeps a TTL-cached load-stats map refreshed
// under a single-flight guard, elects the primary node, and runs the
// periodic loop that watches for nodes coming back online so the
// pending-replication backlog can be drained.
package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/backend"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// ErrNoActiveNodes indicates no node is administratively active, so no
// primary can be elected.
var ErrNoActiveNodes = errors.New("no active nodes")

// LoadStat is one node's cached load snapshot.
type LoadStat struct {
	ChunkCount int64
	Available  bool
}

// MonitorConfig holds monitor tuning knobs.
type MonitorConfig struct {
	// Interval is the period of the background loop. Default 60s.
	Interval time.Duration

	// StatsTTL bounds the age of the load-stats cache. A read past the
	// TTL triggers a refresh. Default 60s.
	StatsTTL time.Duration

	// ProbeTimeout bounds a single health probe. Default 5s.
	ProbeTimeout time.Duration
}

// ApplyDefaults fills in zero fields.
func (c *MonitorConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.StatsTTL == 0 {
		c.StatsTTL = 60 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Monitor answers node-availability questions, maintains the load-stats
// cache, and elects the primary node.
type Monitor struct {
	store  *store.Store
	dialer backend.Dialer
	cfg    MonitorConfig

	mu      sync.RWMutex
	stats   map[uint]LoadStat
	statsAt time.Time

	group singleflight.Group

	drainCh chan struct{}
	offline map[uint]bool // pending-replication targets last seen unreachable
}

// NewMonitor creates a monitor over the given store and dialer.
func NewMonitor(st *store.Store, dialer backend.Dialer, cfg MonitorConfig) *Monitor {
	cfg.ApplyDefaults()
	return &Monitor{
		store:   st,
		dialer:  dialer,
		cfg:     cfg,
		drainCh: make(chan struct{}, 1),
		offline: make(map[uint]bool),
	}
}

// Available probes a node's readiness endpoint within the probe timeout.
func (m *Monitor) Available(ctx context.Context, node *model.Node) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	client, err := m.dialer.Dial(ctx, node)
	if err != nil {
		return false
	}
	return client.HealthReady(ctx) == nil
}

// LoadStats returns the cached node_id → load map, refreshing it if it
// is older than the TTL. Concurrent readers past the TTL cause at most
// one refresh.
func (m *Monitor) LoadStats(ctx context.Context) (map[uint]LoadStat, error) {
	m.mu.RLock()
	fresh := m.stats != nil && time.Since(m.statsAt) < m.cfg.StatsTTL
	cached := m.stats
	m.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	v, err, _ := m.group.Do("load-stats", func() (any, error) {
		return m.refreshStats(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[uint]LoadStat), nil
}

// InvalidateStats drops the cache so the next read refreshes. Used by
// administrative actions that change node topology.
func (m *Monitor) InvalidateStats() {
	m.mu.Lock()
	m.stats = nil
	m.mu.Unlock()
}

func (m *Monitor) refreshStats(ctx context.Context) (map[uint]LoadStat, error) {
	nodes, err := m.store.ListActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.ChunkCountsByNode(ctx)
	if err != nil {
		return nil, err
	}

	stats := make(map[uint]LoadStat, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		stats[node.ID] = LoadStat{
			ChunkCount: counts[node.ID],
			Available:  m.Available(ctx, node),
		}
	}

	m.mu.Lock()
	m.stats = stats
	m.statsAt = time.Now()
	m.mu.Unlock()
	return stats, nil
}

// AvailableCount returns how many active nodes currently answer their
// health probe, per the load-stats cache.
func (m *Monitor) AvailableCount(ctx context.Context) (int, error) {
	stats, err := m.LoadStats(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stats {
		if s.Available {
			n++
		}
	}
	return n, nil
}

// ElectPrimary returns the current primary node, electing one if no
// active node carries the flag. The election runs inside a metadata
// transaction that clears every other flag, so at most one active node
// is primary at any instant. Returns ErrNoActiveNodes when the cluster
// has no active node at all.
func (m *Monitor) ElectPrimary(ctx context.Context) (*model.Node, error) {
	var elected *model.Node
	err := m.store.WithTransaction(ctx, func(tx *store.Store) error {
		primary, err := tx.PrimaryNode(ctx)
		if err == nil {
			elected = primary
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		candidates, err := tx.ListActiveNodes(ctx) // priority asc, id asc
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return ErrNoActiveNodes
		}
		candidate := &candidates[0]
		if err := tx.MarkPrimary(ctx, candidate.ID); err != nil {
			return err
		}
		candidate.IsPrimary = true
		elected = candidate
		logger.Info("elected new primary node", "node", candidate.Name, "id", candidate.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return elected, nil
}

// DrainSignals delivers one signal per monitor tick that detects at least
// one offline→online transition among nodes with pending replications,
// however many nodes came back in that tick. The channel has a
// one-slot buffer; coalesced signals are fine since a drain cycle
// processes the whole backlog.
func (m *Monitor) DrainSignals() <-chan struct{} {
	return m.drainCh
}

// Run executes the monitor loop until ctx is cancelled: refreshes load
// stats, re-elects the primary if the flag has been lost, and watches
// pending-replication target nodes for offline→online transitions.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	logger.Info("node monitor started", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("node monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if _, err := m.refreshStats(ctx); err != nil {
		logger.Warn("load stats refresh failed", "error", err)
	}

	if _, err := m.ElectPrimary(ctx); err != nil && !errors.Is(err, ErrNoActiveNodes) {
		logger.Warn("primary election failed", "error", err)
	}

	m.watchPendingTargets(ctx)
}

// watchPendingTargets probes the nodes referenced by the backlog and
// signals the drainer when one of them transitions back online.
func (m *Monitor) watchPendingTargets(ctx context.Context) {
	ids, err := m.store.PendingTargetNodeIDs(ctx)
	if err != nil {
		logger.Warn("listing pending-replication targets failed", "error", err)
		return
	}
	if len(ids) == 0 {
		m.mu.Lock()
		m.offline = make(map[uint]bool)
		m.mu.Unlock()
		return
	}

	cameOnline := false
	seen := make(map[uint]bool, len(ids))
	for _, id := range ids {
		node, err := m.store.GetNode(ctx, id)
		if err != nil || !node.IsActive() {
			continue
		}
		available := m.Available(ctx, node)
		seen[id] = true

		m.mu.Lock()
		wasOffline := m.offline[id]
		if available && wasOffline {
			cameOnline = true
			delete(m.offline, id)
			logger.Info("node back online, scheduling backlog drain", "node", node.Name)
		}
		if !available {
			m.offline[id] = true
		}
		m.mu.Unlock()
	}

	// Forget nodes that no longer have backlog entries.
	m.mu.Lock()
	for id := range m.offline {
		if !seen[id] {
			delete(m.offline, id)
		}
	}
	m.mu.Unlock()

	if cameOnline {
		select {
		case m.drainCh <- struct{}{}:
		default:
		}
	}
}
