// Package metrics exposes the engine's Prometheus instrumentation.
// Metrics are optional: when the registry was never initialized every
// recording method is a no-op, so callers never guard their calls.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry creates the process registry with the standard Go and
// process collectors. Calling it twice returns the same registry.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return registry
}

// Enabled reports whether InitRegistry has been called.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// Handler returns the HTTP handler serving the registry, or nil when
// metrics are disabled.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// EngineMetrics is the engine's metric set. A nil *EngineMetrics is
// valid and records nothing.
type EngineMetrics struct {
	uploadsTotal    *prometheus.CounterVec
	chunksUploaded  prometheus.Counter
	bytesUploaded   prometheus.Counter
	downloadsTotal  *prometheus.CounterVec
	cacheHitsTotal  prometheus.Counter
	replicasCreated prometheus.Counter
	repairsTotal    *prometheus.CounterVec
	pendingBacklog  prometheus.Gauge
	availableNodes  prometheus.Gauge
}

// NewEngineMetrics registers the engine metric set, or returns nil when
// metrics are disabled.
func NewEngineMetrics() *EngineMetrics {
	mu.Lock()
	reg := registry
	mu.Unlock()
	if reg == nil {
		return nil
	}

	return &EngineMetrics{
		uploadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiltfs_uploads_total",
			Help: "Total file uploads by outcome",
		}, []string{"outcome"}),
		chunksUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiltfs_chunks_uploaded_total",
			Help: "Total primary chunks committed",
		}),
		bytesUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiltfs_bytes_uploaded_total",
			Help: "Total bytes committed across all uploads",
		}),
		downloadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiltfs_downloads_total",
			Help: "Total file downloads by outcome",
		}, []string{"outcome"}),
		cacheHitsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiltfs_cache_hits_total",
			Help: "Downloads served from the whole-file cache",
		}),
		replicasCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiltfs_replicas_created_total",
			Help: "Total replica objects created",
		}),
		repairsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiltfs_repairs_total",
			Help: "Primary repair attempts by outcome",
		}, []string{"outcome"}),
		pendingBacklog: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quiltfs_pending_replications",
			Help: "Current size of the pending-replication backlog",
		}),
		availableNodes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quiltfs_available_nodes",
			Help: "Active nodes currently answering their health probe",
		}),
	}
}

// ObserveUpload records a finished upload.
func (m *EngineMetrics) ObserveUpload(outcome string, chunks int, bytes int64) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	m.chunksUploaded.Add(float64(chunks))
	m.bytesUploaded.Add(float64(bytes))
}

// ObserveDownload records a finished download.
func (m *EngineMetrics) ObserveDownload(outcome string, fromCache bool) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(outcome).Inc()
	if fromCache {
		m.cacheHitsTotal.Inc()
	}
}

// ObserveReplicas records created replicas.
func (m *EngineMetrics) ObserveReplicas(created int) {
	if m == nil {
		return
	}
	m.replicasCreated.Add(float64(created))
}

// ObserveRepairs records repair outcomes from a verify sweep.
func (m *EngineMetrics) ObserveRepairs(repaired, unrepairable int) {
	if m == nil {
		return
	}
	m.repairsTotal.WithLabelValues("repaired").Add(float64(repaired))
	m.repairsTotal.WithLabelValues("unrepairable").Add(float64(unrepairable))
}

// SetPendingBacklog records the current backlog size.
func (m *EngineMetrics) SetPendingBacklog(n int64) {
	if m == nil {
		return
	}
	m.pendingBacklog.Set(float64(n))
}

// SetAvailableNodes records the current available-node count.
func (m *EngineMetrics) SetAvailableNodes(n int) {
	if m == nil {
		return
	}
	m.availableNodes.Set(float64(n))
}
