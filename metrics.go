// molangcomplete/metrics.go
// Prometheus counters for schema loading, resolution, caching, inference and indexing.
package molangcomplete

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsPrefix = "molangcomplete"

// Metrics groups the service's Prometheus collectors on a private registry.
// All observe methods are nil-safe so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	schemaLoads    *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	memberMapCache *prometheus.CounterVec
	inferences     *prometheus.CounterVec
	indexedFiles   prometheus.Gauge
	indexedDefs    prometheus.Gauge
	indexEvents    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.schemaLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_schema_loads_total",
			Help: "Schema load attempts by outcome",
		},
		[]string{"outcome"},
	)
	m.resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_resolutions_total",
			Help: "Chain and function resolutions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	m.memberMapCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_member_map_cache_total",
			Help: "Composed member map cache lookups by result",
		},
		[]string{"result"},
	)
	m.inferences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_runtime_inferences_total",
			Help: "Runtime context inferences by the heuristic that succeeded",
		},
		[]string{"source"},
	)
	m.indexedFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "_index_files",
		Help: "MoLang files currently in the workspace function index",
	})
	m.indexedDefs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "_index_definitions",
		Help: "fn() definitions currently in the workspace function index",
	})
	m.indexEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_index_events_total",
			Help: "Workspace index updates by kind",
		},
		[]string{"kind"},
	)

	reg.MustRegister(
		m.schemaLoads,
		m.resolutions,
		m.memberMapCache,
		m.inferences,
		m.indexedFiles,
		m.indexedDefs,
		m.indexEvents,
	)
	reg.MustRegister(prometheus.NewGoCollector())
	return m
}

// Registry exposes the registry for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func outcomeLabel(ok bool) string {
	if ok {
		return "hit"
	}
	return "miss"
}

func (m *Metrics) observeSchemaLoad(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.schemaLoads.WithLabelValues("loaded").Inc()
	} else {
		m.schemaLoads.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) observeResolution(operation string, ok bool) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(operation, outcomeLabel(ok)).Inc()
}

func (m *Metrics) observeMemberMapCache(hit bool) {
	if m == nil {
		return
	}
	m.memberMapCache.WithLabelValues(outcomeLabel(hit)).Inc()
}

func (m *Metrics) observeInference(source string) {
	if m == nil {
		return
	}
	m.inferences.WithLabelValues(source).Inc()
}

func (m *Metrics) setIndexSize(files, defs int) {
	if m == nil {
		return
	}
	m.indexedFiles.Set(float64(files))
	m.indexedDefs.Set(float64(defs))
}

func (m *Metrics) observeIndexEvent(kind string) {
	if m == nil {
		return
	}
	m.indexEvents.WithLabelValues(kind).Inc()
}
