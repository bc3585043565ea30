// Package metrics holds the prometheus collectors of the engine and its RPC service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/futlize/vectordb/internal/resources"
)

// LatencyBuckets covers sub-millisecond lookups up to multi-second scans.
var LatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	Operations      *prometheus.CounterVec
	OperationTime   *prometheus.HistogramVec
	Indexes         prometheus.Gauge
	IndexEntries    *prometheus.GaugeVec
	SkippedEntries  prometheus.Counter
	CacheLookups    *prometheus.CounterVec
	GuardrailDenied *prometheus.CounterVec

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vectordb_operations_total",
				Help: "Registry operations by name and outcome",
			},
			[]string{"op", "outcome"},
		),
		OperationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vectordb_operation_duration_seconds",
				Help:    "Registry operation latency",
				Buckets: LatencyBuckets,
			},
			[]string{"op"},
		),
		Indexes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vectordb_indexes",
				Help: "Open indexes",
			},
		),
		IndexEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vectordb_index_entries",
				Help: "Stored entries per index",
			},
			[]string{"index"},
		),
		SkippedEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vectordb_search_skipped_entries_total",
				Help: "Entries excluded from ranking because their distance was undefined",
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vectordb_search_cache_lookups_total",
				Help: "Search cache lookups by result",
			},
			[]string{"result"},
		),
		GuardrailDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vectordb_guardrail_rejections_total",
				Help: "Requests rejected by a service guardrail",
			},
			[]string{"guardrail"},
		),
		reg: reg,
	}
	reg.MustRegister(
		m.Operations,
		m.OperationTime,
		m.Indexes,
		m.IndexEntries,
		m.SkippedEntries,
		m.CacheLookups,
		m.GuardrailDenied,
	)
	return m
}

// ObserveOp records one finished operation. outcome is a dberr.Label value.
func (m *Metrics) ObserveOp(op, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationTime.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetIndexCount(n int) {
	if m == nil {
		return
	}
	m.Indexes.Set(float64(n))
}

func (m *Metrics) SetIndexEntries(index string, n int) {
	if m == nil {
		return
	}
	m.IndexEntries.WithLabelValues(index).Set(float64(n))
}

func (m *Metrics) ForgetIndex(index string) {
	if m == nil {
		return
	}
	m.IndexEntries.DeleteLabelValues(index)
}

func (m *Metrics) AddSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SkippedEntries.Add(float64(n))
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) GuardrailRejected(name string) {
	if m == nil {
		return
	}
	m.GuardrailDenied.WithLabelValues(name).Inc()
}

// RegisterResources exports the manager's worker and memory state as gauges
// sampled at scrape time.
func (m *Metrics) RegisterResources(mgr *resources.Manager) {
	if m == nil || mgr == nil {
		return
	}
	gauge := func(name, help string, value func(resources.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return value(mgr.Stats()) },
		)
	}
	m.reg.MustRegister(
		gauge("vectordb_workers_active", "Worker slots in use", func(s resources.Stats) float64 {
			return float64(s.ActiveWorkers)
		}),
		gauge("vectordb_workers_max", "Worker slot limit", func(s resources.Stats) float64 {
			return float64(s.MaxWorkers)
		}),
		gauge("vectordb_memory_usage_bytes", "Sampled process memory", func(s resources.Stats) float64 {
			return float64(s.MemoryUsageBytes)
		}),
		gauge("vectordb_memory_budget_bytes", "Memory budget", func(s resources.Stats) float64 {
			return float64(s.MemoryBudgetBytes)
		}),
		gauge("vectordb_writes_throttled", "1 while inserts are held back by memory pressure", func(s resources.Stats) float64 {
			if s.WritesThrottled {
				return 1
			}
			return 0
		}),
	)
}
