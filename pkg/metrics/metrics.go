// Package metrics holds the Prometheus instruments exposed at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument behind one registry so tests can build
// isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	SearchDuration   *prometheus.HistogramVec
	StateDuration    *prometheus.HistogramVec
	FilterDecisions  *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	LLMCalls         *prometheus.CounterVec
	LLMDuration      prometheus.Histogram
	BreakerState     *prometheus.GaugeVec
	SSEConnections   prometheus.Gauge
	JobsProcessed    *prometheus.CounterVec
	SourceFetchTotal *prometheus.CounterVec
}

// New builds the registry with Go runtime and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SearchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radar",
			Name:      "search_duration_seconds",
			Help:      "End-to-end search duration by response state.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"response_state"}),
		StateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radar",
			Name:      "search_state_duration_seconds",
			Help:      "Time spent in each pipeline state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		FilterDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Name:      "filter_decisions_total",
			Help:      "Filter outcomes by rejection reason; accepted records use reason=accepted.",
		}, []string{"reason"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and outcome.",
		}, []string{"tier", "outcome"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Name:      "llm_calls_total",
			Help:      "LLM calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		LLMDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "radar",
			Name:      "llm_call_duration_seconds",
			Help:      "LLM call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "radar",
			Name:      "circuit_breaker_open",
			Help:      "1 when the named source breaker is open.",
		}, []string{"source"}),
		SSEConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "radar",
			Name:      "sse_connections",
			Help:      "Currently open progress streams.",
		}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Name:      "jobs_processed_total",
			Help:      "Background jobs by type and outcome.",
		}, []string{"type", "outcome"}),
		SourceFetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Name:      "source_fetch_total",
			Help:      "Per-source fetch outcomes.",
		}, []string{"source", "status"}),
	}
}

// ObserveState adapts the pipeline's state duration callback.
func (m *Metrics) ObserveState(state string, d time.Duration) {
	m.StateDuration.WithLabelValues(state).Observe(d.Seconds())
}
