package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the six signal families the teacher's engine
// tracks (graph/metrics.go), relabeled for the message-based runtime:
// inflight nodes, queue depth, step latency, retries, idempotency
// conflicts (the teacher's "merge conflicts", since there's no longer a
// reducer to merge into), and backpressure events.
type PrometheusMetrics struct {
	InflightNodes         prometheus.Gauge
	QueueDepth            prometheus.Gauge
	StepLatencyMs         prometheus.Histogram
	RetriesTotal          prometheus.Counter
	IdempotencyConflicts  prometheus.Counter
	BackpressureEvents    prometheus.Counter
}

// NewPrometheusMetrics registers the six metrics against reg (pass
// prometheus.DefaultRegisterer for the global registry).
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		InflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "arborflow", Name: "inflight_nodes", Help: "Nodes currently executing.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "arborflow", Name: "queue_depth", Help: "Frontier queue depth for fan-out scheduling.",
		}),
		StepLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arborflow", Name: "step_latency_ms", Help: "Node execution latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arborflow", Name: "retries_total", Help: "Total retry attempts across all nodes.",
		}),
		IdempotencyConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arborflow", Name: "idempotency_conflicts_total", Help: "Idempotency fingerprint collisions detected.",
		}),
		BackpressureEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arborflow", Name: "backpressure_events_total", Help: "Frontier backpressure events.",
		}),
	}
}

func (m *PrometheusMetrics) nodeStarted() {
	if m == nil {
		return
	}
	m.InflightNodes.Inc()
}

func (m *PrometheusMetrics) nodeFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.InflightNodes.Dec()
	m.StepLatencyMs.Observe(float64(d.Milliseconds()))
}

func (m *PrometheusMetrics) retried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}
