package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for graph execution.
//
// Metrics exposed (all namespaced with "threadgraph_"):
//
//  1. inflight_nodes (gauge): nodes currently executing across all threads.
//  2. node_latency_ms (histogram): node execution duration.
//     Labels: node_id, status (success, error, interrupt).
//  3. checkpoints_total (counter): checkpoints written.
//     Labels: source (input, loop, update, fork, interrupt).
//  4. interrupts_total (counter): threads paused.
//     Labels: kind (before, after, dynamic).
//  5. resumes_total (counter): invocations that carried a resume value.
//  6. node_errors_total (counter): node failures, including recovered panics.
//     Labels: node_id.
//  7. retries_total (counter): retry attempts made by RetryNode.
//     Labels: node_id.
//
// Thread IDs are deliberately not used as labels; they are unbounded.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine := graph.New(reducer, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	nodeLatency   *prometheus.HistogramVec
	checkpoints   *prometheus.CounterVec
	interrupts    *prometheus.CounterVec
	resumes       prometheus.Counter
	nodeErrors    *prometheus.CounterVec
	retries       *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all graph execution metrics
// with registry. A nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadgraph",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently executing",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadgraph",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_id", "status"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadgraph",
			Name:      "checkpoints_total",
			Help:      "Checkpoints appended to the store",
		}, []string{"source"}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadgraph",
			Name:      "interrupts_total",
			Help:      "Threads paused awaiting external input",
		}, []string{"kind"}),
		resumes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "threadgraph",
			Name:      "resumes_total",
			Help:      "Invocations that delivered a resume value",
		}),
		nodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadgraph",
			Name:      "node_errors_total",
			Help:      "Node executions that failed or panicked",
		}, []string{"node_id"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadgraph",
			Name:      "retries_total",
			Help:      "Retry attempts made after a retryable node failure",
		}, []string{"node_id"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordNodeLatency observes one node execution.
// Status is "success", "error" or "interrupt".
func (pm *PrometheusMetrics) RecordNodeLatency(nodeID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.nodeLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementCheckpoints counts one appended checkpoint.
func (pm *PrometheusMetrics) IncrementCheckpoints(source string) {
	if !pm.on() {
		return
	}
	pm.checkpoints.WithLabelValues(source).Inc()
}

// IncrementInterrupts counts one pause.
func (pm *PrometheusMetrics) IncrementInterrupts(kind string) {
	if !pm.on() {
		return
	}
	pm.interrupts.WithLabelValues(kind).Inc()
}

// IncrementResumes counts one delivered resume value.
func (pm *PrometheusMetrics) IncrementResumes() {
	if !pm.on() {
		return
	}
	pm.resumes.Inc()
}

// IncrementNodeErrors counts one failed node execution.
func (pm *PrometheusMetrics) IncrementNodeErrors(nodeID string) {
	if !pm.on() {
		return
	}
	pm.nodeErrors.WithLabelValues(nodeID).Inc()
}

// IncrementRetries counts one retry attempt.
func (pm *PrometheusMetrics) IncrementRetries(nodeID string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(nodeID).Inc()
}

func (pm *PrometheusMetrics) nodeStarted() {
	if pm.on() {
		pm.inflightNodes.Inc()
	}
}

func (pm *PrometheusMetrics) nodeFinished() {
	if pm.on() {
		pm.inflightNodes.Dec()
	}
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
