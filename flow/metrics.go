package flow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. Pass a registerer (often
// prometheus.DefaultRegisterer) to NewMetrics and hand the result to the
// engine via WithMetrics; a nil Metrics disables instrumentation.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	NodesTotal        *prometheus.CounterVec
	NodeDuration      *prometheus.HistogramVec
	NodeRetriesTotal  *prometheus.CounterVec
	RetrievalBranches *prometheus.CounterVec
}

// NewMetrics builds and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "executions_total",
			Help:      "Workflow executions by terminal status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowrun",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of workflow executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		NodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "nodes_total",
			Help:      "Node terminal outcomes by node type and status.",
		}, []string{"node_type", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrun",
			Name:      "node_duration_seconds",
			Help:      "Duration of node executions by node type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"node_type"}),
		NodeRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "node_retries_total",
			Help:      "In-process node retry attempts by node type.",
		}, []string{"node_type"}),
		RetrievalBranches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "retrieval_branches_total",
			Help:      "Retrieval branch attempts by strategy and status.",
		}, []string{"strategy", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.NodesTotal,
			m.NodeDuration,
			m.NodeRetriesTotal,
			m.RetrievalBranches,
		)
	}
	return m
}

func (m *Metrics) observeExecution(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(seconds)
}

func (m *Metrics) observeNode(nodeType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.NodesTotal.WithLabelValues(nodeType, status).Inc()
	m.NodeDuration.WithLabelValues(nodeType).Observe(seconds)
}

func (m *Metrics) observeRetry(nodeType string) {
	if m == nil {
		return
	}
	m.NodeRetriesTotal.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) observeRetrieval(strategy, status string) {
	if m == nil {
		return
	}
	m.RetrievalBranches.WithLabelValues(strategy, status).Inc()
}
