// Package metrics provides Prometheus metrics for the credential store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the credential store metrics.
type Metrics struct {
	OperationsTotal *prometheus.CounterVec // completed facade operations by kind
	RetriesTotal    *prometheus.CounterVec // optimistic-concurrency retries by operation
	CascadeOpsTotal *prometheus.CounterVec // cascade unlink/delete ops by kind
	BundleSize      prometheus.Histogram   // documents per loaded bundle closure
}

// New creates a Metrics instance with all metrics registered on the default
// registerer.
func New() *Metrics {
	return &Metrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vcvault_credstore_operations_total",
			Help: "Completed credential store operations by kind (insert, upsert, delete)",
		}, []string{"op"}),

		RetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vcvault_credstore_retries_total",
			Help: "Optimistic concurrency retries by operation",
		}, []string{"op"}),

		CascadeOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vcvault_credstore_cascade_ops_total",
			Help: "Bundle cascade operations by kind (update, delete)",
		}, []string{"kind"}),

		BundleSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vcvault_credstore_bundle_size",
			Help:    "Number of sub-documents per loaded bundle closure",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
	}
}

// RecordOperation counts a completed facade operation.
func (m *Metrics) RecordOperation(op string) {
	m.OperationsTotal.WithLabelValues(op).Inc()
}

// RecordRetry counts one optimistic-concurrency retry.
func (m *Metrics) RecordRetry(op string) {
	m.RetriesTotal.WithLabelValues(op).Inc()
}

// RecordCascadeOp counts one cascade unlink or delete.
func (m *Metrics) RecordCascadeOp(kind string) {
	m.CascadeOpsTotal.WithLabelValues(kind).Inc()
}

// ObserveBundleSize records the size of a loaded bundle closure.
func (m *Metrics) ObserveBundleSize(n int) {
	m.BundleSize.Observe(float64(n))
}
