package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the audit write path.
type Metrics struct {
	QueueDepth     prometheus.Gauge
	Appended       prometheus.Counter
	Dropped        prometheus.Counter
	BatchRecords   prometheus.Histogram
	FlushFailures  prometheus.Counter
	VerifyFailures prometheus.Counter
}

// NewMetrics registers the audit metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lacuna_audit_queue_depth",
			Help: "Records waiting in the audit write queue.",
		}),
		Appended: factory.NewCounter(prometheus.CounterOpts{
			Name: "lacuna_audit_records_appended_total",
			Help: "Audit records persisted to the chain.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lacuna_audit_records_dropped_total",
			Help: "Audit records dropped under queue backpressure.",
		}),
		BatchRecords: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lacuna_audit_batch_records",
			Help:    "Records per persisted batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lacuna_audit_flush_failures_total",
			Help: "Failed batch persist attempts (retried with the same batch).",
		}),
		VerifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lacuna_audit_verify_failures_total",
			Help: "Integrity verifications that found a broken chain.",
		}),
	}
}
