// Package telemetry holds the Prometheus collectors the pipeline reports to.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metricflow"

// Metrics groups every pipeline collector. Workers receive it by pointer and
// only ever call Inc/Add/Observe/Set on it.
type Metrics struct {
	// AggregationIn counts records entering a worker; level is "l1" or "l2".
	AggregationIn *prometheus.CounterVec
	// Dropped counts records rejected by a full or stopped queue.
	Dropped *prometheus.CounterVec
	// ExpiredRejected counts records rejected by the TTL check before queueing.
	ExpiredRejected *prometheus.CounterVec
	// RemoteSend counts remote dispatch outcomes; outcome is "ok" or "error".
	RemoteSend *prometheus.CounterVec
	// Requests counts prepared storage requests; kind is "insert" or "update".
	Requests *prometheus.CounterVec
	// RecordErrors counts records skipped after a DAO error.
	RecordErrors *prometheus.CounterVec
	SessionSize  *prometheus.GaugeVec
	QueueLength  *prometheus.GaugeVec

	PrepareLatency   prometheus.Histogram
	ExecuteLatency   prometheus.Histogram
	AllLatency       prometheus.Histogram
	PersistenceError prometheus.Counter
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration, which tests use to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AggregationIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_in_total",
			Help:      "Records accepted by aggregation workers",
		}, []string{"stream", "level"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Records dropped because a queue was full or stopped",
		}, []string{"stream", "stage"}),
		ExpiredRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_rejected_total",
			Help:      "Records rejected because their bucket is outside retention",
		}, []string{"stream"}),
		RemoteSend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_send_total",
			Help:      "Remote dispatch attempts by outcome",
		}, []string{"stream", "outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_requests_total",
			Help:      "Storage requests prepared by persistent workers",
		}, []string{"stream", "kind"}),
		RecordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_record_errors_total",
			Help:      "Records skipped for the round after a storage error",
		}, []string{"stream"}),
		SessionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_cache_entries",
			Help:      "Entries held in a persistent worker session cache",
		}, []string{"stream"}),
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Records waiting in a worker queue",
		}, []string{"stream", "stage"}),
		PrepareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persistence_prepare_seconds",
			Help:      "Time spent building batch requests per round",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		ExecuteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persistence_execute_seconds",
			Help:      "Time spent executing one chunk of requests",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		AllLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persistence_round_seconds",
			Help:      "Wall time of a whole persistence round",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PersistenceError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed batch executions",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AggregationIn, m.Dropped, m.ExpiredRejected, m.RemoteSend,
			m.Requests, m.RecordErrors, m.SessionSize, m.QueueLength,
			m.PrepareLatency, m.ExecuteLatency, m.AllLatency, m.PersistenceError,
		)
	}
	return m
}
