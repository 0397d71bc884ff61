// Package metrics holds the Prometheus instrumentation shared by the
// gateway, indexer, and reporter binaries. This is in-process
// observability only; it is distinct from pkg/analytics, which is the
// external analytics point-writer collaborator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups the metrics for one binary under one prometheus.Registerer.
type Registry struct {
	RetrievalRequests    *prometheus.CounterVec
	RetrievalBytesServed prometheus.Counter
	CandidatesExhausted  prometheus.Counter
	CacheResults         *prometheus.CounterVec
	QuotaDecrements      *prometheus.CounterVec
	WebhookEvents        *prometheus.CounterVec
	ReporterBatchSize    prometheus.Histogram
	GasBumps             prometheus.Counter
	MonitorOutcomes      *prometheus.CounterVec
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RetrievalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "gateway",
			Name:      "retrieval_requests_total",
			Help:      "Retrieval requests by HTTP status code.",
		}, []string{"status"}),
		RetrievalBytesServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "gateway",
			Name:      "retrieval_bytes_served_total",
			Help:      "Total egress bytes streamed to clients.",
		}),
		CandidatesExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "gateway",
			Name:      "candidates_exhausted_total",
			Help:      "Retrievals that exhausted every candidate data set.",
		}),
		CacheResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "gateway",
			Name:      "origin_cache_results_total",
			Help:      "Origin cache lookups by result (hit/miss).",
		}, []string{"result"}),
		QuotaDecrements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "gateway",
			Name:      "quota_decrements_total",
			Help:      "Quota decrement operations by quota kind.",
		}, []string{"kind"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "indexer",
			Name:      "webhook_events_total",
			Help:      "Webhook events processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReporterBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "filbeam",
			Subsystem: "reporter",
			Name:      "batch_data_sets",
			Help:      "Number of data sets included in a usage rollup batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		GasBumps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "txmonitor",
			Name:      "gas_bumps_total",
			Help:      "Number of gas-bumped transaction replacements submitted.",
		}),
		MonitorOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filbeam",
			Subsystem: "txmonitor",
			Name:      "outcomes_total",
			Help:      "Transaction monitor workflow outcomes.",
		}, []string{"outcome"}),
	}
}
