// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ManifestsIngested counts successful entity upserts from ingestion.
	ManifestsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrixhub_manifests_ingested_total",
		Help: "Manifests successfully ingested, by remote outcome.",
	}, []string{"status"})

	// IngestErrors counts per-item ingestion failures.
	IngestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matrixhub_ingest_errors_total",
		Help: "Manifest-level ingestion failures.",
	})

	// GatewayRegistrations counts gateway registration attempts by outcome.
	GatewayRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrixhub_gateway_registrations_total",
		Help: "Gateway registration attempts, by outcome.",
	}, []string{"outcome"})

	// SearchRequests counts search calls by mode.
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrixhub_search_requests_total",
		Help: "Search requests, by mode.",
	}, []string{"mode"})

	// SearchCacheHits counts searches served from the ETag/result cache,
	// including 304 conditional responses.
	SearchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matrixhub_search_cache_hits_total",
		Help: "Search responses served from cache.",
	})

	// SearchLatency observes end-to-end search handler latency.
	SearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matrixhub_search_duration_seconds",
		Help:    "Search request latency.",
		Buckets: prometheus.DefBuckets,
	})

	// Installs counts install executions by outcome.
	Installs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrixhub_installs_total",
		Help: "Install executions, by outcome.",
	}, []string{"outcome"})
)
