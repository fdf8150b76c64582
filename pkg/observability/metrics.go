package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP-level metrics, recorded by the metrics middleware.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Retrieval metrics.
var (
	// SearchSkippedHits counts individual search hits dropped during
	// response parsing instead of silently swallowing them.
	SearchSkippedHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_skipped_hits_total",
		Help: "Count of search hits skipped due to parse failures.",
	})

	SearchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_retries_total",
		Help: "Count of retried search calls.",
	})
)
