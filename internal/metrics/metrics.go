// Package metrics defines the Prometheus instrumentation exposed on
// the management API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts firehose commit events processed, by event kind.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushbridge_events_processed_total",
		Help: "Total firehose events processed, by kind.",
	}, []string{"kind"})

	// NotificationsSent counts push notifications dispatched, by kind and outcome.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushbridge_notifications_sent_total",
		Help: "Total push notifications dispatched, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// HandleCacheHits counts handle resolver cache hits/misses by tier.
	HandleCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushbridge_handle_cache_total",
		Help: "Handle resolver cache lookups, by tier and result.",
	}, []string{"tier", "result"})

	// PostCacheHits counts post resolver cache hits/misses by tier.
	PostCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushbridge_post_cache_total",
		Help: "Post resolver cache lookups, by tier and result.",
	}, []string{"tier", "result"})

	// EventProcessingTime is registered for end-to-end time from decode
	// to dispatch; no code path observes it, so it stays empty.
	EventProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushbridge_event_processing_seconds",
		Help:    "Time to classify and dispatch a single firehose event.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// HandleResolutionTime measures handle resolver network latency.
	HandleResolutionTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushbridge_handle_resolution_seconds",
		Help:    "Time spent resolving a DID to a handle over the network.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// PostFetchTime measures post resolver network latency.
	PostFetchTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushbridge_post_fetch_seconds",
		Help:    "Time spent fetching post content over the network.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// PostBatchSize records how many URIs were coalesced into one fetch.
	PostBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushbridge_post_batch_size",
		Help:    "Number of post URIs coalesced into a single batch fetch.",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25},
	})

	// PostBatchLatency records the duration of each coalesced batch
	// fetch; the time a request waits in the queue is not measured.
	PostBatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushbridge_post_batch_latency_seconds",
		Help:    "Duration of a coalesced batch fetch of post URIs.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5},
	})

	// CircuitBreakerState is registered for the post resolver circuit
	// breaker state (0=closed, 1=half-open, 2=open). No code path sets
	// it, so it always reads 0; post.Resolver.BreakerState returns the
	// live value.
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushbridge_post_circuit_breaker_state",
		Help: "Post resolver circuit breaker state: 0=closed, 1=half-open, 2=open.",
	})

	// FirehoseReconnects counts consumer reconnect attempts.
	FirehoseReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushbridge_firehose_reconnects_total",
		Help: "Total firehose reconnect attempts.",
	})

	// DevicesDeactivated counts devices removed after a gateway reported them inactive.
	DevicesDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushbridge_devices_deactivated_total",
		Help: "Devices removed after the push gateway reported them as inactive.",
	})
)
