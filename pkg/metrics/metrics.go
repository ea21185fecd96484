package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingress metrics
	IngressEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapevine_ingress_events_total",
			Help: "Total number of ingested events by outcome",
		},
		[]string{"outcome"},
	)

	IngressDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grapevine_ingress_duration_seconds",
			Help:    "Time spent in each ingress pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	IngressQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grapevine_ingress_queue_depth",
			Help: "Total number of events waiting in per-room ingress queues",
		},
	)

	PendingEventsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grapevine_pending_events_total",
			Help: "Total number of events parked awaiting missing ancestors",
		},
	)

	BackfillRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapevine_backfill_requests_total",
			Help: "Total number of backfill requests by result",
		},
		[]string{"result"},
	)

	// State resolution metrics
	StateResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapevine_state_resolutions_total",
			Help: "Total number of state resolutions by algorithm",
		},
		[]string{"algorithm"},
	)

	StateResolutionConflicts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grapevine_state_resolution_conflicts",
			Help:    "Number of conflicted state entries per resolution",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	StateResolutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grapevine_state_resolution_duration_seconds",
			Help:    "State resolution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)

	// Store metrics
	StorePutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapevine_store_puts_total",
			Help: "Total number of event store writes by result",
		},
		[]string{"result"},
	)

	RoomsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grapevine_rooms_total",
			Help: "Total number of rooms known to the store",
		},
	)

	// Signing key metrics
	KeyCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grapevine_key_cache_hits_total",
			Help: "Total number of signing key cache hits",
		},
	)

	KeyCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grapevine_key_cache_misses_total",
			Help: "Total number of signing key cache misses",
		},
	)

	// Stream metrics
	StreamPosition = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grapevine_stream_position",
			Help: "Highest stream ordering assigned across all rooms",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(IngressEventsTotal)
	prometheus.MustRegister(IngressDuration)
	prometheus.MustRegister(IngressQueueDepth)
	prometheus.MustRegister(PendingEventsTotal)
	prometheus.MustRegister(BackfillRequestsTotal)
	prometheus.MustRegister(StateResolutionsTotal)
	prometheus.MustRegister(StateResolutionConflicts)
	prometheus.MustRegister(StateResolutionDuration)
	prometheus.MustRegister(StorePutsTotal)
	prometheus.MustRegister(RoomsTotal)
	prometheus.MustRegister(KeyCacheHits)
	prometheus.MustRegister(KeyCacheMisses)
	prometheus.MustRegister(StreamPosition)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
