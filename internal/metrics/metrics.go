// Package metrics registers the prometheus collectors for the engine and its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonal_cache_requests_total",
			Help: "Artifact cache lookups by prefix and result",
		},
		[]string{"prefix", "result"},
	)

	cacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonal_cache_writes_total",
			Help: "Artifacts written to the cache by prefix",
		},
		[]string{"prefix"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zonal_stage_duration_seconds",
			Help:    "Engine stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"stage"},
	)

	droppedFeatures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonal_dropped_features_total",
			Help: "Features skipped by the engine by reason",
		},
		[]string{"reason"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonal_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zonal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Cache lookup results.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultExpired = "expired"
)

// RecordCacheLookup counts one cache lookup.
func RecordCacheLookup(prefix, result string) {
	cacheRequests.WithLabelValues(prefix, result).Inc()
}

// RecordCacheWrite counts one persisted artifact.
func RecordCacheWrite(prefix string) {
	cacheWrites.WithLabelValues(prefix).Inc()
}

// ObserveStage records how long an engine stage took.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDropped counts a feature skipped for reason.
func RecordDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	droppedFeatures.WithLabelValues(reason).Add(float64(n))
}

// RecordHTTP records one served request.
func RecordHTTP(route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
