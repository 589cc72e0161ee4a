// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Package metrics provides Prometheus instrumentation for Affinity.
//
// Collectors cover the recommend path, the retrain lifecycle, the distributed
// lock protocol, the version-qualified cache, and the HTTP surface. All
// collectors are registered with the default registry via promauto and
// exposed by the /metrics endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recommendation metrics
	RecommendRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recommend_requests_total",
			Help: "Number of recommend calls",
		},
	)

	RecommendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recommend_latency_seconds",
			Help:    "Latency of uncached recommendation computation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// Retrain metrics
	RetrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrain_duration_seconds",
			Help:    "Time spent retraining the model",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
		},
	)

	RetrainTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrain_total",
			Help: "Retrain invocations by outcome",
		},
		[]string{"outcome"}, // "retrained", "skipped", "failed"
	)

	// Lock metrics
	LockAcquireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_acquire_total",
			Help: "Total lock acquire attempts",
		},
	)

	LockAcquireFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_acquire_failed_total",
			Help: "Failed lock acquire attempts",
		},
	)

	LockReleaseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_release_total",
			Help: "Total lock releases",
		},
	)

	LockReleaseFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_release_failed_total",
			Help: "Store-level lock release failures",
		},
	)

	// Cache metrics
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Recommendation cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Recommendation cache misses (including fail-open errors)",
		},
	)

	CacheErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Cache backend errors treated as misses",
		},
	)

	CacheBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_breaker_state",
			Help: "Cache circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)
)

// RecordAPIRequest records request count and latency for an endpoint.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the active request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordRetrain records one retrain invocation with its outcome label.
func RecordRetrain(outcome string, duration time.Duration) {
	RetrainTotal.WithLabelValues(outcome).Inc()
	RetrainDuration.Observe(duration.Seconds())
}
