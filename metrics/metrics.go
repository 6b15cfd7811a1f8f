package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Catalog requests
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "romscraper_requests_total",
		Help: "Catalog requests that reached the network, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"}) // outcome: ok, not_found, quota_exceeded, service_closed, transient, protocol

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "romscraper_retries_total",
		Help: "Retries scheduled after a retryable failure.",
	}, []string{"reason"}) // reason: transient, service_closed

	// Quota
	QuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "romscraper_quota_remaining",
		Help: "Requests left in the current rolling day window, as seen locally.",
	})

	ThrottleWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "romscraper_throttle_wait_seconds",
		Help:    "Time spent waiting for the quota governor before a dispatch.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	// Media
	MediaDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "romscraper_media_downloads_total",
		Help: "Media download attempts by category and status.",
	}, []string{"category", "status"}) // status: ok, missing, failed

	MediaBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "romscraper_media_bytes_total",
		Help: "Bytes of media written to disk.",
	})

	// Hashing
	HashDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "romscraper_hash_duration_seconds",
		Help:    "Duration of ROM fingerprinting in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordHashDuration records the time taken to fingerprint one file.
func RecordHashDuration(start time.Time) {
	HashDuration.Observe(time.Since(start).Seconds())
}

// RecordThrottle records a governor-imposed wait.
func RecordThrottle(wait time.Duration) {
	ThrottleWait.Observe(wait.Seconds())
}
