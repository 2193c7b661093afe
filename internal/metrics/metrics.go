// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts validation requests by result code.
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "validations_total",
		Help:      "Validation requests by result code",
	}, []string{"code"})

	// ValidationLatency tracks end-to-end validation latency.
	ValidationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "geoguard",
		Name:      "validation_latency_seconds",
		Help:      "End-to-end validation latency",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// CacheTierOps counts spatial cache lookups by tier and outcome
	// (hit, miss, error).
	CacheTierOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "spatial_cache_ops_total",
		Help:      "Spatial cache lookups by tier and outcome",
	}, []string{"tier", "outcome"})

	// DetectorSignals counts anti-spoof detector firings.
	DetectorSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "integrity_signals_total",
		Help:      "Anti-spoof detector signals by detector and severity",
	}, []string{"detector", "severity"})

	// SpeedLockouts counts sessions placed under speed lockout.
	SpeedLockouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "speed_lockouts_total",
		Help:      "Sessions placed under speed lockout",
	})

	// AuditWriteFailures counts swallowed audit-write errors.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "audit_write_failures_total",
		Help:      "Audit writes that failed and were swallowed",
	})

	// RateLimited counts requests rejected by the rate-limit middleware.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geoguard",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-user rate limiter",
	})
)
