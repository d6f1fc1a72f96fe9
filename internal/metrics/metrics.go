// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccessDecisions counts access control outcomes
	// (admitted, missing_key, invalid_key, forbidden, ip_denied, rate_limited, store_error).
	AccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiongate_access_decisions_total",
		Help: "Total number of access control decisions by outcome",
	}, []string{"outcome"})

	// RateLimiterErrors counts limiter backend failures that admitted the request.
	RateLimiterErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visiongate_rate_limiter_errors_total",
		Help: "Rate limiter backend errors; affected requests were admitted",
	})

	// UsageLogFailures counts usage events that could not be recorded.
	UsageLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visiongate_usage_log_failures_total",
		Help: "Total number of usage log writes that failed",
	})

	// KeyLifecycle counts key lifecycle events (generated, revoked, deleted).
	KeyLifecycle = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiongate_key_lifecycle_total",
		Help: "API key lifecycle events",
	}, []string{"event"})

	// RequestDuration tracks HTTP handling time per route pattern.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visiongate_http_request_duration_seconds",
		Help:    "Histogram of HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	// ClassifierRequests counts calls to the model server by result.
	ClassifierRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visiongate_classifier_requests_total",
		Help: "Requests forwarded to the model server",
	}, []string{"result"})
)
