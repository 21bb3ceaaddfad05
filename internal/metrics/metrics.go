// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gochat"

var (
	// HTTPRequests counts REST requests by method, route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes REST request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// Connections is the number of open WebSocket sessions.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open WebSocket sessions.",
	})

	// OnlineUsers is the number of identities with at least one session.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Identities with at least one open session.",
	})

	// Frames counts inbound WebSocket frames by type and outcome.
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_frames_total",
		Help:      "Inbound WebSocket frames by type and outcome.",
	}, []string{"type", "outcome"})

	// Messages counts delivery pipeline submissions by outcome.
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Message submissions by outcome.",
	}, []string{"outcome"})

	// BroadcastDropped counts frames that could not be queued for a subscriber.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Frames dropped because a subscriber queue was full.",
	})

	// RateLimited counts frames rejected by the per-connection limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Inbound frames rejected by the rate limiter.",
	})

	// AssistantCalls counts provider calls by model and outcome.
	AssistantCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assistant_calls_total",
		Help:      "Provider calls by model and outcome.",
	}, []string{"model", "outcome"})

	// AssistantDuration observes whole gateway invocations.
	AssistantDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assistant_duration_seconds",
		Help:      "Gateway invocation latency including retries.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"outcome"})
)
