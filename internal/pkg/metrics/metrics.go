// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pawnwatch"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// NotificationsEnqueued counts accepted queue items by template kind.
	NotificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "enqueued_total",
			Help:      "Number of notifications enqueued",
		},
		[]string{"template_kind", "priority"},
	)

	// NotificationsProcessed counts per-attempt dispatch outcomes.
	NotificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "processed_total",
			Help:      "Number of notification dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// NotificationDispatchDuration tracks render-plus-send latency per item.
	NotificationDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent rendering and dispatching one notification",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// BatchSize tracks how many items each scheduler pass claims.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "batch_size",
			Help:      "Number of items claimed per batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)

	// ProviderEvents counts webhook events by type and result.
	ProviderEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "provider_events_total",
			Help:      "Number of provider webhook events by type and result",
		},
		[]string{"type", "result"},
	)

	// SuppressionsCreated counts suppression entries by scope and reason.
	SuppressionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "suppressions_created_total",
			Help:      "Number of suppression entries created",
		},
		[]string{"scope", "reason"},
	)
)
