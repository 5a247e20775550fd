// Package metrics holds the Prometheus collectors shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal tracks dispatched requests per operation kind and outcome
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securelink_dispatch_total",
			Help: "Total number of dispatched service requests",
		},
		[]string{"kind", "outcome"},
	)

	// DispatchLatency tracks time to obtain a flow from the transport
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securelink_dispatch_latency_seconds",
			Help:    "Dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// StreamItemsTotal tracks server-pushed items per outcome
	StreamItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securelink_stream_items_total",
			Help: "Total number of inbound stream items",
		},
		[]string{"kind", "outcome"},
	)

	// RetryAttemptsTotal tracks failed attempts by classification
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securelink_retry_attempts_total",
			Help: "Total number of failed attempts seen by the resilience engine",
		},
		[]string{"operation", "classification"},
	)

	// TrackedOperations tracks the size of the retry tracking table
	TrackedOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "securelink_tracked_operations",
			Help: "Operations currently tracked by the resilience engine",
		},
		[]string{"state"},
	)

	// RecoveriesTotal tracks channel recovery attempts
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securelink_recoveries_total",
			Help: "Total number of channel recovery attempts",
		},
		[]string{"path", "result"},
	)

	// ChannelTransitionsTotal tracks channel state machine transitions
	ChannelTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securelink_channel_transitions_total",
			Help: "Total number of channel state transitions",
		},
		[]string{"from", "to"},
	)

	// QueueDepth tracks pending deferred operations
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "securelink_queue_depth",
			Help: "Number of pending deferred operations",
		},
	)

	// QueueExecutionsTotal tracks deferred operation outcomes
	QueueExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securelink_queue_executions_total",
			Help: "Total number of deferred operation executions",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage tracks the database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "securelink_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
