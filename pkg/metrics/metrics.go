// Package metrics holds the Prometheus collectors of the mailman daemon.
// All collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailman_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)
)

// Inbound mail
var (
	LMTPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_lmtp_messages_total",
			Help: "Messages delivered over LMTP by route and result",
		},
		[]string{"route", "result"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailman_lmtp_message_size_bytes",
			Help:    "Size of messages accepted over LMTP",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

// Command engine
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_commands_total",
			Help: "Mail commands executed by name and outcome",
		},
		[]string{"command", "outcome"},
	)

	CommandMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_command_messages_total",
			Help: "Command messages processed by result (replied, suppressed, bounce)",
		},
		[]string{"result"},
	)

	SubscriptionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_subscription_events_total",
			Help: "Subscription workflow transitions",
		},
		[]string{"event"},
	)

	PendingPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailman_pending_purged_total",
			Help: "Pending subscription requests removed after expiry",
		},
	)
)

// List locks
var (
	ListLockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailman_list_lock_wait_seconds",
			Help:    "Time spent waiting for a list lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	ListWorkTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_list_work_total",
			Help: "Units of work run under a list lock by outcome (commit, rollback, cancelled)",
		},
		[]string{"source", "outcome"},
	)
)

// Digest engine
var (
	DigestAccumulatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_digest_accumulated_total",
			Help: "Posts offered to the digest accumulator by result (accepted, duplicate)",
		},
		[]string{"result"},
	)

	DigestBumpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_digest_bumps_total",
			Help: "Digest volume bumps by trigger",
		},
		[]string{"trigger"},
	)

	DigestsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_digests_sent_total",
			Help: "Digest messages queued by variant (mime, plain)",
		},
		[]string{"variant"},
	)

	DigestSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailman_digest_size_bytes",
			Help:    "Size of composed digests",
			Buckets: prometheus.ExponentialBuckets(4096, 4, 8),
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailman_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_db_transactions_total",
			Help: "Total number of database transactions",
		},
		[]string{"status"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailman_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailman_db_pool_total_conns",
			Help: "Total connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailman_db_pool_idle_conns",
			Help: "Idle connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailman_db_pool_in_use_conns",
			Help: "Acquired connections in the pool",
		},
		[]string{"role"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailman_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Outbound relay metrics
var (
	RelaySubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_relay_submissions_total",
			Help: "Messages handed to the outbound relay by result",
		},
		[]string{"result"},
	)

	RelayQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailman_relay_queue_depth",
			Help: "Messages in the relay queue by state",
		},
		[]string{"state"},
	)

	RelayDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_relay_delivery_total",
			Help: "Relay delivery attempts by message type and result",
		},
		[]string{"type", "result"},
	)

	RelayDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailman_relay_delivery_duration_seconds",
			Help:    "Duration of relay delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "result"},
	)

	RelayQueueAge = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailman_relay_queue_age_seconds",
			Help:    "Age of messages when picked up from the relay queue",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"type"},
	)

	RelayQueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_relay_queue_operations_total",
			Help: "Relay queue operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	RelayQueueOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailman_relay_queue_operation_duration_seconds",
			Help:    "Duration of relay queue operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"operation"},
	)
)

// Admin API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_http_requests_total",
			Help: "Admin API requests by route and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailman_http_request_duration_seconds",
			Help:    "Admin API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Worker metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailman_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailman_component_health_status",
			Help: "Health of a component (0 unreachable, 1 unhealthy, 2 degraded, 3 healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailman_component_health_checks_total",
			Help: "Health checks run by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailman_component_health_check_duration_seconds",
			Help:    "Duration of health checks",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"component"},
	)
)
