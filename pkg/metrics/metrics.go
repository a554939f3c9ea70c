// Package metrics holds the Prometheus collectors shared by the popd
// packages. All collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"listener"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pop3_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"listener"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pop3_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"listener"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pop3_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800},
		},
		[]string{"listener"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"mechanism", "result"},
	)

	TLSUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3_stls_upgrades_total",
			Help: "Total number of STLS upgrades",
		},
		[]string{"result"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3_commands_total",
			Help: "Total number of commands processed",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pop3_command_duration_seconds",
			Help:    "Duration of command execution in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"command"},
	)

	MessagesRetrievedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3_messages_retrieved_total",
			Help: "Total number of messages transmitted",
		},
		[]string{"command"}, // RETR or TOP
	)

	BytesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pop3_bytes_sent_total",
			Help: "Total number of message bytes written to clients",
		},
	)

	MessagesExpungedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pop3_messages_expunged_total",
			Help: "Total number of messages purged on QUIT",
		},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popd_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_db_transactions_total",
			Help: "Write transactions by outcome",
		},
		[]string{"outcome"}, // commit or rollback
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "popd_db_transaction_duration_seconds",
			Help:    "Time from BEGIN to COMMIT or ROLLBACK",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Pool gauges are labelled by pool role, "read" or "write".
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popd_db_pool_conns",
			Help: "Open connections per database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popd_db_pool_idle_conns",
			Help: "Idle connections per database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popd_db_pool_acquired_conns",
			Help: "Connections checked out of each database pool",
		},
		[]string{"role"},
	)

	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_accounts_total",
			Help: "Total number of accounts",
		},
	)

	MessagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_messages_total",
			Help: "Total number of stored, non-expunged messages",
		},
	)

	MessagesPendingPurge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_messages_pending_purge",
			Help: "Expunged messages whose bodies the cleanup job has not removed yet",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popd_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)
)

// Cache metrics (S3 object cache)
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_cache_size_bytes",
			Help: "Current cache size in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_cache_objects_total",
			Help: "Current number of objects in cache",
		},
	)

	CacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_cache_hit_ratio",
			Help: "Share of body reads served from the local cache since startup",
		},
	)
)
