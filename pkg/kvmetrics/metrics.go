// Package kvmetrics exposes the store's runtime counters as Prometheus
// collectors, covering everything the Store Facade's stats call and the
// Tag Index's cache statistics need to surface.
package kvmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OperationsTotal counts store operations by name and outcome.
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvstore_operations_total",
		Help: "Total number of store operations by operation and outcome",
	}, []string{"operation", "outcome"})

	// OperationDuration tracks latency per operation.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvstore_operation_duration_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// BufferBytes reports the current write buffer size in bytes.
	BufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvstore_buffer_bytes",
		Help: "Bytes currently staged in the write buffer",
	})

	// CacheHitsTotal / CacheMissesTotal / CacheEvictionsTotal cover the
	// query cache statistics that must be exposed.
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvstore_query_cache_hits_total",
		Help: "Total query cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvstore_query_cache_misses_total",
		Help: "Total query cache misses",
	})
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvstore_query_cache_evictions_total",
		Help: "Total query cache evictions",
	})
	CacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvstore_query_cache_size",
		Help: "Current number of entries held in the query cache",
	})

	// ActiveTransactions reports the number of in-flight transactions.
	ActiveTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvstore_active_transactions",
		Help: "Number of currently active transactions",
	})

	// TTLExpiredTotal counts keys removed by the background sweeper.
	TTLExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvstore_ttl_expired_total",
		Help: "Total keys removed by TTL sweeps",
	})

	// Replication metrics.
	ReplicationOpsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvstore_replication_ops_sent_total",
		Help: "Operations sent to a replica",
	}, []string{"replica"})
	ReplicationBytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvstore_replication_bytes_sent_total",
		Help: "Bytes sent to a replica",
	}, []string{"replica"})
	ReplicationLagSequences = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kvstore_replication_lag_sequences",
		Help: "Difference between latest primary sequence and a replica's acknowledged sequence",
	}, []string{"replica"})
	ReplicationChecksumMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvstore_replication_checksum_mismatch_total",
		Help: "Operations dropped on a secondary due to checksum mismatch",
	})
)

// MustRegister registers every collector above with the given registerer.
// Call once per registry (cmd/kvstore does this against a fresh
// prometheus.NewRegistry() that backs its /metrics endpoint).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		OperationsTotal,
		OperationDuration,
		BufferBytes,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheSize,
		ActiveTransactions,
		TTLExpiredTotal,
		ReplicationOpsSent,
		ReplicationBytesSent,
		ReplicationLagSequences,
		ReplicationChecksumMismatchTotal,
	)
}
