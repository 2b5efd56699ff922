// Package metrics exposes this proxy's Prometheus metrics, registered once
// with sync.Once (the teacher's metrics.Init convention) and served via
// promhttp.Handler() on an optional listener (SPEC_FULL.md §4.13).
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueriesTotal counts queries by how this proxy handled them.
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cqlproxy_queries_total",
			Help: "Total number of queries processed, by outcome",
		},
		[]string{"outcome"}, // intercepted|forwarded|error
	)

	// QueryDuration tracks end-to-end query handling latency by outcome.
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cqlproxy_query_duration_seconds",
			Help:    "Query handling latency in seconds, by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// PreparedCacheSize reports the current prepared-statement cache size.
	PreparedCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cqlproxy_prepared_cache_size",
			Help: "Current number of cached prepared statements",
		},
	)

	// ResultCacheHits counts result-cache hits for forwarded SELECTs.
	ResultCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cqlproxy_result_cache_hits_total",
			Help: "Total number of result-cache hits for forwarded queries",
		},
	)

	// ResultCacheMisses counts result-cache misses for forwarded SELECTs.
	ResultCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cqlproxy_result_cache_misses_total",
			Help: "Total number of result-cache misses for forwarded queries",
		},
	)

	// UseKeyspacePending reports how many clients are currently waiting on a
	// USE keyspace connect.
	UseKeyspacePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cqlproxy_use_keyspace_pending",
			Help: "Current number of clients with a USE keyspace in flight",
		},
	)

	// BatchFlushSize tracks the number of (header, body) pairs per flush.
	BatchFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cqlproxy_batch_flush_size",
			Help:    "Number of queued responses written per batch flush",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// ActiveClients reports the current number of accepted client
	// connections still being served.
	ActiveClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cqlproxy_active_clients",
			Help: "Current number of active client connections",
		},
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueriesTotal)
		prometheus.MustRegister(QueryDuration)
		prometheus.MustRegister(PreparedCacheSize)
		prometheus.MustRegister(ResultCacheHits)
		prometheus.MustRegister(ResultCacheMisses)
		prometheus.MustRegister(UseKeyspacePending)
		prometheus.MustRegister(BatchFlushSize)
		prometheus.MustRegister(ActiveClients)
	})
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
