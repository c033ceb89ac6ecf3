package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// aggregateCacheHits counts aggregates served from the cached view
	aggregateCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_aggregate_cache_hits_total",
		Help: "Total aggregate reads served from the cached view",
	}, []string{"entity"}) // "study" or "series"

	// aggregateCacheMisses counts absent or stale cached aggregates
	aggregateCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_aggregate_cache_misses_total",
		Help: "Total aggregate reads that required a recompute",
	}, []string{"entity"})

	aggregateRecomputeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_aggregate_recompute_errors_total",
		Help: "Total aggregate recomputes that failed to read child rows",
	}, []string{"entity"})

	aggregateWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_aggregate_cache_write_failures_total",
		Help: "Total recomputed aggregates that could not be stored",
	}, []string{"entity"})

	// queryRows counts cursor rows by outcome: returned, skipped or failed
	queryRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_query_rows_total",
		Help: "Total query rows by level and outcome",
	}, []string{"level", "outcome"})

	// queryDuration tracks the lifetime of a query cursor
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archive_query_duration_seconds",
		Help:    "Query duration from execution to cursor release",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"level"})
)
