package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks handled requests by method and response status
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefront_requests_total",
			Help: "Total number of requests handled by the proxy",
		},
		[]string{"method", "status"},
	)

	// RequestDuration tracks end-to-end handling time
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cachefront_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// CacheHits tracks requests answered from the cache
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefront_cache_hits_total",
			Help: "Total number of requests served from the cache",
		},
	)

	// CacheMisses tracks lookup-eligible requests that reached the origin
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefront_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheBypass tracks requests that skipped the cache lookup
	CacheBypass = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefront_cache_bypass_total",
			Help: "Total number of requests that bypassed the cache",
		},
	)

	// StoreErrors tracks failed store operations by operation
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefront_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "read", "encode"
	)

	// OriginErrors tracks forwards that failed at the network level
	OriginErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefront_origin_errors_total",
			Help: "Total number of failed origin requests",
		},
	)

	// WriterDropped tracks store jobs dropped because the queue was full
	WriterDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefront_writer_dropped_total",
			Help: "Total number of background store jobs dropped",
		},
	)

	// WriterQueueDepth tracks the backlog of the background writer
	WriterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachefront_writer_queue_depth",
			Help: "Number of store jobs waiting in the writer queue",
		},
	)
)
