// Package metrics provides the centralized Prometheus metrics registry for
// the caching proxy. All metrics are defined in their respective packages
// to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/proxy):
//   - cachefront_requests_total{method, status} (Counter): Total requests by method and HTTP status
//   - cachefront_request_duration_seconds{method} (Histogram): Request handling duration by method
//
// Cache Metrics (pkg/proxy):
//   - cachefront_cache_hits_total (Counter): Requests served from the cache
//   - cachefront_cache_misses_total (Counter): Lookups that missed and went to the origin
//   - cachefront_cache_bypass_total (Counter): Requests that skipped the cache lookup
//   - cachefront_store_errors_total{operation} (Counter): Store operation errors by operation
//   - cachefront_origin_errors_total (Counter): Failed origin requests
//
// Writer Metrics (pkg/proxy):
//   - cachefront_writer_dropped_total (Counter): Background store jobs dropped on a full queue
//   - cachefront_writer_queue_depth (Gauge): Store jobs waiting in the writer queue
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(cachefront_cache_hits_total[5m])) /
//   (sum(rate(cachefront_cache_hits_total[5m])) + sum(rate(cachefront_cache_misses_total[5m])))
//
//   # Origin Error Rate
//   rate(cachefront_origin_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(cachefront_request_duration_seconds_bucket[5m]))
//
//   # Writer Backpressure
//   cachefront_writer_queue_depth > 0
//   rate(cachefront_writer_dropped_total[5m])
