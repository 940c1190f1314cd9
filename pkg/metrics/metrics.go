// Package metrics provides the centralized Prometheus metrics registry
// for regresolve. All metrics are defined in their respective packages
// (ratelimit, session, search, resolver, cache) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by regresolve.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Governor Metrics (pkg/ratelimit):
//   - regresolve_governor_delay_seconds{op_class} (Gauge): Current inter-request delay
//   - regresolve_governor_backoffs_total{op_class} (Counter): Delay increases from rate-limit signals
//   - regresolve_governor_speedups_total{op_class} (Counter): Delay decreases earned by sustained success
//   - regresolve_governor_wait_seconds{op_class} (Histogram): Time callers spent waiting for a turn
//
// Session Pool Metrics (pkg/session):
//   - regresolve_sessions_created_total (Counter): Sessions created (one credential fetch each)
//   - regresolve_session_pool_size (Gauge): Current number of pooled sessions
//   - regresolve_session_rotation_wait_seconds (Histogram): Cooldown waits during rotation
//
// Search Metrics (pkg/search):
//   - regresolve_search_requests_total{status} (Counter): Search requests by result status
//   - regresolve_search_request_duration_seconds (Histogram): Search call duration
//   - regresolve_search_errors_total{class} (Counter): Transport errors by class
//
// Resolver Metrics (pkg/resolver):
//   - regresolve_resolver_queries_total{outcome} (Counter): Terminal queries by outcome
//   - regresolve_resolver_retries_total (Counter): Retried resolution passes
//   - regresolve_resolver_retry_exhausted_total (Counter): Queries that spent the attempt budget
//   - regresolve_resolver_backoff_seconds (Histogram): Backoff between retried passes
//   - regresolve_resolver_cache_shortcuts_total (Counter): Queries answered from cache
//
// Cache Metrics (pkg/cache):
//   - regresolve_cache_hits_total (Counter): Resolved-code cache hits
//   - regresolve_cache_misses_total (Counter): Resolved-code cache misses
//   - regresolve_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Resolution success rate
//   sum(rate(regresolve_resolver_queries_total{outcome="success"}[5m])) /
//   sum(rate(regresolve_resolver_queries_total[5m]))
//
//   # Current search delay (rising delay means the registry is pushing back)
//   regresolve_governor_delay_seconds{op_class="search"}
//
//   # Retry pressure
//   rate(regresolve_resolver_retries_total[5m])
//
//   # P95 search latency
//   histogram_quantile(0.95, rate(regresolve_search_request_duration_seconds_bucket[5m]))
