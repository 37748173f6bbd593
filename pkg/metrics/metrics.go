// Package metrics exposes the Prometheus registry the storefront fetch layer
// registers into. All metrics are defined in their respective packages
// (cache, coalesce, retry, connectivity, fetch, commerce) to keep those
// packages free of a shared dependency.
//
// This package provides the HTTP handler and documentation for all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the fetch layer.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Catalogue lists the metric names the fetch layer registers, by package.
var Catalogue = map[string][]string{
	"cache": {
		"storefront_cache_hits_total",
		"storefront_cache_misses_total",
		"storefront_cache_errors_total",
		"storefront_cache_entries",
		"storefront_cache_evictions_total",
	},
	"coalesce": {
		"storefront_coalesce_started_total",
		"storefront_coalesce_joined_total",
		"storefront_coalesce_abandoned_total",
	},
	"retry": {
		"storefront_retries_total",
		"storefront_retry_backoff_seconds",
		"storefront_retry_exhausted_total",
	},
	"connectivity": {
		"storefront_network_online",
		"storefront_reconnects_total",
		"storefront_network_transitions_total",
	},
	"fetch": {
		"storefront_fetches_total",
		"storefront_fetch_duration_seconds",
		"storefront_stale_fallbacks_total",
		"storefront_fetch_discarded_total",
		"storefront_refresh_waves_total",
		"storefront_refresh_failures_total",
	},
	"commerce": {
		"storefront_commerce_requests_total",
		"storefront_commerce_request_duration_seconds",
		"storefront_commerce_errors_total",
	},
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - storefront_cache_hits_total{state} (Counter): Lookups that found an entry, "fresh" or "stale"
//   - storefront_cache_misses_total (Counter): Lookups that found nothing
//   - storefront_cache_errors_total{operation} (Counter): Persister errors (load, save, delete, clear)
//   - storefront_cache_entries (Gauge): Keys in the in-memory store
//   - storefront_cache_evictions_total (Counter): Entries evicted by the size cap
//
// Coalescing Metrics (pkg/coalesce):
//   - storefront_coalesce_started_total (Counter): Operations started
//   - storefront_coalesce_joined_total (Counter): Callers that joined a pending operation
//   - storefront_coalesce_abandoned_total (Counter): Operations cancelled because every caller left
//
// Retry Metrics (pkg/retry):
//   - storefront_retries_total{error_class} (Counter): Retry attempts by error class
//   - storefront_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - storefront_retry_exhausted_total{error_class} (Counter): Loads that used every attempt
//
// Connectivity Metrics (pkg/connectivity):
//   - storefront_network_online (Gauge): 1 while online, 0 otherwise
//   - storefront_reconnects_total (Counter): Offline to online transitions
//   - storefront_network_transitions_total{to} (Counter): Phase changes by target phase
//
// Fetch Metrics (pkg/fetch):
//   - storefront_fetches_total{source} (Counter): Resolved fetches by source (cache, network, stale, error)
//   - storefront_fetch_duration_seconds{source} (Histogram): Fetch duration by source
//   - storefront_stale_fallbacks_total (Counter): Failed fetches answered from the cache
//   - storefront_fetch_discarded_total (Counter): Results dropped because a newer fetch or a clear superseded them
//   - storefront_refresh_waves_total (Counter): Reconnect refresh waves
//   - storefront_refresh_failures_total (Counter): Registered refreshes that failed
//
// Commerce API Metrics (pkg/commerce):
//   - storefront_commerce_requests_total{endpoint, status} (Counter): Requests by route and HTTP status
//   - storefront_commerce_request_duration_seconds{endpoint} (Histogram): Request duration by route
//   - storefront_commerce_errors_total{class} (Counter): Errors by class (network, server, client, ...)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(storefront_fetches_total{source="cache"}[5m])) /
//   sum(rate(storefront_fetches_total[5m]))
//
//   # Share of requests served stale
//   rate(storefront_stale_fallbacks_total[5m]) / rate(storefront_fetches_total[5m])
//
//   # Upstream calls saved by coalescing
//   rate(storefront_coalesce_joined_total[5m])
//
//   # P95 Commerce Latency
//   histogram_quantile(0.95, rate(storefront_commerce_request_duration_seconds_bucket[5m]))
