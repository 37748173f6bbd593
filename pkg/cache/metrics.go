package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups that found an entry, by freshness
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_hits_total",
			Help: "Total number of resource cache hits",
		},
		[]string{"state"}, // "fresh", "stale"
	)

	// CacheMisses tracks lookups that found nothing
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_cache_misses_total",
			Help: "Total number of resource cache misses",
		},
	)

	// CacheErrors tracks persister operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_errors_total",
			Help: "Total number of cache persister errors",
		},
		[]string{"operation"}, // "load", "save", "delete", "clear"
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storefront_cache_entries",
			Help: "Current number of keys in the in-memory resource cache",
		},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_cache_evictions_total",
			Help: "Total number of entries evicted by the size cap",
		},
	)
)
