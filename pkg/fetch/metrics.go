package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_fetches_total",
		Help: "Total number of FetchWithCache calls by result source",
	}, []string{"source"}) // "cache", "network", "stale", "error"

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_fetch_duration_seconds",
		Help:    "FetchWithCache latency by result source",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	staleFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_stale_fallbacks_total",
		Help: "Total number of failed fetches answered with a stale cached value",
	})

	discardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_fetch_discarded_total",
		Help: "Total number of fetch results discarded because a newer fetch or a clear superseded them",
	})

	refreshWavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_refresh_waves_total",
		Help: "Total number of refresh waves run",
	})

	refreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_refresh_failures_total",
		Help: "Total number of registered refreshes that failed",
	})
)
