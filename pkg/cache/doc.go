// Package cache provides the time-boxed resource cache of the fetch layer.
//
// The Store maps a logical resource key to the last successfully loaded value
// and the time it was stored:
//
// - Freshness is derived (now - StoredAt < TTL), never stored
// - Expired entries are kept as stale fallbacks until explicitly cleared
// - StoredAt never moves backwards for a key
// - Optional size cap evicts the least recently stored key
// - Prometheus metrics for observability
// - Deterministic cache key generation
//
// # Basic Usage
//
//	store := cache.NewStore()
//
//	key := cache.Key{
//		Resource: "products",
//		Query:    url.Values{"category": []string{"12"}},
//	}.String()
//
//	store.Set(key, products, 5*time.Minute)
//
//	if store.IsFresh(key) {
//		entry, _ := store.Get(key)
//		return entry.Value.([]Product)
//	}
//
// # Persistence
//
// A Persister keeps JSON snapshots outside the process so that a stale
// fallback is still available after a restart:
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	persister := cache.NewRedisPersister(redisClient,
//		cache.WithStaleRetention(24*time.Hour))
//
// # Metrics
//
//   - storefront_cache_hits_total{state} - Lookups that found an entry
//   - storefront_cache_misses_total - Lookups that found nothing
//   - storefront_cache_entries - Keys held in memory
//   - storefront_cache_evictions_total - Entries dropped by the size cap
//   - storefront_cache_errors_total{operation} - Persister errors
package cache
