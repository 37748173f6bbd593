package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/storefront-fetch/pkg/cache"
	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
)

// Source tells where a fetch result came from.
type Source string

const (
	// SourceCache is a fresh cache hit.
	SourceCache Source = "cache"

	// SourceNetwork is the result of a network round-trip, possibly shared
	// with concurrent callers.
	SourceNetwork Source = "network"

	// SourceStale is a cached value past its TTL, served because the network
	// call failed or the device is offline.
	SourceStale Source = "stale"
)

// Loader performs the actual network call for one resource.
type Loader[T any] func(ctx context.Context) (T, error)

// Options tune a single fetch.
type Options struct {
	// TTL is how long a successful result stays fresh.
	TTL time.Duration

	// ForceRefresh skips the freshness check. The call is still coalesced.
	ForceRefresh bool

	// MaxRetries is the total number of loader invocations before giving up.
	// Zero means DefaultMaxRetries.
	MaxRetries int

	// RetryDelay is the wait before the second invocation; later waits
	// double. Zero means DefaultRetryDelay.
	RetryDelay time.Duration
}

func (opts Options) withDefaults() Options {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	return opts
}

// Result is the outcome of FetchWithCacheResult.
type Result[T any] struct {
	// Value is the resolved value. It is the zero value when Source is empty.
	Value T

	// Source is empty when the fetch failed without a fallback.
	Source Source

	// StoredAt is when Value entered the cache.
	StoredAt time.Time

	// Err is the network error. It is set for a failed fetch and for a stale
	// fallback.
	Err error
}

// Degraded reports whether the value is a stale fallback for a failed fetch.
func (r Result[T]) Degraded() bool {
	return r.Source == SourceStale && r.Err != nil
}

// FetchWithCache returns the value for key. A stale fallback is returned
// without an error; use FetchWithCacheResult to tell it apart.
func FetchWithCache[T any](ctx context.Context, o *Orchestrator, key string, loader Loader[T], opts Options) (T, error) {
	res := FetchWithCacheResult(ctx, o, key, loader, opts)
	if res.Source == SourceStale {
		return res.Value, nil
	}
	return res.Value, res.Err
}

// FetchWithCacheResult resolves key the following way:
//
//  1. Unless ForceRefresh is set, a fresh cache entry is returned as is.
//  2. A memory miss is filled from the persister when one is configured.
//  3. While offline, with ShortCircuitOffline, an existing entry is returned
//     as stale without a network call.
//  4. Otherwise loader runs through the coalescer and the retry policy. A
//     success is committed to the cache unless a newer fetch for key started
//     or key was cleared in the meantime.
//  5. A failure is answered with the cached entry, however old, when one
//     exists. Cancellation of ctx is never downgraded.
func FetchWithCacheResult[T any](ctx context.Context, o *Orchestrator, key string, loader Loader[T], opts Options) (res Result[T]) {
	opts = opts.withDefaults()
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "fetch.FetchWithCache", trace.WithAttributes(
		attribute.String("fetch.key", key),
		attribute.Bool("fetch.force_refresh", opts.ForceRefresh),
	))
	defer func() {
		source := string(res.Source)
		if source == "" {
			source = "error"
		}
		span.SetAttributes(attribute.String("fetch.source", source))
		if res.Err != nil {
			span.RecordError(res.Err)
			if res.Source == "" {
				span.SetStatus(codes.Error, res.Err.Error())
			}
		}
		span.End()

		fetchesTotal.WithLabelValues(source).Inc()
		fetchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}()

	entry, hit := lookup[T](ctx, o, key)
	now := o.store.Now()

	if !opts.ForceRefresh {
		switch {
		case hit && entry.IsFreshAt(now):
			cache.CacheHits.WithLabelValues("fresh").Inc()
			o.logger.Debug().
				Str("key", key).
				Dur("age", entry.Age(now)).
				Msg("Cache hit")
			return fromEntry[T](entry, SourceCache, nil)
		case hit:
			cache.CacheHits.WithLabelValues("stale").Inc()
		default:
			cache.CacheMisses.Inc()
		}
	}

	if hit && o.offlineStale() {
		o.logger.Debug().
			Str("key", key).
			Msg("Offline, serving cached value")
		return fromEntry[T](entry, SourceStale, nil)
	}

	v, shared, err := o.group.Do(ctx, key, func(ctx context.Context) (any, error) {
		return o.load(ctx, key, opts, func(ctx context.Context) (any, error) {
			return loader(ctx)
		})
	})
	span.SetAttributes(attribute.Bool("fetch.shared", shared))

	if err == nil {
		l := v.(*loaded)
		value, convErr := as[T](l.value)
		if convErr != nil {
			return Result[T]{Err: convErr}
		}
		return Result[T]{Value: value, Source: SourceNetwork, StoredAt: l.storedAt}
	}

	if errors.Is(err, fetcherr.ErrCancelled) || ctx.Err() != nil {
		return Result[T]{Err: err}
	}

	if stale, ok := o.store.Get(key); ok {
		fallback := fromEntry[T](stale, SourceStale, err)
		if fallback.Source == SourceStale {
			o.staleFallback(key, stale, err)
			return fallback
		}
	}

	o.logger.Error().
		Err(err).
		Str("key", key).
		Str("error_class", string(fetcherr.Classify(err))).
		Msg("Fetch failed with no cached fallback")
	return Result[T]{Err: err}
}

// loaded is what a coalesced network call hands to every joined caller.
type loaded struct {
	value    any
	storedAt time.Time
}

// load runs one network fetch for key with retries and commits the result.
func (o *Orchestrator) load(ctx context.Context, key string, opts Options, loader func(context.Context) (any, error)) (any, error) {
	gen := o.begin(key)
	logger := o.logger.With().
		Str("key", key).
		Str("fetch_id", uuid.NewString()).
		Logger()
	ctx = logger.WithContext(ctx)
	ctx, hint := withTTLHint(ctx)

	logger.Debug().
		Uint64("generation", gen).
		Int("max_retries", opts.MaxRetries).
		Msg("Fetching from network")

	policy := o.policy
	retryLogger := logger.With().Str("subsystem", "retry").Logger()
	policy.Logger = &retryLogger

	start := time.Now()
	var value any
	err := policy.Execute(ctx, func(ctx context.Context) error {
		v, err := loader(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	}, opts.MaxRetries, opts.RetryDelay)
	if err != nil {
		return nil, err
	}

	ttl := hint.resolve(opts.TTL)
	entry, ok := o.commit(key, gen, value, ttl)
	if !ok {
		discardedTotal.Inc()
		logger.Info().
			Uint64("generation", gen).
			Msg("Discarding superseded fetch result")
		return &loaded{value: value, storedAt: o.store.Now()}, nil
	}

	logger.Debug().
		Dur("duration", time.Since(start)).
		Dur("ttl", ttl).
		Msg("Fetched and cached")

	o.persist(ctx, entry, &logger)
	return &loaded{value: value, storedAt: entry.StoredAt}, nil
}

func (o *Orchestrator) staleFallback(key string, entry *cache.CacheEntry, err error) {
	staleFallbacksTotal.Inc()
	o.logger.Warn().
		Err(err).
		Str("key", key).
		Str("error_class", string(fetcherr.Classify(err))).
		Dur("age", entry.Age(o.store.Now())).
		Msg("Fetch failed, serving stale cached value")

	if o.cfg.OnStaleFallback != nil {
		o.cfg.OnStaleFallback(key, err)
	}
}

// lookup returns the entry for key from memory, warming it from the persister
// on a miss.
func lookup[T any](ctx context.Context, o *Orchestrator, key string) (*cache.CacheEntry, bool) {
	if entry, ok := o.store.Get(key); ok {
		return entry, true
	}
	if o.persister == nil {
		return nil, false
	}
	return warm[T](ctx, o, key)
}

func warm[T any](ctx context.Context, o *Orchestrator, key string) (*cache.CacheEntry, bool) {
	gen := o.generation(key)

	snap, err := o.persister.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			o.logger.Warn().Err(err).Str("key", key).Msg("Failed to load persisted entry")
		}
		return nil, false
	}

	var value T
	if err := json.Unmarshal(snap.Data, &value); err != nil {
		o.logger.Warn().Err(err).Str("key", key).Msg("Discarding undecodable persisted entry")
		return nil, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// A fetch or a clear got there first.
	if entry, ok := o.store.Get(key); ok {
		return entry, true
	}
	if o.generations[key] != gen {
		return nil, false
	}

	entry := o.store.SetEntry(cache.CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: snap.StoredAt,
		TTL:      snap.TTL(),
	})
	o.logger.Debug().
		Str("key", key).
		Time("stored_at", snap.StoredAt).
		Msg("Cache warmed from persister")
	return entry, true
}

func fromEntry[T any](entry *cache.CacheEntry, source Source, err error) Result[T] {
	value, convErr := as[T](entry.Value)
	if convErr != nil {
		return Result[T]{Err: convErr}
	}
	return Result[T]{
		Value:    value,
		Source:   source,
		StoredAt: entry.StoredAt,
		Err:      err,
	}
}

func as[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: have %T, want %T", ErrTypeMismatch, v, zero)
	}
	return t, nil
}
