// Package fetch is the single entry point for resource loading. It answers
// from the TTL cache while entries are fresh, coalesces concurrent misses
// into one retried network call, and falls back to stale data when that call
// fails.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/storefront-fetch/pkg/cache"
	"github.com/Sternrassler/storefront-fetch/pkg/coalesce"
	"github.com/Sternrassler/storefront-fetch/pkg/connectivity"
	"github.com/Sternrassler/storefront-fetch/pkg/logging"
	"github.com/Sternrassler/storefront-fetch/pkg/retry"
)

const (
	// DefaultMaxRetries is the number of loader invocations when Options
	// leaves MaxRetries unset.
	DefaultMaxRetries = retry.DefaultMaxAttempts

	// DefaultRetryDelay is the first backoff wait when Options leaves
	// RetryDelay unset.
	DefaultRetryDelay = retry.DefaultInitialBackoff

	// DefaultRefreshConcurrency bounds a refresh wave.
	DefaultRefreshConcurrency = 4

	persistTimeout = 2 * time.Second
)

// ErrTypeMismatch is returned when the cached value for a key has a different
// type than the caller asked for.
var ErrTypeMismatch = errors.New("cached value has unexpected type")

const tracerName = "github.com/Sternrassler/storefront-fetch/pkg/fetch"

// Config wires an Orchestrator. Only Store is required in practice; nil
// collaborators get in-memory defaults.
type Config struct {
	// Store holds the cached entries.
	Store *cache.Store

	// Coalescer deduplicates concurrent network calls per key.
	Coalescer *coalesce.Group

	// Retry is the backoff policy wrapped around every loader.
	Retry retry.Policy

	// Monitor, when set, enables the offline short-circuit and runs the
	// refresh wave on every reconnect pulse.
	Monitor *connectivity.Monitor

	// Persister, when set, receives every committed entry and warms the
	// store on a memory miss.
	Persister cache.Persister

	// RefreshConcurrency bounds how many registered refreshes run at once.
	RefreshConcurrency int

	// ShortCircuitOffline answers from a stale entry without touching the
	// network while the monitor reports offline.
	ShortCircuitOffline bool

	// OnStaleFallback is called whenever a failed fetch is answered with
	// stale data.
	OnStaleFallback func(key string, err error)

	// Logger defaults to the "fetch" component logger.
	Logger *zerolog.Logger

	// TracerProvider creates the per-fetch spans. Defaults to the global
	// provider.
	TracerProvider trace.TracerProvider
}

// Orchestrator composes the cache, the coalescer, the retry policy and the
// connectivity monitor.
type Orchestrator struct {
	store     *cache.Store
	group     *coalesce.Group
	policy    retry.Policy
	monitor   *connectivity.Monitor
	persister cache.Persister
	cfg       Config
	logger    zerolog.Logger
	tracer    trace.Tracer

	// mu guards generations. Commits check and write under it.
	mu          sync.Mutex
	generations map[string]uint64

	subsMu    sync.Mutex
	nextSub   uint64
	subs      map[uint64]subscription
	callbacks map[uint64]func()

	stopMonitor func()
	waveCtx     context.Context
	cancelWaves context.CancelFunc
	waves       sync.WaitGroup
}

// New creates an Orchestrator. When cfg.Monitor is set the orchestrator
// subscribes to its reconnect pulse until Close.
func New(cfg Config) *Orchestrator {
	if cfg.Store == nil {
		cfg.Store = cache.NewStore()
	}
	if cfg.Coalescer == nil {
		cfg.Coalescer = &coalesce.Group{}
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = retry.DefaultMaxBackoff
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = DefaultRefreshConcurrency
	}

	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	logger := logging.NewLogger("fetch")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	o := &Orchestrator{
		store:       cfg.Store,
		group:       cfg.Coalescer,
		policy:      cfg.Retry,
		monitor:     cfg.Monitor,
		persister:   cfg.Persister,
		cfg:         cfg,
		logger:      logger,
		tracer:      cfg.TracerProvider.Tracer(tracerName),
		generations: make(map[string]uint64),
		subs:        make(map[uint64]subscription),
		callbacks:   make(map[uint64]func()),
	}
	o.waveCtx, o.cancelWaves = context.WithCancel(context.Background())

	if o.monitor != nil {
		o.stopMonitor = o.monitor.OnReconnect(o.handleReconnect)
	}
	return o
}

// Store returns the underlying cache.
func (o *Orchestrator) Store() *cache.Store {
	return o.store
}

// Monitor returns the connectivity monitor, or nil.
func (o *Orchestrator) Monitor() *connectivity.Monitor {
	return o.monitor
}

// Close stops listening for reconnect pulses, cancels a running refresh
// wave and waits for it to return.
func (o *Orchestrator) Close() {
	if o.stopMonitor != nil {
		o.stopMonitor()
		o.stopMonitor = nil
	}

	o.subsMu.Lock()
	o.cancelWaves()
	o.subsMu.Unlock()

	o.waves.Wait()
}

// begin starts a new generation for key and returns it.
func (o *Orchestrator) begin(key string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.generations[key]++
	return o.generations[key]
}

// generation returns the newest generation started for key.
func (o *Orchestrator) generation(key string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generations[key]
}

// commit stores value if gen is still the newest generation for key. It
// reports whether the value was stored.
func (o *Orchestrator) commit(key string, gen uint64, value any, ttl time.Duration) (*cache.CacheEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.generations[key] != gen {
		return nil, false
	}
	return o.store.Set(key, value, ttl), true
}

// ClearCache removes the given keys, or every key when none are given. Fetches
// already in flight for a cleared key will not repopulate it.
func (o *Orchestrator) ClearCache(ctx context.Context, keys ...string) error {
	o.mu.Lock()
	if len(keys) == 0 {
		for k := range o.generations {
			o.generations[k]++
		}
		o.store.ClearAll()
	} else {
		for _, k := range keys {
			o.generations[k]++
			o.store.Clear(k)
		}
	}
	o.mu.Unlock()

	o.logger.Info().
		Strs("keys", keys).
		Bool("all", len(keys) == 0).
		Msg("Cache cleared")

	if o.persister == nil {
		return nil
	}

	if len(keys) == 0 {
		return o.persister.Clear(ctx)
	}
	var errs []error
	for _, k := range keys {
		if err := o.persister.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// persist saves a committed entry. Failures are logged and otherwise ignored.
func (o *Orchestrator) persist(ctx context.Context, entry *cache.CacheEntry, logger *zerolog.Logger) {
	if o.persister == nil {
		return
	}

	data, err := json.Marshal(entry.Value)
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot encode entry for persistence")
		return
	}
	snap := &cache.Snapshot{
		Data:     data,
		StoredAt: entry.StoredAt,
		TTLMs:    entry.TTL.Milliseconds(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := o.persister.Save(ctx, entry.Key, snap); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist cache entry")
	}
}

// offlineStale reports whether a stale entry should be served without
// touching the network.
func (o *Orchestrator) offlineStale() bool {
	return o.cfg.ShortCircuitOffline && o.monitor != nil && o.monitor.IsOffline()
}
