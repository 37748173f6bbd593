package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-fetch/pkg/cache"
	"github.com/Sternrassler/storefront-fetch/pkg/commerce"
	"github.com/Sternrassler/storefront-fetch/pkg/config"
	"github.com/Sternrassler/storefront-fetch/pkg/connectivity"
	"github.com/Sternrassler/storefront-fetch/pkg/fetch"
	"github.com/Sternrassler/storefront-fetch/pkg/logging"
	"github.com/Sternrassler/storefront-fetch/pkg/retry"
)

// app holds the wired fetch layer shared by the serve and fetch commands.
type app struct {
	cfg          *config.Config
	commerce     *commerce.Client
	monitor      *connectivity.Monitor
	orchestrator *fetch.Orchestrator
	redis        *redis.Client
	pages        commerce.PageConfig
	logger       zerolog.Logger
}

// newApp wires the commerce client, cache, optional Redis persister,
// connectivity monitor and orchestrator from cfg. The monitor receives no
// events until runMonitor is called.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.NewLogger("proxy")

	client, err := commerce.New(commerce.Config{
		BaseURL:             cfg.Commerce.BaseURL,
		ConsumerKey:         cfg.Commerce.ConsumerKey,
		ConsumerSecret:      cfg.Commerce.ConsumerSecret,
		UserAgent:           cfg.Commerce.UserAgent,
		Timeout:             cfg.Commerce.Timeout,
		RespectCacheHeaders: cfg.Commerce.RespectCacheHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("create commerce client: %w", err)
	}

	a := &app{
		cfg:      cfg,
		commerce: client,
		pages: commerce.PageConfig{
			MaxConcurrency: cfg.Commerce.PageConcurrency,
			PerPage:        cfg.Commerce.PerPage,
			Timeout:        cfg.Commerce.Timeout,
			MaxPages:       cfg.Commerce.MaxPages,
		},
		logger: logger,
	}

	var persister cache.Persister
	if cfg.Cache.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})

		rp := cache.NewRedisPersister(a.redis,
			cache.WithKeyPrefix(cfg.Cache.Redis.KeyPrefix),
			cache.WithStaleRetention(cfg.Cache.Redis.StaleRetention),
		)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rp.Ping(pingCtx); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Cache.Redis.Addr).Msg("Connected to Redis")
		persister = rp
	}

	a.monitor = connectivity.NewMonitor(
		connectivity.WithReconnectWindow(cfg.Connectivity.ReconnectWindow),
	)

	a.orchestrator = fetch.New(fetch.Config{
		Store: cache.NewStore(cache.WithMaxEntries(cfg.Cache.MaxEntries)),
		Retry: retry.Policy{
			MaxBackoff: cfg.Retry.MaxDelay,
			Jitter:     cfg.Retry.Jitter,
		},
		Monitor:             a.monitor,
		Persister:           persister,
		RefreshConcurrency:  cfg.Refresh.Concurrency,
		ShortCircuitOffline: cfg.Connectivity.ShortCircuitOffline,
		OnStaleFallback: func(key string, err error) {
			logger.Warn().Err(err).Str("key", key).Msg("Serving stale data")
		},
	})

	// Categories back every storefront screen; refresh them on reconnect.
	fetch.RegisterLoader(a.orchestrator, commerce.CategoriesKey(), a.categoriesLoader(), a.options(false))

	return a, nil
}

// options returns the fetch options derived from configuration.
func (a *app) options(force bool) fetch.Options {
	return fetch.Options{
		TTL:          a.cfg.Cache.DefaultTTL,
		ForceRefresh: force,
		MaxRetries:   a.cfg.Retry.MaxRetries,
		RetryDelay:   a.cfg.Retry.InitialDelay,
	}
}

func (a *app) categoriesLoader() fetch.Loader[[]commerce.Category] {
	return commerce.PagedLoader[commerce.Category](a.commerce, commerce.PathCategories, nil, a.pages)
}

func (a *app) categories(ctx context.Context, force bool) fetch.Result[[]commerce.Category] {
	return fetch.FetchWithCacheResult(ctx, a.orchestrator, commerce.CategoriesKey(), a.categoriesLoader(), a.options(force))
}

func (a *app) products(ctx context.Context, query url.Values, force bool) fetch.Result[[]commerce.Product] {
	return fetch.FetchWithCacheResult(ctx, a.orchestrator, commerce.ProductsKey(query), a.commerce.ProductsLoader(query), a.options(force))
}

func (a *app) product(ctx context.Context, id int, force bool) fetch.Result[commerce.Product] {
	return fetch.FetchWithCacheResult(ctx, a.orchestrator, commerce.ProductKey(id), a.commerce.ProductLoader(id), a.options(force))
}

// runMonitor feeds the monitor from a probe source until ctx is done.
func (a *app) runMonitor(ctx context.Context) error {
	src, err := connectivity.NewProbeSource(connectivity.ProbeConfig{
		Address:  a.cfg.Connectivity.ProbeAddress,
		URL:      a.cfg.Connectivity.ProbeURL,
		Interval: a.cfg.Connectivity.ProbeInterval,
		Timeout:  a.cfg.Connectivity.ProbeTimeout,
	})
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("probe_address", a.cfg.Connectivity.ProbeAddress).
		Str("probe_url", a.cfg.Connectivity.ProbeURL).
		Dur("interval", a.cfg.Connectivity.ProbeInterval).
		Msg("Starting connectivity monitor")
	return a.monitor.Run(ctx, src)
}

// Close releases the orchestrator, the monitor and the Redis connection.
func (a *app) Close() error {
	a.orchestrator.Close()
	a.monitor.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return fmt.Errorf("close redis: %w", err)
		}
	}
	return nil
}
