package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// subscription ties a cache key to the action that repopulates it.
type subscription struct {
	key     string
	refresh func(context.Context) error
}

// Register adds a refresh for key to every refresh wave. refresh is expected
// to call FetchWithCache with ForceRefresh, so several registrations for the
// same key share one network call. The returned function unregisters it.
func (o *Orchestrator) Register(key string, refresh func(ctx context.Context) error) (unregister func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	id := o.nextSub
	o.nextSub++
	o.subs[id] = subscription{key: key, refresh: refresh}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subsMu.Lock()
			defer o.subsMu.Unlock()
			delete(o.subs, id)
		})
	}
}

// RegisterLoader registers a forced refetch of key through loader.
func RegisterLoader[T any](o *Orchestrator, key string, loader Loader[T], opts Options) (unregister func()) {
	opts.ForceRefresh = true
	return o.Register(key, func(ctx context.Context) error {
		_, err := FetchWithCache(ctx, o, key, loader, opts)
		return err
	})
}

// OnReconnect registers cb to run on every reconnect pulse, before the
// refresh wave starts. The returned function unregisters it.
func (o *Orchestrator) OnReconnect(cb func()) (unsubscribe func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	id := o.nextSub
	o.nextSub++
	o.callbacks[id] = cb

	return func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		delete(o.callbacks, id)
	}
}

// Subscriptions returns the number of registered refreshes.
func (o *Orchestrator) Subscriptions() int {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	return len(o.subs)
}

// RefreshAll runs every registered refresh, at most RefreshConcurrency at a
// time. A failing refresh does not stop the others; all failures are joined
// into the returned error.
func (o *Orchestrator) RefreshAll(ctx context.Context) error {
	o.subsMu.Lock()
	subs := make([]subscription, 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.subsMu.Unlock()

	if len(subs) == 0 {
		return nil
	}

	refreshWavesTotal.Inc()
	o.logger.Info().
		Int("subscriptions", len(subs)).
		Int("concurrency", o.cfg.RefreshConcurrency).
		Msg("Starting refresh wave")

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(o.cfg.RefreshConcurrency)

	for _, s := range subs {
		s := s
		g.Go(func() error {
			if err := s.refresh(ctx); err != nil {
				refreshFailuresTotal.Inc()
				o.logger.Warn().
					Err(err).
					Str("key", s.key).
					Msg("Refresh failed")

				mu.Lock()
				errs = append(errs, fmt.Errorf("refresh %s: %w", s.key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	o.logger.Info().
		Int("subscriptions", len(subs)).
		Int("failed", len(errs)).
		Msg("Refresh wave finished")
	return err
}

// handleReconnect runs on the monitor's reconnect pulse.
func (o *Orchestrator) handleReconnect() {
	o.subsMu.Lock()
	callbacks := make([]func(), 0, len(o.callbacks))
	for _, cb := range o.callbacks {
		callbacks = append(callbacks, cb)
	}
	o.subsMu.Unlock()

	for _, cb := range callbacks {
		cb()
	}

	o.subsMu.Lock()
	if o.waveCtx.Err() != nil {
		o.subsMu.Unlock()
		return
	}
	o.waves.Add(1)
	o.subsMu.Unlock()

	go func() {
		defer o.waves.Done()
		_ = o.RefreshAll(o.waveCtx)
	}()
}
