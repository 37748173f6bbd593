package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-fetch/pkg/connectivity"
	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
)

func newTestMonitor(t *testing.T) *connectivity.Monitor {
	t.Helper()
	m := connectivity.NewMonitor(
		connectivity.WithLogger(zerolog.Nop()),
		connectivity.WithReconnectWindow(time.Hour),
	)
	t.Cleanup(m.Close)
	return m
}

func TestReconnect_RefreshWaveCoalescesPerKey(t *testing.T) {
	monitor := newTestMonitor(t)
	h := newHarness(t, func(cfg *Config) {
		cfg.Monitor = monitor
	})

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "fresh", nil
	}

	// Three screens observe the same resource.
	for i := 0; i < 3; i++ {
		RegisterLoader(h.o, "categories", loader, Options{TTL: time.Minute})
	}

	var callbacks atomic.Int32
	h.o.OnReconnect(func() { callbacks.Add(1) })

	monitor.Observe(connectivity.Status{IsConnected: false})
	monitor.Observe(connectivity.Status{IsConnected: true, InternetReachable: connectivity.Reachable})

	waitForJoined(t, h.group, "categories", 3)
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for !h.o.Store().IsFresh("categories") {
		if time.Now().After(deadline) {
			t.Fatal("Refresh wave did not populate the cache")
		}
		time.Sleep(time.Millisecond)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("loader invoked %d times, want 1", got)
	}
	if got := callbacks.Load(); got != 1 {
		t.Errorf("OnReconnect callback fired %d times, want 1", got)
	}
}

func TestReconnect_ForcesRefreshOfFreshEntries(t *testing.T) {
	monitor := newTestMonitor(t)
	h := newHarness(t, func(cfg *Config) {
		cfg.Monitor = monitor
	})

	var calls atomic.Int32
	done := make(chan struct{}, 2)
	loader := func(context.Context) (int32, error) {
		defer func() { done <- struct{}{} }()
		return calls.Add(1), nil
	}

	opts := Options{TTL: time.Hour}
	if _, err := FetchWithCache(context.Background(), h.o, "k", loader, opts); err != nil {
		t.Fatal(err)
	}
	<-done
	RegisterLoader(h.o, "k", loader, opts)

	monitor.Observe(connectivity.Status{IsConnected: false})
	monitor.Observe(connectivity.Status{IsConnected: true})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Reconnect did not refetch a fresh entry")
	}
	if calls.Load() != 2 {
		t.Errorf("loader invoked %d times, want 2", calls.Load())
	}
}

func TestRefreshAll_RespectsConcurrencyLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RefreshConcurrency = 2
	})

	var running, peak atomic.Int32
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("product/%d", i)
		h.o.Register(key, func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}

	if err := h.o.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRefreshAll_JoinsFailures(t *testing.T) {
	h := newHarness(t, nil)

	errBoom := &fetcherr.HTTPError{StatusCode: 500}
	var ran atomic.Int32
	h.o.Register("a", func(context.Context) error { ran.Add(1); return errBoom })
	h.o.Register("b", func(context.Context) error { ran.Add(1); return nil })
	h.o.Register("c", func(context.Context) error { ran.Add(1); return errBoom })

	err := h.o.RefreshAll(context.Background())
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want it to wrap %v", err, errBoom)
	}
	if ran.Load() != 3 {
		t.Errorf("ran %d refreshes, want 3", ran.Load())
	}
}

func TestRegister_Unregister(t *testing.T) {
	h := newHarness(t, nil)

	var ran atomic.Int32
	unregister := h.o.Register("k", func(context.Context) error {
		ran.Add(1)
		return nil
	})
	if n := h.o.Subscriptions(); n != 1 {
		t.Errorf("Subscriptions = %d, want 1", n)
	}

	unregister()
	unregister()

	if err := h.o.RefreshAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 0 {
		t.Error("Unregistered refresh ran")
	}
	if n := h.o.Subscriptions(); n != 0 {
		t.Errorf("Subscriptions = %d, want 0", n)
	}
}

func TestClose_StopsReconnectHandling(t *testing.T) {
	monitor := newTestMonitor(t)
	h := newHarness(t, func(cfg *Config) {
		cfg.Monitor = monitor
	})

	var ran atomic.Int32
	h.o.Register("k", func(context.Context) error {
		ran.Add(1)
		return nil
	})
	h.o.Close()

	monitor.Observe(connectivity.Status{IsConnected: false})
	monitor.Observe(connectivity.Status{IsConnected: true})
	time.Sleep(20 * time.Millisecond)

	if ran.Load() != 0 {
		t.Errorf("Closed orchestrator ran %d refreshes", ran.Load())
	}
}
