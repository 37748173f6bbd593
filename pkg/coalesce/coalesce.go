// Package coalesce ensures at most one in-flight operation per resource key.
// Concurrent callers for the same key join the pending operation instead of
// starting their own.
package coalesce

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
)

var (
	startedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_coalesce_started_total",
		Help: "Total number of operations started by the coalescer",
	})

	joinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_coalesce_joined_total",
		Help: "Total number of callers that joined an already pending operation",
	})

	abandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_coalesce_abandoned_total",
		Help: "Total number of pending operations abandoned by all of their callers",
	})
)

// call is one pending operation.
type call struct {
	done   chan struct{}
	val    any
	err    error
	joined int
	cancel context.CancelFunc
}

// Group tracks pending operations by key. The zero value is ready to use.
type Group struct {
	mu    sync.Mutex
	calls map[string]*call
}

// Do runs fn for key unless an operation for key is already pending, in which
// case the caller waits for that operation's result instead. shared reports
// whether the result was delivered to more than one caller.
//
// fn runs on a context that keeps the values of the starting caller's ctx but
// not its cancellation. A caller whose ctx is done stops waiting and gets an
// error matching fetcherr.ErrCancelled; other callers keep waiting. When the
// last caller has left, the pending entry is removed and fn's context is
// cancelled.
//
// The pending entry is removed before the result is delivered, so a caller
// arriving after completion always starts a new operation.
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, shared bool, err error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call)
	}
	c, ok := g.calls[key]
	if ok {
		c.joined++
		joinedTotal.Inc()
	} else {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{
			done:   make(chan struct{}),
			joined: 1,
			cancel: cancel,
		}
		g.calls[key] = c
		startedTotal.Inc()
		go g.run(runCtx, key, c, fn)
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.val, g.wasShared(c), c.err
	case <-ctx.Done():
	}

	// Prefer a result that is already there over reporting cancellation.
	select {
	case <-c.done:
		return c.val, g.wasShared(c), c.err
	default:
	}

	g.leave(key, c)
	return nil, ok, fmt.Errorf("%w: %w", fetcherr.ErrCancelled, ctx.Err())
}

func (g *Group) run(ctx context.Context, key string, c *call, fn func(context.Context) (any, error)) {
	var (
		val any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("coalesced operation for %q panicked: %v", key, r)
			}
		}()
		val, err = fn(ctx)
	}()

	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	c.val, c.err = val, err
	close(c.done)
	g.mu.Unlock()

	c.cancel()
}

// leave drops one caller from c. The last one out abandons the operation.
func (g *Group) leave(key string, c *call) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.joined--
	if c.joined > 0 {
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	if g.calls[key] == c {
		delete(g.calls, key)
	}
	abandonedTotal.Inc()
	c.cancel()
}

func (g *Group) wasShared(c *call) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return c.joined > 1
}

// Pending reports whether an operation for key is in flight and how many
// callers are waiting on it.
func (g *Group) Pending(key string) (joined int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.calls[key]
	if !ok {
		return 0, false
	}
	return c.joined, true
}

// Len returns the number of keys with an operation in flight.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
