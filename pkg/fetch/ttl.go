package fetch

import (
	"context"
	"sync"
	"time"
)

type ttlHintKey struct{}

type ttlHint struct {
	mu  sync.Mutex
	ttl time.Duration
	set bool
}

// OverrideTTL replaces Options.TTL for the value the running loader is about
// to return, typically with a TTL read from response caching headers. It
// reports false when ctx does not belong to a fetch.
func OverrideTTL(ctx context.Context, ttl time.Duration) bool {
	h, ok := ctx.Value(ttlHintKey{}).(*ttlHint)
	if !ok {
		return false
	}
	if ttl < 0 {
		ttl = 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ttl, h.set = ttl, true
	return true
}

func withTTLHint(ctx context.Context) (context.Context, *ttlHint) {
	h := &ttlHint{}
	return context.WithValue(ctx, ttlHintKey{}, h), h
}

// resolve returns the overriding TTL or fallback.
func (h *ttlHint) resolve(fallback time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.set {
		return h.ttl
	}
	return fallback
}
