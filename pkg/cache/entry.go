// Package cache provides the time-boxed resource cache of the fetch layer.
package cache

import (
	"time"
)

// CacheEntry is one stored resource value.
// Value must be treated as immutable once stored; callers that need to modify
// it must copy it first.
type CacheEntry struct {
	// Key is the logical resource key (e.g. "products:category=12").
	Key string

	// Value is the loaded resource.
	Value any

	// StoredAt is when the value was written. It never moves backwards for a key.
	StoredAt time.Time

	// TTL is how long the value stays fresh after StoredAt.
	TTL time.Duration
}

// IsFreshAt reports whether the entry is still fresh at now.
func (e *CacheEntry) IsFreshAt(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Age returns how long ago the entry was stored, relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	age := now.Sub(e.StoredAt)
	if age < 0 {
		return 0
	}
	return age
}

// Remaining returns the time until the entry goes stale.
// Returns 0 if already stale.
func (e *CacheEntry) Remaining(now time.Time) time.Duration {
	ttl := e.StoredAt.Add(e.TTL).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
