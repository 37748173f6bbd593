package commerce

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the fallback TTL when the response carries no caching hint.
const DefaultTTL = 5 * time.Minute

// maxAge caps max-age so the conversion to a Duration cannot overflow.
const maxAge = 10 * 365 * 24 * time.Hour

// TTLFromHeaders derives a cache TTL from response headers. Cache-Control
// max-age wins over Expires; no-store and no-cache yield zero. Missing or
// unparsable headers yield fallback, and an Expires in the past yields zero.
func TTLFromHeaders(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	if ttl, ok := CacheLifetime(h, now); ok {
		return ttl
	}
	return fallback
}

// CacheLifetime reports the lifetime the response headers state, if any.
// Directives without a lifetime, such as public or must-revalidate, are not
// one.
func CacheLifetime(h http.Header, now time.Time) (time.Duration, bool) {
	if cc := h.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.ToLower(strings.TrimSpace(directive))
			switch {
			case directive == "no-store" || directive == "no-cache":
				return 0, true
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.ParseInt(strings.TrimPrefix(directive, "max-age="), 10, 64)
				if err != nil || secs < 0 {
					continue
				}
				if secs > int64(maxAge/time.Second) {
					return maxAge, true
				}
				return time.Duration(secs) * time.Second, true
			}
		}
	}

	expiresStr := h.Get("Expires")
	if expiresStr == "" {
		return 0, false
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return 0, false
	}

	if !expires.After(now) {
		return 0, true
	}
	return expires.Sub(now), true
}

// TotalPages reads the X-WP-TotalPages header. A missing or invalid header
// counts as a single page.
func TotalPages(h http.Header) int {
	n, err := strconv.Atoi(h.Get("X-WP-TotalPages"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
