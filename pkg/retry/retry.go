// Package retry wraps fetch operations with bounded exponential backoff.
// Only errors that fetcherr classifies as retryable (network failures and 5xx
// responses) consume further attempts; everything else returns immediately.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

const (
	// DefaultMaxAttempts is the number of invocations when the caller passes none.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the wait before the second attempt.
	DefaultInitialBackoff = 1 * time.Second

	// DefaultMaxBackoff caps a single wait.
	DefaultMaxBackoff = 30 * time.Second
)

// Policy holds the parts of the retry behaviour that do not vary per call.
type Policy struct {
	// MaxBackoff caps a single backoff wait.
	MaxBackoff time.Duration

	// Jitter randomizes each wait by ±Jitter (0.2 = ±20%). Zero keeps the
	// schedule exact: initial, 2*initial, 4*initial, ...
	Jitter float64

	// NewTimer returns the timer used for backoff waits. Nil uses a real timer.
	NewTimer func() backoff.Timer

	// Logger receives retry events. The zero value falls back to the global logger.
	Logger *zerolog.Logger
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Execute runs op until it succeeds, fails with a non-retryable error, or has
// been invoked maxAttempts times. The wait before attempt n (n >= 2) is
// initialBackoff * 2^(n-2), capped at MaxBackoff.
//
// When attempts are exhausted the returned error matches both
// fetcherr.ErrRetryExhausted and the last error returned by op. When ctx is
// done during a backoff wait no further attempts run and the error matches
// fetcherr.ErrCancelled and ctx.Err(). A non-retryable error is returned as is.
func (p Policy) Execute(ctx context.Context, op func(context.Context) error, maxAttempts int, initialBackoff time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if initialBackoff < 0 {
		initialBackoff = 0
	}
	logger := p.logger()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	exp.MaxInterval = p.MaxBackoff
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = DefaultMaxBackoff
	}
	exp.MaxElapsedTime = 0

	b := backoff.WithMaxRetries(backoff.WithContext(exp, ctx), uint64(maxAttempts-1))

	var (
		attempts  int
		lastErr   error
		permanent bool
	)

	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			if attempts > 1 {
				logger.Info().
					Int("attempt", attempts).
					Msg("Fetch succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !fetcherr.Retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		class := string(fetcherr.Classify(err))
		retriesTotal.WithLabelValues(class).Inc()
		retryBackoffSeconds.WithLabelValues(class).Observe(wait.Seconds())

		logger.Debug().
			Err(err).
			Str("error_class", class).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("Retrying fetch after backoff")
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	if err == nil {
		return nil
	}

	if permanent {
		return lastErr
	}

	if attempts < maxAttempts && ctx.Err() != nil {
		logger.Warn().
			Int("attempt", attempts).
			Msg("Context cancelled during retry backoff")
		return fmt.Errorf("%w: %w", fetcherr.ErrCancelled, ctx.Err())
	}

	class := string(fetcherr.Classify(lastErr))
	retryExhaustedTotal.WithLabelValues(class).Inc()
	logger.Warn().
		Err(lastErr).
		Str("error_class", class).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", fetcherr.ErrRetryExhausted, attempts, lastErr)
}

func (p Policy) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	l := log.With().Str("component", "retry").Logger()
	return &l
}
