// Package fetcherr defines the error taxonomy of the fetch layer and the
// classification that decides which failures are worth retrying.
package fetcherr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Common errors returned by the fetch layer.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is returned to a caller whose context was torn down while
	// it was waiting on a fetch or a backoff timer.
	ErrCancelled = errors.New("fetch cancelled")
)

// ErrorClass represents a classification of fetch errors.
type ErrorClass string

const (
	// ErrorClassNetwork represents timeouts, refused connections and DNS failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassCancelled represents a caller-side cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassUnknown is anything the classifier does not recognise.
	ErrorClassUnknown ErrorClass = "unknown"
)

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network error: %v", e.Err)
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-2xx response from the remote API.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	msg := e.Status
	if msg == "" {
		msg = fmt.Sprintf("status %d", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("HTTP %s error (status %d): %s: %v",
			e.Class(), e.StatusCode, msg, e.Err)
	}
	return fmt.Sprintf("HTTP %s error (status %d): %s", e.Class(), e.StatusCode, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Class returns the error class derived from the status code.
func (e *HTTPError) Class() ErrorClass {
	switch {
	case e.StatusCode >= 500:
		return ErrorClassServer
	case e.StatusCode >= 400:
		return ErrorClassClient
	default:
		return ErrorClassUnknown
	}
}

// Classify categorizes an error for retry decisions and observability.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Class()
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorClassNetwork
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassNetwork
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorClassNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassNetwork
	}

	return ErrorClassUnknown
}

// Retryable reports whether an error should be retried.
// Only network errors and 5xx responses are retried; 4xx wastes attempts.
func Retryable(err error) bool {
	return ShouldRetry(Classify(err))
}

// ShouldRetry determines if an error class should be retried.
func ShouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassNetwork, ErrorClassServer:
		return true
	default:
		return false
	}
}
