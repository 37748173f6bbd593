package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
)

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

func (r *recordingTimer) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// stuckTimer never fires.
type stuckTimer struct{ c chan time.Time }

func (s *stuckTimer) Start(time.Duration)  {}
func (s *stuckTimer) Stop()                {}
func (s *stuckTimer) C() <-chan time.Time { return s.c }

func policyWithTimer(timer backoff.Timer) Policy {
	p := DefaultPolicy()
	p.NewTimer = func() backoff.Timer { return timer }
	return p
}

var serverErr = &fetcherr.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", p.MaxBackoff)
	}
	if p.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0", p.Jitter)
	}
}

func TestExecute_Success(t *testing.T) {
	timer := newRecordingTimer()
	callCount := 0

	err := policyWithTimer(timer).Execute(context.Background(), func(context.Context) error {
		callCount++
		return nil
	}, 3, time.Second)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if len(timer.Waits()) != 0 {
		t.Errorf("Expected no waits, got %v", timer.Waits())
	}
}

func TestExecute_SuccessAfterRetry(t *testing.T) {
	timer := newRecordingTimer()
	callCount := 0

	err := policyWithTimer(timer).Execute(context.Background(), func(context.Context) error {
		callCount++
		if callCount < 3 {
			return &fetcherr.NetworkError{Op: "GET", Err: errors.New("connection reset")}
		}
		return nil
	}, 3, time.Second)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestExecute_BackoffSchedule(t *testing.T) {
	timer := newRecordingTimer()
	callCount := 0

	err := policyWithTimer(timer).Execute(context.Background(), func(context.Context) error {
		callCount++
		return serverErr
	}, 3, 1000*time.Millisecond)

	if callCount != 3 {
		t.Fatalf("Expected 3 calls, got %d", callCount)
	}

	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}
	got := timer.Waits()
	if len(got) != len(want) {
		t.Fatalf("Waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Wait %d = %v, want %v", i, got[i], want[i])
		}
	}

	if !errors.Is(err, fetcherr.ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, serverErr) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}
	var httpErr *fetcherr.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 503 {
		t.Errorf("Expected errors.As to find the HTTPError, got %v", err)
	}
}

func TestExecute_RealTimerSchedule(t *testing.T) {
	var timestamps []time.Time

	_ = DefaultPolicy().Execute(context.Background(), func(context.Context) error {
		timestamps = append(timestamps, time.Now())
		return serverErr
	}, 3, 50*time.Millisecond)

	if len(timestamps) != 3 {
		t.Fatalf("Expected 3 timestamps, got %d", len(timestamps))
	}

	firstDelay := timestamps[1].Sub(timestamps[0])
	secondDelay := timestamps[2].Sub(timestamps[1])

	if firstDelay < 45*time.Millisecond || firstDelay > 500*time.Millisecond {
		t.Errorf("First retry delay %v outside expected range", firstDelay)
	}
	if secondDelay < 95*time.Millisecond || secondDelay > 600*time.Millisecond {
		t.Errorf("Second retry delay %v outside expected range", secondDelay)
	}
}

func TestExecute_MaxBackoffCap(t *testing.T) {
	timer := newRecordingTimer()
	p := policyWithTimer(timer)
	p.MaxBackoff = 3 * time.Second

	_ = p.Execute(context.Background(), func(context.Context) error {
		return serverErr
	}, 5, 1*time.Second)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	got := timer.Waits()
	if len(got) != len(want) {
		t.Fatalf("Waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Wait %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExecute_ClientErrorNoRetry(t *testing.T) {
	timer := newRecordingTimer()
	callCount := 0
	notFound := &fetcherr.HTTPError{StatusCode: 404, Status: "404 Not Found"}

	err := policyWithTimer(timer).Execute(context.Background(), func(context.Context) error {
		callCount++
		return notFound
	}, 3, time.Second)

	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for client errors), got %d", callCount)
	}
	if errors.Is(err, fetcherr.ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted for client errors")
	}
	if err != notFound {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestExecute_UnknownErrorNoRetry(t *testing.T) {
	callCount := 0
	decodeErr := errors.New("decode: unexpected token")

	err := policyWithTimer(newRecordingTimer()).Execute(context.Background(), func(context.Context) error {
		callCount++
		return decodeErr
	}, 3, time.Second)

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if err != decodeErr {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestExecute_MaxAttemptsFloor(t *testing.T) {
	callCount := 0

	err := policyWithTimer(newRecordingTimer()).Execute(context.Background(), func(context.Context) error {
		callCount++
		return serverErr
	}, 0, time.Second)

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if !errors.Is(err, fetcherr.ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
}

func TestExecute_ContextCancelledAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	callCount := 0

	err := policyWithTimer(&stuckTimer{c: make(chan time.Time)}).Execute(ctx, func(context.Context) error {
		callCount++
		cancel()
		return serverErr
	}, 3, time.Second)

	if !errors.Is(err, fetcherr.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	callCount := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := policyWithTimer(&stuckTimer{c: make(chan time.Time)}).Execute(ctx, func(context.Context) error {
		mu.Lock()
		callCount++
		mu.Unlock()
		return serverErr
	}, 3, time.Hour)

	if !errors.Is(err, fetcherr.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Backoff was not interrupted by cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestExecute_Jitter(t *testing.T) {
	timer := newRecordingTimer()
	p := policyWithTimer(timer)
	p.Jitter = 0.2

	_ = p.Execute(context.Background(), func(context.Context) error {
		return serverErr
	}, 2, time.Second)

	waits := timer.Waits()
	if len(waits) != 1 {
		t.Fatalf("Expected 1 wait, got %v", waits)
	}
	if waits[0] < 800*time.Millisecond || waits[0] > 1200*time.Millisecond {
		t.Errorf("Wait %v outside jitter range [800ms, 1200ms]", waits[0])
	}
}
