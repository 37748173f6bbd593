package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
)

// waitForJoined polls until n callers wait on key.
func waitForJoined(t *testing.T, g *Group, key string, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if joined, ok := g.Pending(key); ok && joined == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	joined, _ := g.Pending(key)
	t.Fatalf("Timed out waiting for %d joined callers on %q, have %d", n, key, joined)
}

func TestDo_SingleCaller(t *testing.T) {
	var g Group

	v, shared, err := g.Do(context.Background(), "categories", func(context.Context) (any, error) {
		return "cats", nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if v != "cats" {
		t.Errorf("Value = %v, want cats", v)
	}
	if shared {
		t.Error("Single caller should not be reported as shared")
	}
	if g.Len() != 0 {
		t.Errorf("Len = %d, want 0 after completion", g.Len())
	}
}

func TestDo_ConcurrentCallersShareOneCall(t *testing.T) {
	var g Group
	const callers = 10

	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "products", nil
	}

	var wg sync.WaitGroup
	results := make([]any, callers)
	sharedFlags := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], sharedFlags[i], errs[i] = g.Do(context.Background(), "products", fn)
		}(i)
	}

	waitForJoined(t, &g, "products", callers)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fn invoked %d times, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if results[i] != "products" {
			t.Errorf("caller %d: value = %v, want products", i, results[i])
		}
		if !sharedFlags[i] {
			t.Errorf("caller %d: expected shared result", i)
		}
	}
}

func TestDo_ErrorDeliveredToAllJoiners(t *testing.T) {
	var g Group
	loadErr := &fetcherr.HTTPError{StatusCode: 500}
	release := make(chan struct{})

	fn := func(context.Context) (any, error) {
		<-release
		return nil, loadErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "k", fn)
		}(i)
	}

	waitForJoined(t, &g, "k", 3)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != loadErr {
			t.Errorf("caller %d: err = %v, want %v", i, err, loadErr)
		}
	}
}

func TestDo_NonOverlappingCallsStartNewOperations(t *testing.T) {
	var g Group
	var calls atomic.Int32

	fn := func(context.Context) (any, error) {
		return calls.Add(1), nil
	}

	for i := 1; i <= 3; i++ {
		v, _, err := g.Do(context.Background(), "k", fn)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if v.(int32) != int32(i) {
			t.Errorf("call %d: value = %v, want %d", i, v, i)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("fn invoked %d times, want 3", calls.Load())
	}
}

func TestDo_EntryRemovedBeforeDelivery(t *testing.T) {
	var g Group

	_, _, _ = g.Do(context.Background(), "k", func(context.Context) (any, error) {
		return 1, nil
	})

	// Result already delivered: the pending entry must be gone.
	if _, ok := g.Pending("k"); ok {
		t.Error("Pending entry should be removed once the operation settles")
	}

	var calls atomic.Int32
	_, _, _ = g.Do(context.Background(), "k", func(context.Context) (any, error) {
		calls.Add(1)
		return 2, nil
	})
	if calls.Load() != 1 {
		t.Error("A caller arriving after settlement must start a new operation")
	}
}

func TestDo_DifferentKeysDoNotCoalesce(t *testing.T) {
	var g Group
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return nil, nil
	}

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = g.Do(context.Background(), key, fn)
		}(key)
	}

	waitForJoined(t, &g, "a", 1)
	waitForJoined(t, &g, "b", 1)
	close(release)
	wg.Wait()

	if calls.Load() != 2 {
		t.Errorf("fn invoked %d times, want 2", calls.Load())
	}
}

func TestDo_CancelledCallerLeavesOthersWaiting(t *testing.T) {
	var g Group
	release := make(chan struct{})

	fn := func(context.Context) (any, error) {
		<-release
		return "value", nil
	}

	cancelCtx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var cancelledErr, survivorErr error
	var survivorVal any

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, cancelledErr = g.Do(cancelCtx, "k", fn)
	}()
	waitForJoined(t, &g, "k", 1)
	go func() {
		defer wg.Done()
		survivorVal, _, survivorErr = g.Do(context.Background(), "k", fn)
	}()
	waitForJoined(t, &g, "k", 2)

	cancel()
	waitForJoined(t, &g, "k", 1)
	close(release)
	wg.Wait()

	if !errors.Is(cancelledErr, fetcherr.ErrCancelled) {
		t.Errorf("Cancelled caller: err = %v, want ErrCancelled", cancelledErr)
	}
	if survivorErr != nil {
		t.Errorf("Surviving caller: unexpected error %v", survivorErr)
	}
	if survivorVal != "value" {
		t.Errorf("Surviving caller: value = %v, want value", survivorVal)
	}
}

func TestDo_StarterCancellationDoesNotCancelOperation(t *testing.T) {
	var g Group
	release := make(chan struct{})
	opCtxErr := make(chan error, 1)

	fn := func(ctx context.Context) (any, error) {
		<-release
		opCtxErr <- ctx.Err()
		return "v", nil
	}

	starterCtx, cancel := context.WithCancel(context.Background())
	go func() { _, _, _ = g.Do(starterCtx, "k", fn) }()
	waitForJoined(t, &g, "k", 1)

	done := make(chan error, 1)
	go func() {
		_, _, err := g.Do(context.Background(), "k", fn)
		done <- err
	}()
	waitForJoined(t, &g, "k", 2)

	cancel()
	waitForJoined(t, &g, "k", 1)
	close(release)

	if err := <-done; err != nil {
		t.Errorf("Joiner: unexpected error %v", err)
	}
	if err := <-opCtxErr; err != nil {
		t.Errorf("Operation context should stay alive while a joiner waits, got %v", err)
	}
}

func TestDo_AllCallersLeaveAbandonsOperation(t *testing.T) {
	var g Group
	opCancelled := make(chan struct{})

	fn := func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(opCancelled)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", fn)
		errCh <- err
	}()
	waitForJoined(t, &g, "k", 1)

	cancel()

	if err := <-errCh; !errors.Is(err, fetcherr.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}

	select {
	case <-opCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Operation context was not cancelled after the last caller left")
	}

	if _, ok := g.Pending("k"); ok {
		t.Error("Abandoned operation should no longer be pending")
	}
}

func TestDo_PanicIsReturnedAsError(t *testing.T) {
	var g Group

	_, _, err := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		panic("boom")
	})

	if err == nil {
		t.Fatal("Expected error from panicking operation")
	}
	if g.Len() != 0 {
		t.Errorf("Len = %d, want 0", g.Len())
	}
}

func TestDo_ContextValuesPropagate(t *testing.T) {
	type ctxKey struct{}
	var g Group

	ctx := context.WithValue(context.Background(), ctxKey{}, "request-7")
	v, _, err := g.Do(ctx, "k", func(ctx context.Context) (any, error) {
		return ctx.Value(ctxKey{}), nil
	})

	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if v != "request-7" {
		t.Errorf("ctx value = %v, want request-7", v)
	}
}
