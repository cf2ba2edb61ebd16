package retryexec

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoff_Delay_Exponential(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond}
	d1 := b.Delay(1)
	d2 := b.Delay(2)
	if d1 < 10*time.Millisecond || d1 > 20*time.Millisecond {
		t.Fatalf("expected delay(1) in [10ms,20ms) range, got %v", d1)
	}
	if d2 < 20*time.Millisecond {
		t.Fatalf("expected delay(2) to be at least double the base, got %v", d2)
	}
}

func TestBackoff_Delay_RespectsMax(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 15 * time.Millisecond}
	d := b.Delay(10) // would be huge uncapped
	if d > 15*time.Millisecond+15*time.Millisecond/2+time.Millisecond {
		t.Fatalf("expected delay capped near Max plus jitter, got %v", d)
	}
}

func TestExecutor_Do_SucceedsWithoutRetry(t *testing.T) {
	var calls int32
	e := New(Backoff{Base: time.Millisecond, MaxAttempts: 3})
	err := e.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", calls)
	}
}

func TestExecutor_Do_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	e := New(Backoff{Base: time.Millisecond, MaxAttempts: 5})
	err := e.Do(context.Background(), func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", calls)
	}
}

func TestExecutor_Do_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	var calls int32
	e := New(Backoff{Base: time.Millisecond, MaxAttempts: 2})
	err := e.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the final attempt's error, got %v", err)
	}
	if calls != 3 { // initial + 2 retries
		t.Fatalf("expected 3 total attempts, got %d", calls)
	}
}

func TestExecutor_Do_StopsOnContextCancel(t *testing.T) {
	var calls int32
	e := New(Backoff{Base: 50 * time.Millisecond, MaxAttempts: 10})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := e.Do(ctx, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls > 2 {
		t.Fatalf("expected cancellation to cut retries short, got %d attempts", calls)
	}
}

func TestWrap_PassesThroughNullResult(t *testing.T) {
	var calls int32
	wrapped := Wrap(Backoff{Base: time.Millisecond, MaxAttempts: 3}, func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "", false, nil
	})

	v, ok, err := wrapped(context.Background(), "k")
	if err != nil || ok || v != "" {
		t.Fatalf("expected a clean null result passed through, got %q %v %v", v, ok, err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry on a deliberate null result, got %d calls", calls)
	}
}

func TestWrap_RetriesTransientErrors(t *testing.T) {
	var calls int32
	wrapped := Wrap(Backoff{Base: time.Millisecond, MaxAttempts: 3}, func(ctx context.Context, key string) (string, bool, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return "", false, errors.New("origin timeout")
		}
		return "value:" + key, true, nil
	})

	v, ok, err := wrapped(context.Background(), "k")
	if err != nil || !ok || v != "value:k" {
		t.Fatalf("unexpected wrapped result: %q %v %v", v, ok, err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}
