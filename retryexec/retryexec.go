package retryexec

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Backoff computes the delay before attempt N (1-indexed) of a retried
// operation. Grounded on warming/worker_pool.go's retryTask: exponential
// growth off a base duration, plus jitter to avoid synchronized retries
// across many coalesced keys.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the computed delay, jitter excluded. Zero means uncapped.
	Max time.Duration
	// MaxAttempts bounds the number of retries after the initial attempt.
	// Zero means the initial attempt only, no retries.
	MaxAttempts int
}

// Delay returns the backoff duration before retry attempt, with jitter
// applied. attempt is 1 for the first retry, 2 for the second, and so on.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	sleep := b.Base * time.Duration(int64(1)<<uint(attempt-1))
	if b.Max > 0 && sleep > b.Max {
		sleep = b.Max
	}
	if sleep <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(sleep)/2 + 1))
	return sleep + jitter
}

// Executor runs an operation with retries according to a Backoff policy.
type Executor struct {
	backoff Backoff
}

// New builds an Executor from a Backoff policy.
func New(backoff Backoff) *Executor {
	return &Executor{backoff: backoff}
}

// Do runs op, retrying up to backoff.MaxAttempts times on error, sleeping
// Delay(attempt) between attempts. It stops early and returns the context's
// error if ctx is done, whether while sleeping or mid-attempt. The last
// attempt's error is returned if every attempt fails.
//
// Every call to Do is tagged with a fresh attempt ID (uuid v4), logged
// alongside each failed attempt so retries of the same underlying op can be
// correlated in logs even though they're otherwise indistinguishable.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attemptID := uuid.New().String()
	var lastErr error
	for attempt := 0; attempt <= e.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.backoff.Delay(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return context.Cause(ctx)
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		log.Printf("[WARN] retryexec attempt_id=%s attempt=%d/%d err=%v", attemptID, attempt+1, e.backoff.MaxAttempts+1, lastErr)
	}
	return lastErr
}

// Wrap adapts a fallible single-key fetch into one that retries on error
// before giving up, so the Fetcher Chain it is handed to never sees a
// transient origin failure — only the final outcome after exhausting
// MaxAttempts retries. A SingleFetcher's "no value here" (ok=false, nil
// error) is left untouched: retry only ever applies to errors, never to a
// deliberate null result.
func Wrap[K comparable, V any](backoff Backoff, fn func(ctx context.Context, key K) (V, bool, error)) func(ctx context.Context, key K) (V, bool, error) {
	executor := New(backoff)
	return func(ctx context.Context, key K) (V, bool, error) {
		var value V
		var ok bool
		err := executor.Do(ctx, func(ctx context.Context) error {
			v, o, err := fn(ctx, key)
			value, ok = v, o
			return err
		})
		return value, ok, err
	}
}
