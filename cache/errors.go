package cache

import (
	"errors"
	"fmt"
)

// ErrNoFetcherProduced is returned when every fetcher in a Chain returned a
// null result for a key (spec §4.3 rule 3, §6).
var ErrNoFetcherProduced = errors.New("cache: no fetcher produced a value")

// CancelledError is returned when a caller's own context was already done
// before (or instead of) the fetch settling. Cause is context.Cause of the
// caller's own context (usually context.Canceled or
// context.DeadlineExceeded).
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return "cache: cancelled"
	}
	return fmt.Sprintf("cache: cancelled: %v", e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// FetcherError wraps an error returned by a fetcher in the chain. The
// Entry is purged before this error becomes observable to callers (spec
// §4.2, §7).
type FetcherError struct {
	Source error
}

func (e *FetcherError) Error() string {
	return fmt.Sprintf("cache: fetcher failed: %v", e.Source)
}

func (e *FetcherError) Unwrap() error { return e.Source }

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var c *CancelledError
	return errors.As(err, &c)
}

// IsNoFetcherProduced reports whether err is (or wraps) ErrNoFetcherProduced.
func IsNoFetcherProduced(err error) bool {
	return errors.Is(err, ErrNoFetcherProduced)
}

// IsFetcherFailed reports whether err is (or wraps) a FetcherError, and
// returns the wrapped source error for convenience.
func IsFetcherFailed(err error) (error, bool) {
	var f *FetcherError
	if errors.As(err, &f) {
		return f.Source, true
	}
	return nil, false
}
