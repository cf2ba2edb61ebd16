package cache

import (
	"context"
	"sync"
)

// result is the settlement payload broadcast to every caller of a request.
type result[V any] struct {
	value V
	err   error
}

// request is a Coalesced Request (spec §4.2): a single in-flight fetch for
// one key, shared by every caller currently attached to it. Exactly one
// underlying fetch runs per request, regardless of how many callers join.
type request[V any] struct {
	aggregator *AllOfToken
	generation uint64 // matches the Store slot's generation at install time

	mu     sync.Mutex
	done   chan struct{}
	res    result[V]
	settle sync.Once
}

func newRequest[V any](generation uint64) *request[V] {
	return newRequestWithAggregator[V](generation, NewAllOfToken())
}

// newRequestWithAggregator builds a request that shares an existing
// aggregator with sibling requests. Used by the batched multi-key path
// (spec §4.5 "a shared aggregator seeded with token"): every key in one
// batched fetch gets its own request (so each settles with its own
// selector-derived value) but all of them join the same AllOfToken, so the
// underlying batched fetch is cancelled only once every caller of every
// key in the batch has cancelled.
func newRequestWithAggregator[V any](generation uint64, aggregator *AllOfToken) *request[V] {
	return &request[V]{
		aggregator: aggregator,
		generation: generation,
		done:       make(chan struct{}),
	}
}

// join attaches an additional caller token to the request's aggregator.
// Already-fired tokens are rejected by AllOfToken.Add itself (spec §4.2
// "already-fired caller tokens short-circuit ... and do not join"); the
// facade is responsible for surfacing that as a synchronous Cancelled
// failure to the non-joining caller before calling join.
func (r *request[V]) join(callerCtx context.Context) {
	r.aggregator.Add(callerCtx)
}

// settleOnce transitions the request to its terminal state exactly once.
// Subsequent calls are no-ops; only the first settlement is observed by
// every waiter (spec §3 invariant: "the single settlement transition").
func (r *request[V]) settleOnce(value V, err error) {
	r.settle.Do(func() {
		r.mu.Lock()
		r.res = result[V]{value: value, err: err}
		r.mu.Unlock()
		close(r.done)
		r.aggregator.Cleanup()
	})
}

// wait blocks until the request settles or callerCtx is done, whichever
// happens first. A caller whose own context fires before settlement
// observes Cancelled; a caller whose context fires after settlement still
// observes the settled value (spec §5 "completion wins over late cancel").
func (r *request[V]) wait(callerCtx context.Context) (V, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.res.value, r.res.err
	case <-callerCtx.Done():
		select {
		case <-r.done:
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.res.value, r.res.err
		default:
			var zero V
			return zero, &CancelledError{Cause: context.Cause(callerCtx)}
		}
	}
}
