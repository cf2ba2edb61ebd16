package cache

import (
	"context"
	"sync"
)

// AllOfToken implements the Cancellation Aggregator (spec §4.1): it
// combines a dynamically changing set of caller contexts into one derived
// context that fires only once every context currently in the set has
// fired. Unlike a plain context.Context, callers may be added to or
// removed from the set after construction, which is what lets a
// Coalesced Request (C2) grow and shrink its active set of waiters as
// callers join an in-flight fetch or cancel out of it.
//
// The zero value is not usable; construct with NewAllOfToken.
type AllOfToken struct {
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelCauseFunc
	pending   map[context.Context]chan struct{}
	everAdded bool
	settled   bool
	lastCause error
}

// NewAllOfToken creates an empty aggregator. The derived token never fires
// until at least one input has been Add-ed and every added input (not
// later Removed) has fired; see the package-level invariant in spec §4.1.
func NewAllOfToken() *AllOfToken {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &AllOfToken{
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[context.Context]chan struct{}),
	}
}

// Context returns the derived token D.
func (a *AllOfToken) Context() context.Context { return a.ctx }

// Add inserts t into the active set and subscribes to its cancellation. If
// t has already fired, Add is a no-op: the caller's own side already
// handles its cancellation, and admitting a dead token here would let a
// single late joiner immediately flip an otherwise-healthy aggregator.
func (a *AllOfToken) Add(t context.Context) {
	if t.Err() != nil {
		return
	}

	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return
	}
	if _, exists := a.pending[t]; exists {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.pending[t] = stop
	a.everAdded = true
	a.mu.Unlock()

	go a.watch(t, stop)
}

func (a *AllOfToken) watch(t context.Context, stop chan struct{}) {
	select {
	case <-t.Done():
		a.mu.Lock()
		if cur, ok := a.pending[t]; ok && cur == stop {
			delete(a.pending, t)
			a.lastCause = context.Cause(t)
		}
		a.evaluateLocked()
		a.mu.Unlock()
	case <-stop:
	}
}

// Remove unsubscribes t and erases it from the active set without
// treating it as fired. Safe to call even if t was never added, and safe
// to call more than once for the same t (a token is removed from S at
// most once; the second call is a no-op).
func (a *AllOfToken) Remove(t context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stop, ok := a.pending[t]
	if !ok {
		return
	}
	delete(a.pending, t)
	close(stop)
	a.evaluateLocked()
}

// evaluateLocked fires D iff the active set is non-empty (at least one
// input was ever added) and now empty (every member either fired or was
// explicitly removed down to zero via firing). Must be called with a.mu
// held. D fires exactly once.
func (a *AllOfToken) evaluateLocked() {
	if a.settled {
		return
	}
	if a.everAdded && len(a.pending) == 0 {
		a.settled = true
		cause := a.lastCause
		if cause == nil {
			cause = context.Canceled
		}
		a.cancel(cause)
	}
}

// Cleanup unsubscribes from all remaining inputs and clears the active
// set without firing D. Idempotent. Used to dismantle an aggregator whose
// coalesced request settled by success rather than by every caller
// cancelling (spec §4.1 "cleanup()").
func (a *AllOfToken) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for t, stop := range a.pending {
		delete(a.pending, t)
		close(stop)
	}
	a.settled = true
}

// AllOf is the static convenience form of AllOfToken: it adds every given
// context up front and returns the derived context plus a release
// function that must be called once the derived context is no longer
// needed, mirroring the context.WithCancel idiom so the watcher goroutines
// AllOf starts are never leaked (spec §8 "aggregator cleanup").
func AllOf(parents ...context.Context) (context.Context, func()) {
	token := NewAllOfToken()
	for _, p := range parents {
		token.Add(p)
	}
	return token.Context(), token.Cleanup
}

// AnyOf is the dual of AllOf (spec §4.8): the derived token fires as soon
// as any one input fires. Used by fetchers to combine the cache's derived
// fetch token with ad-hoc inter-request cancellation (e.g. a shared
// deadline) without the cache's own cancellation logic knowing about it.
func AnyOf(parents ...context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			cancel(context.Canceled)
		})
	}

	for _, p := range parents {
		if p.Err() != nil {
			cancel(context.Cause(p))
			return ctx, release
		}
	}

	for _, p := range parents {
		go func(p context.Context) {
			select {
			case <-p.Done():
				once.Do(func() {
					close(stop)
					cancel(context.Cause(p))
				})
			case <-stop:
			}
		}(p)
	}

	return ctx, release
}
