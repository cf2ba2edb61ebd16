package cache

import (
	"context"
)

// KeyTransformer maps a caller-supplied key K to the internal, storage
// identity key K' (spec §3). Use func(k K) K { return k } for the
// identity transform when K is already comparable.
type KeyTransformer[K any, K2 comparable] func(K) K2

// Hooks are optional observability callbacks the facade invokes at the
// points monitoring (SPEC_FULL.md §12) cares about. All fields are
// optional; a nil hook is simply not called. None of them may block the
// caller for long — they run inline on the hit/miss/settle path.
type Hooks[K2 comparable] struct {
	OnHit    func(key K2)
	OnMiss   func(key K2)
	OnJoin   func(key K2)
	OnEvict  func(key K2, reason string)
	OnSettle func(key K2, generation uint64, err error)
}

// Config carries the Cache Facade's constructor options (spec §6).
type Config[K any, K2 comparable, V any] struct {
	KeyTransformer KeyTransformer[K, K2]
	Store          StoreConfig
	Chain          *Chain[K2, V]
	Hooks          Hooks[K2]
}

// Cache is the Cache Facade (spec §4.5, C5): the public entry point that
// orchestrates the Cancellation Aggregator, Coalesced Request, Fetcher
// Chain and Entry Store into get/set/delete/has.
type Cache[K comparable, K2 comparable, V any] struct {
	transform KeyTransformer[K, K2]
	store     *Store[K2, V]
	chain     *Chain[K2, V]
	hooks     Hooks[K2]
}

// New constructs a Cache Facade from cfg. Panics if KeyTransformer or
// Chain is nil, since neither has a sensible default (spec §6 requires a
// non-empty fetcher list; the key transformer must be supplied explicitly
// because Go generics cannot default K2 to K).
func New[K comparable, K2 comparable, V any](cfg Config[K, K2, V]) *Cache[K, K2, V] {
	if cfg.KeyTransformer == nil {
		panic("cache: KeyTransformer is required")
	}
	if cfg.Chain == nil {
		panic("cache: Chain is required")
	}
	return &Cache[K, K2, V]{
		transform: cfg.KeyTransformer,
		store:     NewStore[K2, V](cfg.Store),
		chain:     cfg.Chain,
		hooks:     cfg.Hooks,
	}
}

// Get resolves key, coalescing with any in-flight fetch for the same key
// and blocking until settlement or cancellation (spec §4.5).
func (c *Cache[K, K2, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, &CancelledError{Cause: context.Cause(ctx)}
	}

	k2 := c.transform(key)
	e, existed, trimmed := c.store.GetOrCreate(k2, func(generation uint64) *request[V] {
		req := newRequest[V](generation)
		req.join(ctx)
		go c.run(k2, req)
		return req
	})
	c.reportEvicted(trimmed)

	if existed {
		if e.state == stateResolved {
			c.report(c.hooks.OnHit, k2)
			return e.value, nil
		}
		c.report(c.hooks.OnJoin, k2)
		e.req.join(ctx)
	} else {
		c.report(c.hooks.OnMiss, k2)
	}
	return e.req.wait(ctx)
}

// Future is a handle on one key's settlement within a GetMany call (spec
// §4.5 "mapping K → future of V"). Get blocks until that key's shared
// fetch settles or the caller's token (joined when GetMany was called)
// fires, whichever happens first.
type Future[V any] struct {
	value  V
	err    error
	ready  bool
	req    *request[V]
	waitOn context.Context
}

// Get resolves the future, blocking if necessary.
func (f *Future[V]) Get() (V, error) {
	if f.ready {
		return f.value, f.err
	}
	return f.req.wait(f.waitOn)
}

func readyFuture[V any](value V, err error) *Future[V] {
	return &Future[V]{value: value, err: err, ready: true}
}

func pendingFuture[V any](req *request[V], ctx context.Context) *Future[V] {
	return &Future[V]{req: req, waitOn: ctx}
}

// GetMany resolves a set of keys, preserving one Future per input key
// (spec §4.5). Keys already cached (Resolved or Pending) simply join their
// existing entry; for absent keys, if the fetcher chain's head stage is a
// Batch fetcher, one shared underlying fetch is issued for every absent
// key with a shared aggregator (spec §4.5, §9 "NoCache batching"); if the
// head is a Single fetcher, each absent key gets its own independent
// Coalesced Request exactly as a lone Get(key) would.
func (c *Cache[K, K2, V]) GetMany(ctx context.Context, keys []K) (map[K]*Future[V], error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Cause: context.Cause(ctx)}
	}
	if len(keys) == 0 {
		return map[K]*Future[V]{}, nil
	}

	k2ToK := make(map[K2]K, len(keys))
	k2s := make([]K2, 0, len(keys))
	for _, k := range keys {
		k2 := c.transform(k)
		if _, dup := k2ToK[k2]; !dup {
			k2ToK[k2] = k
			k2s = append(k2s, k2)
		}
	}

	futures := make(map[K]*Future[V], len(keys))

	if c.chain.headIsBatch() {
		c.getManyBatchHead(ctx, k2s, k2ToK, futures)
	} else {
		c.getManySingleHead(ctx, k2s, k2ToK, futures)
	}

	return futures, nil
}

// getManySingleHead resolves each absent key through its own independent
// Coalesced Request, reusing the exact same GetOrCreate path Get uses.
func (c *Cache[K, K2, V]) getManySingleHead(ctx context.Context, k2s []K2, k2ToK map[K2]K, futures map[K]*Future[V]) {
	for _, k2 := range k2s {
		k := k2ToK[k2]
		e, existed, trimmed := c.store.GetOrCreate(k2, func(generation uint64) *request[V] {
			req := newRequest[V](generation)
			req.join(ctx)
			go c.run(k2, req)
			return req
		})
		c.reportEvicted(trimmed)

		if existed {
			if e.state == stateResolved {
				c.report(c.hooks.OnHit, k2)
				futures[k] = readyFuture[V](e.value, nil)
				continue
			}
			c.report(c.hooks.OnJoin, k2)
			e.req.join(ctx)
		} else {
			c.report(c.hooks.OnMiss, k2)
		}
		futures[k] = pendingFuture(e.req, ctx)
	}
}

// getManyBatchHead issues one shared underlying fetch for every key still
// absent after the hit partition, per spec §4.5's batched path. The
// hit/absent partition below and the GetOrCreateGroup call are two separate
// store operations, not one atomic step: a concurrent caller can race a key
// from absent into existence between them. GetOrCreateGroup's own hits
// return value (not just created) covers that case, so every key still
// ends up with a future.
func (c *Cache[K, K2, V]) getManyBatchHead(ctx context.Context, k2s []K2, k2ToK map[K2]K, futures map[K]*Future[V]) {
	var absent []K2
	for _, k2 := range k2s {
		if e, ok := c.store.Get(k2); ok {
			k := k2ToK[k2]
			if e.state == stateResolved {
				c.report(c.hooks.OnHit, k2)
				futures[k] = readyFuture[V](e.value, nil)
			} else {
				c.report(c.hooks.OnJoin, k2)
				e.req.join(ctx)
				futures[k] = pendingFuture(e.req, ctx)
			}
			continue
		}
		absent = append(absent, k2)
	}
	if len(absent) == 0 {
		return
	}

	groupAgg := NewAllOfToken()
	groupAgg.Add(ctx)

	racedHits, created, trimmed := c.store.GetOrCreateGroup(absent, func(key K2, generation uint64) *request[V] {
		return newRequestWithAggregator[V](generation, groupAgg)
	})
	c.reportEvicted(trimmed)

	for k2, e := range racedHits {
		k := k2ToK[k2]
		if e.state == stateResolved {
			c.report(c.hooks.OnHit, k2)
			futures[k] = readyFuture[V](e.value, nil)
		} else {
			c.report(c.hooks.OnJoin, k2)
			e.req.join(ctx)
			futures[k] = pendingFuture(e.req, ctx)
		}
	}

	for k2, e := range created {
		c.report(c.hooks.OnMiss, k2)
		futures[k2ToK[k2]] = pendingFuture(e.req, ctx)
	}

	batchKeys := make([]K2, 0, len(created))
	for k2 := range created {
		batchKeys = append(batchKeys, k2)
	}
	go c.runMany(batchKeys, created, groupAgg)
}

// run executes the Fetcher Chain for one Coalesced Request and settles it
// (spec §4.2 "construction").
func (c *Cache[K, K2, V]) run(key K2, req *request[V]) {
	var zero V
	value, err := c.chain.ResolveOne(req.aggregator.Context(), key)
	if err != nil {
		c.store.RejectPending(key, req.generation)
		c.reportSettle(key, req.generation, err)
		req.settleOnce(zero, err)
		return
	}
	// If ResolvePending fails, a Set() installed a newer generation while
	// this fetch was in flight; its result is discarded from the store
	// (spec §5, §9) but still broadcast to callers who joined before the
	// race, per "callers already holding the old future still observe its
	// eventual outcome".
	c.store.ResolvePending(key, req.generation, value)
	c.reportSettle(key, req.generation, nil)
	req.settleOnce(value, nil)
}

// runMany is run's multi-key counterpart for the batched path: one chain
// resolution serves every key in the batch, and each key's own request
// settles independently with its selector-derived value or failure.
func (c *Cache[K, K2, V]) runMany(keys []K2, slots map[K2]*slot[K2, V], agg *AllOfToken) {
	resolved, failed := c.chain.ResolveMany(agg.Context(), keys)
	var zero V
	for _, key := range keys {
		e := slots[key]
		req := e.req // ResolvePending clears e.req
		if v, ok := resolved[key]; ok {
			c.store.ResolvePending(key, e.generation, v)
			c.reportSettle(key, e.generation, nil)
			req.settleOnce(v, nil)
			continue
		}
		err := failed[key]
		c.store.RejectPending(key, e.generation)
		c.reportSettle(key, e.generation, err)
		req.settleOnce(zero, err)
	}
}

// Set atomically installs a Resolved(value) Entry for key, evicting any
// prior Entry (spec §3 invariant 5, §4.5).
func (c *Cache[K, K2, V]) Set(key K, value V) {
	k2 := c.transform(key)
	trimmed := c.store.SetResolved(k2, value)
	c.reportEvicted(trimmed)
}

// Delete unconditionally removes the Entry for key (spec §4.5). An
// in-flight fetch already handed out to callers continues to resolve
// their futures; a subsequent Get starts fresh.
func (c *Cache[K, K2, V]) Delete(key K) bool {
	return c.store.Delete(c.transform(key))
}

// DeletePattern removes every unexpired K' for which match returns true.
// Supplements spec.md's single-key delete with the teacher's wildcard
// invalidation (SPEC_FULL.md §12); match operates on the transformed key
// space K', not the caller-facing K.
func (c *Cache[K, K2, V]) DeletePattern(match func(K2) bool) []K2 {
	return c.store.DeleteMatching(match)
}

// Has reports whether an unexpired Entry exists for key (spec §4.5, §9
// "has reflects unexpired state").
func (c *Cache[K, K2, V]) Has(key K) bool {
	return c.store.Has(c.transform(key))
}

// Size returns the current number of (possibly not-yet-swept) entries.
func (c *Cache[K, K2, V]) Size() int {
	return c.store.Size()
}

func (c *Cache[K, K2, V]) report(hook func(K2), key K2) {
	if hook != nil {
		hook(key)
	}
}

func (c *Cache[K, K2, V]) reportEvicted(keys []K2) {
	if c.hooks.OnEvict == nil {
		return
	}
	for _, k := range keys {
		c.hooks.OnEvict(k, "capacity")
	}
}

func (c *Cache[K, K2, V]) reportSettle(key K2, generation uint64, err error) {
	if c.hooks.OnSettle != nil {
		c.hooks.OnSettle(key, generation, err)
	}
}
