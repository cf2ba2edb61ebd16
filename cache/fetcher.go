package cache

import (
	"sync"

	"context"

	"golang.org/x/sync/errgroup"
)

// SingleFetcher produces at most one value for a single key. A false ok
// (with a nil error) means "no value here, try the next fetcher in the
// chain" (spec §4.3).
type SingleFetcher[K comparable, V any] func(ctx context.Context, key K) (value V, ok bool, err error)

// BatchFetcher produces a batch of raw results for a set of keys in one
// call. Pair it with a Selector to turn the batch into per-key values.
type BatchFetcher[K comparable, R any] func(ctx context.Context, keys []K) ([]R, error)

// Selector is a pure, deterministic function of (full batch results, key)
// that extracts that key's value from a batch result, or reports false if
// the batch didn't produce one (spec §4.3 "selector is a pure function of
// (full_results, key)").
type Selector[K comparable, R any, V any] func(results []R, key K) (value V, ok bool)

// Stage is one link in a Fetcher Chain: either a Single or a Batch
// fetcher, normalized to the same resolution interface so Chain can treat
// them uniformly (spec §4.3).
type Stage[K comparable, V any] interface {
	resolveOne(ctx context.Context, key K) (V, bool, error)
	resolveMany(ctx context.Context, keys []K) (resolved map[K]V, failed map[K]error)
	// isBatch distinguishes a Batch-kind stage from a Single-kind one,
	// without needing a type assertion against a Batch stage's concrete
	// (and otherwise-irrelevant) raw-result type parameter R. The Cache
	// facade's GetMany (spec §4.5) only needs to know whether the chain's
	// head issues one shared call per batch or one call per key.
	isBatch() bool
}

// Single wraps a SingleFetcher as a Chain Stage. Its multi-key resolution
// fans out one goroutine per still-pending key — independent single-key
// calls have no reason to share failure, unlike a Batch fetcher's one
// underlying call.
func Single[K comparable, V any](fn SingleFetcher[K, V]) Stage[K, V] {
	return singleStage[K, V]{fn: fn}
}

type singleStage[K comparable, V any] struct {
	fn SingleFetcher[K, V]
}

func (s singleStage[K, V]) resolveOne(ctx context.Context, key K) (V, bool, error) {
	return s.fn(ctx, key)
}

func (s singleStage[K, V]) isBatch() bool { return false }

func (s singleStage[K, V]) resolveMany(ctx context.Context, keys []K) (map[K]V, map[K]error) {
	var mu sync.Mutex
	resolved := make(map[K]V, len(keys))
	failed := make(map[K]error)

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			v, ok, err := s.fn(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[key] = err
				return nil // independent per-key failure, not fatal to the group
			}
			if ok {
				resolved[key] = v
			}
			return nil
		})
	}
	_ = g.Wait() // errors are collected per-key above; no goroutine returns a group error
	return resolved, failed
}

// Batch wraps a BatchFetcher+Selector pair as a Chain Stage. A single-key
// resolveOne simply calls the batch fetcher with a one-element slice, so
// the same selector logic is exercised whether the caller asked for one
// key or many.
func Batch[K comparable, R any, V any](fn BatchFetcher[K, R], sel Selector[K, R, V]) Stage[K, V] {
	return batchStage[K, R, V]{fn: fn, sel: sel}
}

type batchStage[K comparable, R any, V any] struct {
	fn  BatchFetcher[K, R]
	sel Selector[K, R, V]
}

func (b batchStage[K, R, V]) isBatch() bool { return true }

func (b batchStage[K, R, V]) resolveOne(ctx context.Context, key K) (V, bool, error) {
	var zero V
	results, err := b.fn(ctx, []K{key})
	if err != nil {
		return zero, false, err
	}
	v, ok := b.sel(results, key)
	return v, ok, nil
}

func (b batchStage[K, R, V]) resolveMany(ctx context.Context, keys []K) (map[K]V, map[K]error) {
	resolved := make(map[K]V, len(keys))
	failed := make(map[K]error)

	results, err := b.fn(ctx, keys)
	if err != nil {
		for _, k := range keys {
			failed[k] = err
		}
		return resolved, failed
	}
	for _, k := range keys {
		if v, ok := b.sel(results, k); ok {
			resolved[k] = v
		}
	}
	return resolved, failed
}

// Chain is the Fetcher Chain (spec §4.3): a non-empty ordered list of
// Stages consulted in order until one yields a value. The order of the
// list is authoritative; the last stage is expected (by convention, not by
// the type system) to be non-nullable so a key is never left unresolved.
type Chain[K comparable, V any] struct {
	stages []Stage[K, V]
}

// NewChain builds a Chain from one or more stages, in priority order.
func NewChain[K comparable, V any](stages ...Stage[K, V]) *Chain[K, V] {
	if len(stages) == 0 {
		panic("cache: Chain requires at least one fetcher stage")
	}
	return &Chain[K, V]{stages: stages}
}

// headIsBatch reports whether the chain's first stage is Batch-kind (spec
// §4.5's branch point for GetMany).
func (c *Chain[K, V]) headIsBatch() bool {
	return c.stages[0].isBatch()
}

// ResolveOne resolves a single key by trying each stage in order. The
// first stage to report ok=true wins; a stage error is returned
// immediately, wrapped as a FetcherError. If every stage
// returns ok=false, ErrNoFetcherProduced is returned.
func (c *Chain[K, V]) ResolveOne(ctx context.Context, key K) (V, error) {
	var zero V
	for _, stage := range c.stages {
		v, ok, err := stage.resolveOne(ctx, key)
		if err != nil {
			return zero, &FetcherError{Source: err}
		}
		if ok {
			return v, nil
		}
	}
	return zero, ErrNoFetcherProduced
}

// ResolveMany resolves a set of keys across the chain (spec §4.3 "multi-key
// resolve"): each stage is invoked once with the still-pending subset,
// resolved keys are removed from the pending set, and survivors carry
// forward to the next stage. Every input key ends up in exactly one of the
// two returned maps.
func (c *Chain[K, V]) ResolveMany(ctx context.Context, keys []K) (resolved map[K]V, failed map[K]error) {
	resolved = make(map[K]V, len(keys))
	failed = make(map[K]error, 0)
	pending := append([]K(nil), keys...)

	for _, stage := range c.stages {
		if len(pending) == 0 {
			break
		}
		vals, errs := stage.resolveMany(ctx, pending)

		next := pending[:0:0]
		for _, k := range pending {
			if v, ok := vals[k]; ok {
				resolved[k] = v
				continue
			}
			if err, ok := errs[k]; ok {
				failed[k] = &FetcherError{Source: err}
				continue
			}
			next = append(next, k)
		}
		pending = next
	}

	for _, k := range pending {
		failed[k] = ErrNoFetcherProduced
	}
	return resolved, failed
}
