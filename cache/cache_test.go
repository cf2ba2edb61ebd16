package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func identity[K comparable](k K) K { return k }

func blockingFetcher(calls *int32, release <-chan struct{}, value string) SingleFetcher[string, string] {
	return func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(calls, 1)
		select {
		case <-release:
			return value, true, nil
		case <-ctx.Done():
			return "", false, context.Cause(ctx)
		}
	}
}

// TestCache_Coalesce_AndSharedCancel is spec §8 scenario 1: two concurrent
// Get calls for the same absent key share exactly one fetcher invocation,
// and the fetch is only cancelled once both callers' contexts have fired.
func TestCache_Coalesce_AndSharedCancel(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	fetchCancelled := make(chan struct{})
	fetch := func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		entered <- struct{}{}
		select {
		case <-release:
			return "v", true, nil
		case <-ctx.Done():
			close(fetchCancelled)
			return "", false, context.Cause(ctx)
		}
	}

	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Single(fetch)),
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, err := c.Get(ctxA, "k"); results[0] = err }()
	go func() { defer wg.Done(); _, err := c.Get(ctxB, "k"); results[1] = err }()

	<-entered // at least one fetcher invocation started
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 fetcher invocation for the coalesced key, got %d", calls)
	}

	cancelA()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-fetchCancelled:
		t.Fatal("fetch must not be cancelled until every joined caller cancels")
	default:
	}

	cancelB()
	wg.Wait()
	waitFor(t, fetchCancelled, time.Second, "fetch context after both callers cancel")

	if !IsCancelled(results[0]) || !IsCancelled(results[1]) {
		t.Fatalf("expected both callers to observe cancellation, got %v / %v", results[0], results[1])
	}
}

// TestCache_PartialCancel_SuccessStillSettles is spec §8 scenario 2: one
// caller cancels early but the other keeps the request alive, and the
// request ultimately succeeds — the cancelling caller observes Cancelled,
// the other observes the value.
func TestCache_PartialCancel_SuccessStillSettles(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetch := blockingFetcher(&calls, release, "v")

	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Single(fetch)),
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB := context.Background()

	var wg sync.WaitGroup
	var errA, errB error
	var valB string
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = c.Get(ctxA, "k") }()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		valB, errB = c.Get(ctxB, "k")
	}()

	time.Sleep(20 * time.Millisecond)
	cancelA()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if !IsCancelled(errA) {
		t.Fatalf("expected caller A to observe Cancelled, got %v", errA)
	}
	if errB != nil || valB != "v" {
		t.Fatalf("expected caller B to observe the settled value, got %q err=%v", valB, errB)
	}
}

// TestCache_AlreadyAbortedAtEntry is spec §8 scenario 3: a caller whose
// context is already done before calling Get observes Cancelled
// synchronously, without ever joining or triggering a fetch.
func TestCache_AlreadyAbortedAtEntry(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "v", true, nil
	}
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Single(fetch)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "k")
	if !IsCancelled(err) {
		t.Fatalf("expected Cancelled for an already-done caller context, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no fetcher invocation for an already-aborted caller")
	}
}

// TestCache_HitAfterSuccess is spec §8 scenario 4: once a key resolves, a
// subsequent Get is an immediate hit with no further fetcher invocation.
func TestCache_HitAfterSuccess(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "v", true, nil
	}
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Single(fetch)),
	})

	v1, err := c.Get(context.Background(), "k")
	if err != nil || v1 != "v" {
		t.Fatalf("unexpected first Get result: %q %v", v1, err)
	}
	v2, err := c.Get(context.Background(), "k")
	if err != nil || v2 != "v" {
		t.Fatalf("unexpected second Get result: %q %v", v2, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 fetcher invocation across both Gets, got %d", calls)
	}
}

// TestCache_TwoLayerFallback is spec §8 scenario 5: the chain's first stage
// misses (null) and the second, non-nullable stage produces the value.
func TestCache_TwoLayerFallback(t *testing.T) {
	var l1Calls, l2Calls int32
	l1 := Single(func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(&l1Calls, 1)
		return "", false, nil
	})
	l2 := Single(func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(&l2Calls, 1)
		return "from-origin", true, nil
	})
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain:          NewChain(l1, l2),
	})

	v, err := c.Get(context.Background(), "k")
	if err != nil || v != "from-origin" {
		t.Fatalf("unexpected fallback result: %q %v", v, err)
	}
	if l1Calls != 1 || l2Calls != 1 {
		t.Fatalf("expected each stage invoked once, got l1=%d l2=%d", l1Calls, l2Calls)
	}
}

// TestCache_GetMany_BatchHead_HeterogeneousHitMiss is spec §8 scenario 6:
// a GetMany call with one already-resolved key and several absent keys
// served by one shared batch fetch.
func TestCache_GetMany_BatchHead_HeterogeneousHitMiss(t *testing.T) {
	var batchCalls int32
	var calledWith []string
	var mu sync.Mutex
	fetch := BatchFetcher[string, batchResult](func(ctx context.Context, keys []string) ([]batchResult, error) {
		atomic.AddInt32(&batchCalls, 1)
		mu.Lock()
		calledWith = append(calledWith, keys...)
		mu.Unlock()
		var out []batchResult
		for _, k := range keys {
			out = append(out, batchResult{key: k, value: len(k)})
		}
		return out, nil
	})
	selector := Selector[string, batchResult, int](func(results []batchResult, key string) (int, bool) {
		for _, r := range results {
			if r.key == key {
				return r.value, true
			}
		}
		return 0, false
	})
	c := New(Config[string, string, int]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Batch(fetch, selector)),
	})

	c.Set("cached", 999)

	futures, err := c.GetMany(context.Background(), []string{"cached", "bb", "ccc"})
	if err != nil {
		t.Fatalf("unexpected GetMany error: %v", err)
	}
	if len(futures) != 3 {
		t.Fatalf("expected 3 futures, got %d", len(futures))
	}
	if v, err := futures["cached"].Get(); err != nil || v != 999 {
		t.Fatalf("expected the pre-resolved value for 'cached', got %d %v", v, err)
	}
	if v, err := futures["bb"].Get(); err != nil || v != 2 {
		t.Fatalf("unexpected result for 'bb': %d %v", v, err)
	}
	if v, err := futures["ccc"].Get(); err != nil || v != 3 {
		t.Fatalf("unexpected result for 'ccc': %d %v", v, err)
	}
	if batchCalls != 1 {
		t.Fatalf("expected exactly one shared batch fetch for the absent keys, got %d", batchCalls)
	}
	if len(calledWith) != 2 {
		t.Fatalf("expected the batch fetch invoked only with the absent keys, got %v", calledWith)
	}
}

// TestCache_GetMany_BatchHead_RacedKeyStillGetsFuture covers the window in
// getManyBatchHead between its initial hit/absent scan and the
// GetOrCreateGroup call: a key found absent on the first pass but set by a
// concurrent caller before GetOrCreateGroup runs must still surface in the
// returned futures, via GetOrCreateGroup's own hits rather than created.
func TestCache_GetMany_BatchHead_RacedKeyStillGetsFuture(t *testing.T) {
	fetch := BatchFetcher[string, batchResult](func(ctx context.Context, keys []string) ([]batchResult, error) {
		var out []batchResult
		for _, k := range keys {
			out = append(out, batchResult{key: k, value: len(k)})
		}
		return out, nil
	})
	selector := Selector[string, batchResult, int](func(results []batchResult, key string) (int, bool) {
		for _, r := range results {
			if r.key == key {
				return r.value, true
			}
		}
		return 0, false
	})
	var c *Cache[string, string, int]
	c = New(Config[string, string, int]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Batch(fetch, selector)),
		Hooks: Hooks[string]{
			// "pre" is scanned after "raced", so its hit hook runs between
			// the initial scan (which saw "raced" absent) and
			// GetOrCreateGroup.
			OnHit: func(k string) {
				if k == "pre" && !c.Has("raced") {
					c.Set("raced", 42)
				}
			},
		},
	})
	c.Set("pre", 7)

	// Simulate the race directly: "raced" is absent when scanned, then set
	// before GetOrCreateGroup runs, landing in GetOrCreateGroup's hits map.
	futures, err := c.GetMany(context.Background(), []string{"raced", "pre", "bb"})
	if err != nil {
		t.Fatalf("unexpected GetMany error: %v", err)
	}
	if len(futures) != 3 {
		t.Fatalf("expected 3 futures, got %d", len(futures))
	}
	if v, err := futures["raced"].Get(); err != nil || v != 42 {
		t.Fatalf("expected the pre-set value for 'raced', got %d %v", v, err)
	}
	if v, err := futures["bb"].Get(); err != nil || v != 2 {
		t.Fatalf("unexpected result for 'bb': %d %v", v, err)
	}
}

func TestCache_Set_EvictsPending(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	fetch := blockingFetcher(&calls, release, "from-fetch")
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Single(fetch)),
	})

	done := make(chan struct{})
	go func() {
		c.Get(context.Background(), "k")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	c.Set("k", "from-set")
	if v, ok := func() (string, bool) {
		e, ok := c.store.Get("k")
		if !ok {
			return "", false
		}
		return e.value, e.state == stateResolved
	}(); !ok || v != "from-set" {
		t.Fatalf("expected Set to install its value immediately, got %q ok=%v", v, ok)
	}

	close(release)
	<-done // original fetch's caller still observes its own outcome

	// The store keeps the Set's value — the late fetch settlement must not
	// overwrite it.
	e, ok := c.store.Get("k")
	if !ok || e.value != "from-set" {
		t.Fatalf("expected Set's value to survive the late fetch settlement, got %+v ok=%v", e, ok)
	}
}

func TestCache_Get_NoFetcherProduced(t *testing.T) {
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain: NewChain(Single(func(ctx context.Context, key string) (string, bool, error) {
			return "", false, nil
		})),
	})

	_, err := c.Get(context.Background(), "k")
	if !IsNoFetcherProduced(err) {
		t.Fatalf("expected ErrNoFetcherProduced, got %v", err)
	}
	if c.Has("k") {
		t.Fatal("expected no Entry retained for a key no fetcher produced")
	}
}

func TestCache_Get_FetcherErrorPurgesEntry(t *testing.T) {
	boom := errors.New("origin down")
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain: NewChain(Single(func(ctx context.Context, key string) (string, bool, error) {
			return "", false, boom
		})),
	})

	_, err := c.Get(context.Background(), "k")
	if _, ok := IsFetcherFailed(err); !ok {
		t.Fatalf("expected FetcherError, got %v", err)
	}
	if c.Has("k") {
		t.Fatal("expected a rejected entry purged from the store")
	}
}

func TestCache_DeletePattern(t *testing.T) {
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain:          NewChain(Single(func(ctx context.Context, key string) (string, bool, error) { return "", false, nil })),
	})
	c.Set("user:1", "a")
	c.Set("user:2", "b")
	c.Set("post:1", "c")

	deleted := c.DeletePattern(func(k string) bool { return len(k) >= 5 && k[:5] == "user:" })
	if len(deleted) != 2 {
		t.Fatalf("expected 2 keys deleted, got %v", deleted)
	}
	if !c.Has("post:1") {
		t.Fatal("expected the non-matching key retained")
	}
}

func TestCache_KeyTransformer_CollapsesDuplicatesInGetMany(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, key string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "v:" + key, true, nil
	}
	c := New(Config[string, string, string]{
		KeyTransformer: func(k string) string { return k },
		Chain:          NewChain(Single(fetch)),
	})

	futures, err := c.GetMany(context.Background(), []string{"a", "a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(futures) != 2 {
		t.Fatalf("expected the duplicate input key collapsed, got %d futures", len(futures))
	}
}

func TestCache_Hooks_FireOnHitMissAndSettle(t *testing.T) {
	var mu sync.Mutex
	var misses, hits, settles []string
	c := New(Config[string, string, string]{
		KeyTransformer: identity[string],
		Chain: NewChain(Single(func(ctx context.Context, key string) (string, bool, error) {
			return "v", true, nil
		})),
		Hooks: Hooks[string]{
			OnMiss: func(k string) { mu.Lock(); misses = append(misses, k); mu.Unlock() },
			OnHit:  func(k string) { mu.Lock(); hits = append(hits, k); mu.Unlock() },
			OnSettle: func(k string, gen uint64, err error) {
				mu.Lock()
				settles = append(settles, k)
				mu.Unlock()
			},
		},
	})

	c.Get(context.Background(), "k")
	c.Get(context.Background(), "k")

	mu.Lock()
	defer mu.Unlock()
	if len(misses) != 1 || len(hits) != 1 || len(settles) != 1 {
		t.Fatalf("unexpected hook counts: misses=%v hits=%v settles=%v", misses, hits, settles)
	}
}
