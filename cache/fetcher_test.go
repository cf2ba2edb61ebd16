package cache

import (
	"context"
	"errors"
	"testing"
)

func TestChain_NullFallback(t *testing.T) {
	var f2Calls int
	f1 := Single(func(ctx context.Context, key string) (string, bool, error) {
		return "", false, nil
	})
	f2 := Single(func(ctx context.Context, key string) (string, bool, error) {
		f2Calls++
		return "v", true, nil
	})
	chain := NewChain(f1, f2)

	v, err := chain.ResolveOne(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "v" {
		t.Fatalf("expected v, got %q", v)
	}
	if f2Calls != 1 {
		t.Fatalf("expected f2 invoked once, got %d", f2Calls)
	}
}

func TestChain_ExhaustionFails(t *testing.T) {
	f1 := Single(func(ctx context.Context, key string) (string, bool, error) {
		return "", false, nil
	})
	chain := NewChain(f1)

	_, err := chain.ResolveOne(context.Background(), "k")
	if !IsNoFetcherProduced(err) {
		t.Fatalf("expected ErrNoFetcherProduced, got %v", err)
	}
}

func TestChain_FetcherError(t *testing.T) {
	boom := errors.New("boom")
	f1 := Single(func(ctx context.Context, key string) (string, bool, error) {
		return "", false, boom
	})
	chain := NewChain(f1)

	_, err := chain.ResolveOne(context.Background(), "k")
	source, ok := IsFetcherFailed(err)
	if !ok {
		t.Fatalf("expected FetcherError, got %v", err)
	}
	if !errors.Is(source, boom) {
		t.Fatalf("expected wrapped boom, got %v", source)
	}
}

type batchResult struct {
	key   string
	value int
}

func TestChain_BatchSelectorCorrectness(t *testing.T) {
	var calledWith []string
	fetch := BatchFetcher[string, batchResult](func(ctx context.Context, keys []string) ([]batchResult, error) {
		calledWith = append(calledWith, keys...)
		var out []batchResult
		for _, k := range keys {
			if k == "c" {
				continue // selector will report not-found for c
			}
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
	fallback := Single(func(ctx context.Context, key string) (int, bool, error) {
		return 99, true, nil // always produces, so "c" falls through here
	})

	chain := NewChain(Batch(fetch, selector), fallback)

	resolved, failed := chain.ResolveMany(context.Background(), []string{"a", "b", "c"})
	if len(failed) != 0 {
		t.Fatalf("expected no failures, got %v", failed)
	}
	if resolved["a"] != 1 || resolved["b"] != 1 {
		t.Fatalf("unexpected batch-resolved values: %+v", resolved)
	}
	if resolved["c"] != 99 {
		t.Fatalf("expected c to fall through to the non-nullable fallback, got %d", resolved["c"])
	}
	if len(calledWith) != 3 {
		t.Fatalf("expected the batch fetcher invoked once with all 3 keys, got %v", calledWith)
	}
}

func TestChain_ResolveMany_BatchErrorFailsPendingKeys(t *testing.T) {
	boom := errors.New("batch boom")
	fetch := BatchFetcher[string, batchResult](func(ctx context.Context, keys []string) ([]batchResult, error) {
		return nil, boom
	})
	selector := Selector[string, batchResult, int](func(results []batchResult, key string) (int, bool) {
		return 0, false
	})
	chain := NewChain(Batch(fetch, selector))

	_, failed := chain.ResolveMany(context.Background(), []string{"a", "b"})
	if len(failed) != 2 {
		t.Fatalf("expected both keys to fail, got %v", failed)
	}
	for k, err := range failed {
		if _, ok := IsFetcherFailed(err); !ok {
			t.Fatalf("key %s: expected FetcherError, got %v", k, err)
		}
	}
}

func TestChain_ResolveMany_HeterogeneousHitMiss(t *testing.T) {
	// Mirrors spec §8 scenario 6's batch shape, at the Chain level: "b"
	// and "c" are produced by the batch fetcher, nothing else is pending.
	fetch := BatchFetcher[string, batchResult](func(ctx context.Context, keys []string) ([]batchResult, error) {
		return []batchResult{{"b", 1}, {"c", 2}}, nil
	})
	selector := Selector[string, batchResult, int](func(results []batchResult, key string) (int, bool) {
		for _, r := range results {
			if r.key == key {
				return r.value, true
			}
		}
		return 0, false
	})
	chain := NewChain(Batch(fetch, selector))

	resolved, failed := chain.ResolveMany(context.Background(), []string{"b", "c"})
	if len(failed) != 0 {
		t.Fatalf("expected no failures, got %v", failed)
	}
	if resolved["b"] != 1 || resolved["c"] != 2 {
		t.Fatalf("unexpected resolved map: %+v", resolved)
	}
}

func TestSingleStage_ResolveMany_IndependentFailures(t *testing.T) {
	boom := errors.New("boom for b")
	fetch := Single(func(ctx context.Context, key string) (string, bool, error) {
		if key == "b" {
			return "", false, boom
		}
		return key + "!", true, nil
	})
	chain := NewChain(fetch)

	resolved, failed := chain.ResolveMany(context.Background(), []string{"a", "b"})
	if resolved["a"] != "a!" {
		t.Fatalf("expected a resolved independently of b's failure, got %+v", resolved)
	}
	if _, ok := IsFetcherFailed(failed["b"]); !ok {
		t.Fatalf("expected b to fail, got %v", failed["b"])
	}
}
