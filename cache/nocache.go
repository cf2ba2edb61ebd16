package cache

import "context"

// NoRetentionCache is the No-Retention Variant (spec §4.6, C6): same
// contract as Cache, but every Entry is deleted as soon as its shared
// fetch settles, success or failure. The in-flight coalescing window is
// preserved — concurrent callers still share one fetch — but steady-state
// storage is zero. Use this when a persistent layer outside this cache
// already holds the value and only in-flight deduplication is wanted.
type NoRetentionCache[K comparable, K2 comparable, V any] struct {
	cache *Cache[K, K2, V]
}

// NewNoRetention wraps cfg's Hooks.OnSettle with a purge-on-settle hook,
// then constructs the underlying Cache. Any OnSettle hook the caller
// supplies still runs, before the purge.
func NewNoRetention[K comparable, K2 comparable, V any](cfg Config[K, K2, V]) *NoRetentionCache[K, K2, V] {
	var c *NoRetentionCache[K, K2, V]
	userSettle := cfg.Hooks.OnSettle
	cfg.Hooks.OnSettle = func(key K2, generation uint64, err error) {
		if userSettle != nil {
			userSettle(key, generation, err)
		}
		// Generation-guarded: if a Set() already replaced this slot
		// (spec §9 "set during pending"), that Resolved entry belongs to
		// the Set, not to this settlement, and must not be purged here.
		c.cache.store.deleteIfGeneration(key, generation)
	}
	c = &NoRetentionCache[K, K2, V]{cache: New(cfg)}
	return c
}

func (c *NoRetentionCache[K, K2, V]) Get(ctx context.Context, key K) (V, error) {
	return c.cache.Get(ctx, key)
}

func (c *NoRetentionCache[K, K2, V]) GetMany(ctx context.Context, keys []K) (map[K]*Future[V], error) {
	return c.cache.GetMany(ctx, keys)
}

func (c *NoRetentionCache[K, K2, V]) Set(key K, value V) {
	c.cache.Set(key, value)
}

func (c *NoRetentionCache[K, K2, V]) Delete(key K) bool {
	return c.cache.Delete(key)
}

func (c *NoRetentionCache[K, K2, V]) Has(key K) bool {
	return c.cache.Has(key)
}
