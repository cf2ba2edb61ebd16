// Package cache implements a request-coalescing, layered cache.
//
// At most one fetch is ever in flight per key: concurrent callers for the
// same key share one underlying fetch and its settlement, and each caller
// carries its own cancellation context. The fetch's derived context is
// cancelled only once every attached caller has cancelled (see AllOf),
// never earlier. Values are memoized according to an optional expiration
// and capacity policy (see Store) and resolved through an ordered chain of
// fallback producers (see Chain) before reaching an origin.
//
// The package is intentionally leaf-level: it imports nothing from the
// services built on top of it (cachemanager, monitoring, warming, ...).
// Those services observe a Cache through the Hooks callbacks instead.
package cache
