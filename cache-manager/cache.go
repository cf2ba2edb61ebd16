package cachemanager

import (
	"time"
)

// CacheEntry is the value type stored in the facade's cache.Cache: the raw
// value plus the provenance metadata callers use to tell an L2 hit from a
// freshly-fetched origin value.
type CacheEntry struct {
	Value     interface{} `json:"value"`
	CachedAt  time.Time   `json:"cached_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Source    string      `json:"source"` // "l2", "origin"
}
