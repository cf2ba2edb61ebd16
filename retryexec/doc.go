// Package retryexec provides an opaque retry-with-backoff wrapper around a
// fallible operation, generalized from warming's worker-pool retry loop.
// Retry is a concern of the origin call a fetcher makes, not of the cache
// that coalesces it — a fetcher wrapped with Wrap still looks like a plain
// SingleFetcher to the Fetcher Chain.
package retryexec
