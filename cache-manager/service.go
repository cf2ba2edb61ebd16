// Package cachemanager implements a high-performance distributed cache with
// multi-level storage (L1 in-process, L2 distributed) and event-driven
// coordination via Pub/Sub.
//
// Design Choices:
//   - L1 coalescing, TTL/LRU eviction, and per-key cancellation aggregation
//     are all owned by encore.app/cache.Cache — this service only wires a
//     two-stage Fetcher Chain (L2 lookup, then origin fetch) and exposes it
//     over Encore's API surface.
//   - Origin fetch failures are retried via encore.app/retryexec before
//     they ever reach the Chain, so a transient origin blip never counts
//     against the cache's own "every fetcher null-or-error" exhaustion path.
//   - Pub/Sub coordination ensures eventual consistency across distributed
//     instances.
//   - L2 is any RemoteCache; SetL2Cache accepts a single backend or a
//     ShardedRemoteCache (sharding.go) fanning out across several via
//     consistent hashing, with no other code path change required.
package cachemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/cache"
	"encore.app/monitoring"
	"encore.app/pkg/models"
	"encore.app/pkg/utils"
	"encore.app/retryexec"
)

// Service implements the cache manager over a coalescing layered cache.
//
//encore:service
type Service struct {
	cache       *cache.Cache[string, string, *CacheEntry]
	l2Cache     RemoteCache
	originFetch OriginFetcher
	metrics     *Metrics
	config      Config
}

// Config holds runtime configuration for the cache manager.
type Config struct {
	L1MaxEntries int           // Maximum entries before capacity trim
	DefaultTTL   time.Duration // Default TTL for cached items
	L2Enabled    bool          // Whether L2 cache is available
	RetryBackoff retryexec.Backoff
}

// RemoteCache abstracts the L2 distributed cache (Redis, Memcached, etc.).
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) error
}

// OriginFetcher is called when cache misses occur to fetch from source of truth.
type OriginFetcher interface {
	Fetch(ctx context.Context, key string) (interface{}, error)
}

// Metrics tracks cache performance counters. Hits/Misses/Joins/Evictions are
// fed by encore.app/cache's Hooks (spec §12's observability wiring); Joins
// counts callers that attached to an already in-flight Coalesced Request
// (cache.Hooks.OnJoin) rather than triggering a new fetch — the signal
// monitoring's coalesce-ratio alert watches for hot-key contention. L2Hits/
// L2Misses/L2Errors are recorded directly by this service's L2 fetcher
// stage since those never reach the cache package.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Joins     atomic.Int64
	Sets      atomic.Int64
	Deletes   atomic.Int64
	Evictions atomic.Int64
	L2Hits    atomic.Int64
	L2Misses  atomic.Int64
	L2Errors  atomic.Int64
}

// Request and response types for API endpoints.

type GetRequest struct {
	Key string `json:"key"`
}

type GetResponse struct {
	Value     interface{} `json:"value"`
	Hit       bool        `json:"hit"`
	Source    string      `json:"source"` // "l2", "origin"
	CachedAt  *time.Time  `json:"cached_at,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

type SetRequest struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
	TTL   int         `json:"ttl"` // seconds, 0 means default
}

type SetResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expires_at"`
}

type InvalidateRequest struct {
	Keys    []string `json:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty"` // e.g., "user:*"
}

type InvalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Success     bool `json:"success"`
}

// InspectResponse reports size/age/access-frequency statistics for a single
// cached key, built from pkg/models' Entry/EntryStats so this debug surface
// shares its accounting with the rest of the corpus instead of inventing one.
type InspectResponse struct {
	Key             string        `json:"key"`
	Source          string        `json:"source"`
	SizeBytes       int           `json:"size_bytes"`
	Age             time.Duration `json:"age"`
	TTL             time.Duration `json:"ttl"`
	AccessCount     uint64        `json:"access_count"`
	TimeSinceAccess time.Duration `json:"time_since_access"`
	AccessFrequency float64       `json:"access_frequency_per_sec"`
}

type MetricsResponse struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Joins        int64   `json:"joins"`
	CoalesceRate float64 `json:"coalesce_rate"` // joins / (joins + misses): share of fetches that rode an existing request
	Sets         int64   `json:"sets"`
	Deletes      int64   `json:"deletes"`
	Evictions    int64   `json:"evictions"`
	L1Size       int     `json:"l1_size"`
	L2Hits       int64   `json:"l2_hits"`
	L2Misses     int64   `json:"l2_misses"`
	L2Errors     int64   `json:"l2_errors"`
}

var (
	// Global service instance (initialized by initService)
	svc  *Service
	once sync.Once
)

// initService initializes the cache manager service with default configuration.
// Called automatically by Encore at startup.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		config := Config{
			L1MaxEntries: 10000,
			DefaultTTL:   1 * time.Hour,
			L2Enabled:    false, // Disabled by default for unit tests
			RetryBackoff: retryexec.Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 3},
		}

		svc = newService(config)
	})

	return svc, err
}

// newService builds a Service with config, wiring its two-stage Fetcher
// Chain (spec §12, SPEC_FULL.md §2): an L2 SingleFetcher (nullable — an L2
// miss is not an error) followed by the origin SingleFetcher, wrapped in
// retryexec so transient origin failures are retried opaquely before the
// Chain sees them.
func newService(config Config) *Service {
	s := &Service{
		metrics: &Metrics{},
		config:  config,
	}

	l2Fetch := cache.Single[string, *CacheEntry](s.fetchFromL2)
	originFetch := cache.Single[string, *CacheEntry](retryexec.Wrap(config.RetryBackoff, s.fetchFromOrigin))

	s.cache = cache.New(cache.Config[string, string, *CacheEntry]{
		KeyTransformer: func(k string) string { return k },
		Store:          ResolveStoreConfig(Combined, config.DefaultTTL, config.L1MaxEntries),
		Chain:          cache.NewChain(l2Fetch, originFetch),
		Hooks: cache.Hooks[string]{
			OnHit: func(key string) {
				s.metrics.Hits.Add(1)
				s.publishCacheMetric(key, "get", true, 0, 0)
			},
			OnMiss: func(key string) {
				s.metrics.Misses.Add(1)
				s.publishCacheMetric(key, "get", false, 0, 0)
			},
			OnJoin: func(key string) {
				// A caller attached to an already-Pending Coalesced Request
				// instead of triggering its own fetch (spec §4.2/C2).
				s.metrics.Joins.Add(1)
				s.publishCacheMetric(key, "join", true, 0, 0)
			},
			OnEvict: func(key string, reason string) { s.metrics.Evictions.Add(1) },
			OnSettle: func(key string, generation uint64, err error) {
				if err != nil {
					return
				}
				s.publishCacheMetric(key, "settle", true, generation, 0)
			},
		},
	})

	return s
}

// publishCacheMetric forwards one cache event to monitoring's
// CacheMetricsTopic so the aggregator/dashboard have something to consume
// (the teacher declared this topic and subscription but never published to
// it). Fire-and-forget in a goroutine: Hooks run inline on the hit/miss/
// settle path and must not block the caller on Pub/Sub I/O.
func (s *Service) publishCacheMetric(key, operation string, hit bool, generation uint64, latencyMs float64) {
	event := &monitoring.CacheMetricEvent{
		Operation:  operation,
		Key:        key,
		Hit:        hit,
		Latency:    latencyMs,
		Generation: generation,
		Timestamp:  time.Now(),
		Instance:   "cachemanager",
	}
	go func() {
		_, _ = monitoring.CacheMetricsTopic.Publish(context.Background(), event)
	}()
}

// SetL2Cache allows injecting L2 cache implementation (for production or testing).
func (s *Service) SetL2Cache(l2 RemoteCache) {
	s.l2Cache = l2
	s.config.L2Enabled = l2 != nil
}

// SetOriginFetcher allows injecting origin data source (for cache-aside pattern).
func (s *Service) SetOriginFetcher(fetcher OriginFetcher) {
	s.originFetch = fetcher
}

// fetchFromL2 is the Chain's first stage: an L2 hit populates Source="l2"
// and reports ok=true; a miss or disabled L2 reports ok=false so the Chain
// falls through to origin, matching the nullable-fetcher contract of spec
// §4.3.
func (s *Service) fetchFromL2(ctx context.Context, key string) (*CacheEntry, bool, error) {
	if !s.config.L2Enabled || s.l2Cache == nil {
		return nil, false, nil
	}
	data, ok, err := s.l2Cache.Get(ctx, key)
	if err != nil {
		s.metrics.L2Errors.Add(1)
		return nil, false, nil // an L2 transport error degrades to a miss, not a fetcher failure
	}
	if !ok {
		s.metrics.L2Misses.Add(1)
		return nil, false, nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.metrics.L2Errors.Add(1)
		return nil, false, nil
	}
	s.metrics.L2Hits.Add(1)
	entry.Source = "l2"
	return &entry, true, nil
}

// fetchFromOrigin is the Chain's final, non-nullable stage.
func (s *Service) fetchFromOrigin(ctx context.Context, key string) (*CacheEntry, bool, error) {
	if s.originFetch == nil {
		return nil, false, errors.New("cache miss and no origin fetcher configured")
	}

	value, err := s.originFetch.Fetch(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("origin fetch failed: %w", err)
	}

	ttl := s.config.DefaultTTL
	entry := &CacheEntry{
		Value:     value,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
		Source:    "origin",
	}

	if s.config.L2Enabled && s.l2Cache != nil {
		go func() {
			data, marshalErr := json.Marshal(entry)
			if marshalErr != nil {
				return
			}
			_ = s.l2Cache.Set(context.Background(), key, data, ttl)
		}()
	}

	return entry, true, nil
}

// Get retrieves a value from cache with read-through to L2 and origin.
//
//encore:api public method=GET path=/api/cache/:key
func Get(ctx context.Context, key string) (*GetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Get(ctx, key)
}

func (s *Service) Get(ctx context.Context, key string) (*GetResponse, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		return &GetResponse{Hit: false}, err
	}

	return &GetResponse{
		Value:     entry.Value,
		Hit:       true,
		Source:    entry.Source,
		CachedAt:  &entry.CachedAt,
		ExpiresAt: &entry.ExpiresAt,
	}, nil
}

// Inspect returns size/age/access-frequency statistics for a cached key.
// Triggers the same Get path as the public Get endpoint (a miss here still
// fetches and populates, same as Get), then wraps the result in a
// pkg/models.Entry purely to compute its EntryStats.
//
//encore:api public method=GET path=/api/cache/:key/inspect
func Inspect(ctx context.Context, key string) (*InspectResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Inspect(ctx, key)
}

func (s *Service) Inspect(ctx context.Context, key string) (*InspectResponse, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(entry.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value for inspection: %w", err)
	}

	modelEntry := models.NewEntryWithTTL(key, data, entry.ExpiresAt.Sub(entry.CachedAt))
	modelEntry.CreatedAt = entry.CachedAt
	modelEntry.Touch()

	stats := modelEntry.Stats(time.Now())

	return &InspectResponse{
		Key:             stats.Key,
		Source:          entry.Source,
		SizeBytes:       stats.Size,
		Age:             stats.Age,
		TTL:             stats.TTL,
		AccessCount:     stats.AccessCount,
		TimeSinceAccess: stats.TimeSinceAccess,
		AccessFrequency: stats.AccessFrequency,
	}, nil
}

// Set stores a value in cache with write-through to L2.
//
//encore:api public method=PUT path=/api/cache/:key
func Set(ctx context.Context, key string, req *SetRequest) (*SetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Set(ctx, key, req)
}

func (s *Service) Set(ctx context.Context, key string, req *SetRequest) (*SetResponse, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	if req.Value == nil {
		return nil, errors.New("value cannot be nil")
	}

	ttl := s.config.DefaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}
	expiresAt := time.Now().Add(ttl)

	entry := &CacheEntry{
		Value:     req.Value,
		CachedAt:  time.Now(),
		ExpiresAt: expiresAt,
		Source:    "origin",
	}
	s.cache.Set(key, entry)
	s.metrics.Sets.Add(1)

	if s.config.L2Enabled && s.l2Cache != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entry: %w", err)
		}
		if err := s.l2Cache.Set(ctx, key, data, ttl); err != nil {
			s.metrics.L2Errors.Add(1)
			// Continue even if L2 fails (L1 is authoritative)
		}
	}

	return &SetResponse{
		Success:   true,
		ExpiresAt: expiresAt,
	}, nil
}

// Invalidate removes keys from cache and publishes an invalidation event.
//
//encore:api public method=POST path=/api/cache/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	count := 0

	for _, key := range req.Keys {
		if s.cache.Delete(key) {
			count++
		}
		if s.config.L2Enabled && s.l2Cache != nil {
			_ = s.l2Cache.Delete(ctx, key)
		}
		s.metrics.Deletes.Add(1)
	}

	if req.Pattern != "" {
		deleted := s.cache.DeletePattern(func(key string) bool {
			match, err := utils.MatchPattern(req.Pattern, key)
			return err == nil && match
		})
		count += len(deleted)
		if s.config.L2Enabled && s.l2Cache != nil {
			_ = s.l2Cache.DeletePattern(ctx, req.Pattern)
		}
		s.metrics.Deletes.Add(int64(len(deleted)))
	}

	if count > 0 {
		_ = s.PublishInvalidation(ctx, req.Keys, req.Pattern)
	}

	return &InvalidateResponse{
		Invalidated: count,
		Success:     true,
	}, nil
}

// GetMetrics returns current cache performance metrics.
//
//encore:api public method=GET path=/api/cache/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	hits := s.metrics.Hits.Load()
	misses := s.metrics.Misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	joins := s.metrics.Joins.Load()
	coalesceRate := 0.0
	if joins+misses > 0 {
		coalesceRate = float64(joins) / float64(joins+misses)
	}

	return &MetricsResponse{
		Hits:         hits,
		Misses:       misses,
		HitRate:      hitRate,
		Joins:        joins,
		CoalesceRate: coalesceRate,
		Sets:         s.metrics.Sets.Load(),
		Deletes:      s.metrics.Deletes.Load(),
		Evictions:    s.metrics.Evictions.Load(),
		L1Size:       s.cache.Size(),
		L2Hits:       s.metrics.L2Hits.Load(),
		L2Misses:     s.metrics.L2Misses.Load(),
		L2Errors:     s.metrics.L2Errors.Load(),
	}, nil
}

// Shutdown is a no-op placeholder kept for interface parity with the other
// Encore services in this module. TTL sweep is lazy (cache.Store sweeps
// expired entries on read, spec §4.4), so there is no background cleanup
// goroutine to stop.
func (s *Service) Shutdown() {}
