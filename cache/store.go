package cache

import (
	"container/list"
	"sync"
	"time"
)

// entryState mirrors the per-entry state machine from spec §4.5: a slot is
// either Pending (a Coalesced Request is in flight) or Resolved (a settled
// value is memoized). Rejected is not a stored state at all — spec §3
// invariant 3 requires a rejected entry to be removed from the store
// before the rejection becomes observable, so the store never represents
// it.
type entryState int

const (
	statePending entryState = iota
	stateResolved
)

// slot is one Entry Store record (spec §3 "Entry").
type slot[K comparable, V any] struct {
	key        K
	state      entryState
	value      V
	req        *request[V]
	insertedAt time.Time
	lastAccess time.Time
	generation uint64
	elem       *list.Element
}

// Store is the Entry Store (spec §4.4): an insertion-ordered, keyed
// container with optional TTL expiration, optional rolling refresh on
// access, and an optional FIFO/LRU capacity bound. It holds already
// key-transformed keys (K'); the Cache facade owns the KeyTransformer.
type Store[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]*slot[K, V]
	order      *list.List // front = oldest insertion, back = most recent
	expiration time.Duration
	rolling    bool
	maxEntries int
	nextGen    uint64
}

// StoreConfig carries the Entry Store's constructor options (spec §4.4,
// §6).
type StoreConfig struct {
	// ExpirationMs, if non-zero, expires entries that many milliseconds
	// after insertion (or after last access, if Rolling is true).
	ExpirationMs int64
	// Rolling refreshes an entry's eviction clock on every successful
	// read, turning capacity trim from FIFO into LRU.
	Rolling bool
	// MaxEntries, if non-zero, bounds the store: after any insertion,
	// while size exceeds MaxEntries, the oldest slot is removed.
	MaxEntries int
}

// NewStore constructs an empty Entry Store.
func NewStore[K comparable, V any](cfg StoreConfig) *Store[K, V] {
	var exp time.Duration
	if cfg.ExpirationMs > 0 {
		exp = time.Duration(cfg.ExpirationMs) * time.Millisecond
	}
	return &Store[K, V]{
		items:      make(map[K]*slot[K, V]),
		order:      list.New(),
		expiration: exp,
		rolling:    cfg.Rolling,
		maxEntries: cfg.MaxEntries,
	}
}

func (s *Store[K, V]) isExpiredLocked(e *slot[K, V], now time.Time) bool {
	if s.expiration <= 0 {
		return false
	}
	if s.rolling {
		return now.Sub(e.lastAccess) >= s.expiration
	}
	return now.Sub(e.insertedAt) >= s.expiration
}

func (s *Store[K, V]) evictLocked(e *slot[K, V]) {
	s.order.Remove(e.elem)
	delete(s.items, e.key)
}

// touchLocked refreshes an entry's position and access clock. Called on
// every successful read when Rolling is enabled (spec §4.4: "a successful
// read ... re-inserts the entry, refreshing its age and pushing it to the
// tail of the insertion order").
func (s *Store[K, V]) touchLocked(e *slot[K, V], now time.Time) {
	e.lastAccess = now
	if s.rolling {
		s.order.MoveToBack(e.elem)
	}
}

// Get returns the slot for key if present and unexpired, sweeping it away
// lazily otherwise. Rolling refresh, if enabled, is applied on every hit.
func (s *Store[K, V]) Get(key K) (*slot[K, V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key, time.Now())
}

func (s *Store[K, V]) getLocked(key K, now time.Time) (*slot[K, V], bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if s.isExpiredLocked(e, now) {
		s.evictLocked(e)
		return nil, false
	}
	s.touchLocked(e, now)
	return e, true
}

// Has reports whether an unexpired Entry exists for key, sweeping expired
// entries on read (spec §9 "has reflects unexpired state").
func (s *Store[K, V]) Has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return false
	}
	if s.isExpiredLocked(e, time.Now()) {
		s.evictLocked(e)
		return false
	}
	return true
}

// trimLocked enforces MaxEntries by removing the oldest slot (list front)
// until the store is back at capacity. In rolling mode the front is the
// least-recently-used entry since reads move entries to the back; without
// rolling it is strict FIFO on insertion order (spec §4.4, §8).
func (s *Store[K, V]) trimLocked() (trimmed []K) {
	if s.maxEntries <= 0 {
		return nil
	}
	for len(s.items) > s.maxEntries {
		front := s.order.Front()
		if front == nil {
			break
		}
		e := front.Value.(*slot[K, V])
		s.evictLocked(e)
		trimmed = append(trimmed, e.key)
	}
	return trimmed
}

// GetOrCreate is the atomic heart of spec §5's ordering guarantee: "the
// first get(k) for a currently-absent key is guaranteed to trigger exactly
// one fetcher invocation, even if multiple get(k) calls are issued in the
// same event-loop tick before any yields". The existence check and the
// pending-slot insertion happen under one critical section, so two
// concurrent misses for the same key can never both win. On a hit, the
// existing slot is returned (with rolling refresh already applied). On a
// miss, create is invoked with the new slot's generation to build the
// Coalesced Request, and the resulting Pending slot is installed.
func (s *Store[K, V]) GetOrCreate(key K, create func(generation uint64) *request[V]) (e *slot[K, V], existed bool, trimmed []K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.getLocked(key, time.Now()); ok {
		return e, true, nil
	}

	s.nextGen++
	gen := s.nextGen
	now := time.Now()
	e = &slot[K, V]{
		key:        key,
		state:      statePending,
		req:        create(gen),
		insertedAt: now,
		lastAccess: now,
		generation: gen,
	}
	e.elem = s.order.PushBack(e)
	s.items[key] = e

	trimmed = s.trimLocked()
	return e, false, trimmed
}

// GetOrCreateGroup is GetOrCreate generalized to many keys at once for the
// batched multi-key path (spec §4.5): every key already present (and
// unexpired) is returned as a hit; every absent key gets a new Pending
// slot, with newReq invoked once per absent key so each gets its own
// request (callers may pass a newReq that closes over one shared
// AllOfToken to get "a shared aggregator seeded with token" while still
// letting each key settle with its own value). The whole partition and
// insertion happens under one critical section so no key in the group can
// be raced into existence twice.
func (s *Store[K, V]) GetOrCreateGroup(keys []K, newReq func(key K, generation uint64) *request[V]) (hits map[K]*slot[K, V], created map[K]*slot[K, V], trimmed []K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	hits = make(map[K]*slot[K, V], len(keys))
	var absent []K
	for _, k := range keys {
		if e, ok := s.getLocked(k, now); ok {
			hits[k] = e
		} else {
			absent = append(absent, k)
		}
	}
	if len(absent) == 0 {
		return hits, nil, nil
	}

	s.nextGen++
	gen := s.nextGen
	created = make(map[K]*slot[K, V], len(absent))
	now2 := time.Now()
	for _, k := range absent {
		e := &slot[K, V]{
			key:        k,
			state:      statePending,
			req:        newReq(k, gen),
			insertedAt: now2,
			lastAccess: now2,
			generation: gen,
		}
		e.elem = s.order.PushBack(e)
		s.items[k] = e
		created[k] = e
	}
	trimmed = s.trimLocked()
	return hits, created, trimmed
}

// ResolvePending transitions the Pending slot for key to Resolved with
// value, but only if the slot is still the same generation that was
// installed for the in-flight request (i.e. no intervening Set/Delete/
// trim replaced it — spec §5 "the in-flight fetch's eventual settlement
// does not overwrite [a Set]"). Returns false if the generation no longer
// matches, in which case the caller must discard the fetched result
// silently.
func (s *Store[K, V]) ResolvePending(key K, generation uint64, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.generation != generation {
		return false
	}
	e.state = stateResolved
	e.req = nil
	e.value = value
	return true
}

// RejectPending removes the Pending slot for key if it still matches
// generation (spec §3 invariant 3: a rejected Entry is removed before the
// rejection is observed). A generation mismatch means a Set already
// replaced the slot, so there is nothing to remove.
func (s *Store[K, V]) RejectPending(key K, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.generation != generation {
		return
	}
	s.evictLocked(e)
}

// SetResolved atomically installs a Resolved(value) slot for key,
// evicting any prior slot (Pending or Resolved) for the same key (spec §3
// invariant 5, §4.5 "set"). Returns the keys evicted to satisfy
// MaxEntries.
func (s *Store[K, V]) SetResolved(key K, value V) []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok {
		s.evictLocked(old)
	}

	s.nextGen++
	now := time.Now()
	e := &slot[K, V]{
		key:        key,
		state:      stateResolved,
		value:      value,
		insertedAt: now,
		lastAccess: now,
		generation: s.nextGen,
	}
	e.elem = s.order.PushBack(e)
	s.items[key] = e

	return s.trimLocked()
}

// deleteIfGeneration removes the Entry for key only if it is still at
// generation (i.e. nothing — neither a Set nor another fetch — has
// replaced it since). Used by NoRetentionCache's purge-on-settle hook so
// it never deletes an unrelated, newer Entry installed by a racing Set.
func (s *Store[K, V]) deleteIfGeneration(key K, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.generation != generation {
		return false
	}
	s.evictLocked(e)
	return true
}

// Delete unconditionally removes the Entry for key. Returns true if a slot
// existed.
func (s *Store[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return false
	}
	s.evictLocked(e)
	return true
}

// DeleteMatching removes every unexpired key for which match returns true,
// and returns the deleted keys. Supplements spec.md's single-key delete
// with the teacher's wildcard invalidation (SPEC_FULL.md §12).
func (s *Store[K, V]) DeleteMatching(match func(K) bool) []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toDelete []*slot[K, V]
	for _, e := range s.items {
		if s.isExpiredLocked(e, now) {
			continue
		}
		if match(e.key) {
			toDelete = append(toDelete, e)
		}
	}

	deleted := make([]K, 0, len(toDelete))
	for _, e := range toDelete {
		s.evictLocked(e)
		deleted = append(deleted, e.key)
	}
	return deleted
}

// Size returns the current number of (possibly expired, not yet swept)
// entries.
func (s *Store[K, V]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Keys returns a snapshot of all unexpired keys, oldest insertion first.
func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	keys := make([]K, 0, len(s.items))
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*slot[K, V])
		if s.isExpiredLocked(e, now) {
			continue
		}
		keys = append(keys, e.key)
	}
	return keys
}
