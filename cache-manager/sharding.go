package cachemanager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"encore.app/pkg/utils"
)

// ShardedRemoteCache fans the RemoteCache interface out across multiple
// backing L2 caches, routing each key to exactly one shard via consistent
// hashing (pkg/utils.HashRing) so adding or removing a shard only reshuffles
// the minimal slice of keys consistent hashing guarantees, instead of every
// key remapping the way a plain modulo split would.
type ShardedRemoteCache struct {
	ring   *utils.HashRing
	shards map[string]RemoteCache
}

// NewShardedRemoteCache builds a sharded L2 cache from a set of named
// backing caches, each given equal weight in the ring.
func NewShardedRemoteCache(shards map[string]RemoteCache) (*ShardedRemoteCache, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("sharded remote cache requires at least one shard")
	}

	ring := utils.NewHashRing(utils.DefaultReplicas)
	for name := range shards {
		if err := ring.AddNode(name, 1); err != nil {
			return nil, fmt.Errorf("adding shard %q to ring: %w", name, err)
		}
	}

	return &ShardedRemoteCache{ring: ring, shards: shards}, nil
}

func (s *ShardedRemoteCache) shardFor(key string) (RemoteCache, error) {
	name := s.ring.GetNode(key)
	if name == "" {
		return nil, fmt.Errorf("no shard available for key %q", key)
	}
	shard, ok := s.shards[name]
	if !ok {
		return nil, fmt.Errorf("shard %q resolved by ring but not registered", name)
	}
	return shard, nil
}

// Get routes to the single shard key hashes to.
func (s *ShardedRemoteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	shard, err := s.shardFor(key)
	if err != nil {
		return nil, false, err
	}
	return shard.Get(ctx, key)
}

// Set routes to the single shard key hashes to.
func (s *ShardedRemoteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	shard, err := s.shardFor(key)
	if err != nil {
		return err
	}
	return shard.Set(ctx, key, value, ttl)
}

// Delete routes to the single shard key hashes to.
func (s *ShardedRemoteCache) Delete(ctx context.Context, key string) error {
	shard, err := s.shardFor(key)
	if err != nil {
		return err
	}
	return shard.Delete(ctx, key)
}

// DeletePattern broadcasts to every shard: a glob/regex pattern can match
// keys that hash to any of them, so there's no single shard to route to.
func (s *ShardedRemoteCache) DeletePattern(ctx context.Context, pattern string) error {
	var errs []string
	for name, shard := range s.shards {
		if err := shard.DeletePattern(ctx, pattern); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deletePattern failed on shard(s): %s", strings.Join(errs, "; "))
	}
	return nil
}

// AddShard adds a new backing cache to the ring. Only keys that land on the
// new shard's virtual nodes move; everything else stays put.
func (s *ShardedRemoteCache) AddShard(name string, shard RemoteCache) error {
	if err := s.ring.AddNode(name, 1); err != nil {
		return err
	}
	s.shards[name] = shard
	return nil
}

// RemoveShard removes a backing cache from the ring.
func (s *ShardedRemoteCache) RemoveShard(name string) error {
	if err := s.ring.RemoveNode(name); err != nil {
		return err
	}
	delete(s.shards, name)
	return nil
}

// ShardCount returns the number of backing shards currently in the ring.
func (s *ShardedRemoteCache) ShardCount() int {
	return s.ring.Size()
}
