package resolver

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gameops/fleetctl/internal/cache"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// DefaultCacheTTL bounds how stale a cached Resolved value may be before a
// fresh Resolve runs, independent of the explicit InvalidateAll a rule
// write triggers - a short TTL caps staleness even if an invalidation is
// ever missed (e.g. a write landing on a store replica the cache didn't
// hear about).
const DefaultCacheTTL = 10 * time.Second

// Cache is the resolved-value cache: a lookup keyed by
// (instance, target), invalidated whenever a rule is written. Distinct
// backends satisfy it - Redis for a shared cache across controller
// replicas (standard profile), an in-process LRU for the single-box lite
// profile.
type Cache interface {
	Get(ctx context.Context, key string) (*Resolved, bool, error)
	Set(ctx context.Context, key string, value *Resolved) error
	InvalidateAll(ctx context.Context) error
}

// CacheKey builds the cache key for one (instance, target) query.
func CacheKey(instanceID string, target rulestore.Target) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", instanceID, target.ConfigType, target.PluginName, target.ConfigFile, target.ConfigKey)
}

// cachedResolved is the wire format stored in the Redis cache backend.
type cachedResolved struct {
	Rule  *rulestore.ConfigRule `json:"rule"`
	Value any                   `json:"value"`
}

// LRUCache is the local, single-process Cache backend (lite profile: no
// Redis to share with, and nothing to share it across).
type LRUCache struct {
	entries *lru.Cache[string, lruEntry]
	ttl     time.Duration
}

type lruEntry struct {
	value     *Resolved
	expiresAt time.Time
}

// NewLRUCache builds an LRUCache holding up to size entries.
func NewLRUCache(size int, ttl time.Duration) (*LRUCache, error) {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, fmt.Errorf("resolver: new LRU cache: %w", err)
	}
	return &LRUCache{entries: c, ttl: ttl}, nil
}

func (c *LRUCache) Get(_ context.Context, key string) (*Resolved, bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *LRUCache) Set(_ context.Context, key string, value *Resolved) error {
	c.entries.Add(key, lruEntry{value: value, expiresAt: time.Now().Add(c.ttl)})
	return nil
}

func (c *LRUCache) InvalidateAll(_ context.Context) error {
	c.entries.Purge()
	return nil
}

// RedisCache is the shared Cache backend for the standard profile, so
// every controller replica behind a load balancer sees the same
// invalidation. It delegates the actual storage to internal/cache.Cache
// (the generic Redis-backed cache abstraction) rather than
// holding its own *redis.Client - the resolver only needs Get/Set/Delete/
// SAdd/SMembers/SRem, which that interface already exposes.
type RedisCache struct {
	backing    cache.Cache
	prefix     string
	keysSetKey string
	ttl        time.Duration
}

// NewRedisCache wraps an already-constructed cache.Cache (typically
// cache.NewRedisCache). prefix namespaces keys so the resolver cache can
// share a Redis instance with other subsystems without collisions.
func NewRedisCache(backing cache.Cache, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "fleetctl:resolve:"
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{backing: backing, prefix: prefix, keysSetKey: prefix + "keys", ttl: ttl}
}

func (c *RedisCache) key(key string) string { return c.prefix + key }

func (c *RedisCache) Get(ctx context.Context, key string) (*Resolved, bool, error) {
	var cr cachedResolved
	err := c.backing.Get(ctx, c.key(key), &cr)
	if cache.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		// A decode failure (e.g. schema changed under a rolling deploy) is
		// treated as a miss, not an error - the live Resolve is always
		// correct, the cache is just an optimization.
		return nil, false, nil
	}
	return &Resolved{Rule: cr.Rule, Value: cr.Value}, true, nil
}

// Set stores the resolved value and records its key in a tracking SET
// so InvalidateAll can find every key this cache has
// written without a Redis KEYS/SCAN sweep across the whole keyspace.
func (c *RedisCache) Set(ctx context.Context, key string, value *Resolved) error {
	fullKey := c.key(key)
	if err := c.backing.Set(ctx, fullKey, cachedResolved{Rule: value.Rule, Value: value.Value}, c.ttl); err != nil {
		return err
	}
	return c.backing.SAdd(ctx, c.keysSetKey, fullKey)
}

func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	keys, err := c.backing.SMembers(ctx, c.keysSetKey)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.backing.Delete(ctx, k); err != nil && !cache.IsNotFound(err) {
			return err
		}
	}
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	return c.backing.SRem(ctx, c.keysSetKey, members...)
}

// CachedResolver decorates a Resolver with a Cache, short-circuiting
// Resolve with a cached value when one is fresh. A cache miss, error, or
// decode failure always falls through to a live Resolve - the cache is a
// pure performance optimization, never a correctness dependency.
type CachedResolver struct {
	*Resolver
	cache Cache
}

// NewCached wraps r with cache.
func NewCached(r *Resolver, cache Cache) *CachedResolver {
	return &CachedResolver{Resolver: r, cache: cache}
}

// Resolve checks the cache before delegating to the wrapped Resolver, and
// caches a successful, non-nil result afterward.
func (c *CachedResolver) Resolve(ctx context.Context, snap rulestore.Snapshot, q Query) (*Resolved, error) {
	key := CacheKey(q.InstanceID, q.Target)

	if cached, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	}

	resolved, err := c.Resolver.Resolve(ctx, snap, q)
	if err != nil || resolved == nil {
		return resolved, err
	}
	_ = c.cache.Set(ctx, key, resolved)
	return resolved, nil
}

// InvalidateRules flushes every cached Resolved value. The cache is keyed
// per (instance, target), but a rule write's blast radius (GLOBAL,
// SERVER, GROUP scopes) can affect many instances at once, so a write
// simply drops the whole cache rather than computing the precise
// invalidation set.
func (c *CachedResolver) InvalidateRules(ctx context.Context) error {
	return c.cache.InvalidateAll(ctx)
}
