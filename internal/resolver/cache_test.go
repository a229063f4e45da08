package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/gameops/fleetctl/internal/cache"
	"github.com/gameops/fleetctl/internal/rulestore"
)

func TestLRUCache_SetGetExpirePurge(t *testing.T) {
	ctx := context.Background()
	c, err := NewLRUCache(10, 20*time.Millisecond)
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	resolved := &Resolved{Value: "english"}
	require.NoError(t, c.Set(ctx, "k1", resolved))

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resolved, got)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok, "entry must expire after its TTL")

	require.NoError(t, c.Set(ctx, "k2", resolved))
	require.NoError(t, c.InvalidateAll(ctx))
	_, ok, _ = c.Get(ctx, "k2")
	require.False(t, ok)
}

func newMiniredisCache(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	backing, err := cache.NewRedisCache(&cache.CacheConfig{
		Addr:        mr.Addr(),
		DB:          0,
		PoolSize:    5,
		DialTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })
	return backing, mr
}

func TestRedisCache_SetGetInvalidateAll(t *testing.T) {
	ctx := context.Background()
	backing, _ := newMiniredisCache(t)
	rc := NewRedisCache(backing, "test:resolve:", time.Minute)

	_, ok, err := rc.Get(ctx, "instA|plugin|Vault|config.yml|economy.enabled")
	require.NoError(t, err)
	require.False(t, ok)

	resolved := &Resolved{
		Rule:  &rulestore.ConfigRule{ID: "r1"},
		Value: true,
	}
	key := "instA|plugin|Vault|config.yml|economy.enabled"
	require.NoError(t, rc.Set(ctx, key, resolved))

	got, ok, err := rc.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resolved.Value, got.Value)
	require.Equal(t, resolved.Rule.ID, got.Rule.ID)

	// A second key must also be tracked so InvalidateAll clears both.
	key2 := "instB|plugin|Vault|config.yml|economy.enabled"
	require.NoError(t, rc.Set(ctx, key2, resolved))

	require.NoError(t, rc.InvalidateAll(ctx))

	_, ok, _ = rc.Get(ctx, key)
	require.False(t, ok, "InvalidateAll must clear the first tracked key")
	_, ok, _ = rc.Get(ctx, key2)
	require.False(t, ok, "InvalidateAll must clear the second tracked key")

	members, err := backing.SMembers(ctx, "test:resolve:keys")
	require.NoError(t, err)
	require.Empty(t, members, "tracking set must be emptied alongside the cached values")
}

func TestRedisCache_GetOnDecodeFailureIsMissNotError(t *testing.T) {
	ctx := context.Background()
	backing, mr := newMiniredisCache(t)
	rc := NewRedisCache(backing, "test:resolve:", time.Minute)

	require.NoError(t, mr.Set("test:resolve:badkey", "not-json"))

	_, ok, err := rc.Get(ctx, "badkey")
	require.NoError(t, err)
	require.False(t, ok)
}

type countingCache struct {
	gets, sets int
	inner      Cache
}

func (c *countingCache) Get(ctx context.Context, key string) (*Resolved, bool, error) {
	c.gets++
	return c.inner.Get(ctx, key)
}
func (c *countingCache) Set(ctx context.Context, key string, value *Resolved) error {
	c.sets++
	return c.inner.Set(ctx, key, value)
}
func (c *countingCache) InvalidateAll(ctx context.Context) error {
	return c.inner.InvalidateAll(ctx)
}

func TestCachedResolver_HitShortCircuitsMissPopulates(t *testing.T) {
	ctx := context.Background()
	store, cat := setupStore(t)
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal, Target: vaultConfigKey("economy.enabled"),
		Value: "true", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: time.Now(),
	}))

	lru, err := NewLRUCache(100, time.Minute)
	require.NoError(t, err)
	counting := &countingCache{inner: lru}

	cached := NewCached(New(cat), counting)
	s := snap(t, store)
	defer s.Close()

	q := Query{InstanceID: "SMP101", Target: vaultConfigKey("economy.enabled")}

	first, err := cached.Resolve(ctx, s, q)
	require.NoError(t, err)
	require.Equal(t, true, first.Value)
	require.Equal(t, 1, counting.sets, "a miss must populate the cache")

	second, err := cached.Resolve(ctx, s, q)
	require.NoError(t, err)
	require.Equal(t, true, second.Value)
	require.Equal(t, 1, counting.sets, "a hit must not re-populate the cache")
	require.Equal(t, 2, counting.gets)

	require.NoError(t, cached.InvalidateRules(ctx))
	_, err = cached.Resolve(ctx, s, q)
	require.NoError(t, err)
	require.Equal(t, 2, counting.sets, "after invalidation the next resolve must populate again")
}

func TestCachedResolver_NilResultIsNeverCached(t *testing.T) {
	ctx := context.Background()
	store, cat := setupStore(t)
	lru, err := NewLRUCache(100, time.Minute)
	require.NoError(t, err)

	cached := NewCached(New(cat), lru)
	s := snap(t, store)
	defer s.Close()

	resolved, err := cached.Resolve(ctx, s, Query{InstanceID: "SMP101", Target: vaultConfigKey("nonexistent.key")})
	require.NoError(t, err)
	require.Nil(t, resolved)

	_, ok, _ := lru.Get(ctx, CacheKey("SMP101", vaultConfigKey("nonexistent.key")))
	require.False(t, ok)
}
