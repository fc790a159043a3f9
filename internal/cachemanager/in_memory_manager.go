package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/kiln/internal/log"
)

// Default retention for cached entries and how often expired entries are
// swept. Callers still pass an explicit TTL per entry; these only govern
// the backing store.
const (
	DefaultExpiration      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

// InMemoryCacheManager implements CacheManager on top of an in-process
// go-cache store. Keys must have a string underlying type because the
// backing store is string-keyed. The useCase label tags log lines so
// entries from different caches can be told apart.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

// NewInMemoryCacheManager creates a cache with the given sweep settings.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get returns the value stored under key. A stored value of the wrong
// type counts as a miss.
func (c *InMemoryCacheManager[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var zero V

	value, found := c.cache.Get(string(key))
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "Cached value has unexpected type", "cache", c.useCase, "key", string(key))
		return zero, false
	}

	log.Debug(log.CatCache, "Cache hit", "cache", c.useCase, "key", string(key))
	return v, true
}

// GetMultiple returns the values found for keys. Misses and wrongly
// typed entries are simply absent from the result.
func (c *InMemoryCacheManager[K, V]) GetMultiple(ctx context.Context, keys []K) (map[K]V, bool) {
	if len(keys) == 0 {
		return nil, false
	}

	values := make(map[K]V, len(keys))
	for _, key := range keys {
		value, found := c.cache.Get(string(key))
		if !found {
			continue
		}

		v, ok := value.(V)
		if !ok {
			log.Error(log.CatCache, "Cached value has unexpected type", "cache", c.useCase, "key", string(key))
			continue
		}

		values[key] = v
	}

	if len(values) == 0 {
		return nil, false
	}
	if len(values) < len(keys) {
		log.Debug(log.CatCache, "Partial cache hit", "cache", c.useCase, "hits", len(values), "requested", len(keys))
	}

	return values, true
}

// GetWithRefresh returns the value stored under key and extends its
// expiry by ttl by writing it back.
func (c *InMemoryCacheManager[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	value, found := c.Get(ctx, key)
	if !found {
		return value, false
	}

	c.Set(ctx, key, value, ttl)
	return value, true
}

// Set stores value under key for ttl.
func (c *InMemoryCacheManager[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
}

// Delete drops the given keys. Missing keys are ignored.
func (c *InMemoryCacheManager[K, V]) Delete(ctx context.Context, keys ...K) error {
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
	return nil
}

// Flush drops every entry.
func (c *InMemoryCacheManager[K, V]) Flush(ctx context.Context) error {
	c.cache.Flush()
	return nil
}
