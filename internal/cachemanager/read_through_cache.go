package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache pairs a CacheManager with a loader: misses fall
// through to fn and the result is stored for subsequent reads. A cache
// built with skipCache set always calls the loader, so call sites stay
// identical when caching is disabled.
type ReadThroughCache[K comparable, V any, I any] struct {
	cache     CacheManager[K, V]
	fn        func(ctx context.Context, input I) (V, error)
	skipCache bool
}

// NewReadThroughCache wraps cache with the loader fn.
func NewReadThroughCache[K comparable, V any, I any](
	cache CacheManager[K, V],
	fn func(ctx context.Context, input I) (V, error),
	skipCache bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{
		cache:     cache,
		fn:        fn,
		skipCache: skipCache,
	}
}

// Get returns the value under key, loading and caching it on a miss.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.skipCache {
		return r.fn(ctx, input)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	return r.load(ctx, key, input, ttl)
}

// GetWithRefresh behaves like Get but a hit also extends the entry's
// TTL, keeping hot entries resident.
func (r *ReadThroughCache[K, V, I]) GetWithRefresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.skipCache {
		return r.fn(ctx, input)
	}

	if value, ok := r.cache.GetWithRefresh(ctx, key, ttl); ok {
		return value, nil
	}

	return r.load(ctx, key, input, ttl)
}

// load fetches through the loader and stores the result. Loader errors
// are returned without caching anything.
func (r *ReadThroughCache[K, V, I]) load(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	value, err := r.fn(ctx, input)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
