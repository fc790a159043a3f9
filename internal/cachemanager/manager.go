// Package cachemanager provides small typed TTL caches for derived data
// that dashboards poll aggressively, such as build statistics and
// dependency trees. Entries live in process and expire by TTL or by
// explicit invalidation.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed key/value cache with per-entry TTLs.
type CacheManager[K comparable, V any] interface {
	// Get returns the value stored under key.
	Get(ctx context.Context, key K) (V, bool)

	// GetMultiple returns the values found for keys. The second return is
	// false only when nothing was found.
	GetMultiple(ctx context.Context, keys []K) (map[K]V, bool)

	// GetWithRefresh returns the value stored under key and extends its
	// expiry by ttl, keeping hot entries resident.
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key K, value V, ttl time.Duration)

	// Delete drops the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...K) error

	// Flush drops every entry.
	Flush(ctx context.Context) error
}
