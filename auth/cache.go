package auth

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	userId  string
	expires time.Time
}

// CachingResolver memoizes successful verifications so reconnecting devices
// do not hit the provider on every handshake. Failures are not cached, and
// entries expire after the TTL so a revoked or expired credential stops
// resolving instead of riding the cache until LRU eviction.
type CachingResolver struct {
	next  Resolver
	cache *lru.Cache
	ttl   time.Duration
}

func NewCachingResolver(next Resolver, size int, ttl time.Duration) (*CachingResolver, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachingResolver{next: next, cache: cache, ttl: ttl}, nil
}

func (r *CachingResolver) Resolve(ctx context.Context, token string) (string, error) {
	if v, ok := r.cache.Get(token); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.userId, nil
		}
		r.cache.Remove(token)
	}
	userId, err := r.next.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	r.cache.Add(token, cacheEntry{userId: userId, expires: time.Now().Add(r.ttl)})
	return userId, nil
}
