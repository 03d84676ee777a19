package search

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 15 * time.Minute
)

type cacheEntry struct {
	items    []Item
	storedAt time.Time
}

// Cached wraps a Provider with an LRU result cache keyed by normalised query.
// Retried searches inside one run hit the cache instead of the network.
type Cached struct {
	delegate Provider
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
}

func NewCached(delegate Provider, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	// lru.New only errors on non-positive size which we guard above.
	cache, _ := lru.New[string, cacheEntry](size)
	return &Cached{delegate: delegate, cache: cache, ttl: ttl}
}

func (c *Cached) Search(ctx context.Context, query string) ([]Item, error) {
	key := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if entry, ok := c.cache.Get(key); ok {
		if time.Since(entry.storedAt) < c.ttl {
			return append([]Item(nil), entry.items...), nil
		}
		c.cache.Remove(key)
	}
	items, err := c.delegate.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cacheEntry{items: append([]Item(nil), items...), storedAt: time.Now()})
	return items, nil
}
