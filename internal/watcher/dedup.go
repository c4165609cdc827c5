package watcher

import (
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/cache"
)

// dedupCache remembers (namespace, pod, reason) keys for a TTL, bounded by an LRU.
type dedupCache struct {
	mu    sync.Mutex
	cache *cache.LRUExpireCache
	ttl   time.Duration
}

func newDedupCache(maxEntries int, ttl time.Duration, clock cache.Clock) *dedupCache {
	var c *cache.LRUExpireCache
	if clock != nil {
		c = cache.NewLRUExpireCacheWithClock(maxEntries, clock)
	} else {
		c = cache.NewLRUExpireCache(maxEntries)
	}
	return &dedupCache{cache: c, ttl: ttl}
}

// markIfNew records key and reports whether it was absent. Check and mark happen under one lock.
func (d *dedupCache) markIfNew(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Get(key); ok {
		return false
	}
	d.cache.Add(key, struct{}{}, d.ttl)
	return true
}

// forget drops key so the next event for it is treated as new.
func (d *dedupCache) forget(key string) {
	d.mu.Lock()
	d.cache.Remove(key)
	d.mu.Unlock()
}

func dedupKey(namespace, pod, reason string) string {
	return namespace + "/" + pod + "/" + reason
}
