package common

import (
	"sync"
	"time"
)

type cacheItem struct {
	value    interface{}
	expireAt time.Time
}

// TTLCache is a small time-bounded read-through cache. It shadows node
// lookups on the ping path, where staleness up to the TTL is an accepted
// tradeoff for throughput.
type TTLCache struct {
	sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[string]cacheItem
}

// NewTTLCache creates a TTLCache holding at most maxSize items, each valid
// for ttl after being set.
func NewTTLCache(ttl time.Duration, maxSize int) *TTLCache {
	return &TTLCache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[string]cacheItem),
	}
}

// Get returns the cached value, or false if absent or expired. Expired items
// are removed on access.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.Lock()
	defer c.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expireAt) {
		delete(c.items, key)
		return nil, false
	}

	return item.value, true
}

// Set inserts or refreshes a value. When the cache is full, expired items are
// swept first; if still full, the insert is skipped rather than evicting a
// live entry.
func (c *TTLCache) Set(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.items[key]; !ok && len(c.items) >= c.maxSize {
		now := time.Now()
		for k, it := range c.items {
			if now.After(it.expireAt) {
				delete(c.items, k)
			}
		}
		if len(c.items) >= c.maxSize {
			return
		}
	}

	c.items[key] = cacheItem{
		value:    value,
		expireAt: time.Now().Add(c.ttl),
	}
}

// Len returns the number of items currently held, including expired items
// that have not been swept yet.
func (c *TTLCache) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.items)
}
