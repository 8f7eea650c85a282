// Package mediacache caches media blobs fetched through presigned URLs so
// repeated views of the same attachment don't re-download it. The cache
// is bounded: at most maxEntries items, each expiring after the TTL, with
// the oldest insertion evicted when full.
package mediacache

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 50
	defaultTTL        = time.Hour
)

type entry struct {
	key      string
	data     []byte
	storedAt time.Time
}

// Cache is a bounded TTL cache keyed by media object key. Safe for
// concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List // oldest at front
	items      map[string]*list.Element

	// now is swapped in tests.
	now func() time.Time
}

// New returns a cache with the given bounds. Non-positive values fall back
// to 50 entries and a 1 hour TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Set stores data under key, evicting the oldest entry when full.
// Re-setting an existing key refreshes its insertion time.
func (c *Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}

	if c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}

	c.items[key] = c.order.PushBack(&entry{key: key, data: data, storedAt: c.now()})
}

// Get returns the cached data, or nil on a miss. An expired entry is
// removed and reported as a miss.
func (c *Cache) Get(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil
	}
	return e.data
}

// Len returns the number of live entries, expired ones included until they
// are touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}
