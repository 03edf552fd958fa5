package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CacheEntry represents a cached item.
type CacheEntry struct {
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching encoded object records.
type Cache interface {
	// Get retrieves a cached record.
	Get(ctx context.Context, bucket, key string) (*CacheEntry, bool)

	// Set stores a record in the cache. A zero ttl uses the cache default.
	Set(ctx context.Context, bucket, key string, data []byte, ttl time.Duration) error

	// Delete removes a record from the cache.
	Delete(ctx context.Context, bucket, key string) error

	// Clear clears all cached records.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type entryKey struct {
	bucket string
	key    string
}

type lruItem struct {
	id    entryKey
	entry *CacheEntry
}

// memoryCache is a size- and count-bounded LRU with per-entry TTL.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[entryKey]*list.Element
	order    *list.List
	size     int64
	maxSize  int64
	maxItems int
	stats    CacheStats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[entryKey]*list.Element),
		order:    list.New(),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

// Get retrieves a cached record and marks it recently used.
func (c *memoryCache) Get(ctx context.Context, bucket, key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[entryKey{bucket, key}]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	item := el.Value.(*lruItem)
	if item.entry.IsExpired() {
		c.removeLocked(el)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return item.entry, true
}

// Set stores a record, evicting least recently used entries to make room.
// Records larger than the whole cache are not stored.
func (c *memoryCache) Set(ctx context.Context, bucket, key string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return nil
	}

	entry := &CacheEntry{
		Data:      data,
		ExpiresAt: time.Now().Add(ttl),
	}
	id := entryKey{bucket, key}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		c.removeLocked(el)
	}

	for c.order.Len() > 0 && (c.size+entrySize > c.maxSize || c.order.Len() >= c.maxItems) {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}

	c.entries[id] = c.order.PushFront(&lruItem{id: id, entry: entry})
	c.size += entrySize
	return nil
}

// Delete removes a record from the cache.
func (c *memoryCache) Delete(ctx context.Context, bucket, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[entryKey{bucket, key}]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Clear clears all cached records.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[entryKey]*list.Element)
	c.order.Init()
	c.size = 0
	c.stats = CacheStats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = c.order.Len()
	return stats
}

// removeLocked must be called with the lock held.
func (c *memoryCache) removeLocked(el *list.Element) {
	item := c.order.Remove(el).(*lruItem)
	delete(c.entries, item.id)
	c.size -= int64(len(item.entry.Data))
}
