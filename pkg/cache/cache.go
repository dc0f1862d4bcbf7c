// Package cache is a bounded LRU of recent message windows keyed by
// conversation id. It is purely a read optimization: entries may be
// evicted or expire at any time and callers fall back to the durable
// store. Nothing here is a source of truth.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"murmursync/pkg/models"
	"murmursync/pkg/telemetry"
)

const (
	DefaultCapacity = 10
	DefaultTTL      = 15 * time.Minute
	DefaultWindow   = 10
)

type entry struct {
	messages []models.Message
	storedAt time.Time
}

// Cache holds the most recent message window per conversation. TTL
// expiry is independent of LRU order: a recently used but stale entry
// still misses.
type Cache struct {
	lru    *lru.Cache
	ttl    time.Duration
	window int
	now    func() time.Time
}

// New creates a cache with the given capacity (conversations), per-entry
// TTL and window size (messages kept per conversation). Zero values
// fall back to defaults.
func New(capacity int, ttl time.Duration, window int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l, _ := lru.New(capacity)
	return &Cache{lru: l, ttl: ttl, window: window, now: time.Now}
}

// Get returns the cached window for a conversation, or nil on miss or
// TTL expiry. An expired entry is dropped on the way out.
func (c *Cache) Get(conv string) []models.Message {
	v, ok := c.lru.Get(conv)
	if !ok {
		telemetry.CacheMisses.Inc()
		return nil
	}
	e := v.(*entry)
	if c.now().Sub(e.storedAt) > c.ttl {
		c.lru.Remove(conv)
		telemetry.CacheMisses.Inc()
		return nil
	}
	telemetry.CacheHits.Inc()
	out := make([]models.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Put stores the most recent window for a conversation. Only the last
// window-size messages are kept; older history never enters the cache.
func (c *Cache) Put(conv string, msgs []models.Message) {
	if len(msgs) > c.window {
		msgs = msgs[len(msgs)-c.window:]
	}
	cp := make([]models.Message, len(msgs))
	copy(cp, msgs)
	c.lru.Add(conv, &entry{messages: cp, storedAt: c.now()})
}

// Invalidate drops a conversation's entry. The next read rebuilds from
// the store.
func (c *Cache) Invalidate(conv string) {
	c.lru.Remove(conv)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached conversations, counting entries past
// their TTL that have not been touched since expiring.
func (c *Cache) Len() int {
	return c.lru.Len()
}
