package translate

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// cacheKeyPrefixLen bounds the text portion of a cache key. Long inputs
// share a key on their leading characters, which is acceptable for the
// short utterances this cache serves.
const cacheKeyPrefixLen = 120

// cacheEntry is one cached translation.
type cacheEntry struct {
	key     string
	text    string
	expires time.Time
}

// lruCache is a bounded LRU with per-entry expiry. Safe for concurrent
// use.
type lruCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

func newLRUCache(max int, ttl time.Duration) *lruCache {
	return &lruCache{
		max:     max,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (c *lruCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.text, true
}

func (c *lruCache) put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.text = text
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, text: text, expires: c.now().Add(c.ttl)})
	c.entries[key] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// resultCache holds the two class-specific caches.
type resultCache struct {
	partial *lruCache
	final   *lruCache
}

func newResultCache(partialMax int, partialTTL time.Duration, finalMax int, finalTTL time.Duration) *resultCache {
	return &resultCache{
		partial: newLRUCache(partialMax, partialTTL),
		final:   newLRUCache(finalMax, finalTTL),
	}
}

func cacheKey(class Class, src, tgt, text string) string {
	if len(text) > cacheKeyPrefixLen {
		text = text[:cacheKeyPrefixLen]
	}
	return fmt.Sprintf("%s:%s:%s:%s", class, src, tgt, text)
}

func (rc *resultCache) get(class Class, src, tgt, text string) (string, bool) {
	return rc.byClass(class).get(cacheKey(class, src, tgt, text))
}

func (rc *resultCache) put(class Class, src, tgt, text, translated string) {
	rc.byClass(class).put(cacheKey(class, src, tgt, text), translated)
}

func (rc *resultCache) byClass(class Class) *lruCache {
	if class == ClassFinal {
		return rc.final
	}
	return rc.partial
}
