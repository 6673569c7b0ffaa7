package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parlance-dev/parlance/internal/textnorm"
)

// evictFraction is the share of entries dropped when the cache hits its size
// cap. Evicting a batch instead of one entry keeps eviction off the hot path.
const evictFraction = 10

// cacheEntry is one cached translation.
type cacheEntry struct {
	translated     string
	addedAt        time.Time
	lastAccessedAt time.Time
	accessCount    int64
}

// translationCache memoizes machine translations keyed by source language,
// target language, and the normalized-text hash of the source segment.
// Entries expire after a TTL; when the cache exceeds its size cap the least
// recently accessed tenth is evicted. Safe for concurrent use.
type translationCache struct {
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newTranslationCache(ttl time.Duration, maxEntries int, clock func() time.Time) *translationCache {
	return &translationCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		entries:    make(map[string]*cacheEntry),
	}
}

// cacheKey builds the lookup key. Normalizing the source text first lets
// "Hello there." and "hello there" share one translation.
func cacheKey(src, tgt, text string) string {
	return fmt.Sprintf("%s:%s:%s", src, tgt, textnorm.Hash16(text))
}

// get returns the cached translation for (src, tgt, text), if fresh.
func (c *translationCache) get(src, tgt, text string) (string, bool) {
	key := cacheKey(src, tgt, text)
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if now.Sub(e.addedAt) >= c.ttl {
		delete(c.entries, key)
		return "", false
	}
	e.lastAccessedAt = now
	e.accessCount++
	return e.translated, true
}

// put stores a translation, evicting the least recently accessed tenth of
// the cache when full.
func (c *translationCache) put(src, tgt, text, translated string) {
	key := cacheKey(src, tgt, text)
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = &cacheEntry{
		translated:     translated,
		addedAt:        now,
		lastAccessedAt: now,
		accessCount:    1,
	}
}

// len returns the entry count.
func (c *translationCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked removes expired entries first; if the cache is still full it
// drops the least recently accessed tenth. Caller holds c.mu.
func (c *translationCache) evictLocked(now time.Time) {
	for key, e := range c.entries {
		if now.Sub(e.addedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	type aged struct {
		key  string
		last time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key, e.lastAccessedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })

	n := len(all) / evictFraction
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
}
