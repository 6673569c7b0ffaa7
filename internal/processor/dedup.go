package processor

import "time"

const (
	// maxDedupEntries is the emergency flush threshold for the dedup cache.
	maxDedupEntries = 10000

	// dedupSweepInterval is the minimum time between expiry sweeps.
	dedupSweepInterval = 30 * time.Second
)

// dedupCache remembers the normalized-text hashes of recently forwarded
// results so the same utterance is never synthesized twice in quick
// succession. Entries expire after a TTL; expiry runs as a lazy sweep at
// most every [dedupSweepInterval].
//
// Not safe for concurrent use; the owning processor serializes access.
type dedupCache struct {
	ttl       time.Duration
	entries   map[string]time.Time
	lastSweep time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// seen reports whether hash was recorded within the TTL.
func (c *dedupCache) seen(hash string, now time.Time) bool {
	c.maybeSweep(now)
	added, ok := c.entries[hash]
	return ok && now.Sub(added) < c.ttl
}

// record stores hash. When the cache is over its size cap the whole cache is
// flushed, retaining only the new entry; losing dedup history briefly is
// preferable to unbounded growth.
func (c *dedupCache) record(hash string, now time.Time) {
	if len(c.entries) >= maxDedupEntries {
		c.entries = make(map[string]time.Time)
	}
	c.entries[hash] = now
}

// maybeSweep drops expired entries, at most once per sweep interval.
func (c *dedupCache) maybeSweep(now time.Time) {
	if now.Sub(c.lastSweep) < dedupSweepInterval {
		return
	}
	c.lastSweep = now
	for hash, added := range c.entries {
		if now.Sub(added) >= c.ttl {
			delete(c.entries, hash)
		}
	}
}
