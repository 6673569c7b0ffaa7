package orchestrator

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type cacheClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *cacheClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *cacheClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_HitAndNormalization(t *testing.T) {
	clock := &cacheClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	c := newTranslationCache(time.Hour, 100, clock.Now)

	c.put("en", "es", "Hello there.", "Hola.")

	if got, ok := c.get("en", "es", "Hello there."); !ok || got != "Hola." {
		t.Fatalf("get = %q, %v; want Hola., true", got, ok)
	}
	// Same text modulo punctuation and case shares the entry.
	if got, ok := c.get("en", "es", "hello there"); !ok || got != "Hola." {
		t.Errorf("normalized get = %q, %v; want Hola., true", got, ok)
	}
	// Different language pair does not.
	if _, ok := c.get("en", "fr", "Hello there."); ok {
		t.Error("fr hit on an es entry")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	clock := &cacheClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	c := newTranslationCache(time.Hour, 100, clock.Now)

	c.put("en", "es", "Hello.", "Hola.")
	clock.Advance(61 * time.Minute)

	if _, ok := c.get("en", "es", "Hello."); ok {
		t.Error("expired entry still served")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	clock := &cacheClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	c := newTranslationCache(time.Hour, 20, clock.Now)

	for i := 0; i < 20; i++ {
		c.put("en", "es", fmt.Sprintf("sentence number %d", i), fmt.Sprintf("frase %d", i))
		clock.Advance(time.Second)
	}

	// Touch the first entry so it is the most recently accessed.
	if _, ok := c.get("en", "es", "sentence number 0"); !ok {
		t.Fatal("warm-up get missed")
	}
	clock.Advance(time.Second)

	// Inserting over capacity evicts the least recently accessed tenth
	// (2 entries at cap 20), which must not include the touched entry.
	c.put("en", "es", "one more sentence", "una frase más")

	if c.len() != 19 {
		t.Errorf("len = %d, want 19 after batch eviction plus insert", c.len())
	}
	if _, ok := c.get("en", "es", "sentence number 0"); !ok {
		t.Error("most recently accessed entry was evicted")
	}
	if _, ok := c.get("en", "es", "sentence number 1"); ok {
		t.Error("least recently accessed entry survived eviction")
	}
}

func TestCache_AccessCount(t *testing.T) {
	clock := &cacheClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	c := newTranslationCache(time.Hour, 100, clock.Now)

	c.put("en", "es", "Hello.", "Hola.")
	c.get("en", "es", "Hello.")
	c.get("en", "es", "Hello.")

	c.mu.Lock()
	e := c.entries[cacheKey("en", "es", "Hello.")]
	c.mu.Unlock()
	if e.accessCount != 3 {
		t.Errorf("accessCount = %d, want 3 (put plus two gets)", e.accessCount)
	}
}
