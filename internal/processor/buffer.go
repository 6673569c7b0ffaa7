package processor

import (
	"sort"
	"strings"
	"time"

	"github.com/parlance-dev/parlance/pkg/types"
)

const (
	// maxBufferWords caps the total word count held in a session's buffer.
	maxBufferWords = 300

	// overflowFlushCount is how many of the oldest entries are evicted when
	// the word cap is exceeded.
	overflowFlushCount = 5

	// replaceWindow is the origin-timestamp radius around a final result
	// within which buffered partials are considered superseded even when the
	// final does not name them in its replaces list.
	replaceWindow = 5 * time.Second
)

// bufferedResult is one partial held while waiting for a phrase boundary or
// a final result that supersedes it.
type bufferedResult struct {
	result    types.PartialResult
	addedAt   time.Time
	forwarded bool
}

// age returns how long the entry has been buffered.
func (b *bufferedResult) age(now time.Time) time.Duration {
	return now.Sub(b.addedAt)
}

// resultBuffer orders partials by origin timestamp and enforces the word
// cap. Not safe for concurrent use; the owning processor serializes access.
type resultBuffer struct {
	entries []*bufferedResult
	words   int
}

func newResultBuffer() *resultBuffer {
	return &resultBuffer{}
}

func (b *resultBuffer) len() int { return len(b.entries) }

// add inserts p keeping origin-timestamp order. When the word cap is
// exceeded, the oldest eligible entries are evicted and returned so the
// caller can flush any that were never forwarded.
func (b *resultBuffer) add(p types.PartialResult, now time.Time, minStability float64) (evicted []*bufferedResult) {
	entry := &bufferedResult{result: p, addedAt: now}
	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].result.OriginTimestamp.After(p.OriginTimestamp)
	})
	b.entries = append(b.entries, nil)
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = entry
	b.words += wordCount(p.Text)

	if b.words > maxBufferWords {
		evicted = b.evictOverflow(minStability)
	}
	return evicted
}

// evictOverflow removes up to overflowFlushCount entries, preferring the
// earliest-added whose stability cleared the threshold or was never
// reported. Low-stability entries are kept when possible: a final may still
// claim and correct them. When nothing qualifies, the overall oldest go.
func (b *resultBuffer) evictOverflow(minStability float64) []*bufferedResult {
	cands := make([]*bufferedResult, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.result.StabilityKnown || e.result.Stability >= minStability {
			cands = append(cands, e)
		}
	}
	if len(cands) == 0 {
		cands = append(cands, b.entries...)
	}
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].addedAt.Before(cands[j].addedAt)
	})

	n := overflowFlushCount
	if n > len(cands) {
		n = len(cands)
	}
	evicted := cands[:n]
	for _, e := range evicted {
		b.remove(e)
	}
	return evicted
}

// remove deletes the given entry from the buffer, if present.
func (b *resultBuffer) remove(target *bufferedResult) {
	for i, e := range b.entries {
		if e == target {
			b.words -= wordCount(e.result.Text)
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// removeByID removes the entry with the given result ID, returning it.
func (b *resultBuffer) removeByID(id string) *bufferedResult {
	for i, e := range b.entries {
		if e.result.ResultID == id {
			b.words -= wordCount(e.result.Text)
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// removeWindow removes every entry whose origin timestamp lies within the
// replace window around center, returning the removed entries.
func (b *resultBuffer) removeWindow(center time.Time) []*bufferedResult {
	var removed []*bufferedResult
	kept := b.entries[:0]
	for _, e := range b.entries {
		d := e.result.OriginTimestamp.Sub(center)
		if d < 0 {
			d = -d
		}
		if d <= replaceWindow {
			b.words -= wordCount(e.result.Text)
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	b.entries = kept
	return removed
}

// orphans returns entries buffered longer than timeout without removing them.
func (b *resultBuffer) orphans(now time.Time, timeout time.Duration) []*bufferedResult {
	var out []*bufferedResult
	for _, e := range b.entries {
		if e.age(now) > timeout {
			out = append(out, e)
		}
	}
	return out
}

// aged returns unforwarded entries older than maxAge.
func (b *resultBuffer) aged(now time.Time, maxAge time.Duration) []*bufferedResult {
	var out []*bufferedResult
	for _, e := range b.entries {
		if !e.forwarded && e.age(now) >= maxAge {
			out = append(out, e)
		}
	}
	return out
}

// wordCount counts whitespace-separated tokens.
func wordCount(text string) int {
	return len(strings.Fields(text))
}
