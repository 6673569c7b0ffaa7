// Package textnorm provides the text normalisation and hashing used by the
// dedup cache and the translation cache.
//
// Two texts that normalise identically are treated as semantically identical
// by both caches, so the exact normalisation rules are part of the pipeline's
// behavioural contract: trim, lowercase, strip sentence punctuation, collapse
// whitespace runs. Normalize is idempotent.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// stripped is the set of punctuation removed during normalisation.
const stripped = `.,!?;:'"`

// Normalize canonicalises text for dedup and cache-key purposes.
// Normalize(Normalize(t)) == Normalize(t) for all t.
func Normalize(text string) string {
	text = strings.TrimSpace(strings.ToLower(text))
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		if strings.ContainsRune(stripped, r) {
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimRight(b.String(), " ")
}

// Hash16 returns the first 16 hex characters of the SHA-256 of the normalised
// form of text. Stable across runs and insensitive to case, whitespace, and
// sentence punctuation.
func Hash16(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])[:16]
}
