package processor

import (
	"strings"
	"time"
)

// isSentenceEnd reports whether text ends with terminal punctuation, treating
// the utterance as a complete phrase worth forwarding immediately.
func isSentenceEnd(text string) bool {
	t := strings.TrimRight(text, " \t\n\r\"')")
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// phraseBoundary decides whether a buffered partial should be forwarded now.
// Any one condition suffices:
//
//   - the text ends a sentence,
//   - nothing has been forwarded for the pause threshold, so a continuous
//     unpunctuated stretch still surfaces a caption every couple of seconds,
//   - the entry has been buffered for the maximum allowed time.
func phraseBoundary(text string, sinceForward, age, pauseThreshold, maxBufferTimeout time.Duration) bool {
	if isSentenceEnd(text) {
		return true
	}
	if sinceForward >= pauseThreshold {
		return true
	}
	return age >= maxBufferTimeout
}
