// Package mt defines the Provider interface for machine-translation backends.
//
// A translation provider is a stateless request/response service: text in one
// language goes in, translated text comes out. The orchestrator calls it once
// per target language per forwarded segment, in parallel across languages, so
// implementations must be safe for concurrent use.
package mt

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedLanguage is returned when the backend cannot translate
// between the requested language pair. It is permanent: retrying the same
// pair cannot succeed.
var ErrUnsupportedLanguage = errors.New("unsupported language pair")

// UpstreamError describes a failed call to the translation backend along
// with its retry classification.
type UpstreamError struct {
	// Op is the failed operation, for log context.
	Op string

	// Status is the HTTP status returned by the backend, when applicable.
	Status int

	// Transient reports whether the failure is worth retrying (throttle,
	// 5xx, timeout).
	Transient bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("mt: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("mt: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTransient reports the retry classification. Satisfies
// resilience.Classifier.
func (e *UpstreamError) IsTransient() bool { return e.Transient }

// Provider is the abstraction over any machine-translation backend.
type Provider interface {
	// Translate translates text from src to tgt (both ISO-639-1 codes).
	// The call must respect ctx's deadline; the orchestrator passes a 5 s
	// timeout. Returns ErrUnsupportedLanguage for pairs the backend cannot
	// serve, and *UpstreamError for upstream failures.
	Translate(ctx context.Context, text, src, tgt string) (string, error)
}
