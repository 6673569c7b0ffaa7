// Package tts defines the Provider interface for speech-synthesis backends.
//
// A TTS provider accepts SSML and returns raw PCM audio. The orchestrator
// calls it once per target language per forwarded segment, in parallel across
// languages, so implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrVoiceUnavailable is returned when the requested voice does not exist on
// the backend. Permanent: retrying the same voice cannot succeed.
var ErrVoiceUnavailable = errors.New("voice unavailable")

// Voice identifies a synthesis voice on the backend.
type Voice struct {
	// ID is the backend-specific voice identifier (e.g. "lucia-neural").
	ID string

	// Language is the ISO-639-1 code this voice speaks.
	Language string

	// Neural reports whether this is a neural (as opposed to concatenative)
	// voice. The pipeline only selects neural voices.
	Neural bool
}

// AudioSpec pins the output audio format. The pipeline demands 16-bit mono
// PCM at 16 kHz so listener frames match the ingress format.
type AudioSpec struct {
	SampleRate int // Hz
	Channels   int
	BitDepth   int
}

// DefaultSpec is the only output format the broadcast path accepts.
var DefaultSpec = AudioSpec{SampleRate: 16000, Channels: 1, BitDepth: 16}

// UpstreamError describes a failed synthesis call with its retry
// classification.
type UpstreamError struct {
	// Op is the failed operation, for log context.
	Op string

	// Status is the HTTP status returned by the backend, when applicable.
	Status int

	// Transient reports whether the failure is worth retrying.
	Transient bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tts: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("tts: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTransient reports the retry classification. Satisfies
// resilience.Classifier.
func (e *UpstreamError) IsTransient() bool { return e.Transient }

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders ssml with the given voice into PCM matching spec.
	// The call must respect ctx's deadline; the orchestrator passes a 5 s
	// timeout. Returns ErrVoiceUnavailable for unknown voices and
	// *UpstreamError for upstream failures.
	Synthesize(ctx context.Context, ssml string, voice Voice, spec AudioSpec) ([]byte, error)
}
