// Package auth defines the speaker-identity verification interface consumed
// by the ingress dispatcher on createSession.
//
// Listeners join anonymously; only speakers are verified, since they control
// a session's lifecycle and its outbound fan-out.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned when a token cannot be verified.
var ErrUnauthenticated = errors.New("speaker identity could not be verified")

// Identity describes a verified speaker.
type Identity struct {
	// SpeakerID is the stable identifier of the verified speaker.
	SpeakerID string

	// DisplayName is an optional human-readable name.
	DisplayName string
}

// Verifier is the abstraction over the external identity oracle.
//
// Implementations must be safe for concurrent use.
type Verifier interface {
	// Verify checks token and returns the speaker's identity, or
	// ErrUnauthenticated (possibly wrapped) when verification fails.
	Verify(ctx context.Context, token string) (Identity, error)
}
