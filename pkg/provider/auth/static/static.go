// Package static implements auth.Verifier with a shared-secret token scheme.
//
// Tokens have the form "<speakerID>:<key>". A token verifies when its key
// part matches the configured shared secret; the speaker ID part becomes the
// verified identity. With no secret configured the verifier runs in open
// mode: any non-empty token is accepted and used as the speaker ID directly,
// which is intended for local development only.
package static

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/parlance-dev/parlance/pkg/provider/auth"
)

// Verifier is a shared-secret auth.Verifier.
type Verifier struct {
	key string
}

// New creates a Verifier with the given shared secret. An empty secret
// selects open mode.
func New(sharedKey string) *Verifier {
	return &Verifier{key: sharedKey}
}

// Verify checks token against the shared secret.
func (v *Verifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	if v.key == "" {
		return auth.Identity{SpeakerID: token}, nil
	}

	// Split on the last colon so speaker IDs may themselves contain colons.
	i := strings.LastIndex(token, ":")
	if i <= 0 {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	speakerID, key := token[:i], token[i+1:]
	if subtle.ConstantTimeCompare([]byte(key), []byte(v.key)) != 1 {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{SpeakerID: speakerID}, nil
}

// Ensure Verifier implements auth.Verifier at compile time.
var _ auth.Verifier = (*Verifier)(nil)
