// Package mock provides a test double for the auth.Verifier interface.
package mock

import (
	"context"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/auth"
)

// Verifier is a mock implementation of auth.Verifier.
//
// By default every token verifies as speaker "speaker-1". Set Err to reject,
// or Identities to map specific tokens to identities.
type Verifier struct {
	mu sync.Mutex

	// Identities maps token to the identity returned for it. Tokens not in
	// the map fall back to the default identity.
	Identities map[string]auth.Identity

	// Err, if non-nil, is returned from every Verify call.
	Err error

	// Tokens records every token passed to Verify.
	Tokens []string
}

// Verify records the token and returns the configured identity.
func (v *Verifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Tokens = append(v.Tokens, token)

	if err := ctx.Err(); err != nil {
		return auth.Identity{}, err
	}
	if v.Err != nil {
		return auth.Identity{}, v.Err
	}
	if id, ok := v.Identities[token]; ok {
		return id, nil
	}
	return auth.Identity{SpeakerID: "speaker-1"}, nil
}

// Ensure Verifier implements auth.Verifier at compile time.
var _ auth.Verifier = (*Verifier)(nil)
