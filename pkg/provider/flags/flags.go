// Package flags defines the feature-flag oracle interface used to gate
// partial-result processing per session.
//
// The oracle is external (a flag service or parameter store); Parlance caches
// its snapshots and applies consistent-hash canary selection on top, so a
// given session's gating is stable under partial rollout.
package flags

import "context"

// ParamPartialResults is the flag parameter governing partial-result
// processing.
const ParamPartialResults = "partial-results"

// Snapshot is one point-in-time read of a flag parameter.
type Snapshot struct {
	// Enabled is the master switch. When false the flag is off for every
	// session regardless of rollout percentage.
	Enabled bool

	// RolloutPercentage selects what share of sessions (0–100) receive the
	// feature, via consistent hashing of the session ID.
	RolloutPercentage int

	// MinStabilityThreshold optionally overrides the per-session stability
	// threshold. Zero means no override.
	MinStabilityThreshold float64

	// MaxBufferTimeoutSeconds optionally overrides the per-session buffer
	// timeout. Zero means no override.
	MaxBufferTimeoutSeconds float64
}

// Oracle is the abstraction over the external flag service.
//
// Implementations must be safe for concurrent use.
type Oracle interface {
	// Get reads the current snapshot of parameter. Callers cache the result;
	// implementations should not.
	Get(ctx context.Context, parameter string) (Snapshot, error)
}
