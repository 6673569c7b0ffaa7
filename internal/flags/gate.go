// Package flags implements canary gating of partial-result processing.
//
// A Gate combines the external flag oracle with a 60-second snapshot cache
// and consistent-hash canary selection: the SHA-256 of the session ID maps to
// a bucket in [0, 100), and the session is in the canary iff its bucket is
// below the rollout percentage. A given session ID therefore lands on the
// same side of a partial rollout on every evaluation.
package flags

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/parlance-dev/parlance/pkg/provider/flags"
)

// snapshotTTL is how long an oracle snapshot is served from cache.
const snapshotTTL = 60 * time.Second

// Decision is the evaluated flag state for one session.
type Decision struct {
	// PartialsEnabled reports whether partial-result processing is on for
	// this session.
	PartialsEnabled bool

	// MinStabilityThreshold is a non-zero value when the flag service
	// overrides the session's configured threshold.
	MinStabilityThreshold float64

	// MaxBufferTimeout is a non-zero value when the flag service overrides
	// the session's configured buffer timeout.
	MaxBufferTimeout time.Duration
}

// Gate evaluates feature flags per session with snapshot caching.
// Gate is safe for concurrent use.
type Gate struct {
	oracle flags.Oracle
	cache  *gocache.Cache
}

// NewGate creates a Gate over the given oracle.
func NewGate(oracle flags.Oracle) *Gate {
	return &Gate{
		oracle: oracle,
		cache:  gocache.New(snapshotTTL, 2*snapshotTTL),
	}
}

// Evaluate returns the flag decision for sessionID. Oracle failures fail
// closed (partials disabled) and are logged; the session keeps running in
// finals-only mode.
func (g *Gate) Evaluate(ctx context.Context, sessionID string) Decision {
	snap, err := g.snapshot(ctx)
	if err != nil {
		slog.Warn("flag oracle unavailable, partials disabled",
			"session_id", sessionID, "err", err)
		return Decision{PartialsEnabled: false}
	}

	d := Decision{}
	if snap.MinStabilityThreshold > 0 {
		d.MinStabilityThreshold = snap.MinStabilityThreshold
	}
	if snap.MaxBufferTimeoutSeconds > 0 {
		d.MaxBufferTimeout = time.Duration(snap.MaxBufferTimeoutSeconds * float64(time.Second))
	}
	if !snap.Enabled {
		return d
	}
	d.PartialsEnabled = Bucket(sessionID) < snap.RolloutPercentage
	return d
}

// snapshot returns the cached snapshot, reading through the oracle on miss.
func (g *Gate) snapshot(ctx context.Context) (flags.Snapshot, error) {
	if v, ok := g.cache.Get(flags.ParamPartialResults); ok {
		return v.(flags.Snapshot), nil
	}
	snap, err := g.oracle.Get(ctx, flags.ParamPartialResults)
	if err != nil {
		return flags.Snapshot{}, err
	}
	g.cache.Set(flags.ParamPartialResults, snap, gocache.DefaultExpiration)
	return snap, nil
}

// Bucket maps sessionID deterministically to [0, 100) via the first eight
// bytes of its SHA-256.
func Bucket(sessionID string) int {
	sum := sha256.Sum256([]byte(sessionID))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}
