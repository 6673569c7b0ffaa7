// Package static provides a flags.Oracle backed by fixed values from the
// configuration file. Suitable for deployments without a flag service.
package static

import (
	"context"

	"github.com/parlance-dev/parlance/pkg/provider/flags"
)

// Oracle returns the same snapshot for every parameter.
type Oracle struct {
	// Snapshot is returned from every Get call.
	Snapshot flags.Snapshot
}

// New creates an Oracle that always returns snap.
func New(snap flags.Snapshot) *Oracle {
	return &Oracle{Snapshot: snap}
}

// Get returns the fixed snapshot.
func (o *Oracle) Get(_ context.Context, _ string) (flags.Snapshot, error) {
	return o.Snapshot, nil
}

// Ensure Oracle implements flags.Oracle at compile time.
var _ flags.Oracle = (*Oracle)(nil)
