// Package mock provides a test double for the flags.Oracle interface.
package mock

import (
	"context"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/flags"
)

// Oracle is a mock implementation of flags.Oracle.
type Oracle struct {
	mu sync.Mutex

	// Snapshot is returned from Get unless Err is set.
	Snapshot flags.Snapshot

	// Err, if non-nil, is returned from every Get call.
	Err error

	// Gets records every parameter passed to Get.
	Gets []string
}

// Get records the call and returns Snapshot, Err.
func (o *Oracle) Get(_ context.Context, parameter string) (flags.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Gets = append(o.Gets, parameter)
	if o.Err != nil {
		return flags.Snapshot{}, o.Err
	}
	return o.Snapshot, nil
}

// Set atomically replaces the snapshot. Thread-safe.
func (o *Oracle) Set(s flags.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Snapshot = s
}

// Ensure Oracle implements flags.Oracle at compile time.
var _ flags.Oracle = (*Oracle)(nil)
