package isolation

import (
	"context"
	"fmt"
	"os"
)

// Unprivileged backend. Entrypoints run as plain host processes with the
// composed filesystem as their working directory; there is no namespace
// or root-filesystem isolation. Used when the daemon lacks the privilege
// to create namespaces, and by tests.
type processBackend struct{}

// Returns the unprivileged backend.
func NewProcessBackend() Backend {
	return processBackend{}
}

func (processBackend) Spawn(ctx context.Context, spec Spec, preStart func(pid int) error) (*Process, error) {
	if _, err := os.Stat(spec.Rootfs); err != nil {
		return nil, fmt.Errorf("%w: rootfs: %w", ErrIsolation, err)
	}
	return spawnWithInit(ctx, processInitName, spec, preStart, nil)
}
