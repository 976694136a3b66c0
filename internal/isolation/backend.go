package isolation

import (
	"context"
	"errors"
	"io"
)

// Sentinel for namespace and handoff failures. A spawn that fails with it
// leaves no partial isolation state behind.
var ErrIsolation = errors.New("isolation error")

// Everything needed to start one container process.
type Spec struct {
	ContainerID string
	Rootfs      string   // composed root filesystem (the merged view)
	Entrypoint  []string // argv, resolved inside the rootfs
	Env         []string // full environment for the entrypoint
	WorkingDir  string   // initial directory inside the rootfs
	Hostname    string   // hostname inside the UTS namespace
	Binds       []Bind   // host paths mounted into the rootfs
	HostNetwork bool     // keep the host network namespace

	Stdout io.Writer // entrypoint output; nil discards
	Stderr io.Writer
}

// A host directory mounted into the container's filesystem.
type Bind struct {
	Source   string `json:"source"`
	Target   string `json:"target"` // absolute path inside the rootfs
	ReadOnly bool   `json:"read_only,omitempty"`
}

// Creates isolated container processes.
//
// Spawn blocks until the namespace-joined process has completed its
// internal setup (hostname, pseudo-filesystem mounts, root switch) or
// reported failure, so a caller never observes a pid that is not fully
// isolated. preStart runs in the parent after the process exists but
// before its entrypoint can execute; resource-group attachment happens
// there, closing any window of unconstrained execution.
type Backend interface {
	Spawn(ctx context.Context, spec Spec, preStart func(pid int) error) (*Process, error)
}

// Selects the strongest backend available: full namespace isolation when
// this process has the privilege for it, plain supervised processes
// otherwise.
func NewBackend() Backend {
	if namespacesSupported() {
		return newLinuxBackend()
	}
	return NewProcessBackend()
}
