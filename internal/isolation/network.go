package isolation

// Wires a container's network namespace after the process exists but
// before its entrypoint runs. Implementations own addressing and
// interface setup; the daemon only tracks the returned handle so it can
// release it on removal.
type NetworkProvider interface {
	Attach(containerID string, pid int) (handle string, err error)
	Release(containerID, handle string) error
}

// Provider for containers that keep the host's network namespace.
// Nothing to set up, nothing to release.
type hostNetwork struct{}

func NewHostNetwork() NetworkProvider { return hostNetwork{} }

func (hostNetwork) Attach(string, int) (string, error) { return "", nil }

func (hostNetwork) Release(string, string) error { return nil }
