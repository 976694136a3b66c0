//go:build !linux

package isolation

func namespacesSupported() bool { return false }

func newLinuxBackend() Backend { return NewProcessBackend() }
