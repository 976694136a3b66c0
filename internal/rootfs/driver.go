package rootfs

import (
	"fmt"
	"io"

	"github.com/moby/go-archive"
)

// Driver names accepted by [NewDriver].
const (
	DriverOverlay = "overlay"
	DriverVFS     = "vfs"
)

// A union filesystem mechanism.
//
// The overlay driver maps composition onto a kernel union mount; the vfs
// driver materializes the same copy-up semantics with plain directory
// copies for hosts or users without mount privilege.
type Driver interface {

	// Returns the driver's name, one of the constants above.
	Name() string

	// Returns the whiteout representation the layer store must use when
	// extracting diff streams into stored trees, so deletions in a stored
	// layer are interpreted rather than displayed when the chain is
	// recomposed.
	WhiteoutFormat() archive.WhiteoutFormat

	// Stacks the resolved layer paths (base first) read-only beneath the
	// mount's writable layer and makes the union visible at m.MergedPath.
	Mount(m *Mount, layers []string) error

	// Reverses Mount. Must tolerate being called on a mount that is
	// already down.
	Unmount(m *Mount) error

	// Returns a tar stream of the writable layer's changes relative to
	// the layer chain.
	Diff(m *Mount) (io.ReadCloser, error)
}

// Returns the named driver, or the best driver for this host when name is
// empty: overlay when the kernel mount primitive is usable, vfs otherwise.
func NewDriver(name string) (Driver, error) {
	if name == "" {
		if overlaySupported() {
			name = DriverOverlay
		} else {
			name = DriverVFS
		}
	}
	switch name {
	case DriverOverlay:
		return newOverlayDriver()
	case DriverVFS:
		return &vfsDriver{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrDriver, name)
	}
}
