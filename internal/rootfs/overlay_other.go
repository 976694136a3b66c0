//go:build !linux

package rootfs

import "fmt"

func newOverlayDriver() (Driver, error) {
	return nil, fmt.Errorf("%w: overlay driver requires linux", ErrCompose)
}

func overlaySupported() bool {
	return false
}
