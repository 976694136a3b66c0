//go:build linux

package rootfs

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Union mounts backed by the kernel overlay filesystem.
//
// The writable layer is the overlay upperdir, so copy-up and
// highest-layer-wins resolution come from the kernel. Diffs are read
// straight from the upperdir with overlay whiteout conversion.
type overlayDriver struct{}

func newOverlayDriver() (Driver, error) {
	if !overlaySupported() {
		return nil, fmt.Errorf("%w: overlay mount primitive unavailable", ErrCompose)
	}
	return &overlayDriver{}, nil
}

// Whether this process can create overlay mounts: requires root (or
// CAP_SYS_ADMIN in the current namespace) and kernel overlayfs support.
func overlaySupported() bool {
	if os.Geteuid() != 0 {
		return false
	}
	fss, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	return strings.Contains(string(fss), "\toverlay\n")
}

func (d *overlayDriver) Name() string { return DriverOverlay }

// Stored layer trees carry whiteouts as 0:0 character devices, the form the
// kernel interprets when the tree serves as an overlay lowerdir.
func (d *overlayDriver) WhiteoutFormat() archive.WhiteoutFormat {
	return archive.OverlayWhiteoutFormat
}

func (d *overlayDriver) Mount(m *Mount, layers []string) error {
	// overlayfs lists lowerdirs top first; the chain arrives base first.
	lowers := slices.Clone(layers)
	slices.Reverse(lowers)

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lowers, ":"), m.DiffPath, m.WorkPath)

	if err := unix.Mount("overlay", m.MergedPath, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount overlay at %s: %w", m.MergedPath, err)
	}
	return nil
}

func (d *overlayDriver) Unmount(m *Mount) error {
	mounted, err := mountinfo.Mounted(m.MergedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !mounted {
		return nil
	}
	return mount.Unmount(m.MergedPath)
}

func (d *overlayDriver) Diff(m *Mount) (io.ReadCloser, error) {
	return archive.TarWithOptions(m.DiffPath, &archive.TarOptions{
		Compression:    compression.None,
		WhiteoutFormat: archive.OverlayWhiteoutFormat,
	})
}
