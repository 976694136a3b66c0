//go:build linux

package isolation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"
)

func init() {
	reexec.Register(linuxInitName, linuxInit)
}

// Full-isolation backend. The init is cloned into fresh mount, UTS, IPC
// and pid namespaces (plus a network namespace unless the spec keeps the
// host's), then switches its root to the composed filesystem before the
// entrypoint runs.
type linuxBackend struct{}

func newLinuxBackend() Backend {
	return linuxBackend{}
}

// Namespace creation needs CAP_SYS_ADMIN; effective root is the
// practical proxy for it.
func namespacesSupported() bool {
	return os.Geteuid() == 0
}

func (linuxBackend) Spawn(ctx context.Context, spec Spec, preStart func(pid int) error) (*Process, error) {
	if _, err := os.Stat(spec.Rootfs); err != nil {
		return nil, fmt.Errorf("%w: rootfs: %w", ErrIsolation, err)
	}
	flags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWPID)
	if !spec.HostNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	return spawnWithInit(ctx, linuxInitName, spec, preStart, func(cmd *exec.Cmd) {
		cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: flags}
	})
}

// Runs as pid 1 of the new namespaces. Every step here happens before
// the parent's ready report, so a failure at any point surfaces as a
// spawn error rather than a broken container.
func linuxInit() {
	runInit(func(spec initSpec) error {
		// Keep mounts from leaking back into the host's namespace.
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make root private: %w", err)
		}
		// pivot_root requires the new root to be a mount point.
		if err := unix.Mount(spec.Rootfs, spec.Rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind rootfs: %w", err)
		}

		if spec.Hostname != "" {
			if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
				return fmt.Errorf("sethostname: %w", err)
			}
		}

		for _, b := range spec.Binds {
			target := filepath.Join(spec.Rootfs, b.Target)
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("bind target %s: %w", b.Target, err)
			}
			if err := unix.Mount(b.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind %s: %w", b.Target, err)
			}
			if b.ReadOnly {
				if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
					return fmt.Errorf("remount %s read-only: %w", b.Target, err)
				}
			}
		}

		if err := mountPseudo(spec.Rootfs); err != nil {
			return err
		}
		if err := pivotRoot(spec.Rootfs); err != nil {
			return err
		}

		workdir := spec.WorkingDir
		if workdir == "" {
			workdir = "/"
		}
		if err := os.Chdir(workdir); err != nil {
			return fmt.Errorf("chdir %s: %w", workdir, err)
		}
		return nil
	})
}

// Mounts a namespace-local /proc and a read-only /sys under the new
// root. A fresh procfs is what makes the pid namespace observable from
// inside.
func mountPseudo(rootfs string) error {
	procDir := filepath.Join(rootfs, "proc")
	if err := os.MkdirAll(procDir, 0o555); err != nil {
		return fmt.Errorf("proc dir: %w", err)
	}
	if err := unix.Mount("proc", procDir, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}
	sysDir := filepath.Join(rootfs, "sys")
	if err := os.MkdirAll(sysDir, 0o555); err != nil {
		return fmt.Errorf("sys dir: %w", err)
	}
	if err := unix.Mount("sysfs", sysDir, "sysfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("mount sys: %w", err)
	}
	return nil
}

// Swaps the process's root for rootfs and drops the old root so no host
// path remains reachable.
func pivotRoot(rootfs string) error {
	oldRoot, err := os.MkdirTemp(rootfs, ".old-root-")
	if err != nil {
		return fmt.Errorf("pivot staging: %w", err)
	}
	if err := unix.PivotRoot(rootfs, oldRoot); err != nil {
		os.Remove(oldRoot)
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir new root: %w", err)
	}
	detached := "/" + filepath.Base(oldRoot)
	if err := unix.Unmount(detached, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	return os.Remove(detached)
}
