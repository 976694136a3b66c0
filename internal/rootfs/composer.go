package rootfs

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/cratehq/boxd/internal/layer"
	"github.com/cratehq/boxd/internal/paths"
)

// Handle to a composed root filesystem. The handle is the sole capability
// to commit or tear the filesystem down.
type Mount struct {
	ContainerID string
	MergedPath  string // the union view the container sees as /
	DiffPath    string // the private writable layer
	WorkPath    string // scratch area for the union mechanism

	root   string   // per-container directory holding the above
	layers []string // resolved read-only layer paths, base first
	torn   atomic.Bool
}

// Builds and dismantles composed root filesystems for containers.
//
// Each container gets a directory under the composer root holding its
// writable layer, scratch area, and mount point. Committing a writable
// layer hands its diff to the layer store as a new immutable layer.
type Composer struct {
	root   string
	driver Driver
	layers *layer.Store
}

// Creates a composer rooted at the given containers directory.
func NewComposer(root string, driver Driver, layers *layer.Store) (*Composer, error) {
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompose, err)
	}
	return &Composer{root: root, driver: driver, layers: layers}, nil
}

// Composes a root filesystem for a container from an ordered layer chain
// (base first, later layers shadowing earlier ones).
//
// A fresh writable layer and scratch area are created, then the chain is
// stacked read-only beneath them. Compose is atomic: on any failure all
// directories and mounts created so far are removed, so a failed compose
// leaves nothing behind.
func (c *Composer) Compose(containerID string, chain []digest.Digest) (*Mount, error) {
	layerPaths, err := c.layers.LayerPaths(chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompose, err)
	}
	if err := checkChainConflicts(layerPaths); err != nil {
		return nil, err
	}

	root := filepath.Join(c.root, containerID)
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("%w: container %s already has a composed filesystem", ErrCompose, containerID)
	}

	m := &Mount{
		ContainerID: containerID,
		MergedPath:  filepath.Join(root, "merged"),
		DiffPath:    filepath.Join(root, "diff"),
		WorkPath:    filepath.Join(root, "work"),
		root:        root,
		layers:      layerPaths,
	}

	for _, dir := range []string{m.DiffPath, m.WorkPath, m.MergedPath} {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("%w: %w", ErrCompose, err)
		}
	}

	if err := c.driver.Mount(m, layerPaths); err != nil {
		c.driver.Unmount(m)
		os.RemoveAll(root)
		return nil, fmt.Errorf("%w: %w", ErrCompose, err)
	}

	slog.Debug("rootfs composed", "container", containerID, "layers", len(layerPaths))
	return m, nil
}

// Commits the writable layer's current content as a new immutable layer and
// returns its digest. The mount stays up; the container keeps running from
// the same writable layer.
func (c *Composer) Commit(m *Mount) (digest.Digest, error) {
	diff, err := c.driver.Diff(m)
	if err != nil {
		return "", fmt.Errorf("%w: diff %s: %w", ErrCompose, m.ContainerID, err)
	}
	defer diff.Close()

	dgst, err := c.layers.CreateLayer(diff)
	if err != nil {
		return "", err
	}

	slog.Info("writable layer committed", "container", m.ContainerID, "digest", dgst)
	return dgst, nil
}

// Unmounts the composed view and removes the writable layer and scratch
// area. Idempotent: tearing down a handle twice, or a handle whose
// directories are already gone, is a no-op so crash-recovery paths can call
// it speculatively.
func (c *Composer) Teardown(m *Mount) error {
	if m == nil || !m.torn.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := os.Stat(m.root); os.IsNotExist(err) {
		return nil
	}

	if err := c.driver.Unmount(m); err != nil {
		m.torn.Store(false)
		return fmt.Errorf("%w: unmount %s: %w", ErrCompose, m.ContainerID, err)
	}
	if err := os.RemoveAll(m.root); err != nil {
		m.torn.Store(false)
		return fmt.Errorf("%w: remove %s: %w", ErrCompose, m.ContainerID, err)
	}

	slog.Debug("rootfs torn down", "container", m.ContainerID)
	return nil
}

// Reconstructs a handle for a container directory left behind by an earlier
// process, so recovery paths can tear it down.
func (c *Composer) Rehydrate(containerID string) *Mount {
	root := filepath.Join(c.root, containerID)
	return &Mount{
		ContainerID: containerID,
		MergedPath:  filepath.Join(root, "merged"),
		DiffPath:    filepath.Join(root, "diff"),
		WorkPath:    filepath.Join(root, "work"),
		root:        root,
	}
}

// Rejects chains where two layers declare the same path as both a file and
// a directory. Union semantics for that case are ambiguous, so it is an
// error rather than a precedence guess.
func checkChainConflicts(layerPaths []string) error {
	kind := make(map[string]bool) // rel path -> isDir
	for _, lp := range layerPaths {
		err := filepath.WalkDir(lp, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(lp, path)
			if err != nil || rel == "." {
				return nil
			}
			if prev, seen := kind[rel]; seen && prev != d.IsDir() {
				return fmt.Errorf("%w: path %q is a file in one layer and a directory in another", ErrCompose, rel)
			}
			kind[rel] = d.IsDir()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
