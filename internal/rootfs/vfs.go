package rootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
	"github.com/moby/sys/user"

	"github.com/cratehq/boxd/internal/paths"
)

// Union composition by materialization, for hosts or users without mount
// privilege (moby's vfs graphdriver takes the same approach).
//
// Mount applies the layer chain in order into a base snapshot kept in the
// scratch area, then copies the snapshot to the merged directory. Writes
// land in the merged copy and never touch the base, so lower layers stay
// immutable; Diff recovers the write set by comparing the two trees.
type vfsDriver struct{}

// Base snapshot location inside the mount's scratch area.
func vfsBase(m *Mount) string {
	return filepath.Join(m.WorkPath, "base")
}

func (d *vfsDriver) Name() string { return DriverVFS }

// Stored layer trees keep whiteouts as literal .wh. marker files, which
// ApplyLayer interprets when the chain is recomposed.
func (d *vfsDriver) WhiteoutFormat() archive.WhiteoutFormat {
	return archive.AUFSWhiteoutFormat
}

func (d *vfsDriver) Mount(m *Mount, layers []string) error {
	base := vfsBase(m)
	if err := os.MkdirAll(base, paths.DefaultDirMode); err != nil {
		return err
	}

	// Later layers shadow earlier ones; ApplyLayer honors whiteouts.
	for _, lp := range layers {
		diff, err := archive.TarWithOptions(lp, &archive.TarOptions{Compression: compression.None})
		if err != nil {
			return fmt.Errorf("read layer %s: %w", lp, err)
		}
		_, err = archive.ApplyLayer(base, diff)
		diff.Close()
		if err != nil {
			return fmt.Errorf("apply layer %s: %w", lp, err)
		}
	}

	snapshot, err := archive.TarWithOptions(base, &archive.TarOptions{Compression: compression.None})
	if err != nil {
		return err
	}
	defer snapshot.Close()
	return archive.Untar(snapshot, m.MergedPath, &archive.TarOptions{NoLchown: true})
}

func (d *vfsDriver) Unmount(m *Mount) error {
	// Nothing is mounted; the merged copy is removed with the handle.
	return nil
}

func (d *vfsDriver) Diff(m *Mount) (io.ReadCloser, error) {
	base := vfsBase(m)

	changes, err := archive.ChangesDirs(m.MergedPath, base)
	if err != nil {
		return nil, err
	}

	if err := mirrorChanges(m, changes); err != nil {
		return nil, err
	}

	// ExportChanges represents deletions as whiteout entries, so removing
	// a lower-layer file survives commit and recompose.
	return archive.ExportChanges(m.MergedPath, changes, user.IdentityMapping{})
}

// Mirrors added and modified paths into the writable layer directory so it
// holds what the container wrote. Deletions are carried only by the
// exported diff stream.
func mirrorChanges(m *Mount, changes []archive.Change) error {
	includes := diffIncludes(m.MergedPath, changes)
	if len(includes) == 0 {
		return nil
	}
	changed, err := archive.TarWithOptions(m.MergedPath, &archive.TarOptions{
		Compression:  compression.None,
		IncludeFiles: includes,
	})
	if err != nil {
		return err
	}
	defer changed.Close()
	return archive.Untar(changed, m.DiffPath, &archive.TarOptions{NoLchown: true})
}

// Selects the paths to mirror: added and modified files, plus directories
// that are new in this layer. Modified directories are skipped because they
// only reflect changes to their children, which are listed individually.
func diffIncludes(merged string, changes []archive.Change) []string {
	var includes []string
	for _, ch := range changes {
		if ch.Kind == archive.ChangeDelete {
			continue
		}
		rel := strings.TrimPrefix(ch.Path, string(filepath.Separator))
		if rel == "" {
			continue
		}
		info, err := os.Lstat(filepath.Join(merged, rel))
		if err != nil {
			continue
		}
		if info.IsDir() && ch.Kind == archive.ChangeModify {
			continue
		}
		includes = append(includes, rel)
	}
	return includes
}
