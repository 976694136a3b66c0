package build

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/go-archive"
)

// Executes a copy operation, transferring files into a container's
// filesystem.
//
// Sources are resolved relative to the build context and may not escape
// it. If dest is not absolute it is joined with the current workdir.
func executeCopy(rootfs, src, dest, workdir, buildCtx string) error {
	if !filepath.IsAbs(dest) {
		if workdir == "" {
			return fmt.Errorf("%w: relative destination %q requires a workdir", ErrCopy, dest)
		}
		dest = filepath.Join(workdir, dest)
	}

	srcPath, err := resolveSource(src, buildCtx)
	if err != nil {
		return err
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	destPath := filepath.Join(rootfs, dest)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	slog.Debug("copy", "src", srcPath, "dest", dest, "dir", info.IsDir())

	archiver := archive.NewDefaultArchiver()
	if info.IsDir() {
		err = archiver.CopyWithTar(srcPath, destPath)
	} else {
		err = archiver.CopyFileWithTar(srcPath, destPath)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return nil
}

// Resolves a copy source against the build context and rejects paths
// that climb out of it.
func resolveSource(src, buildCtx string) (string, error) {
	if filepath.IsAbs(src) {
		return "", fmt.Errorf("%w: source %q must be relative to the build context", ErrCopy, src)
	}
	resolved := filepath.Join(buildCtx, src)
	rel, err := filepath.Rel(buildCtx, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: source %q escapes the build context", ErrCopy, src)
	}
	return resolved, nil
}
