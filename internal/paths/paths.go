package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "boxd"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/boxd or /run/user/<uid>/boxd
//	macOS:   ~/Library/Caches/boxd/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
func Socket() string {
	return filepath.Join(Runtime(), "boxd.sock")
}

// Default path to the PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), "boxd.pid")
}

// Default root for persistent storage (layers, container filesystems, the
// metadata database).
//
//	Linux:   $XDG_DATA_HOME/boxd or ~/.local/share/boxd
//	macOS:   ~/Library/Application Support/boxd
func Storage() string {
	return filepath.Join(xdg.DataHome, daemonName)
}

// Directory holding the content-addressed layer store under a storage root.
func Layers(storage string) string {
	return filepath.Join(storage, "layers")
}

// Directory holding per-container filesystem state (writable layers, union
// work areas, mount points) under a storage root.
func Containers(storage string) string {
	return filepath.Join(storage, "containers")
}

// Path to the metadata database file under a storage root.
func Database(storage string) string {
	return filepath.Join(storage, "boxd.db")
}
