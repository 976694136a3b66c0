// Provides platform-appropriate paths for the daemon.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The daemon name "boxd" is used as the subdirectory under each
// base path. Runtime paths hold the socket and PID file; storage paths hold
// the layer store, container filesystems, and the metadata database.
package paths
