// Package isolation starts container processes in their own namespaces.
//
// The daemon re-executes itself as a minimal init that performs the
// in-namespace setup (hostname, bind mounts, pseudo-filesystems, root
// switch) and then replaces itself with the container's entrypoint. A
// two-pipe handshake lets the parent attach the process to its resource
// group before the entrypoint can run a single instruction. When the
// daemon lacks the privilege for namespaces, a degraded backend runs
// entrypoints as ordinary supervised host processes.
package isolation
