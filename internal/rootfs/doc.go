// Package rootfs composes container root filesystems from layer chains.
//
// A [Composer] turns an ordered list of immutable layers plus a fresh
// private writable layer into a single union view, returning a [Mount]
// handle that is the sole capability to commit or tear the view down.
// Path resolution inside the view is highest-layer-wins, and writes land
// in the writable layer (copy-up), never in an image layer.
//
// Two [Driver] implementations provide the union mechanism: overlay maps
// composition onto a kernel overlayfs mount, and vfs materializes the
// same semantics with directory snapshots where mount privilege is
// unavailable. Compose is atomic (a failure leaves no partial mounts or
// directories) and Teardown is idempotent so recovery paths may call it
// speculatively.
package rootfs
