// Package cgroups binds cpu and memory limits to container process trees.
//
// A [Manager] creates one [Group] per container under a shared "boxd"
// parent in the cgroup filesystem, preferring the unified v2 hierarchy and
// falling back to the split v1 controllers. Groups are attached to the
// container's pid before its entrypoint runs, expose point-in-time usage
// snapshots, and implement pause/resume through the freezer.
package cgroups
