// Package lifecycle drives containers through their state machine:
// created, running, paused, stopped. It composes filesystems, spawns
// isolated processes, applies resource limits and supervises every
// running container so crashes and kills are observed and recorded the
// same way requested stops are.
package lifecycle
