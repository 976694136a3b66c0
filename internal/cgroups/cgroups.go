package cgroups

import (
	"errors"
	"fmt"
)

// Sentinel for resource-group failures. Fatal to the start attempt that hit
// it (a container must never run unconstrained) but never fatal to the
// daemon.
var ErrResourceGroup = errors.New("resource group error")

// Resource limits for one container. Zero values mean unlimited.
type Limits struct {
	CPUShares   int64 `json:"cpu_shares,omitempty"`   // relative scheduling weight
	CPUQuota    int64 `json:"cpu_quota,omitempty"`    // microseconds of cpu per period
	CPUPeriod   int64 `json:"cpu_period,omitempty"`   // period length in microseconds
	MemoryBytes int64 `json:"memory_bytes,omitempty"` // memory ceiling
}

// Default scheduling period when a quota is set without one.
const defaultCPUPeriod = 100000

// Point-in-time resource consumption of a group. Reading a snapshot never
// blocks on container activity.
type Usage struct {
	CPUNanos    uint64 `json:"cpu_nanos"`    // cumulative cpu time consumed
	MemoryBytes uint64 `json:"memory_bytes"` // current memory usage
}

// Creates resource-limit groups scoped to containers.
type Manager interface {

	// Creates a group for a container with the given limits applied.
	Create(containerID string, limits Limits) (Group, error)
}

// A kernel-enforced accounting and limiting boundary bound to one
// container's process tree.
type Group interface {

	// Places pid, and transitively its namespace descendants, under the
	// group's limits. Must happen before the container's entrypoint runs.
	Attach(pid int) error

	// Reads current consumption.
	Usage() (Usage, error)

	// Suspends every process in the group without descheduling memory.
	Freeze() error

	// Resumes a frozen group.
	Thaw() error

	// Removes the group. Fails while processes remain attached; callers
	// retry once process exit is confirmed.
	Destroy() error
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrResourceGroup, op, err)
}
