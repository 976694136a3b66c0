package protocol

import "time"

// Error kinds let clients distinguish outcomes without parsing message
// text.
const (
	ErrKindNotFound = "not-found"
	ErrKindConflict = "conflict"
	ErrKindInvalid  = "invalid"
	ErrKindInternal = "internal"
)

// Carried under CmdError.
type ErrorResult struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// A host directory mapped into a container.
type Bind struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

type ContainerCreateRequest struct {
	Image       string   `json:"image"`
	Entrypoint  []string `json:"entrypoint,omitempty"`
	Env         []string `json:"env,omitempty"`
	WorkingDir  string   `json:"working_dir,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Binds       []Bind   `json:"binds,omitempty"`
	HostNetwork bool     `json:"host_network,omitempty"`

	// Memory accepts human sizes ("64m", "1g"); empty means unlimited.
	Memory    string `json:"memory,omitempty"`
	CPUShares int64  `json:"cpu_shares,omitempty"`
	CPUQuota  int64  `json:"cpu_quota,omitempty"`
	CPUPeriod int64  `json:"cpu_period,omitempty"`
}

// Addresses one container by id for start, pause, resume, remove and
// usage.
type ContainerRequest struct {
	ID string `json:"id"`
}

type ContainerStopRequest struct {
	ID    string `json:"id"`
	Grace string `json:"grace,omitempty"` // duration string, e.g. "10s"
}

type ContainerKillRequest struct {
	ID     string `json:"id"`
	Signal string `json:"signal,omitempty"` // name or number; empty means TERM
}

type ContainerCommitRequest struct {
	ID  string `json:"id"`
	Ref string `json:"ref"`
}

type ContainerResult struct {
	ID        string    `json:"id"`
	Image     string    `json:"image"`
	State     string    `json:"state"`
	Pid       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
}

type ContainerListResult struct {
	Containers []ContainerResult `json:"containers"`
}

type UsageResult struct {
	CPUNanos    uint64 `json:"cpu_nanos"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

type ImageImportRequest struct {
	Ref        string   `json:"ref"`
	Path       string   `json:"path"` // tar or compressed tar on the daemon host
	Entrypoint []string `json:"entrypoint,omitempty"`
	Env        []string `json:"env,omitempty"`
}

type ImageRemoveRequest struct {
	Ref string `json:"ref"`
}

type ImageResult struct {
	Ref     string    `json:"ref"`
	Layers  int       `json:"layers"`
	Created time.Time `json:"created"`
}

type ImageListResult struct {
	Images []ImageResult `json:"images"`
}

type GCResult struct {
	Removed []string `json:"removed,omitempty"`
}

type BuildRequest struct {
	Recipe string `json:"recipe"` // recipe file path on the daemon host
	Tag    string `json:"tag"`
}

type BuildResult struct {
	Ref   string `json:"ref"`
	Steps int    `json:"steps"`
}

type StatusResult struct {
	Running    bool   `json:"running"`
	Version    string `json:"version"`
	Pid        int    `json:"pid"`
	Uptime     string `json:"uptime"`
	Driver     string `json:"driver"`
	Containers int    `json:"containers"`
	Images     int    `json:"images"`
}
