package lifecycle

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/cratehq/boxd/internal/cgroups"
	"github.com/cratehq/boxd/internal/isolation"
)

// Container states. Transitions are enforced by the manager; anything
// not listed in the operation docs is rejected as a conflict.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// The persisted record for one container. Everything needed to start,
// stop or remove it survives a daemon restart.
type Container struct {
	ID          string           `json:"id"`
	Image       string           `json:"image"`
	Layers      []digest.Digest  `json:"layers"`
	State       State            `json:"state"`
	Pid         int              `json:"pid,omitempty"`
	Entrypoint  []string         `json:"entrypoint"`
	Env         []string         `json:"env,omitempty"`
	WorkingDir  string           `json:"working_dir,omitempty"`
	Hostname    string           `json:"hostname,omitempty"`
	Binds       []isolation.Bind `json:"binds,omitempty"`
	HostNetwork bool             `json:"host_network,omitempty"`
	NetHandle   string           `json:"net_handle,omitempty"`
	Limits      cgroups.Limits   `json:"limits"`
	MountPath   string           `json:"mount_path,omitempty"`
	ExitCode    int              `json:"exit_code,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitzero"`
	StoppedAt   time.Time        `json:"stopped_at,omitzero"`
}

// Caller-supplied settings for a new container. Zero values fall back
// to the image configuration.
type CreateOptions struct {
	Image       string
	Entrypoint  []string
	Env         []string
	WorkingDir  string
	Hostname    string
	Binds       []isolation.Bind
	HostNetwork bool
	Limits      cgroups.Limits
}

func newContainerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Overlays override onto base, last assignment per variable name wins.
func mergeEnv(base, override []string) []string {
	merged := make([]string, 0, len(base)+len(override))
	seen := make(map[string]struct{}, len(override))
	for _, kv := range override {
		name, _, _ := strings.Cut(kv, "=")
		seen[name] = struct{}{}
	}
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := seen[name]; !ok {
			merged = append(merged, kv)
		}
	}
	return append(merged, override...)
}
