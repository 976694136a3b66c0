package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/cratehq/boxd/internal/protocol"
)

// Flags shared by 'boxd run' and 'boxd create'.
type createFlags struct {
	Image       string   `arg:"" help:"Image reference (name or name:tag)."`
	Args        []string `arg:"" optional:"" help:"Entrypoint override."`
	Env         []string `short:"e" help:"Environment variables (NAME=value)." placeholder:"NAME=VALUE"`
	Workdir     string   `short:"w" help:"Working directory inside the container." placeholder:"DIR"`
	Hostname    string   `help:"Hostname inside the container." placeholder:"NAME"`
	Bind        []string `short:"b" help:"Bind mounts (src:dst or src:dst:ro)." placeholder:"SRC:DST"`
	HostNetwork bool     `help:"Keep the host network namespace."`
	Memory      string   `short:"m" help:"Memory limit (e.g. 64m, 2g)." placeholder:"SIZE"`
	CPUShares   int64    `help:"Relative CPU weight." placeholder:"N"`
	CPUQuota    int64    `help:"CPU quota in microseconds per period." placeholder:"USEC"`
	CPUPeriod   int64    `help:"CPU period in microseconds." placeholder:"USEC"`
}

func (f *createFlags) request() (*protocol.ContainerCreateRequest, error) {
	binds := make([]protocol.Bind, 0, len(f.Bind))
	for _, raw := range f.Bind {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid bind %q, expected src:dst or src:dst:ro", raw)
		}
		bind := protocol.Bind{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "ro" {
				return nil, fmt.Errorf("invalid bind option %q, only ro is supported", parts[2])
			}
			bind.ReadOnly = true
		}
		binds = append(binds, bind)
	}

	return &protocol.ContainerCreateRequest{
		Image:       f.Image,
		Entrypoint:  f.Args,
		Env:         f.Env,
		WorkingDir:  f.Workdir,
		Hostname:    f.Hostname,
		Binds:       binds,
		HostNetwork: f.HostNetwork,
		Memory:      f.Memory,
		CPUShares:   f.CPUShares,
		CPUQuota:    f.CPUQuota,
		CPUPeriod:   f.CPUPeriod,
	}, nil
}

// Represents the 'boxd create' command.
type CreateCmd struct {
	createFlags
}

// Executes the create command.
func (c *CreateCmd) Run(ctx context.Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	result, err := request[protocol.ContainerResult](protocol.CmdContainerCreate, req)
	if err != nil {
		return err
	}
	fmt.Println(result.ID)
	return nil
}

// Represents the 'boxd run' command.
type RunCmd struct {
	createFlags
}

// Executes the run command: create followed by start.
func (c *RunCmd) Run(ctx context.Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	created, err := request[protocol.ContainerResult](protocol.CmdContainerCreate, req)
	if err != nil {
		return err
	}
	started, err := request[protocol.ContainerResult](protocol.CmdContainerStart, &protocol.ContainerRequest{ID: created.ID})
	if err != nil {
		return err
	}
	fmt.Println(started.ID)
	return nil
}

// Represents the 'boxd stop' command.
type StopCmd struct {
	ID    string        `arg:"" help:"Container id."`
	Grace time.Duration `short:"g" default:"10s" help:"Time to wait after SIGTERM before SIGKILL."`
}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	result, err := request[protocol.ContainerResult](protocol.CmdContainerStop, &protocol.ContainerStopRequest{
		ID:    c.ID,
		Grace: c.Grace.String(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s stopped (exit %d)\n", result.ID, result.ExitCode)
	return nil
}

// Represents the 'boxd kill' command.
type KillCmd struct {
	ID     string `arg:"" help:"Container id."`
	Signal string `short:"s" default:"TERM" help:"Signal name or number to send."`
}

// Executes the kill command.
func (c *KillCmd) Run(ctx context.Context) error {
	_, err := request[empty](protocol.CmdContainerKill, &protocol.ContainerKillRequest{
		ID:     c.ID,
		Signal: c.Signal,
	})
	return err
}

// Represents the 'boxd pause' command.
type PauseCmd struct {
	ID string `arg:"" help:"Container id."`
}

// Executes the pause command.
func (c *PauseCmd) Run(ctx context.Context) error {
	_, err := request[protocol.ContainerResult](protocol.CmdContainerPause, &protocol.ContainerRequest{ID: c.ID})
	return err
}

// Represents the 'boxd resume' command.
type ResumeCmd struct {
	ID string `arg:"" help:"Container id."`
}

// Executes the resume command.
func (c *ResumeCmd) Run(ctx context.Context) error {
	_, err := request[protocol.ContainerResult](protocol.CmdContainerResume, &protocol.ContainerRequest{ID: c.ID})
	return err
}

// Represents the 'boxd rm' command.
type RmCmd struct {
	ID string `arg:"" help:"Container id."`
}

// Executes the rm command.
func (c *RmCmd) Run(ctx context.Context) error {
	_, err := request[empty](protocol.CmdContainerRemove, &protocol.ContainerRequest{ID: c.ID})
	return err
}

// Represents the 'boxd ps' command.
type PsCmd struct{}

// Executes the ps command.
func (c *PsCmd) Run(ctx context.Context) error {
	result, err := request[protocol.ContainerListResult](protocol.CmdContainerList, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIMAGE\tSTATE\tPID\tCREATED")
	for _, ctr := range result.Containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s ago\n",
			ctr.ID, ctr.Image, ctr.State, ctr.Pid,
			units.HumanDuration(time.Since(ctr.CreatedAt)))
	}
	return w.Flush()
}

// Represents the 'boxd stats' command.
type StatsCmd struct {
	ID string `arg:"" help:"Container id."`
}

// Executes the stats command.
func (c *StatsCmd) Run(ctx context.Context) error {
	result, err := request[protocol.UsageResult](protocol.CmdContainerUsage, &protocol.ContainerRequest{ID: c.ID})
	if err != nil {
		return err
	}
	fmt.Printf("cpu: %s\n", time.Duration(result.CPUNanos))
	fmt.Printf("memory: %s\n", units.BytesSize(float64(result.MemoryBytes)))
	return nil
}

// Represents the 'boxd commit' command.
type CommitCmd struct {
	ID  string `arg:"" help:"Container id."`
	Ref string `arg:"" help:"Image reference for the result."`
}

// Executes the commit command.
func (c *CommitCmd) Run(ctx context.Context) error {
	result, err := request[protocol.ImageResult](protocol.CmdContainerCommit, &protocol.ContainerCommitRequest{
		ID:  c.ID,
		Ref: c.Ref,
	})
	if err != nil {
		return err
	}
	fmt.Println(result.Ref)
	return nil
}
