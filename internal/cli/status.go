package cli

import (
	"context"
	"fmt"

	"github.com/cratehq/boxd/internal/protocol"
)

// Represents the 'boxd status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	result, err := request[protocol.StatusResult](protocol.CmdStatus, nil)
	if err != nil {
		return err
	}
	fmt.Printf("version:    %s\n", result.Version)
	fmt.Printf("pid:        %d\n", result.Pid)
	fmt.Printf("uptime:     %s\n", result.Uptime)
	fmt.Printf("driver:     %s\n", result.Driver)
	fmt.Printf("containers: %d\n", result.Containers)
	fmt.Printf("images:     %d\n", result.Images)
	return nil
}

// Represents the 'boxd shutdown' command.
type ShutdownCmd struct{}

// Executes the shutdown command.
func (c *ShutdownCmd) Run(ctx context.Context) error {
	_, err := request[empty](protocol.CmdShutdown, nil)
	return err
}
