package cli

import (
	"context"
	"log/slog"

	"github.com/cratehq/boxd/internal/server"
)

// Represents the 'boxd start' command.
type StartCmd struct {
	Storage    string `help:"Override the storage root directory." placeholder:"DIR"`
	Driver     string `help:"Filesystem driver (overlay or vfs). Auto-selects when unset." placeholder:"NAME"`
	CgroupRoot string `help:"Override the cgroup filesystem root." placeholder:"DIR"`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command
// arrives on the socket.
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath:  RootCmd.Socket,
		StorageRoot: c.Storage,
		Driver:      c.Driver,
		CgroupRoot:  c.CgroupRoot,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("boxd is running")

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return srv.Stop()
	case <-done:
		return nil
	}
}
