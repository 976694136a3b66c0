package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/cratehq/boxd/internal"
)

// Represents the root command for the boxd daemon and its client verbs.
var RootCmd struct {
	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Socket  string `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`

	Start   StartCmd   `cmd:"" help:"Start the daemon."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Run    RunCmd    `cmd:"" help:"Create a container and start it."`
	Create CreateCmd `cmd:"" help:"Create a container without starting it."`
	Stop   StopCmd   `cmd:"" help:"Stop a running container."`
	Kill   KillCmd   `cmd:"" help:"Send a signal to a running container."`
	Pause  PauseCmd  `cmd:"" help:"Pause a running container."`
	Resume ResumeCmd `cmd:"" help:"Resume a paused container."`
	Rm     RmCmd     `cmd:"" help:"Remove a stopped container."`
	Ps     PsCmd     `cmd:"" help:"List containers."`
	Stats  StatsCmd  `cmd:"" help:"Show resource usage of a container."`
	Commit CommitCmd `cmd:"" help:"Tag a container's filesystem as an image."`

	Import ImportCmd `cmd:"" help:"Import a tarball as a single-layer image."`
	Images ImagesCmd `cmd:"" help:"List images."`
	Rmi    RmiCmd    `cmd:"" help:"Remove an image tag."`
	GC     GCCmd     `cmd:"" name:"gc" help:"Remove unreferenced layers."`

	Build BuildCmd `cmd:"" help:"Build an image from a recipe."`

	Status   StatusCmd   `cmd:"" help:"Show daemon status."`
	Shutdown ShutdownCmd `cmd:"" help:"Ask the daemon to shut down."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Single-host container engine.\n\nRuns containers from layered images over a Unix domain socket daemon."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}

	level := slog.LevelInfo
	if internal.IsDebug() {
		level = slog.LevelDebug
	} else if internal.IsQuiet() {
		level = slog.LevelWarn
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
