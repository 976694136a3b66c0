package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/cratehq/boxd/internal/cgroups"
	"github.com/cratehq/boxd/internal/isolation"
	"github.com/cratehq/boxd/internal/layer"
	"github.com/cratehq/boxd/internal/lifecycle"
	"github.com/cratehq/boxd/internal/metadata"
	"github.com/cratehq/boxd/internal/paths"
	"github.com/cratehq/boxd/internal/protocol"
	"github.com/cratehq/boxd/internal/rootfs"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "boxd"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660
)

// Holds server configuration.
type Config struct {
	SocketPath  string // Override for the Unix socket path. Empty uses the default.
	StorageRoot string // Root for layers, containers and metadata. Empty uses the default.
	Driver      string // Filesystem driver name. Empty auto-selects.
	CgroupRoot  string // Cgroup filesystem root. Empty uses [cgroups.DefaultRoot].
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath string
	driver     string
	meta       *metadata.Store
	layers     *layer.Store
	manager    *lifecycle.Manager
	listener   net.Listener
	startedAt  time.Time
	done       chan struct{}
	mu         sync.Mutex // Protects counters below.
	handled    int        // Total number of commands processed.
}

// Creates a new server instance and opens the stores underneath it.
//
// The socket is not opened until [Start] is called.
func New(cfg Config) (*Server, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	storage := cfg.StorageRoot
	if storage == "" {
		storage = paths.Storage()
	}
	if err := os.MkdirAll(storage, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	meta, err := metadata.Open(paths.Database(storage))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	driver, err := rootfs.NewDriver(cfg.Driver)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	layers, err := layer.NewStore(paths.Layers(storage), meta, driver.WhiteoutFormat())
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}
	composer, err := rootfs.NewComposer(paths.Containers(storage), driver, layers)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	cgroupRoot := cfg.CgroupRoot
	if cgroupRoot == "" {
		cgroupRoot = cgroups.DefaultRoot
	}

	manager := lifecycle.NewManager(
		layers,
		composer,
		isolation.NewBackend(),
		cgroups.NewManager(cgroupRoot),
		isolation.NewHostNetwork(),
		meta,
	)
	if err := manager.Restore(context.Background()); err != nil {
		slog.Warn("restore failed", "error", err)
	}

	return &Server{
		socketPath: socketPath,
		driver:     driver.Name(),
		meta:       meta,
		layers:     layers,
		manager:    manager,
		done:       make(chan struct{}),
	}, nil
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath, "driver", s.driver)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %w", ErrServer, socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the boxd group
// can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return fmt.Errorf("%w: failed to chmod socket %s: %w", ErrServer, socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Warn("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and cleans up resources.
func (s *Server) Stop() error {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}

	if s.meta != nil {
		s.meta.Close()
	}

	os.Remove(s.socketPath)
	os.Remove(paths.PIDFile())

	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes(byte(10))
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	slog.Info("command received", "command", env.Command)

	s.mu.Lock()
	s.handled++
	s.mu.Unlock()

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdContainerCreate:
		s.handleContainerCreate(ctx, conn, payload)
	case protocol.CmdContainerStart:
		s.handleContainerStart(ctx, conn, payload)
	case protocol.CmdContainerStop:
		s.handleContainerStop(ctx, conn, payload)
	case protocol.CmdContainerKill:
		s.handleContainerKill(ctx, conn, payload)
	case protocol.CmdContainerPause:
		s.handleContainerPause(ctx, conn, payload)
	case protocol.CmdContainerResume:
		s.handleContainerResume(ctx, conn, payload)
	case protocol.CmdContainerRemove:
		s.handleContainerRemove(ctx, conn, payload)
	case protocol.CmdContainerUsage:
		s.handleContainerUsage(ctx, conn, payload)
	case protocol.CmdContainerList:
		s.handleContainerList(ctx, conn)
	case protocol.CmdContainerCommit:
		s.handleContainerCommit(ctx, conn, payload)
	case protocol.CmdImageImport:
		s.handleImageImport(ctx, conn, payload)
	case protocol.CmdImageList:
		s.handleImageList(ctx, conn)
	case protocol.CmdImageRemove:
		s.handleImageRemove(ctx, conn, payload)
	case protocol.CmdImageGC:
		s.handleImageGC(ctx, conn)
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, byte(10))
	conn.Write(data)
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func writePID() error {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return err
	}
	return atomicwriter.WriteFile(paths.PIDFile(), []byte(fmt.Sprintf("%d", os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. The caller must ensure that no further data
// is expected on r for the lifetime of the returned context. If data arrives
// unexpectedly, it will be discarded and the context will be cancelled
// prematurely. The returned [context.CancelFunc] must always be called to
// release resources, even if the connection closes on its own.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
