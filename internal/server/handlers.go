package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
	"github.com/moby/sys/signal"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cratehq/boxd/internal"
	"github.com/cratehq/boxd/internal/build"
	"github.com/cratehq/boxd/internal/cgroups"
	"github.com/cratehq/boxd/internal/isolation"
	"github.com/cratehq/boxd/internal/lifecycle"
	"github.com/cratehq/boxd/internal/protocol"
)

// Maps an engine error onto the protocol's error kinds so clients can
// react without parsing message text.
func errKind(err error) string {
	switch {
	case errdefs.IsNotFound(err):
		return protocol.ErrKindNotFound
	case errdefs.IsConflict(err):
		return protocol.ErrKindConflict
	case errdefs.IsInvalidArgument(err):
		return protocol.ErrKindInvalid
	default:
		return protocol.ErrKindInternal
	}
}

func (s *Server) fail(conn net.Conn, err error) {
	s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
		Message: err.Error(),
		Kind:    errKind(err),
	})
}

func containerResult(c lifecycle.Container) protocol.ContainerResult {
	return protocol.ContainerResult{
		ID:        c.ID,
		Image:     c.Image,
		State:     string(c.State),
		Pid:       c.Pid,
		ExitCode:  c.ExitCode,
		CreatedAt: c.CreatedAt,
		StartedAt: c.StartedAt,
		StoppedAt: c.StoppedAt,
	}
}

// Handles a container create command.
//
// The memory limit arrives as a human-readable size ("64m", "2g") and is
// parsed here; everything else maps straight onto create options.
func (s *Server) handleContainerCreate(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerCreateRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	var limits cgroups.Limits
	if req.Memory != "" {
		bytes, err := units.RAMInBytes(req.Memory)
		if err != nil {
			s.fail(conn, fmt.Errorf("invalid memory limit %q: %w: %w", req.Memory, err, errdefs.ErrInvalidArgument))
			return
		}
		limits.MemoryBytes = bytes
	}
	limits.CPUShares = req.CPUShares
	limits.CPUQuota = req.CPUQuota
	limits.CPUPeriod = req.CPUPeriod

	binds := make([]isolation.Bind, 0, len(req.Binds))
	for _, b := range req.Binds {
		binds = append(binds, isolation.Bind{Source: b.Source, Target: b.Target, ReadOnly: b.ReadOnly})
	}

	c, err := s.manager.Create(ctx, lifecycle.CreateOptions{
		Image:       req.Image,
		Entrypoint:  req.Entrypoint,
		Env:         req.Env,
		WorkingDir:  req.WorkingDir,
		Hostname:    req.Hostname,
		Binds:       binds,
		HostNetwork: req.HostNetwork,
		Limits:      limits,
	})
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, containerResult(c))
}

func (s *Server) handleContainerStart(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	c, err := s.manager.Start(ctx, req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, containerResult(c))
}

func (s *Server) handleContainerStop(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerStopRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	grace := lifecycle.DefaultStopGrace
	if req.Grace != "" {
		grace, err = time.ParseDuration(req.Grace)
		if err != nil {
			s.fail(conn, fmt.Errorf("invalid grace %q: %w: %w", req.Grace, err, errdefs.ErrInvalidArgument))
			return
		}
	}
	c, err := s.manager.Stop(ctx, req.ID, grace)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, containerResult(c))
}

func (s *Server) handleContainerKill(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerKillRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	name := req.Signal
	if name == "" {
		name = "TERM"
	}
	sig, err := signal.ParseSignal(name)
	if err != nil {
		s.fail(conn, fmt.Errorf("%w: %w", err, errdefs.ErrInvalidArgument))
		return
	}
	if err := s.manager.Kill(ctx, req.ID, sig); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, nil)
}

func (s *Server) handleContainerPause(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	c, err := s.manager.Pause(ctx, req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, containerResult(c))
}

func (s *Server) handleContainerResume(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	c, err := s.manager.Resume(ctx, req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, containerResult(c))
}

func (s *Server) handleContainerRemove(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.manager.Remove(ctx, req.ID); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, nil)
}

func (s *Server) handleContainerUsage(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	usage, err := s.manager.Usage(ctx, req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.UsageResult{
		CPUNanos:    usage.CPUNanos,
		MemoryBytes: usage.MemoryBytes,
	})
}

func (s *Server) handleContainerList(ctx context.Context, conn net.Conn) {
	containers, err := s.manager.List(ctx)
	if err != nil {
		s.fail(conn, err)
		return
	}
	result := protocol.ContainerListResult{Containers: make([]protocol.ContainerResult, 0, len(containers))}
	for _, c := range containers {
		result.Containers = append(result.Containers, containerResult(c))
	}
	s.respond(conn, protocol.CmdOK, &result)
}

func (s *Server) handleContainerCommit(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerCommitRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	img, err := s.manager.Commit(ctx, req.ID, req.Ref)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ImageResult{
		Ref:     img.Name,
		Layers:  len(img.Layers),
		Created: img.Created,
	})
}

// Handles an image import command.
//
// The referenced tarball (plain or compressed) becomes a single-layer
// image tagged with the requested reference.
func (s *Server) handleImageImport(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageImportRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	f, err := os.Open(req.Path)
	if err != nil {
		s.fail(conn, fmt.Errorf("open %s: %w", req.Path, err))
		return
	}
	defer f.Close()

	dgst, err := s.layers.CreateLayer(f)
	if err != nil {
		s.fail(conn, err)
		return
	}
	img, err := s.layers.TagImage(req.Ref, []digest.Digest{dgst}, ocispec.ImageConfig{
		Entrypoint: req.Entrypoint,
		Env:        req.Env,
	})
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ImageResult{
		Ref:     img.Name,
		Layers:  len(img.Layers),
		Created: img.Created,
	})
}

func (s *Server) handleImageList(ctx context.Context, conn net.Conn) {
	images, err := s.layers.Images()
	if err != nil {
		s.fail(conn, err)
		return
	}
	result := protocol.ImageListResult{Images: make([]protocol.ImageResult, 0, len(images))}
	for _, img := range images {
		result.Images = append(result.Images, protocol.ImageResult{
			Ref:     img.Name,
			Layers:  len(img.Layers),
			Created: img.Created,
		})
	}
	s.respond(conn, protocol.CmdOK, &result)
}

func (s *Server) handleImageRemove(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageRemoveRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.manager.RemoveImage(ctx, req.Ref); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, nil)
}

func (s *Server) handleImageGC(ctx context.Context, conn net.Conn) {
	removed, err := s.layers.GC()
	if err != nil {
		s.fail(conn, err)
		return
	}
	result := protocol.GCResult{}
	for _, dgst := range removed {
		result.Removed = append(result.Removed, dgst.String())
	}
	s.respond(conn, protocol.CmdOK, &result)
}

// Handles a build command.
//
// Executes a recipe against the container engine and tags the result.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	result, err := build.Run(ctx, s.manager, s.layers, build.Options{
		Recipe: req.Recipe,
		Tag:    req.Tag,
	})
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{Ref: result.Ref, Steps: result.Steps})
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	uptime := time.Since(s.startedAt).Truncate(time.Second)

	containers, err := s.manager.List(context.Background())
	if err != nil {
		s.fail(conn, err)
		return
	}
	images, err := s.layers.Images()
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running:    true,
		Version:    internal.VersionString(),
		Pid:        os.Getpid(),
		Uptime:     uptime.String(),
		Driver:     s.driver,
		Containers: len(containers),
		Images:     len(images),
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
