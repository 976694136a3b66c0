package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/locker"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cratehq/boxd/internal/cgroups"
	"github.com/cratehq/boxd/internal/isolation"
	"github.com/cratehq/boxd/internal/layer"
	"github.com/cratehq/boxd/internal/metadata"
	"github.com/cratehq/boxd/internal/rootfs"
)

const bucketContainers = "containers"

// How long Stop waits after SIGTERM before escalating to SIGKILL when
// the caller does not say otherwise.
const DefaultStopGrace = 10 * time.Second

// Exit code recorded for containers whose process vanished while the
// daemon was not watching, matching the convention for "killed by
// something we never saw".
const staleExitCode = 255

// Manager owns every container transition. All operations on one
// container id are serialized through a per-id lock, so concurrent
// requests resolve to one winner and clean losers.
type Manager struct {
	layers   *layer.Store
	composer *rootfs.Composer
	backend  isolation.Backend
	groups   cgroups.Manager
	network  isolation.NetworkProvider
	meta     *metadata.Store
	locks    *locker.Locker

	mu   sync.Mutex
	live map[string]*supervised
}

// The in-memory half of a running container.
type supervised struct {
	proc  *isolation.Process
	group cgroups.Group
	done  chan struct{} // closed once the exit is recorded
}

// Creates a manager over the given stores and controllers.
func NewManager(layers *layer.Store, composer *rootfs.Composer, backend isolation.Backend, groups cgroups.Manager, network isolation.NetworkProvider, meta *metadata.Store) *Manager {
	return &Manager{
		layers:   layers,
		composer: composer,
		backend:  backend,
		groups:   groups,
		network:  network,
		meta:     meta,
		locks:    locker.New(),
		live:     make(map[string]*supervised),
	}
}

func (m *Manager) load(id string) (Container, error) {
	var c Container
	if err := m.meta.Get(bucketContainers, id, &c); err != nil {
		return c, fmt.Errorf("%w: container %s: %w", ErrLifecycle, id, err)
	}
	return c, nil
}

func (m *Manager) store(c Container) error {
	return m.meta.Put(bucketContainers, c.ID, c)
}

func transitionErr(c Container, op string) error {
	return fmt.Errorf("%w: cannot %s container %s while %s: %w", ErrLifecycle, op, c.ID, c.State, errdefs.ErrConflict)
}

// Creates a container from an image: composes its filesystem and
// persists the record with the layer references taken in the same
// transaction. The container does not run yet.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Container, error) {
	ref, err := layer.NormalizeRef(opts.Image)
	if err != nil {
		return Container{}, err
	}
	img, err := m.layers.ResolveImage(ref)
	if err != nil {
		return Container{}, err
	}

	entrypoint := opts.Entrypoint
	if len(entrypoint) == 0 {
		entrypoint = append(slices.Clone(img.Config.Entrypoint), img.Config.Cmd...)
	}
	if len(entrypoint) == 0 {
		return Container{}, fmt.Errorf("%w: image %s has no entrypoint and none was given: %w", ErrLifecycle, ref, errdefs.ErrInvalidArgument)
	}
	workdir := opts.WorkingDir
	if workdir == "" {
		workdir = img.Config.WorkingDir
	}

	id := newContainerID()
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	hostname := opts.Hostname
	if hostname == "" {
		hostname = id
	}

	mount, err := m.composer.Compose(id, img.Layers)
	if err != nil {
		return Container{}, err
	}

	c := Container{
		ID:          id,
		Image:       ref,
		Layers:      img.Layers,
		State:       StateCreated,
		Entrypoint:  entrypoint,
		Env:         mergeEnv(img.Config.Env, opts.Env),
		WorkingDir:  workdir,
		Hostname:    hostname,
		Binds:       opts.Binds,
		HostNetwork: opts.HostNetwork,
		Limits:      opts.Limits,
		MountPath:   mount.MergedPath,
		CreatedAt:   time.Now().UTC(),
	}

	err = m.meta.Update(func(tx *metadata.Tx) error {
		if err := m.layers.Ref(tx, c.Layers); err != nil {
			return err
		}
		return tx.Put(bucketContainers, id, c)
	})
	if err != nil {
		m.composer.Teardown(mount)
		return Container{}, err
	}

	slog.Info("container created", "id", id, "image", ref)
	return c, nil
}

// Starts a created or previously stopped container. The process is
// attached to its resource group and network before the entrypoint can
// execute; a failure at any point leaves the container startable again.
func (m *Manager) Start(ctx context.Context, id string) (Container, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	c, err := m.load(id)
	if err != nil {
		return c, err
	}
	if c.State != StateCreated && c.State != StateStopped {
		return c, transitionErr(c, "start")
	}

	group, err := m.groups.Create(id, c.Limits)
	if err != nil {
		return c, err
	}

	logFile, err := os.OpenFile(filepath.Join(filepath.Dir(c.MountPath), "container.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		group.Destroy()
		return c, fmt.Errorf("%w: container log: %w", ErrLifecycle, err)
	}
	defer logFile.Close()

	var netHandle string
	proc, err := m.backend.Spawn(ctx, isolation.Spec{
		ContainerID: id,
		Rootfs:      c.MountPath,
		Entrypoint:  c.Entrypoint,
		Env:         c.Env,
		WorkingDir:  c.WorkingDir,
		Hostname:    c.Hostname,
		Binds:       c.Binds,
		HostNetwork: c.HostNetwork,
		Stdout:      logFile,
		Stderr:      logFile,
	}, func(pid int) error {
		if err := group.Attach(pid); err != nil {
			return err
		}
		handle, err := m.network.Attach(id, pid)
		netHandle = handle
		return err
	})
	if err != nil {
		group.Destroy()
		return c, err
	}

	c.State = StateRunning
	c.Pid = proc.Pid()
	c.NetHandle = netHandle
	c.StartedAt = time.Now().UTC()
	c.StoppedAt = time.Time{}
	c.ExitCode = 0
	if err := m.store(c); err != nil {
		proc.Signal(syscall.SIGKILL)
		proc.Wait()
		group.Destroy()
		return c, err
	}

	sup := &supervised{proc: proc, group: group, done: make(chan struct{})}
	m.mu.Lock()
	m.live[id] = sup
	m.mu.Unlock()
	go m.monitor(id, sup)

	slog.Info("container started", "id", id, "pid", c.Pid)
	return c, nil
}

// Watches one container process until it exits, however it exits, and
// records the outcome. Crashes and external kills land here the same
// way a requested stop does.
func (m *Manager) monitor(id string, sup *supervised) {
	status := sup.proc.Wait()

	m.locks.Lock(id)
	c, err := m.load(id)
	if err == nil && (c.State == StateRunning || c.State == StatePaused) {
		if c.NetHandle != "" {
			if err := m.network.Release(id, c.NetHandle); err != nil {
				slog.Warn("network release failed", "id", id, "error", err)
			}
			c.NetHandle = ""
		}
		c.State = StateStopped
		c.Pid = 0
		c.ExitCode = status.Code
		c.StoppedAt = time.Now().UTC()
		if err := m.store(c); err != nil {
			slog.Error("recording container exit failed", "id", id, "error", err)
		}
	}
	m.locks.Unlock(id)

	if err := sup.group.Destroy(); err != nil {
		slog.Warn("resource group cleanup failed", "id", id, "error", err)
	}

	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
	close(sup.done)

	slog.Info("container exited", "id", id, "code", status.Code, "signaled", status.Signaled)
}

// Stops a running or paused container: SIGTERM, then SIGKILL once the
// grace deadline passes. Returns after the exit has been recorded. A
// paused container is thawed first so the signal can be delivered.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) (Container, error) {
	m.locks.Lock(id)
	c, err := m.load(id)
	if err != nil {
		m.locks.Unlock(id)
		return c, err
	}
	if c.State != StateRunning && c.State != StatePaused {
		m.locks.Unlock(id)
		return c, transitionErr(c, "stop")
	}

	m.mu.Lock()
	sup := m.live[id]
	m.mu.Unlock()

	if sup == nil {
		// Recorded as running but not supervised: the process predates
		// this daemon and is already gone. Settle the record.
		c.State = StateStopped
		c.Pid = 0
		c.ExitCode = staleExitCode
		c.StoppedAt = time.Now().UTC()
		err := m.store(c)
		m.locks.Unlock(id)
		return c, err
	}

	if c.State == StatePaused {
		if err := sup.group.Thaw(); err != nil {
			m.locks.Unlock(id)
			return c, err
		}
	}
	sigErr := sup.proc.Signal(syscall.SIGTERM)
	// The monitor needs the id lock to record the exit.
	m.locks.Unlock(id)
	if sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
		return c, sigErr
	}

	if grace <= 0 {
		grace = DefaultStopGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-sup.done:
	case <-ctx.Done():
		return Container{}, ctx.Err()
	case <-timer.C:
		slog.Info("grace deadline passed, killing", "id", id)
		if err := sup.proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return Container{}, err
		}
		select {
		case <-sup.done:
		case <-ctx.Done():
			return Container{}, ctx.Err()
		}
	}
	return m.load(id)
}

// Sends an arbitrary signal to a running container without driving a
// state transition. If the signal is fatal the supervisor observes the
// exit and records it the same way a crash is recorded.
func (m *Manager) Kill(ctx context.Context, id string, sig syscall.Signal) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	c, err := m.load(id)
	if err != nil {
		return err
	}
	if c.State != StateRunning {
		return transitionErr(c, "signal")
	}
	m.mu.Lock()
	sup := m.live[id]
	m.mu.Unlock()
	if sup == nil {
		return transitionErr(c, "signal")
	}
	if err := sup.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Freezes a running container's processes in place. CPU stops, memory
// stays accounted.
func (m *Manager) Pause(ctx context.Context, id string) (Container, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	c, err := m.load(id)
	if err != nil {
		return c, err
	}
	if c.State != StateRunning {
		return c, transitionErr(c, "pause")
	}
	m.mu.Lock()
	sup := m.live[id]
	m.mu.Unlock()
	if sup == nil {
		return c, transitionErr(c, "pause")
	}

	if err := sup.group.Freeze(); err != nil {
		return c, err
	}
	c.State = StatePaused
	if err := m.store(c); err != nil {
		sup.group.Thaw()
		return c, err
	}
	slog.Info("container paused", "id", id)
	return c, nil
}

// Thaws a paused container.
func (m *Manager) Resume(ctx context.Context, id string) (Container, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	c, err := m.load(id)
	if err != nil {
		return c, err
	}
	if c.State != StatePaused {
		return c, transitionErr(c, "resume")
	}
	m.mu.Lock()
	sup := m.live[id]
	m.mu.Unlock()
	if sup == nil {
		return c, transitionErr(c, "resume")
	}

	if err := sup.group.Thaw(); err != nil {
		return c, err
	}
	c.State = StateRunning
	if err := m.store(c); err != nil {
		sup.group.Freeze()
		return c, err
	}
	slog.Info("container resumed", "id", id)
	return c, nil
}

// Reports current resource consumption for a running or paused
// container.
func (m *Manager) Usage(ctx context.Context, id string) (cgroups.Usage, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	c, err := m.load(id)
	if err != nil {
		return cgroups.Usage{}, err
	}
	if c.State != StateRunning && c.State != StatePaused {
		return cgroups.Usage{}, transitionErr(c, "measure")
	}
	m.mu.Lock()
	sup := m.live[id]
	m.mu.Unlock()
	if sup == nil {
		return cgroups.Usage{}, transitionErr(c, "measure")
	}
	return sup.group.Usage()
}

// Removes a stopped or never-started container: tears down its
// filesystem, then deletes the record and releases its layer references
// in one transaction. Running and paused containers are refused.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	c, err := m.load(id)
	if err != nil {
		return err
	}
	if c.State == StateRunning || c.State == StatePaused {
		return transitionErr(c, "remove")
	}

	if err := m.composer.Teardown(m.composer.Rehydrate(id)); err != nil {
		return err
	}
	err = m.meta.Update(func(tx *metadata.Tx) error {
		if err := m.layers.Unref(tx, c.Layers); err != nil {
			return err
		}
		return tx.Delete(bucketContainers, id)
	})
	if err != nil {
		return err
	}
	slog.Info("container removed", "id", id)
	return nil
}

// Returns the container record for id.
func (m *Manager) Get(ctx context.Context, id string) (Container, error) {
	return m.load(id)
}

// Lists all containers, oldest first.
func (m *Manager) List(ctx context.Context) ([]Container, error) {
	var out []Container
	err := m.meta.View(func(tx *metadata.Tx) error {
		return tx.ForEach(bucketContainers, func(key string, raw []byte) error {
			var c Container
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("%w: decode container %s: %w", ErrLifecycle, key, err)
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Container) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Removes an image tag, refusing while any container still references
// the image. Containers hold their own layer references, so the refusal
// protects the name binding, not the layers.
func (m *Manager) RemoveImage(ctx context.Context, ref string) error {
	ref, err := layer.NormalizeRef(ref)
	if err != nil {
		return err
	}
	containers, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Image == ref {
			return fmt.Errorf("%w: image %s used by container %s: %w",
				layer.ErrLayerInUse, ref, c.ID, errdefs.ErrConflict)
		}
	}
	return m.layers.RemoveImage(ref)
}

// Captures the container's filesystem changes as a new layer and tags
// ref with the extended chain. The container must not be running; a
// paused or stopped filesystem is quiescent enough to snapshot.
func (m *Manager) Commit(ctx context.Context, id, ref string) (layer.Image, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	c, err := m.load(id)
	if err != nil {
		return layer.Image{}, err
	}
	if c.State == StateRunning {
		return layer.Image{}, transitionErr(c, "commit")
	}

	dgst, err := m.composer.Commit(m.composer.Rehydrate(id))
	if err != nil {
		return layer.Image{}, err
	}

	// Carry the source image's config forward when it still exists.
	var config ocispec.ImageConfig
	if img, err := m.layers.ResolveImage(c.Image); err == nil {
		config = img.Config
	}

	chain := append(slices.Clone(c.Layers), dgst)
	img, err := m.layers.TagImage(ref, chain, config)
	if err != nil {
		return layer.Image{}, err
	}
	slog.Info("container committed", "id", id, "ref", img.Name)
	return img, nil
}

// Reconciles records with reality after a daemon restart. Containers
// recorded as running or paused have no supervisor anymore; any
// leftover process is killed and the record settled as stopped.
func (m *Manager) Restore(ctx context.Context) error {
	containers, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.State != StateRunning && c.State != StatePaused {
			continue
		}
		if group, err := m.groups.Create(c.ID, c.Limits); err == nil {
			// A frozen group would swallow the kill.
			group.Thaw()
			if pidAlive(c.Pid) {
				syscall.Kill(c.Pid, syscall.SIGKILL)
			}
			group.Destroy()
		} else if pidAlive(c.Pid) {
			syscall.Kill(c.Pid, syscall.SIGKILL)
		}
		if c.NetHandle != "" {
			m.network.Release(c.ID, c.NetHandle)
			c.NetHandle = ""
		}
		c.State = StateStopped
		c.Pid = 0
		c.ExitCode = staleExitCode
		c.StoppedAt = time.Now().UTC()
		if err := m.store(c); err != nil {
			return err
		}
		slog.Warn("settled stale container", "id", c.ID)
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
