package isolation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/moby/sys/reexec"
	"gotest.tools/v3/assert"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func spawnShell(t *testing.T, rootfs, script string, preStart func(pid int) error) (*Process, error) {
	t.Helper()
	backend := NewProcessBackend()
	return backend.Spawn(context.Background(), Spec{
		ContainerID: "test",
		Rootfs:      rootfs,
		Entrypoint:  []string{"/bin/sh", "-c", script},
		Env:         []string{"PATH=/usr/bin:/bin"},
	}, preStart)
}

func TestSpawnRunsEntrypointInRootfs(t *testing.T) {
	rootfs := t.TempDir()

	proc, err := spawnShell(t, rootfs, "echo hello > marker", nil)
	assert.NilError(t, err)
	assert.Assert(t, proc.Pid() > 0)

	status := proc.Wait()
	assert.Equal(t, status.Code, 0)
	assert.Equal(t, status.Signaled, false)

	out, err := os.ReadFile(filepath.Join(rootfs, "marker"))
	assert.NilError(t, err)
	assert.Equal(t, string(out), "hello\n")
}

func TestPreStartCompletesBeforeEntrypoint(t *testing.T) {
	rootfs := t.TempDir()

	var seenPid int
	proc, err := spawnShell(t, rootfs, "cat gate > out", func(pid int) error {
		seenPid = pid
		return os.WriteFile(filepath.Join(rootfs, "gate"), []byte("attached"), 0o644)
	})
	assert.NilError(t, err)
	assert.Equal(t, seenPid, proc.Pid())

	status := proc.Wait()
	assert.Equal(t, status.Code, 0)

	out, err := os.ReadFile(filepath.Join(rootfs, "out"))
	assert.NilError(t, err)
	assert.Equal(t, string(out), "attached")
}

func TestPreStartFailureAbortsSpawn(t *testing.T) {
	rootfs := t.TempDir()

	_, err := spawnShell(t, rootfs, "echo never > marker", func(pid int) error {
		return errors.New("attachment refused")
	})
	assert.ErrorIs(t, err, ErrIsolation)
	assert.ErrorContains(t, err, "attachment refused")

	_, statErr := os.Stat(filepath.Join(rootfs, "marker"))
	assert.Assert(t, os.IsNotExist(statErr))
}

func TestSpawnMissingRootfs(t *testing.T) {
	backend := NewProcessBackend()
	_, err := backend.Spawn(context.Background(), Spec{
		ContainerID: "test",
		Rootfs:      filepath.Join(t.TempDir(), "gone"),
		Entrypoint:  []string{"/bin/sh", "-c", "true"},
	}, nil)
	assert.ErrorIs(t, err, ErrIsolation)
}

func TestSpawnUnresolvableEntrypoint(t *testing.T) {
	backend := NewProcessBackend()
	_, err := backend.Spawn(context.Background(), Spec{
		ContainerID: "test",
		Rootfs:      t.TempDir(),
		Entrypoint:  []string{"no-such-entrypoint"},
		Env:         []string{"PATH=/nonexistent"},
	}, nil)
	assert.ErrorIs(t, err, ErrIsolation)
	assert.ErrorContains(t, err, "not found")
}

func TestSignalTerminatesProcess(t *testing.T) {
	proc, err := spawnShell(t, t.TempDir(), "sleep 60", nil)
	assert.NilError(t, err)

	assert.NilError(t, proc.Signal(syscall.SIGTERM))
	status := proc.Wait()
	assert.Equal(t, status.Signaled, true)
	assert.Equal(t, status.Code, 128+int(syscall.SIGTERM))
}

func TestWaitReportsExitCode(t *testing.T) {
	proc, err := spawnShell(t, t.TempDir(), "exit 7", nil)
	assert.NilError(t, err)

	status := proc.Wait()
	assert.Equal(t, status.Code, 7)
	assert.Equal(t, status.Signaled, false)
}
