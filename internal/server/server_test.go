package server

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/moby/sys/reexec"
	"gotest.tools/v3/assert"

	"github.com/cratehq/boxd/internal/protocol"
	"github.com/cratehq/boxd/internal/rootfs"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "boxd.sock")

	srv, err := New(Config{
		SocketPath:  socket,
		StorageRoot: filepath.Join(dir, "storage"),
		Driver:      rootfs.DriverVFS,
		CgroupRoot:  filepath.Join(dir, "no-cgroups"),
	})
	assert.NilError(t, err)
	assert.NilError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv, socket
}

func exchange(t *testing.T, socket string, cmd protocol.Command, payload any) (protocol.Envelope, json.RawMessage) {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	assert.NilError(t, err)
	defer conn.Close()

	data, err := protocol.Encode(cmd, payload)
	assert.NilError(t, err)
	_, err = conn.Write(append(data, '\n'))
	assert.NilError(t, err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	assert.NilError(t, err)

	env, raw, err := protocol.Decode(line)
	assert.NilError(t, err)
	return env, raw
}

func writeTarball(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.tar")
	f, err := os.Create(path)
	assert.NilError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range files {
		assert.NilError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		assert.NilError(t, err)
	}
	assert.NilError(t, tw.Close())
	return path
}

func TestStatusRoundTrip(t *testing.T) {
	_, socket := startTestServer(t)

	env, raw := exchange(t, socket, protocol.CmdStatus, nil)
	assert.Equal(t, env.Command, protocol.CmdOK)

	status, err := protocol.DecodePayload[protocol.StatusResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, status.Running, true)
	assert.Equal(t, status.Pid, os.Getpid())
	assert.Equal(t, status.Driver, rootfs.DriverVFS)
}

func TestImageImportAndList(t *testing.T) {
	_, socket := startTestServer(t)
	tarball := writeTarball(t, map[string]string{"etc/motd": "imported\n"})

	env, raw := exchange(t, socket, protocol.CmdImageImport, &protocol.ImageImportRequest{
		Ref:        "imported",
		Path:       tarball,
		Entrypoint: []string{"/bin/sh", "-c", "true"},
	})
	assert.Equal(t, env.Command, protocol.CmdOK)

	img, err := protocol.DecodePayload[protocol.ImageResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, img.Ref, "imported:latest")
	assert.Equal(t, img.Layers, 1)

	env, raw = exchange(t, socket, protocol.CmdImageList, nil)
	assert.Equal(t, env.Command, protocol.CmdOK)
	list, err := protocol.DecodePayload[protocol.ImageListResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, len(list.Images), 1)
}

func TestContainerLifecycleOverSocket(t *testing.T) {
	_, socket := startTestServer(t)
	tarball := writeTarball(t, map[string]string{"etc/motd": "hello\n"})

	env, _ := exchange(t, socket, protocol.CmdImageImport, &protocol.ImageImportRequest{
		Ref:        "base",
		Path:       tarball,
		Entrypoint: []string{"/bin/sh", "-c", "sleep 60"},
		Env:        []string{"PATH=/usr/bin:/bin"},
	})
	assert.Equal(t, env.Command, protocol.CmdOK)

	env, raw := exchange(t, socket, protocol.CmdContainerCreate, &protocol.ContainerCreateRequest{Image: "base"})
	assert.Equal(t, env.Command, protocol.CmdOK)
	created, err := protocol.DecodePayload[protocol.ContainerResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, created.State, "created")

	env, raw = exchange(t, socket, protocol.CmdContainerStart, &protocol.ContainerRequest{ID: created.ID})
	assert.Equal(t, env.Command, protocol.CmdOK)
	started, err := protocol.DecodePayload[protocol.ContainerResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, started.State, "running")
	assert.Assert(t, started.Pid > 0)

	env, raw = exchange(t, socket, protocol.CmdContainerStop, &protocol.ContainerStopRequest{ID: created.ID, Grace: "5s"})
	assert.Equal(t, env.Command, protocol.CmdOK)
	stopped, err := protocol.DecodePayload[protocol.ContainerResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, stopped.State, "stopped")

	env, _ = exchange(t, socket, protocol.CmdContainerRemove, &protocol.ContainerRequest{ID: created.ID})
	assert.Equal(t, env.Command, protocol.CmdOK)
}

func TestUnknownContainerErrorKind(t *testing.T) {
	_, socket := startTestServer(t)

	env, raw := exchange(t, socket, protocol.CmdContainerStart, &protocol.ContainerRequest{ID: "nope"})
	assert.Equal(t, env.Command, protocol.CmdError)

	failure, err := protocol.DecodePayload[protocol.ErrorResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, failure.Kind, protocol.ErrKindNotFound)
}

func TestUnknownCommand(t *testing.T) {
	_, socket := startTestServer(t)

	env, raw := exchange(t, socket, protocol.Command("no-such-command"), nil)
	assert.Equal(t, env.Command, protocol.CmdError)

	failure, err := protocol.DecodePayload[protocol.ErrorResult](raw)
	assert.NilError(t, err)
	assert.Assert(t, failure.Message != "")
}

func TestInvalidMemoryLimit(t *testing.T) {
	_, socket := startTestServer(t)
	tarball := writeTarball(t, map[string]string{"etc/motd": "hello\n"})

	env, _ := exchange(t, socket, protocol.CmdImageImport, &protocol.ImageImportRequest{
		Ref:        "base",
		Path:       tarball,
		Entrypoint: []string{"/bin/sh"},
	})
	assert.Equal(t, env.Command, protocol.CmdOK)

	env, raw := exchange(t, socket, protocol.CmdContainerCreate, &protocol.ContainerCreateRequest{
		Image:  "base",
		Memory: "lots",
	})
	assert.Equal(t, env.Command, protocol.CmdError)

	failure, err := protocol.DecodePayload[protocol.ErrorResult](raw)
	assert.NilError(t, err)
	assert.Equal(t, failure.Kind, protocol.ErrKindInvalid)
}
