package isolation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/moby/sys/reexec"
)

// Names under which this binary re-executes itself as a container init.
const (
	linuxInitName   = "boxd-init"
	processInitName = "boxd-exec-init"
)

func init() {
	reexec.Register(processInitName, processInit)
}

// What the parent hands to the init over the spec pipe.
type initSpec struct {
	ContainerID string   `json:"container_id"`
	Rootfs      string   `json:"rootfs"`
	Entrypoint  []string `json:"entrypoint"`
	Env         []string `json:"env,omitempty"`
	WorkingDir  string   `json:"working_dir,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Binds       []Bind   `json:"binds,omitempty"`
}

// Starts a re-executed init and walks it through the handoff: first the
// spec, then preStart against the live pid, then the go-ahead. Returns
// only once the init has reported ready, so the caller's view of the pid
// is always a fully prepared one. Any failure reaps the child before
// returning; nothing half-isolated is left behind.
func spawnWithInit(ctx context.Context, initName string, spec Spec, preStart func(pid int) error, configure func(*exec.Cmd)) (*Process, error) {
	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		specR.Close()
		specW.Close()
		return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
	}
	defer specW.Close()
	defer statusR.Close()

	cmd := reexec.Command(initName)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = []*os.File{specR, statusW} // fds 3 and 4 in the child
	if configure != nil {
		configure(cmd)
	}

	if err := cmd.Start(); err != nil {
		specR.Close()
		statusW.Close()
		return nil, fmt.Errorf("%w: start init for %s: %w", ErrIsolation, spec.ContainerID, err)
	}
	// Child ends live in the child now.
	specR.Close()
	statusW.Close()

	abort := func(cause error) (*Process, error) {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("%w: spawn %s: %w", ErrIsolation, spec.ContainerID, cause)
	}

	payload, err := json.Marshal(initSpec{
		ContainerID: spec.ContainerID,
		Rootfs:      spec.Rootfs,
		Entrypoint:  spec.Entrypoint,
		Env:         spec.Env,
		WorkingDir:  spec.WorkingDir,
		Hostname:    spec.Hostname,
		Binds:       spec.Binds,
	})
	if err != nil {
		return abort(err)
	}
	if _, err := specW.Write(append(payload, '\n')); err != nil {
		return abort(err)
	}

	// The init holds at this point, so resource attachment happens while
	// the entrypoint cannot yet run.
	if preStart != nil {
		if err := preStart(cmd.Process.Pid); err != nil {
			return abort(err)
		}
	}
	if _, err := specW.WriteString("go\n"); err != nil {
		return abort(err)
	}

	line, err := readLine(ctx, statusR)
	if err != nil {
		return abort(fmt.Errorf("init did not report: %w", err))
	}
	if line != "ready" {
		return abort(fmt.Errorf("init failed: %s", strings.TrimPrefix(line, "error: ")))
	}

	return &Process{pid: cmd.Process.Pid, cmd: cmd}, nil
}

func readLine(ctx context.Context, r *os.File) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		ch <- result{strings.TrimSuffix(line, "\n"), err}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Child-side driver shared by every init flavor. Reads the spec, waits
// for the parent's go-ahead, runs setup, resolves the entrypoint and
// replaces itself with it. Never returns.
func runInit(setup func(spec initSpec) error) {
	specFile := os.NewFile(3, "spec")
	statusFile := os.NewFile(4, "status")

	fail := func(err error) {
		fmt.Fprintf(statusFile, "error: %v\n", err)
		os.Exit(1)
	}

	r := bufio.NewReader(specFile)
	line, err := r.ReadString('\n')
	if err != nil {
		fail(fmt.Errorf("read spec: %w", err))
	}
	var spec initSpec
	if err := json.Unmarshal([]byte(line), &spec); err != nil {
		fail(fmt.Errorf("decode spec: %w", err))
	}
	if _, err := r.ReadString('\n'); err != nil {
		fail(fmt.Errorf("await go-ahead: %w", err))
	}

	if err := setup(spec); err != nil {
		fail(err)
	}

	if len(spec.Entrypoint) == 0 {
		fail(fmt.Errorf("empty entrypoint"))
	}
	argv0, err := lookPathWithEnv(spec.Entrypoint[0], spec.Env)
	if err != nil {
		fail(err)
	}

	statusFile.WriteString("ready\n")
	if err := syscall.Exec(argv0, spec.Entrypoint, spec.Env); err != nil {
		// Past the ready report; the exit code is the only channel left.
		fmt.Fprintf(os.Stderr, "exec %s: %v\n", argv0, err)
		os.Exit(127)
	}
}

// LookPath against the environment the entrypoint will see, not the
// daemon's own.
func lookPathWithEnv(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, kv := range env {
		val, ok := strings.CutPrefix(kv, "PATH=")
		if !ok {
			continue
		}
		for _, dir := range filepath.SplitList(val) {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("entrypoint %q not found in PATH", name)
	}
	return exec.LookPath(name)
}

// Init for the unprivileged backend: no namespaces, no root switch. The
// entrypoint runs as an ordinary host process rooted at the composed
// filesystem by working directory only.
func processInit() {
	runInit(func(spec initSpec) error {
		dir := spec.Rootfs
		if spec.WorkingDir != "" {
			dir = filepath.Join(spec.Rootfs, spec.WorkingDir)
		}
		if err := os.Chdir(dir); err != nil {
			return fmt.Errorf("chdir: %w", err)
		}
		return nil
	})
}
