package isolation

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// A running container entrypoint supervised by the daemon.
type Process struct {
	pid int
	cmd *exec.Cmd

	waitOnce sync.Once
	status   ExitStatus
}

// How a container process ended.
type ExitStatus struct {
	Code     int  // exit code, or 128+signal when signalled
	Signaled bool // terminated by a signal rather than exiting
}

// Returns the host pid of the container's init process.
func (p *Process) Pid() int {
	return p.pid
}

// Sends sig to the container's init process. Inside a pid namespace that
// process is pid 1, so its death takes every descendant with it.
func (p *Process) Signal(sig syscall.Signal) error {
	proc, err := os.FindProcess(p.pid)
	if err != nil {
		return fmt.Errorf("%w: signal pid %d: %w", ErrIsolation, p.pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("%w: signal pid %d: %w", ErrIsolation, p.pid, err)
	}
	return nil
}

// Blocks until the process exits and returns how it ended. Safe to call
// from multiple goroutines; the underlying reap happens once.
func (p *Process) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		p.status = exitStatusFromError(p.cmd.Wait())
	})
	return p.status
}

func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return ExitStatus{Code: 255}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: 128 + int(ws.Signal()), Signaled: true}
	}
	return ExitStatus{Code: exitErr.ExitCode()}
}
