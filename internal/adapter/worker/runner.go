package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"camgate/internal/domain"
)

// Endpoint provides the shared listening socket workers inherit.
type Endpoint interface {
	Path() string
	File() (*os.File, error)
}

// ProcessRunner launches worker processes as children bound to the shared
// endpoint. Each worker inherits a duplicate of the listener fd as fd 3 and
// learns about it through CAMGATE_SOCKET and CAMGATE_LISTEN_FD.
type ProcessRunner struct {
	endpoint Endpoint
	logger   domain.Logger
}

// NewProcessRunner creates a runner bound to the given endpoint.
func NewProcessRunner(ep Endpoint, logger domain.Logger) *ProcessRunner {
	return &ProcessRunner{endpoint: ep, logger: logger}
}

// Start launches one worker process for the given spec.
func (r *ProcessRunner) Start(spec domain.WorkerSpec) (domain.WorkerProcess, error) {
	lf, err := r.endpoint.File()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		"CAMGATE_SOCKET="+r.endpoint.Path(),
		"CAMGATE_LISTEN_FD=3",
		fmt.Sprintf("CAMGATE_SLOT=%d", spec.Slot),
	)
	cmd.ExtraFiles = []*os.File{lf}
	// Stdout stays free for the worker's own use; logs go to our stderr so
	// the collector sees one stream.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Stdin = nil
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	r.logger.Info("worker started", "slot", spec.Slot, "pid", cmd.Process.Pid, "command", spec.Command)
	return &process{cmd: cmd, listenFile: lf}, nil
}

// process wraps a running worker child.
type process struct {
	cmd        *exec.Cmd
	listenFile *os.File
}

// PID returns the worker process id.
func (p *process) PID() int { return p.cmd.Process.Pid }

// Wait blocks until the worker exits and releases its inherited fd.
func (p *process) Wait() error {
	err := p.cmd.Wait()
	_ = p.listenFile.Close()
	return err
}

// Stop sends SIGTERM to the worker's process group.
func (p *process) Stop() {
	_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the worker's process group.
func (p *process) Kill() {
	_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

// ExitCode extracts the exit status from a Wait error. Returns -1 when the
// process was killed by a signal or the error carries no status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
