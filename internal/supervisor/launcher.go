package supervisor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// Spec describes one agent process to start.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
	// WaitDelay bounds how long Wait lingers on output held open by orphaned descendants.
	WaitDelay time.Duration
}

// Process is a started agent process and its descendants.
type Process interface {
	Pid() int
	// Wait blocks until exit and returns the exit code, -1 when killed by a signal.
	Wait() (int, error)
	// Terminate asks the whole process group to stop.
	Terminate() error
	// Kill stops the whole process group immediately.
	Kill() error
}

// Launcher starts agent processes. Tests substitute a fake.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher starts real subprocesses in their own process group.
type ExecLauncher struct{}

func (ExecLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = spec.WaitDelay
	configureCommandProcess(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return code, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return code, nil
	}
	return code, err
}

func (p *execProcess) Terminate() error { return signalGroup(p.cmd, false) }

func (p *execProcess) Kill() error { return signalGroup(p.cmd, true) }
