package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// Spec describes one worker to start.
type Spec struct {
	Index    int
	ServerID string
	Port     int
}

// Env is the environment a worker receives on top of the supervisor's.
func (s Spec) Env() []string {
	return []string{"SERVER_ID=" + s.ServerID, "PORT=" + strconv.Itoa(s.Port)}
}

// Process is a started worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs Path with Args, appending the worker's variables to the
// current environment.
type ExecLauncher struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// SelfLauncher re-executes the running binary with args, typically "serve".
func SelfLauncher(args ...string) (*ExecLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecLauncher{Path: path, Args: args, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

func (l *ExecLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	// Not CommandContext: the supervisor decides how a worker is stopped.
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), spec.Env()...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.ServerID, err)
	}
	return execProcess{cmd}, nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p execProcess) Wait() error                { return p.cmd.Wait() }
func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Kill() error                { return p.cmd.Process.Kill() }
