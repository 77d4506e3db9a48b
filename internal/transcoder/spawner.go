package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Invocation is a fully expanded subprocess command line.
type Invocation struct {
	Path string
	Args []string
	// Env entries are appended to the supervisor's environment.
	Env []string
}

// Process is a running transcoder as seen by the Supervisor.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process has exited. It must only be called
	// after Stdout and Stderr have been read to EOF.
	Wait() error
	// Kill terminates the process forcibly. Killing an exited process is
	// not an error.
	Kill() error
	Pid() int
}

// Spawner starts transcoder processes.
type Spawner interface {
	Spawn(ctx context.Context, inv Invocation) (Process, error)
}

// ExecSpawner starts real operating-system processes.
type ExecSpawner struct{}

// Spawn implements Spawner. The process is not bound to ctx: its lifetime
// belongs to the Supervisor, which ends it through stdin EOF or Kill.
func (ExecSpawner) Spawn(_ context.Context, inv Invocation) (Process, error) {
	// #nosec G204 -- path and args come from operator configuration and a validated stream id.
	cmd := exec.Command(inv.Path, inv.Args...)
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
