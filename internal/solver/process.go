package solver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sixar-robotics/armbridge/internal/monitoring"
)

// ProcessOptions describe how to spawn the solver.
type ProcessOptions struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	Client Options
}

// Process is a running solver subprocess and its client.
type Process struct {
	*Client

	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

// Start spawns the solver. Cancelling ctx kills it.
func Start(ctx context.Context, opts ProcessOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, errors.New("solver: no command configured")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("solver stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("solver stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("solver stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start solver %q: %w", opts.Command, err)
	}

	p := &Process{
		Client: NewClient(stdin, stdout, opts.Client),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		logDiagnostics(stderr)
	}()
	go func() {
		// Wait must not run before the pipes are drained.
		<-p.Client.Done()
		<-stderrDone
		p.err = cmd.Wait()
		if p.err != nil {
			p.logf("process exited: %v", p.err)
		} else {
			p.logf("process exited")
		}
		close(p.exited)
	}()
	return p, nil
}

// Pid returns the solver's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Wait blocks until the process has exited and returns its exit error.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes stdin and waits up to grace for a clean exit before killing
// the process.
func (p *Process) Stop(grace time.Duration) error {
	p.Client.Close()
	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.exited
	return nil
}

// logDiagnostics copies the solver's stderr to the log line by line. It is
// never parsed.
func logDiagnostics(r io.Reader) {
	logf := monitoring.Prefixed("solver:stderr")
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		if line := scan.Text(); line != "" {
			logf("%s", line)
		}
	}
}
