package transport

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pipe is a Transport over the stdin and stdout of a child process.
type Pipe struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser

	// KillAfter is how long Close waits for the process to exit on its own before killing it.
	KillAfter time.Duration

	closeOnce sync.Once
	closeErr  error
	exited    chan struct{}
	waitErr   error
}

// StartPipe starts cmd and connects to its stdin and stdout.
// cmd.Stdin and cmd.Stdout must be unset; cmd.Stderr is left to the caller.
func StartPipe(log *zap.SugaredLogger, cmd *exec.Cmd) (*Pipe, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", cmd.Path, err)
	}
	p := &Pipe{
		log:       log.Named("pipe"),
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		KillAfter: 5 * time.Second,
		exited:    make(chan struct{}),
	}
	p.log.Debugw("started process", "PID", cmd.Process.Pid, "Args", cmd.Args)
	return p, nil
}

func (p *Pipe) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *Pipe) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// PID returns the process id of the child.
func (p *Pipe) PID() int {
	return p.cmd.Process.Pid
}

// Kill terminates the child without closing the pipes, as an abrupt crash would.
func (p *Pipe) Kill() error {
	return p.cmd.Process.Kill()
}

// Close closes the child's stdin, which tells a well-behaved peer to exit, then waits for
// the process to exit, killing it if it has not done so within KillAfter.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		p.stdout.Close()
		go func() {
			p.waitErr = p.cmd.Wait()
			close(p.exited)
		}()
		timer := time.NewTimer(p.KillAfter)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.log.Debugw("process did not exit, killing it", "PID", p.cmd.Process.Pid)
			p.cmd.Process.Kill()
			<-p.exited
		}
		if p.waitErr != nil {
			if _, ok := p.waitErr.(*exec.ExitError); !ok {
				p.closeErr = p.waitErr
			}
		}
		p.log.Debugw("process exited", "PID", p.cmd.Process.Pid, "Error", p.waitErr)
	})
	return p.closeErr
}

func (p *Pipe) String() string {
	return fmt.Sprintf("pipe to %q", strings.Join(p.cmd.Args, " "))
}
