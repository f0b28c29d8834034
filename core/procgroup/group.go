// Package procgroup runs a command in its own process group so the whole
// tree can be signalled at once.
package procgroup

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

const DefaultGrace = 2 * time.Second

var (
	ErrAlreadyStarted = errors.New("process group already started")
	ErrNotStarted     = errors.New("process group not started")
)

type Group struct {
	cmd *exec.Cmd

	mu         sync.Mutex
	pgid       int
	started    bool
	terminated bool

	done    chan struct{}
	waitErr error
}

// New prepares cmd to run in a new process group. cmd must not have been
// started.
func New(cmd *exec.Cmd) *Group {
	setup(cmd)
	return &Group{cmd: cmd, done: make(chan struct{})}
}

func (g *Group) Start() error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.mu.Unlock()

	if err := g.cmd.Start(); err != nil {
		g.waitErr = err
		close(g.done)
		return err
	}

	g.mu.Lock()
	g.pgid = groupID(g.cmd.Process.Pid)
	g.mu.Unlock()

	go func() {
		g.waitErr = g.cmd.Wait()
		close(g.done)
	}()
	return nil
}

// Wait blocks until the process exits and returns its exit error.
func (g *Group) Wait() error {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	<-g.done
	return g.waitErr
}

// Done is closed when the process has exited.
func (g *Group) Done() <-chan struct{} {
	return g.done
}

func (g *Group) Pid() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pgid
}

// Terminated reports whether Terminate was called.
func (g *Group) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}

// Terminate asks the group to exit, then kills it if it is still running
// after grace. Terminating an exited or unstarted group is a no-op.
func (g *Group) Terminate(grace time.Duration) error {
	g.mu.Lock()
	if !g.started || g.pgid == 0 {
		g.mu.Unlock()
		return nil
	}
	g.terminated = true
	pgid := g.pgid
	g.mu.Unlock()

	select {
	case <-g.done:
		return nil
	default:
	}

	if err := interrupt(g.cmd, pgid); err != nil {
		return kill(g.cmd, pgid)
	}

	select {
	case <-g.done:
		return nil
	case <-time.After(grace):
	}
	return kill(g.cmd, pgid)
}
