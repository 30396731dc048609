//go:build !windows

package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/peterje/expectty/internal/errs"
)

const (
	// hangupGrace is how long Close waits after SIGHUP before SIGKILL.
	hangupGrace = 500 * time.Millisecond
	// reapTimeout bounds how long Close waits for the reaper after SIGKILL.
	reapTimeout = 5 * time.Second
)

// Local spawns children on a Unix pseudo-terminal.
type Local struct {
	Logger logrus.FieldLogger
}

// Spawn starts cmd with its own session and the PTY slave as controlling
// terminal. The child is reaped in the background as soon as it exits.
func (l Local) Spawn(ctx context.Context, c Command) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errs.SpawnError{Command: c.String(), Err: err}
	}
	if c.Path == "" {
		return nil, &errs.SpawnError{Command: "", Err: errors.New("no command specified")}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	size := c.size()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, &errs.SpawnError{Command: c.String(), Err: err}
	}

	log := l.Logger
	if log == nil {
		log = discard
	}
	b := &unixBackend{
		cmd:  cmd,
		ptmx: ptmx,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
		log:  log.WithField("pid", cmd.Process.Pid),
	}

	// Monitor process exit
	go b.reap()

	b.log.WithField("command", c.String()).Debug("pty: child started")
	return b, nil
}

type unixBackend struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int
	log  logrus.FieldLogger

	done   chan struct{}
	status ExitStatus

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func (b *unixBackend) reap() {
	err := b.cmd.Wait()
	b.status = exitStatus(b.cmd.ProcessState, err)
	close(b.done)
	b.log.WithField("status", b.status.String()).Debug("pty: child reaped")
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Signal: fmt.Sprint(err)}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}

func (b *unixBackend) exited() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *unixBackend) Read(p []byte) (int, error) {
	for {
		n, err := b.ptmx.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO), errors.Is(err, os.ErrClosed):
			// Linux reports EIO on the master once every slave holder is gone.
			return 0, io.EOF
		default:
			return 0, &errs.IOError{Op: "read", Err: err}
		}
	}
}

func (b *unixBackend) Write(p []byte) (int, error) {
	if b.exited() {
		return 0, &errs.IOError{Op: "write", Err: syscall.EPIPE}
	}
	written := 0
	for written < len(p) {
		n, err := b.ptmx.Write(p[written:])
		written += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			return written, &errs.IOError{Op: "write", Err: err}
		}
	}
	return written, nil
}

func (b *unixBackend) Resize(size Size) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &errs.NotRunningError{Op: "resize", State: "closed"}
	}
	if err := pty.Setsize(b.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return &errs.IOError{Op: "resize", Err: err}
	}
	return nil
}

var unixSignals = map[Signal]unix.Signal{
	SigInterrupt: unix.SIGINT,
	SigTerminate: unix.SIGTERM,
	SigKill:      unix.SIGKILL,
	SigHangup:    unix.SIGHUP,
	SigQuit:      unix.SIGQUIT,
}

// Signal delivers sig to the child's whole process group.
func (b *unixBackend) Signal(sig Signal) error {
	s, ok := unixSignals[sig]
	if !ok {
		return fmt.Errorf("signal: unsupported %s", sig)
	}
	if b.exited() {
		return &errs.NotRunningError{Op: "signal", State: b.status.String()}
	}
	if err := b.kill(s); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return &errs.NotRunningError{Op: "signal"}
		}
		return &errs.IOError{Op: "signal", Err: err}
	}
	return nil
}

func (b *unixBackend) kill(s unix.Signal) error {
	// The child is a session leader, so its pid is also its process group id.
	if err := unix.Kill(-b.pid, s); err != nil {
		return unix.Kill(b.pid, s)
	}
	return nil
}

func (b *unixBackend) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-b.done:
		return b.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Close hangs up the terminal, escalating to SIGKILL if the child
// survives the grace period, and waits for the reaper.
func (b *unixBackend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		if !b.exited() {
			_ = b.kill(unix.SIGHUP)
		}
		b.closeErr = b.ptmx.Close()

		select {
		case <-b.done:
		case <-time.After(hangupGrace):
			b.log.Debug("pty: child ignored hangup, killing")
			_ = b.kill(unix.SIGKILL)
			select {
			case <-b.done:
			case <-time.After(reapTimeout):
				b.log.Warn("pty: child not reaped after kill")
			}
		}
	})
	return b.closeErr
}

var _ Signaler = (*unixBackend)(nil)
