// Package sshpty runs a command under a remote pseudo-terminal on an
// established SSH connection. Dialing, authentication, pooling and
// keepalives belong to the caller; a Backend only owns its channel.
package sshpty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pty"
)

// Term is the TERM value requested for the remote terminal.
const Term = "xterm-256color"

// Spawner starts commands on Client.
type Spawner struct {
	Client *ssh.Client
	Logger logrus.FieldLogger
}

// Spawn opens a session channel, requests a PTY of cmd's size and starts
// cmd. An empty Path starts the login shell. Env entries are sent as
// "env" requests, which many servers refuse; refusals are logged and
// otherwise ignored.
func (sp Spawner) Spawn(ctx context.Context, cmd pty.Command) (pty.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errs.SpawnError{Command: cmd.String(), Err: err}
	}
	log := sp.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	sess, err := sp.Client.NewSession()
	if err != nil {
		return nil, &errs.SpawnError{Command: cmd.String(), Err: fmt.Errorf("open session: %w", err)}
	}
	b, err := start(sess, cmd, log)
	if err != nil {
		_ = sess.Close()
		return nil, &errs.SpawnError{Command: cmd.String(), Err: err}
	}
	return b, nil
}

func start(sess *ssh.Session, cmd pty.Command, log logrus.FieldLogger) (*Backend, error) {
	for _, kv := range cmd.Env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := sess.Setenv(name, value); err != nil {
			log.WithError(err).WithField("name", name).Debug("sshpty: env refused")
		}
	}

	size := cmd.Size
	if size.Rows == 0 || size.Cols == 0 {
		size = pty.DefaultSize
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(Term, int(size.Rows), int(size.Cols), modes); err != nil {
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if cmd.Path == "" {
		err = sess.Shell()
	} else {
		err = sess.Start(CommandLine(cmd))
	}
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	b := &Backend{
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
		log:    log,
	}
	go b.wait()
	log.WithField("command", cmd.String()).Debug("sshpty: remote command started")
	return b, nil
}

// CommandLine renders cmd as a POSIX shell command line, changing into
// cmd.Dir first when set.
func CommandLine(cmd pty.Command) string {
	words := make([]string, 0, len(cmd.Args)+1)
	words = append(words, shellQuote(cmd.Path))
	for _, a := range cmd.Args {
		words = append(words, shellQuote(a))
	}
	line := strings.Join(words, " ")
	if cmd.Dir != "" {
		line = "cd " + shellQuote(cmd.Dir) + " && exec " + line
	}
	return line
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Backend is a remote command attached to an SSH session channel.
type Backend struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	log    logrus.FieldLogger

	done   chan struct{}
	status pty.ExitStatus

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (b *Backend) wait() {
	err := b.sess.Wait()
	b.status = exitStatus(err)
	close(b.done)
	b.log.WithField("status", b.status.String()).Debug("sshpty: remote command exited")
}

func exitStatus(err error) pty.ExitStatus {
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return pty.ExitStatus{}
	case errors.As(err, &exitErr):
		if sig := exitErr.Signal(); sig != "" {
			return pty.ExitStatus{Code: -1, Signal: "SIG" + sig}
		}
		return pty.ExitStatus{Code: exitErr.ExitStatus()}
	default:
		// The channel closed without an exit-status, e.g. *ssh.ExitMissingError.
		return pty.ExitStatus{Code: -1}
	}
}

func (b *Backend) exited() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Backend) Read(p []byte) (int, error) {
	n, err := b.stdout.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &errs.IOError{Op: "read", Err: err}
	}
	return n, err
}

func (b *Backend) Write(p []byte) (int, error) {
	if b.exited() {
		return 0, &errs.IOError{Op: "write", Err: io.ErrClosedPipe}
	}
	n, err := b.stdin.Write(p)
	if err != nil {
		return n, &errs.IOError{Op: "write", Err: err}
	}
	return n, nil
}

func (b *Backend) Resize(size pty.Size) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &errs.NotRunningError{Op: "resize", State: "closed"}
	}
	if err := b.sess.WindowChange(int(size.Rows), int(size.Cols)); err != nil {
		return &errs.IOError{Op: "resize", Err: err}
	}
	return nil
}

var sshSignals = map[pty.Signal]ssh.Signal{
	pty.SigInterrupt: ssh.SIGINT,
	pty.SigTerminate: ssh.SIGTERM,
	pty.SigKill:      ssh.SIGKILL,
	pty.SigHangup:    ssh.SIGHUP,
	pty.SigQuit:      ssh.SIGQUIT,
}

// Signal sends a "signal" request. Servers are free to ignore it.
func (b *Backend) Signal(sig pty.Signal) error {
	if b.exited() {
		return &errs.NotRunningError{Op: "signal", State: b.status.String()}
	}
	s, ok := sshSignals[sig]
	if !ok {
		return fmt.Errorf("signal: unsupported %s", sig)
	}
	if err := b.sess.Signal(s); err != nil {
		return &errs.IOError{Op: "signal", Err: err}
	}
	return nil
}

func (b *Backend) Wait(ctx context.Context) (pty.ExitStatus, error) {
	select {
	case <-b.done:
		return b.status, nil
	case <-ctx.Done():
		return pty.ExitStatus{}, ctx.Err()
	}
}

// Close closes the channel, which ends the remote command's terminal.
// The SSH connection stays open.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		_ = b.stdin.Close()
		if cerr := b.sess.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = cerr
		}
	})
	return err
}

var (
	_ pty.Backend  = (*Backend)(nil)
	_ pty.Signaler = (*Backend)(nil)
	_ pty.Spawner  = Spawner{}
)
