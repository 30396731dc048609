// Package mockpty is an in-memory pty.Backend for tests. Output is fed
// with Emit, input is recorded, and simple reply rules let a test script
// a dialog without a real child process.
package mockpty

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pty"
)

// Backend is a scripted child. The zero value is not usable; call New.
type Backend struct {
	mu       sync.Mutex
	cond     *sync.Cond
	output   bytes.Buffer
	outEOF   bool
	readErr  error
	input    bytes.Buffer
	sizes    []pty.Size
	signals  []pty.Signal
	rules    []*rule
	command  pty.Command
	closed   bool
	exited   bool
	status   pty.ExitStatus
	done     chan struct{}
	gate     chan struct{} // non-nil while writes are held
	maxChunk int
}

type rule struct {
	trigger []byte
	reply   []byte
	once    bool
	fired   bool
}

// New returns a running mock with an empty output stream.
func New() *Backend {
	b := &Backend{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Spawner returns a Spawner that hands out b for any command and records
// the command.
func (b *Backend) Spawner() pty.Spawner {
	return pty.SpawnerFunc(func(ctx context.Context, cmd pty.Command) (pty.Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, &errs.SpawnError{Command: cmd.String(), Err: err}
		}
		b.mu.Lock()
		b.command = cmd
		if cmd.Size != (pty.Size{}) {
			b.sizes = append(b.sizes, cmd.Size)
		}
		b.mu.Unlock()
		return b, nil
	})
}

// Command returns the command passed to the Spawner.
func (b *Backend) Command() pty.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.command
}

// SetMaxChunk limits how many bytes a single Read returns, to exercise
// arbitrary chunking. Zero means unlimited.
func (b *Backend) SetMaxChunk(n int) {
	b.mu.Lock()
	b.maxChunk = n
	b.mu.Unlock()
}

// Emit appends p to the child's output.
func (b *Backend) Emit(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(p)
}

// EmitString appends s to the child's output.
func (b *Backend) EmitString(s string) { b.Emit([]byte(s)) }

func (b *Backend) emitLocked(p []byte) {
	if b.outEOF {
		return
	}
	b.output.Write(p)
	b.cond.Broadcast()
}

// Reply makes every write whose accumulated input contains trigger emit
// reply as output. Rules are checked in the order added.
func (b *Backend) Reply(trigger, reply string) {
	b.addRule(trigger, reply, false)
}

// ReplyOnce is Reply for a single firing.
func (b *Backend) ReplyOnce(trigger, reply string) {
	b.addRule(trigger, reply, true)
}

func (b *Backend) addRule(trigger, reply string, once bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = append(b.rules, &rule{trigger: []byte(trigger), reply: []byte(reply), once: once})
}

// Exit ends the output stream and resolves Wait with status.
func (b *Backend) Exit(status pty.ExitStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exitLocked(status)
}

func (b *Backend) exitLocked(status pty.ExitStatus) {
	b.outEOF = true
	b.cond.Broadcast()
	if b.exited {
		return
	}
	b.exited = true
	b.status = status
	close(b.done)
}

// Fail makes Read return err once the buffered output is drained, as a
// severed transport would.
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readErr = err
	b.cond.Broadcast()
}

// HoldWrites blocks every Write until ReleaseWrites.
func (b *Backend) HoldWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate == nil {
		b.gate = make(chan struct{})
	}
}

// ReleaseWrites unblocks writes held by HoldWrites.
func (b *Backend) ReleaseWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
}

// Input returns a copy of everything written so far.
func (b *Backend) Input() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.input.Bytes()...)
}

// Sizes returns every size applied, in order.
func (b *Backend) Sizes() []pty.Size {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pty.Size(nil), b.sizes...)
}

// Signals returns every signal delivered, in order.
func (b *Backend) Signals() []pty.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pty.Signal(nil), b.signals...)
}

// Closed reports whether Close has been called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.output.Len() == 0 && !b.outEOF && b.readErr == nil && !b.closed {
		b.cond.Wait()
	}
	if b.output.Len() > 0 {
		if b.maxChunk > 0 && len(p) > b.maxChunk {
			p = p[:b.maxChunk]
		}
		return b.output.Read(p)
	}
	if b.readErr != nil && !b.closed {
		return 0, &errs.IOError{Op: "read", Err: b.readErr}
	}
	return 0, io.EOF
}

func (b *Backend) Write(p []byte) (int, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited || b.closed {
		return 0, &errs.IOError{Op: "write", Err: io.ErrClosedPipe}
	}
	b.input.Write(p)
	for _, r := range b.rules {
		if r.once && r.fired {
			continue
		}
		if bytes.Contains(b.input.Bytes(), r.trigger) {
			r.fired = true
			b.emitLocked(r.reply)
		}
	}
	return len(p), nil
}

func (b *Backend) Resize(size pty.Size) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &errs.NotRunningError{Op: "resize", State: "closed"}
	}
	b.sizes = append(b.sizes, size)
	return nil
}

// Signal records sig. Interrupt leaves the child running; the others
// terminate it the way the Unix backend reports a signal death.
func (b *Backend) Signal(sig pty.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return &errs.NotRunningError{Op: "signal", State: b.status.String()}
	}
	b.signals = append(b.signals, sig)
	if name, fatal := fatalSignals[sig]; fatal {
		b.exitLocked(pty.ExitStatus{Code: -1, Signal: name})
	}
	return nil
}

var fatalSignals = map[pty.Signal]string{
	pty.SigTerminate: "SIGTERM",
	pty.SigKill:      "SIGKILL",
	pty.SigHangup:    "SIGHUP",
	pty.SigQuit:      "SIGQUIT",
}

func (b *Backend) Wait(ctx context.Context) (pty.ExitStatus, error) {
	select {
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.status, nil
	case <-ctx.Done():
		return pty.ExitStatus{}, ctx.Err()
	}
}

// Close hangs up the child if it is still running. Pending output is
// discarded and blocked reads return io.EOF.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.output.Reset()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
	b.exitLocked(pty.ExitStatus{Code: -1, Signal: "SIGHUP"})
	return nil
}

var (
	_ pty.Backend  = (*Backend)(nil)
	_ pty.Signaler = (*Backend)(nil)
)
