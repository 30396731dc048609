package pty

import (
	"context"
	"fmt"
)

// Backend is a child process attached to a terminal-like byte stream.
// Local PTYs, SSH channels, remote hosts and mocks all implement it, and
// the session engine drives them without knowing which one it has.
type Backend interface {
	// Read blocks until at least one byte is available and returns it.
	// At end of stream it returns 0, io.EOF. Transient interruptions are
	// retried by the implementation.
	Read(p []byte) (int, error)

	// Write blocks until the bytes are accepted.
	Write(p []byte) (int, error)

	// Resize sets the window size and notifies the child. Idempotent.
	Resize(size Size) error

	// Wait blocks until the child exits. Later calls return the cached status.
	Wait(ctx context.Context) (ExitStatus, error)

	// Close releases the terminal and any reaping resources. Safe to call
	// more than once.
	Close() error
}

// Signaler is implemented by backends that can deliver process signals.
type Signaler interface {
	Signal(sig Signal) error
}

// Spawner starts a command attached to a new Backend.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Backend, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, cmd Command) (Backend, error)

func (f SpawnerFunc) Spawn(ctx context.Context, cmd Command) (Backend, error) {
	return f(ctx, cmd)
}

// Size is a terminal window size in character cells.
type Size struct {
	Rows uint16 `json:"rows" yaml:"rows"`
	Cols uint16 `json:"cols" yaml:"cols"`
}

// DefaultSize is used when a Command leaves Size zero.
var DefaultSize = Size{Rows: 24, Cols: 80}

// Command describes a child process to spawn.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	// Env is the full child environment. Nil inherits the current process
	// environment.
	Env  []string `json:"env,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Size Size     `json:"size"`
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

func (c Command) size() Size {
	if c.Size.Rows == 0 || c.Size.Cols == 0 {
		return DefaultSize
	}
	return c.Size
}

// ExitStatus describes how a child terminated.
type ExitStatus struct {
	// Code is the exit code, or -1 if the child was killed by a signal.
	Code int `json:"code"`
	// Signal names the terminating signal, if any.
	Signal string `json:"signal,omitempty"`
}

// Success reports whether the child exited normally with code zero.
func (s ExitStatus) Success() bool { return s.Code == 0 && s.Signal == "" }

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Signal is a platform-neutral process signal.
type Signal int

const (
	SigInterrupt Signal = iota + 1
	SigTerminate
	SigKill
	SigHangup
	SigQuit
)

func (s Signal) String() string {
	switch s {
	case SigInterrupt:
		return "interrupt"
	case SigTerminate:
		return "terminate"
	case SigKill:
		return "kill"
	case SigHangup:
		return "hangup"
	case SigQuit:
		return "quit"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// ParseSignal is the inverse of Signal.String.
func ParseSignal(name string) (Signal, error) {
	for s := SigInterrupt; s <= SigQuit; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// Spawn starts cmd on the local platform's pseudo-terminal.
func Spawn(ctx context.Context, cmd Command) (Backend, error) {
	return Local{}.Spawn(ctx, cmd)
}
