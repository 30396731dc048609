package session

import (
	"fmt"

	"github.com/peterje/expectty/internal/pty"
)

// StateKind enumerates the session lifecycle.
type StateKind int

const (
	// Created is the state before the reader and writer are started.
	Created StateKind = iota
	// Running means the child is alive and the session accepts operations.
	Running
	// Closing is entered by Close and is final.
	Closing
	// Exited means the child terminated. Buffered output can still be expected.
	Exited
	// Failed means the transport broke. Every later operation returns the cause.
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Created:
		return "created"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// State is a snapshot of the lifecycle. Status is set for Exited, Cause
// for Failed.
type State struct {
	Kind   StateKind
	Status pty.ExitStatus
	Cause  error
}

func (s State) String() string {
	switch s.Kind {
	case Exited:
		return fmt.Sprintf("exited(%s)", s.Status)
	case Failed:
		return fmt.Sprintf("failed(%v)", s.Cause)
	default:
		return s.Kind.String()
	}
}
