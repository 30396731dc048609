// Package errs defines the error kinds surfaced by expectty sessions.
//
// Each kind is a concrete type usable with errors.As, and matches a
// sentinel with errors.Is so callers can branch on the kind alone.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels, one per kind.
var (
	ErrSpawn           = errors.New("spawn failed")
	ErrIO              = errors.New("i/o failure")
	ErrBackpressure    = errors.New("write capacity exceeded")
	ErrPattern         = errors.New("invalid pattern")
	ErrTimeout         = errors.New("timed out")
	ErrPrematureEOF    = errors.New("premature end of stream")
	ErrNotRunning      = errors.New("not running")
	ErrCapacity        = errors.New("buffer capacity exceeded")
	ErrInvalidPosition = errors.New("invalid buffer position")
)

// previewLimit bounds how much observed output an error message quotes.
const previewLimit = 256

// SpawnError reports that a child process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// IOError reports an unrecoverable transport failure.
type IOError struct {
	Op  string // "read", "write", "resize", ...
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// BackpressureError reports that a write would exceed the pending input capacity.
type BackpressureError struct {
	Requested int
	Pending   int
	Capacity  int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("write of %d bytes rejected: %d bytes pending, capacity %d",
		e.Requested, e.Pending, e.Capacity)
}

func (e *BackpressureError) Is(target error) bool { return target == ErrBackpressure }

// PatternError reports a regex or glob source that failed to compile.
type PatternError struct {
	Kind   string // "regex" or "glob"
	Source string
	Err    error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("compile %s %q: %v", e.Kind, e.Source, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

func (e *PatternError) Is(target error) bool { return target == ErrPattern }

// TimeoutError reports a deadline that elapsed before any pattern matched.
// The session stays usable and the observed bytes stay buffered.
type TimeoutError struct {
	Elapsed  time.Duration
	Patterns []string
	Observed []byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("expect timed out after %s waiting for %s; buffered %s",
		e.Elapsed.Round(time.Millisecond), describe(e.Patterns), preview(e.Observed))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// PrematureEOFError reports that the output stream closed with no pattern satisfied.
type PrematureEOFError struct {
	Elapsed  time.Duration
	Patterns []string
	Observed []byte
}

func (e *PrematureEOFError) Error() string {
	return fmt.Sprintf("stream closed after %s waiting for %s; buffered %s",
		e.Elapsed.Round(time.Millisecond), describe(e.Patterns), preview(e.Observed))
}

func (e *PrematureEOFError) Is(target error) bool { return target == ErrPrematureEOF }

// NotRunningError reports an operation against an exited or closed session.
type NotRunningError struct {
	Op    string
	State string
}

func (e *NotRunningError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotRunning)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, ErrNotRunning, e.State)
}

func (e *NotRunningError) Is(target error) bool { return target == ErrNotRunning }

// CapacityError reports an append beyond the buffer's absolute ceiling.
type CapacityError struct {
	Requested int64
	Max       int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("buffer needs %d bytes, ceiling is %d", e.Requested, e.Max)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// InvalidPositionError reports a consume position outside the buffered range.
type InvalidPositionError struct {
	Position int64
	Consumed int64
	Written  int64
}

func (e *InvalidPositionError) Error() string {
	return fmt.Sprintf("position %d outside [%d, %d]", e.Position, e.Consumed, e.Written)
}

func (e *InvalidPositionError) Is(target error) bool { return target == ErrInvalidPosition }

func describe(patterns []string) string {
	if len(patterns) == 0 {
		return "no patterns"
	}
	return "[" + strings.Join(patterns, ", ") + "]"
}

func preview(b []byte) string {
	if len(b) <= previewLimit {
		return fmt.Sprintf("%d bytes %q", len(b), b)
	}
	return fmt.Sprintf("%d bytes, tail %q", len(b), b[len(b)-previewLimit:])
}
