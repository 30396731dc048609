// Package session drives one child process through a pseudo-terminal:
// it reads output into a buffer, matches patterns against it, and writes
// input back.
//
// A Session owns its backend and buffer. Expect and Send must not be
// called concurrently on the same session; separate sessions are fully
// independent.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peterje/expectty/internal/buffer"
	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pattern"
	"github.com/peterje/expectty/internal/pty"
)

const (
	// readQueueLen is how many chunks the reader may hold before it stops
	// reading, which in turn stalls the child on a full terminal.
	readQueueLen = 16
	// writeQueueLen is how many Send calls may be queued for the writer.
	writeQueueLen = 64
	// closeWaitTimeout bounds how long Close waits for the stream
	// goroutines after closing the backend.
	closeWaitTimeout = time.Second
)

// Session is a running child attached to a Backend.
type Session struct {
	id       string
	cfg      Config
	log      logrus.FieldLogger
	backend  pty.Backend
	observer Observer

	// Expect-side state. Only the caller of Expect touches eof.
	bufMu sync.Mutex
	buf   *buffer.Buffer
	eof   bool

	chunks  chan []byte
	readErr error // set before chunks is closed

	writes    chan *writeReq
	pendingMu sync.Mutex
	pending   int

	mu     sync.Mutex
	state  State
	status *pty.ExitStatus

	ctx        context.Context // cancelled by Close
	cancel     context.CancelFunc
	closeOnce  sync.Once
	readerDone chan struct{}
	writerDone chan struct{}
	waiterDone chan struct{}
}

// Spawn starts cmd with the configured spawner and wraps it in a Session.
func Spawn(ctx context.Context, cmd pty.Command, opts ...Option) (*Session, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	backend, err := o.spawner.Spawn(ctx, cmd)
	if err != nil {
		var spawnErr *errs.SpawnError
		if !errors.As(err, &spawnErr) {
			err = &errs.SpawnError{Command: cmd.String(), Err: err}
		}
		return nil, err
	}
	s, err := newSession(backend, o)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	s.log.WithField("command", cmd.String()).Debug("session started")
	return s, nil
}

// New wraps an already started backend, such as an SSH channel or a mock.
func New(backend pty.Backend, opts ...Option) (*Session, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newSession(backend, o)
}

func newSession(backend pty.Backend, o *options) (*Session, error) {
	if o.cfg.RegexCacheCapacity > 0 {
		if err := pattern.SetCacheCapacity(o.cfg.RegexCacheCapacity); err != nil {
			return nil, err
		}
	}
	buf, err := buffer.New(o.cfg.bufferConfig())
	if err != nil {
		return nil, err
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		cfg:        o.cfg,
		log:        o.log.WithFields(logrus.Fields{"component": "session", "session_id": id}),
		backend:    backend,
		observer:   observers(o.observers),
		buf:        buf,
		chunks:     make(chan []byte, readQueueLen),
		writes:     make(chan *writeReq, writeQueueLen),
		state:      State{Kind: Created},
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		waiterDone: make(chan struct{}),
	}

	s.transition(Created, State{Kind: Running})
	go s.readLoop()
	go s.writeLoop()
	go s.waitLoop()
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves from one of the given states to next. It reports
// false, changing nothing, if the session is in any other state.
func (s *Session) transition(from StateKind, next State, alsoFrom ...StateKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.state.Kind
	if cur != from {
		allowed := false
		for _, k := range alsoFrom {
			if cur == k {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	s.state = next
	s.log.WithFields(logrus.Fields{"from": cur.String(), "to": next.String()}).Debug("state changed")
	return true
}

// fail records an unrecoverable transport error.
func (s *Session) fail(cause error) {
	if s.transition(Running, State{Kind: Failed, Cause: cause}, Exited) {
		s.log.WithError(cause).Warn("session failed")
	}
}

// usable returns the error an operation should fail with, if any. Exited
// sessions stay usable for operations that only read buffered output.
func (s *Session) usable(op string, allowExited bool) error {
	st := s.State()
	switch st.Kind {
	case Running:
		return nil
	case Exited:
		if allowExited {
			return nil
		}
	case Failed:
		return st.Cause
	}
	return &errs.NotRunningError{Op: op, State: st.String()}
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.chunks)
	p := make([]byte, s.cfg.ReadChunkSize)
	for {
		n, err := s.backend.Read(p)
		if n > 0 {
			chunk := append([]byte(nil), p[:n]...)
			s.observer.OnOutput(chunk)
			select {
			case s.chunks <- chunk:
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.readErr = err
				s.fail(err)
			}
			return
		}
	}
}

func (s *Session) waitLoop() {
	defer close(s.waiterDone)
	status, err := s.backend.Wait(s.ctx)
	if err != nil {
		return
	}
	s.recordExit(status)
}

func (s *Session) recordExit(status pty.ExitStatus) {
	s.mu.Lock()
	if s.status == nil {
		s.status = &status
	}
	s.mu.Unlock()
	if s.transition(Running, State{Kind: Exited, Status: status}) {
		s.log.WithField("status", status.String()).Debug("child exited")
	}
}

// Wait blocks until the child exits and returns its status.
func (s *Session) Wait(ctx context.Context) (pty.ExitStatus, error) {
	if st, ok := s.ExitStatus(); ok {
		return st, nil
	}
	status, err := s.backend.Wait(ctx)
	if err != nil {
		return pty.ExitStatus{}, err
	}
	s.recordExit(status)
	return status, nil
}

// ExitStatus returns the child's status if it has exited.
func (s *Session) ExitStatus() (pty.ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return pty.ExitStatus{}, false
	}
	return *s.status, true
}

// Buffered returns a copy of the output read but not yet consumed by a
// match.
func (s *Session) Buffered() []byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return append([]byte(nil), s.buf.Unconsumed()...)
}

// Resize changes the terminal size.
func (s *Session) Resize(rows, cols uint16) error {
	if err := s.usable("resize", false); err != nil {
		return err
	}
	return s.backend.Resize(pty.Size{Rows: rows, Cols: cols})
}

// Signal delivers sig to the child if the backend supports signals.
func (s *Session) Signal(sig pty.Signal) error {
	if err := s.usable("signal", false); err != nil {
		return err
	}
	sg, ok := s.backend.(pty.Signaler)
	if !ok {
		return fmt.Errorf("signal %s: %w", sig, errors.ErrUnsupported)
	}
	return sg.Signal(sig)
}

// Close tears the session down. It may be called from any state and any
// number of times; only the first call does anything or reports an error.
func (s *Session) Close() error {
	err := errAlreadyClosed
	s.closeOnce.Do(func() {
		err = s.close()
	})
	if err == errAlreadyClosed {
		return nil
	}
	return err
}

var errAlreadyClosed = errors.New("already closed")

func (s *Session) close() error {
	s.mu.Lock()
	prev := s.state
	s.state = State{Kind: Closing}
	s.mu.Unlock()
	s.log.WithField("from", prev.String()).Debug("closing")

	s.cancel()
	err := s.backend.Close()

	timer := time.NewTimer(closeWaitTimeout)
	defer timer.Stop()
wait:
	for _, done := range []chan struct{}{s.readerDone, s.writerDone, s.waiterDone} {
		select {
		case <-done:
		case <-timer.C:
			s.log.Warn("timed out waiting for session goroutines")
			break wait
		}
	}

	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if bufErr := s.buf.Close(); bufErr != nil && err == nil {
		err = bufErr
	}
	return err
}
