package session

import (
	"context"

	"github.com/peterje/expectty/internal/errs"
)

type writeReq struct {
	data []byte
	done chan error
}

// Send writes p to the child and returns once the backend has accepted
// it, so output read by a later Expect was produced after the input.
//
// The session accepts at most WriteQueueCapacity bytes that are not yet
// written. A Send that would exceed it fails with a BackpressureError and
// queues nothing. If ctx ends after the bytes are queued, Send returns
// early but the bytes are still written and count against the capacity
// until they are.
func (s *Session) Send(ctx context.Context, p []byte) (int, error) {
	if err := s.usable("send", false); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.reserve(len(p)); err != nil {
		return 0, err
	}

	req := &writeReq{data: append([]byte(nil), p...), done: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		s.release(len(p))
		return 0, ctx.Err()
	case <-s.ctx.Done():
		s.release(len(p))
		return 0, s.usable("send", false)
	}

	select {
	case err := <-req.done:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, s.usable("send", false)
	}
}

// SendString is Send for a string.
func (s *Session) SendString(ctx context.Context, str string) (int, error) {
	return s.Send(ctx, []byte(str))
}

// SendLine sends str followed by a carriage return, which is what the
// Enter key produces on a terminal.
func (s *Session) SendLine(ctx context.Context, str string) (int, error) {
	return s.Send(ctx, []byte(str+"\r"))
}

// Pending returns the number of input bytes accepted but not yet written.
func (s *Session) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending
}

func (s *Session) reserve(n int) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending+n > s.cfg.WriteQueueCapacity {
		return &errs.BackpressureError{Requested: n, Pending: s.pending, Capacity: s.cfg.WriteQueueCapacity}
	}
	s.pending += n
	return nil
}

func (s *Session) release(n int) {
	s.pendingMu.Lock()
	s.pending -= n
	s.pendingMu.Unlock()
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case req := <-s.writes:
			_, err := s.backend.Write(req.data)
			s.release(len(req.data))
			if err == nil {
				s.observer.OnInput(req.data)
			} else {
				s.log.WithError(err).Debug("write failed")
			}
			req.done <- err
		case <-s.ctx.Done():
			return
		}
	}
}
