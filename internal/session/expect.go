package session

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/match"
	"github.com/peterje/expectty/internal/pattern"
)

// Expect waits until a pattern in set matches the unconsumed output and
// returns the match. Output up to the end of the match is consumed; the
// rest stays buffered for the next call.
//
// A match that a longer literal or glob could still displace is held
// until more output settles it (see match.Settle). At the end of the
// output or at the deadline the best match in what arrived is returned.
//
// The wait ends at the earliest of ctx's deadline, the set's shortest
// Timeout pattern, or DefaultTimeout when neither applies. A Timeout
// pattern turns expiry into a match on it; otherwise expiry returns a
// TimeoutError. When the output ends, an EOF pattern matches and takes
// the remaining output as Before; without one Expect returns a
// PrematureEOFError. Neither a timeout nor cancellation discards
// buffered output.
func (s *Session) Expect(ctx context.Context, set *pattern.Set) (*match.Result, error) {
	if err := s.usable("expect", true); err != nil {
		return nil, err
	}
	start := time.Now()

	var expired <-chan time.Time
	timeoutIdx := -1
	if d, idx, ok := set.Timeout(); ok {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired, timeoutIdx = timer.C, idx
	} else if _, ok := ctx.Deadline(); !ok && s.cfg.DefaultTimeout > 0 {
		timer := time.NewTimer(s.cfg.DefaultTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	if res, err := s.scan(set, false); res != nil || err != nil {
		return res, err
	}
	for {
		if s.eof {
			return s.resolveEOF(set, start)
		}
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				s.eof = true
				if s.readErr != nil {
					return nil, s.readErr
				}
				if st := s.State(); st.Kind == Closing {
					return nil, &errs.NotRunningError{Op: "expect", State: st.String()}
				}
				continue
			}
			if err := s.append(chunk); err != nil {
				return nil, err
			}
			if res, err := s.scan(set, false); res != nil || err != nil {
				return res, err
			}
		case <-expired:
			if res, err := s.scan(set, true); res != nil || err != nil {
				return res, err
			}
			if timeoutIdx >= 0 {
				return s.resolveStructural(set, timeoutIdx, false)
			}
			return nil, s.timeoutError(set, start)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if res, err := s.scan(set, true); res != nil || err != nil {
					return res, err
				}
				return nil, s.timeoutError(set, start)
			}
			return nil, ctx.Err()
		}
	}
}

// ExpectTimeout is Expect over patterns with a deadline of timeout.
func (s *Session) ExpectTimeout(ctx context.Context, timeout time.Duration, patterns ...pattern.Pattern) (*match.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Expect(ctx, pattern.NewSet(patterns...))
}

func (s *Session) append(chunk []byte) error {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if err := s.buf.Append(chunk); err != nil {
		// The chunk is lost; the stream can no longer be matched exactly.
		s.fail(err)
		return err
	}
	return nil
}

// scan runs the matcher over the unconsumed output and consumes through
// the end of a match. It returns nil, nil when nothing matches yet. final
// is set once no more output will be waited for.
func (s *Session) scan(set *pattern.Set, final bool) (*match.Result, error) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	find := match.Settle
	if final {
		find = match.Find
	}
	res, ok := find(s.buf.Unconsumed(), set)
	if !ok {
		return nil, nil
	}
	return s.consumeLocked(res)
}

// resolveStructural produces a match on the EOF or Timeout pattern at
// idx. EOF consumes everything left; Timeout consumes nothing.
func (s *Session) resolveStructural(set *pattern.Set, idx int, atEnd bool) (*match.Result, error) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	data := s.buf.Unconsumed()
	at := 0
	if atEnd {
		at = len(data)
	}
	return s.consumeLocked(match.Split(data, set.At(idx), idx, at, at))
}

func (s *Session) consumeLocked(res *match.Result) (*match.Result, error) {
	pos := s.buf.Consumed() + int64(res.End)
	if err := s.buf.Advance(pos); err != nil {
		return nil, err
	}
	if err := s.buf.ConsumeThrough(pos); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"pattern": res.Pattern.String(),
		"index":   res.Index,
		"offset":  pos - int64(len(res.Match)),
	}).Debug("matched")
	return res, nil
}

func (s *Session) resolveEOF(set *pattern.Set, start time.Time) (*match.Result, error) {
	if res, err := s.scan(set, true); res != nil || err != nil {
		return res, err
	}
	if idx := set.EOFIndex(); idx >= 0 {
		return s.resolveStructural(set, idx, true)
	}
	return nil, &errs.PrematureEOFError{
		Elapsed:  time.Since(start),
		Patterns: set.Describe(),
		Observed: s.Buffered(),
	}
}

func (s *Session) timeoutError(set *pattern.Set, start time.Time) error {
	return &errs.TimeoutError{
		Elapsed:  time.Since(start),
		Patterns: set.Describe(),
		Observed: s.Buffered(),
	}
}
