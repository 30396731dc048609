// Package remote hosts pseudo-terminals for clients on other machines and
// provides the client side as a pty.Backend. One stream carries one PTY:
// the client opens it with a spawn request, then exchanges input and
// output frames and a few control requests until either side closes.
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peterje/expectty/internal/pty"
)

// closeWait bounds how long a close request waits for the child's exit
// to be reported before acknowledging.
const closeWait = 2 * time.Second

// connWriter serializes frame writes from the request loop and the
// output pump.
type connWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func (cw *connWriter) writeControl(msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeControl(cw.w, msg)
}

func (cw *connWriter) writeFrame(frameType byte, payload []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeFrame(cw.w, frameType, payload)
}

// Server spawns a PTY for each connection it serves.
type Server struct {
	spawner pty.Spawner
	log     logrus.FieldLogger
	reg     *registry
}

// NewServer returns a Server spawning with spawner, normally pty.Local.
func NewServer(spawner pty.Spawner, log logrus.FieldLogger) *Server {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Server{
		spawner: spawner,
		log:     log.WithField("component", "remote"),
		reg:     newRegistry(),
	}
}

// Active lists the PTYs currently hosted, oldest first.
func (s *Server) Active() []Hosted {
	return s.reg.list()
}

// Stop closes the hosted PTY with the given session ID. The owning
// connection reports the exit to its client.
func (s *Server) Stop(id string) error {
	h := s.reg.get(id)
	if h == nil {
		return fmt.Errorf("session not found: %s", id)
	}
	return h.backend.Close()
}

// CloseAll closes every hosted PTY.
func (s *Server) CloseAll() {
	s.reg.closeAll()
}

// ServeConn reads a spawn request from conn, runs the PTY and serves it
// until the client sends close, disconnects, or ctx is done. conn is
// closed on return.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()
	cw := &connWriter{w: conn}
	r := bufio.NewReader(conn)

	frameType, payload, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("read spawn request: %w", err)
	}
	if frameType != frameControl {
		return fmt.Errorf("expected spawn request, got frame type %#x", frameType)
	}
	req, err := readControl[Request](payload)
	if err != nil {
		return err
	}
	if req.Command != cmdSpawn || req.Spawn == nil {
		_ = cw.writeControl(Response{ID: req.ID, Event: evtError, Error: "first request must be spawn"})
		return fmt.Errorf("expected spawn request, got %q", req.Command)
	}

	backend, err := s.spawner.Spawn(ctx, *req.Spawn)
	if err != nil {
		s.log.WithError(err).WithField("command", req.Spawn.String()).Warn("remote: spawn failed")
		_ = cw.writeControl(Response{ID: req.ID, Event: evtError, Error: err.Error()})
		return err
	}

	h := &hosted{
		Hosted:  Hosted{ID: uuid.NewString(), Command: *req.Spawn, Started: time.Now()},
		backend: backend,
	}
	log := s.log.WithFields(logrus.Fields{"session_id": h.ID, "command": h.Command.String()})
	s.reg.add(h)

	pumpDone := make(chan struct{})
	defer func() {
		_ = backend.Close()
		<-pumpDone
		s.reg.remove(h.ID)
	}()

	if err := cw.writeControl(Response{ID: req.ID, Event: evtSpawned, SessionID: h.ID}); err != nil {
		close(pumpDone)
		return err
	}
	log.Info("remote: pty spawned")

	go func() {
		defer close(pumpDone)
		s.pump(ctx, cw, backend, log)
	}()

	for {
		frameType, payload, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("remote: client disconnected")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch frameType {
		case frameInput:
			if _, err := backend.Write(payload); err != nil {
				log.WithError(err).Debug("remote: input dropped")
			}
		case frameControl:
			req, err := readControl[Request](payload)
			if err != nil {
				log.WithError(err).Warn("remote: ignoring control frame")
				continue
			}
			if s.handleControl(cw, backend, req, pumpDone, log) {
				return nil
			}
		}
	}
}

// handleControl answers one request and reports whether the connection
// is finished.
func (s *Server) handleControl(cw *connWriter, backend pty.Backend, req Request, pumpDone <-chan struct{}, log logrus.FieldLogger) bool {
	reply := func(err error) {
		resp := Response{ID: req.ID, Event: evtOK}
		if err != nil {
			resp = Response{ID: req.ID, Event: evtError, Error: err.Error()}
		}
		if werr := cw.writeControl(resp); werr != nil {
			log.WithError(werr).Debug("remote: reply failed")
		}
	}

	switch req.Command {
	case cmdResize:
		reply(backend.Resize(pty.Size{Rows: req.Rows, Cols: req.Cols}))

	case cmdSignal:
		sig, err := pty.ParseSignal(req.Signal)
		if err != nil {
			reply(err)
			return false
		}
		sg, ok := backend.(pty.Signaler)
		if !ok {
			reply(errors.ErrUnsupported)
			return false
		}
		reply(sg.Signal(sig))

	case cmdClose:
		err := backend.Close()
		timer := time.NewTimer(closeWait)
		select {
		case <-pumpDone:
		case <-timer.C:
			log.Warn("remote: exit not observed before close acknowledgement")
		}
		timer.Stop()
		reply(err)
		return true

	case cmdSpawn:
		reply(errors.New("pty already spawned on this stream"))

	default:
		reply(fmt.Errorf("unknown command %q", req.Command))
	}
	return false
}

// pump forwards PTY output as data frames, then reports the exit status.
func (s *Server) pump(ctx context.Context, cw *connWriter, backend pty.Backend, log logrus.FieldLogger) {
	buf := make([]byte, maxChunk)
	for {
		n, err := backend.Read(buf)
		if n > 0 {
			if werr := cw.writeFrame(frameData, buf[:n]); werr != nil {
				log.WithError(werr).Debug("remote: output dropped, client gone")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("remote: pty read failed")
			}
			break
		}
	}

	status, err := backend.Wait(ctx)
	if err != nil {
		return
	}
	log.WithField("status", status.String()).Info("remote: pty exited")
	if err := cw.writeControl(Response{Event: evtExited, Status: &status}); err != nil {
		log.WithError(err).Debug("remote: exit notification dropped")
	}
}
