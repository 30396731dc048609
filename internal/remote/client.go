package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pty"
)

// requestTimeout bounds control requests that take no context.
const requestTimeout = 10 * time.Second

// Client is a PTY hosted by a remote Server, reached over one stream.
type Client struct {
	conn io.ReadWriteCloser
	log  logrus.FieldLogger
	id   string

	writeMu sync.Mutex // serializes frames

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan Response

	// Output received but not yet read
	mu      sync.Mutex
	cond    *sync.Cond
	out     bytes.Buffer
	outEOF  bool
	readErr error
	closed  bool

	done     chan struct{}
	status   pty.ExitStatus
	exitOnce sync.Once

	loopDone  chan struct{}
	closeOnce sync.Once
}

// Dial asks the server at the other end of conn to spawn cmd. On success
// the Client owns conn.
func Dial(ctx context.Context, conn io.ReadWriteCloser, cmd pty.Command) (*Client, error) {
	return dial(ctx, conn, cmd, nil)
}

func dial(ctx context.Context, conn io.ReadWriteCloser, cmd pty.Command, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	c := &Client{
		conn:     conn,
		log:      log.WithField("component", "remote"),
		pending:  make(map[string]chan Response),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.readLoop()

	resp, err := c.request(ctx, Request{Command: cmdSpawn, Spawn: &cmd})
	if err == nil && resp.Event != evtSpawned {
		err = fmt.Errorf("unexpected response %q", resp.Event)
	}
	if err != nil {
		_ = conn.Close()
		c.awaitLoop()
		return nil, &errs.SpawnError{Command: cmd.String(), Err: err}
	}
	c.id = resp.SessionID
	c.log.WithFields(logrus.Fields{"remote_id": c.id, "command": cmd.String()}).Debug("remote: pty spawned")
	return c, nil
}

// ID returns the session ID the server assigned.
func (c *Client) ID() string { return c.id }

// request sends req and waits for its response. An error event is
// returned as an error.
func (c *Client) request(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := writeControl(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, &errs.IOError{Op: req.Command, Err: err}
	}

	select {
	case resp := <-ch:
		if resp.Event == evtError {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-c.loopDone:
		return Response{}, &errs.IOError{Op: req.Command, Err: io.ErrUnexpectedEOF}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.loopDone)
	r := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(r)
		if err != nil {
			c.lost(err)
			return
		}

		switch frameType {
		case frameData:
			c.mu.Lock()
			c.out.Write(payload)
			c.cond.Broadcast()
			c.mu.Unlock()
		case frameControl:
			resp, err := readControl[Response](payload)
			if err != nil {
				c.log.WithError(err).Warn("remote: ignoring control frame")
				continue
			}
			c.handleControl(resp)
		}
	}
}

func (c *Client) handleControl(resp Response) {
	if resp.Event == evtExited && resp.ID == "" {
		status := pty.ExitStatus{Code: -1}
		if resp.Status != nil {
			status = *resp.Status
		}
		c.mu.Lock()
		c.outEOF = true
		c.cond.Broadcast()
		c.mu.Unlock()
		c.finish(status)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

// lost records the end of the stream. Output already received stays
// readable; a stream that ends before the exit notification is a
// transport failure unless the Client closed it.
func (c *Client) lost(err error) {
	c.mu.Lock()
	if !c.closed && !c.outEOF {
		c.readErr = &errs.IOError{Op: "read", Err: err}
		c.log.WithError(err).Warn("remote: stream lost")
	}
	c.outEOF = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.finish(pty.ExitStatus{Code: -1})
}

// awaitLoop waits for the read loop to stop after the stream is closed.
// Some transports only unblock once the peer closes its side as well.
func (c *Client) awaitLoop() {
	timer := time.NewTimer(closeWait)
	defer timer.Stop()
	select {
	case <-c.loopDone:
	case <-timer.C:
	}
}

func (c *Client) finish(status pty.ExitStatus) {
	c.exitOnce.Do(func() {
		c.status = status
		close(c.done)
	})
}

func (c *Client) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.out.Len() == 0 && !c.outEOF && !c.closed {
		c.cond.Wait()
	}
	if c.out.Len() > 0 {
		return c.out.Read(p)
	}
	if c.readErr != nil && !c.closed {
		return 0, c.readErr
	}
	return 0, io.EOF
}

func (c *Client) Write(p []byte) (int, error) {
	if c.exited() {
		return 0, &errs.IOError{Op: "write", Err: io.ErrClosedPipe}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	written := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), maxChunk)]
		if err := writeFrame(c.conn, frameInput, chunk); err != nil {
			return written, &errs.IOError{Op: "write", Err: err}
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *Client) Resize(size pty.Size) error {
	return c.control(Request{Command: cmdResize, Rows: size.Rows, Cols: size.Cols})
}

func (c *Client) Signal(sig pty.Signal) error {
	return c.control(Request{Command: cmdSignal, Signal: sig.String()})
}

func (c *Client) control(req Request) error {
	if c.exited() {
		return &errs.NotRunningError{Op: req.Command, State: c.status.String()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.request(ctx, req); err != nil {
		var ioErr *errs.IOError
		if errors.As(err, &ioErr) {
			return err
		}
		return &errs.IOError{Op: req.Command, Err: err}
	}
	return nil
}

func (c *Client) Wait(ctx context.Context) (pty.ExitStatus, error) {
	select {
	case <-c.done:
		return c.status, nil
	case <-ctx.Done():
		return pty.ExitStatus{}, ctx.Err()
	}
}

// Close asks the server to hang up the child, waits for the exit report,
// then closes the stream.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if !c.exited() {
			ctx, cancel := context.WithTimeout(context.Background(), closeWait+time.Second)
			if _, rerr := c.request(ctx, Request{Command: cmdClose}); rerr != nil {
				c.log.WithError(rerr).Debug("remote: close request failed")
			}
			cancel()
		}

		c.mu.Lock()
		c.closed = true
		c.cond.Broadcast()
		c.mu.Unlock()

		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		c.awaitLoop()
		c.finish(pty.ExitStatus{Code: -1, Signal: "SIGHUP"})
	})
	return err
}

var (
	_ pty.Backend  = (*Client)(nil)
	_ pty.Signaler = (*Client)(nil)
)
