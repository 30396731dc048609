package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/mockpty"
	"github.com/peterje/expectty/internal/pattern"
	"github.com/peterje/expectty/internal/pty"
	"github.com/peterje/expectty/internal/session"
)

const wait = 5 * time.Second

// serve runs a Server on one end of a pipe and returns the other end.
func serve(t *testing.T, spawner pty.Spawner) (*Server, net.Conn) {
	t.Helper()
	srv := NewServer(spawner, nil)
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeConn(context.Background(), server)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return srv, client
}

func TestDialRunsDialog(t *testing.T) {
	mock := mockpty.New()
	mock.EmitString("login: ")
	mock.ReplyOnce("admin\r", "Password: ")
	mock.ReplyOnce("secret\r", "PASS\r\n$ ")
	srv, conn := serve(t, mock.Spawner())

	cmd := pty.Command{Path: "login", Args: []string{"-f"}, Size: pty.Size{Rows: 30, Cols: 100}}
	c, err := Dial(t.Context(), conn, cmd)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, cmd, mock.Command())

	active := srv.Active()
	require.Len(t, active, 1)
	assert.Equal(t, c.ID(), active[0].ID)
	assert.Equal(t, "login", active[0].Command.Path)

	s, err := session.New(c)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ExpectTimeout(t.Context(), wait, pattern.Literal("login: "))
	require.NoError(t, err)
	_, err = s.SendLine(t.Context(), "admin")
	require.NoError(t, err)
	_, err = s.ExpectTimeout(t.Context(), wait, pattern.Literal("Password: "))
	require.NoError(t, err)
	_, err = s.SendLine(t.Context(), "secret")
	require.NoError(t, err)
	res, err := s.ExpectTimeout(t.Context(), wait, pattern.MustRegex(`PASS|FAIL`))
	require.NoError(t, err)
	assert.Equal(t, "PASS", string(res.Match))

	mock.Exit(pty.ExitStatus{Code: 3})
	res, err = s.ExpectTimeout(t.Context(), wait, pattern.EOF())
	require.NoError(t, err)
	assert.Equal(t, "\r\n$ ", string(res.Before))

	status, err := s.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)

	require.NoError(t, s.Close())
	assert.Eventually(t, func() bool { return len(srv.Active()) == 0 }, wait, 10*time.Millisecond)
}

func TestSpawnFailureIsTyped(t *testing.T) {
	spawner := pty.SpawnerFunc(func(_ context.Context, cmd pty.Command) (pty.Backend, error) {
		return nil, &errs.SpawnError{Command: cmd.String(), Err: os.ErrNotExist}
	})
	_, conn := serve(t, spawner)

	_, err := Dial(t.Context(), conn, pty.Command{Path: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSpawn)
	assert.Contains(t, err.Error(), "file does not exist")
}

func TestResizeAndSignal(t *testing.T) {
	mock := mockpty.New()
	_, conn := serve(t, mock.Spawner())
	c, err := Dial(t.Context(), conn, pty.Command{Path: "sh"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Resize(pty.Size{Rows: 30, Cols: 100}))
	assert.Equal(t, []pty.Size{{Rows: 30, Cols: 100}}, mock.Sizes())

	require.NoError(t, c.Signal(pty.SigInterrupt))
	assert.Equal(t, []pty.Signal{pty.SigInterrupt}, mock.Signals())

	require.NoError(t, c.Signal(pty.SigTerminate))
	ctx, cancel := context.WithTimeout(t.Context(), wait)
	defer cancel()
	status, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SIGTERM", status.Signal)

	_, err = c.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	_, err = c.Write([]byte("late"))
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.ErrorIs(t, c.Resize(pty.Size{Rows: 1, Cols: 1}), errs.ErrNotRunning)
	assert.ErrorIs(t, c.Signal(pty.SigKill), errs.ErrNotRunning)
}

func TestCloseHangsUpChild(t *testing.T) {
	mock := mockpty.New()
	srv, conn := serve(t, mock.Spawner())
	c, err := Dial(t.Context(), conn, pty.Command{Path: "sh"})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, mock.Closed())

	status, err := c.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "SIGHUP", status.Signal)
	assert.Eventually(t, func() bool { return len(srv.Active()) == 0 }, wait, 10*time.Millisecond)
}

func TestLargeWriteIsChunked(t *testing.T) {
	mock := mockpty.New()
	_, conn := serve(t, mock.Spawner())
	c, err := Dial(t.Context(), conn, pty.Command{Path: "cat"})
	require.NoError(t, err)
	defer c.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 100<<10/16)
	n, err := c.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Eventually(t, func() bool { return bytes.Equal(payload, mock.Input()) }, wait, 10*time.Millisecond)
}

func TestTransportLossIsIOError(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		_, payload, err := readFrame(r)
		if err != nil {
			return
		}
		req, err := readControl[Request](payload)
		if err != nil {
			return
		}
		_ = writeControl(server, Response{ID: req.ID, Event: evtSpawned, SessionID: "s1"})
		_ = writeFrame(server, frameData, []byte("partial"))
	}()

	c, err := Dial(t.Context(), client, pty.Command{Path: "sh"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "s1", c.ID())

	p := make([]byte, 16)
	n, err := c.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(p[:n]))

	_, err = c.Read(p)
	assert.ErrorIs(t, err, errs.ErrIO)

	status, err := c.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, -1, status.Code)
	assert.ErrorIs(t, c.Resize(pty.Size{Rows: 1, Cols: 1}), errs.ErrNotRunning)
}

// rawClient speaks the frame protocol directly.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (rc *rawClient) call(req Request) Response {
	rc.t.Helper()
	require.NoError(rc.t, writeControl(rc.conn, req))
	for {
		frameType, payload, err := readFrame(rc.r)
		require.NoError(rc.t, err)
		if frameType != frameControl {
			continue
		}
		resp, err := readControl[Response](payload)
		require.NoError(rc.t, err)
		return resp
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	mock := mockpty.New()
	_, conn := serve(t, mock.Spawner())
	rc := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}

	resp := rc.call(Request{ID: "1", Command: cmdSpawn, Spawn: &pty.Command{Path: "sh"}})
	assert.Equal(t, evtSpawned, resp.Event)
	assert.Equal(t, "1", resp.ID)

	resp = rc.call(Request{ID: "2", Command: cmdSpawn, Spawn: &pty.Command{Path: "sh"}})
	assert.Equal(t, evtError, resp.Event)
	assert.Contains(t, resp.Error, "already spawned")

	resp = rc.call(Request{ID: "3", Command: "bogus"})
	assert.Equal(t, evtError, resp.Event)

	resp = rc.call(Request{ID: "4", Command: cmdSignal, Signal: "nope"})
	assert.Equal(t, evtError, resp.Event)
	assert.Contains(t, resp.Error, "unknown signal")

	resp = rc.call(Request{ID: "5", Command: cmdResize, Rows: 10, Cols: 20})
	assert.Equal(t, evtOK, resp.Event)
	assert.Equal(t, []pty.Size{{Rows: 10, Cols: 20}}, mock.Sizes())
}

func TestFirstRequestMustSpawn(t *testing.T) {
	srv := NewServer(mockpty.New().Spawner(), nil)
	server, client := net.Pipe()
	defer client.Close()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(t.Context(), server) }()

	rc := &rawClient{t: t, conn: client, r: bufio.NewReader(client)}
	resp := rc.call(Request{ID: "1", Command: cmdResize, Rows: 1, Cols: 1})
	assert.Equal(t, evtError, resp.Event)
	assert.ErrorContains(t, <-done, "expected spawn request")
	assert.Empty(t, srv.Active())
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameData, []byte("hello")))
	frameType, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameData, frameType)
	assert.Equal(t, "hello", string(payload))

	hdr := make([]byte, 4)
	_, _, err = readFrame(bytes.NewReader(hdr))
	assert.ErrorContains(t, err, "empty frame")

	binary.BigEndian.PutUint32(hdr, maxFrame+1)
	_, _, err = readFrame(bytes.NewReader(hdr))
	assert.ErrorContains(t, err, "frame too large")

	assert.Error(t, writeFrame(io.Discard, frameData, make([]byte, maxFrame)))

	_, _, err = readFrame(bytes.NewReader([]byte{0, 0, 0, 9, frameData, 'x'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOverWebSocket(t *testing.T) {
	mock := mockpty.New()
	mock.EmitString("ready\r\n$ ")
	mock.Reply("ping\r", "pong\r\n$ ")
	srv := NewServer(mock.Spawner(), nil)
	hs := httptest.NewServer(NewHandler(srv, "s3cret", nil))
	defer hs.Close()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	_, err := DialMux(t.Context(), url, "wrong", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	mux, err := DialMux(t.Context(), url, "s3cret", nil)
	require.NoError(t, err)
	defer mux.Close()

	s, err := session.Spawn(t.Context(), pty.Command{Path: "shell"}, session.WithSpawner(mux))
	require.NoError(t, err)
	_, err = s.ExpectTimeout(t.Context(), wait, pattern.Literal("$ "))
	require.NoError(t, err)
	_, err = s.SendLine(t.Context(), "ping")
	require.NoError(t, err)
	pong, err := pattern.Glob("p?ng")
	require.NoError(t, err)
	res, err := s.ExpectTimeout(t.Context(), wait, pong)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(res.Match))
	assert.Len(t, srv.Active(), 1)

	require.NoError(t, s.Close())
	assert.True(t, mock.Closed())
	assert.Eventually(t, func() bool { return len(srv.Active()) == 0 }, wait, 10*time.Millisecond)
}

func TestCrossOriginUpgradeIsRejected(t *testing.T) {
	srv := NewServer(mockpty.New().Spawner(), nil)
	hs := httptest.NewServer(NewHandler(srv, "", nil))
	defer hs.Close()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Nil(t, ws)

	ws, _, err = websocket.DefaultDialer.DialContext(t.Context(), url, http.Header{"Origin": {hs.URL}})
	require.NoError(t, err)
	ws.Close()

	mux, err := DialMux(t.Context(), url, "", nil)
	require.NoError(t, err)
	mux.Close()
}

func TestMuxCarriesManySessions(t *testing.T) {
	spawner := pty.SpawnerFunc(func(ctx context.Context, cmd pty.Command) (pty.Backend, error) {
		m := mockpty.New()
		m.EmitString(cmd.Path + "> ")
		return m.Spawner().Spawn(ctx, cmd)
	})
	srv := NewServer(spawner, nil)
	hs := httptest.NewServer(NewHandler(srv, "", nil))
	defer hs.Close()

	mux, err := DialMux(t.Context(), "ws"+strings.TrimPrefix(hs.URL, "http"), "", nil)
	require.NoError(t, err)
	defer mux.Close()

	names := []string{"alpha", "beta", "gamma"}
	sessions := make([]*session.Session, len(names))
	for i, name := range names {
		s, err := session.Spawn(t.Context(), pty.Command{Path: name}, session.WithSpawner(mux))
		require.NoError(t, err)
		defer s.Close()
		sessions[i] = s
	}
	for i, s := range sessions {
		res, err := s.ExpectTimeout(t.Context(), wait, pattern.MustRegex(`\w+> `))
		require.NoError(t, err)
		assert.Equal(t, names[i]+"> ", string(res.Match))
	}
	require.Len(t, srv.Active(), len(names))

	assert.Error(t, srv.Stop("missing"))
	require.NoError(t, srv.Stop(srv.Active()[0].ID))
	srv.CloseAll()
	for _, s := range sessions {
		_, err := s.ExpectTimeout(t.Context(), wait, pattern.EOF())
		require.NoError(t, err)
		status, err := s.Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "SIGHUP", status.Signal)
	}
}
