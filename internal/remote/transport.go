package remote

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pty"
)

// SecretHeader carries the pre-shared secret on the websocket upgrade.
const SecretHeader = "X-Expectty-Secret"

// WSConn adapts a websocket connection to io.ReadWriteCloser so yamux
// can run over it. Each Write is one binary message.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	msg  io.Reader  // unread remainder of the current message
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) Read(p []byte) (int, error) {
	for {
		if w.msg == nil {
			typ, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			w.msg = r
		}
		n, err := w.msg.Read(p)
		if errors.Is(err, io.EOF) {
			w.msg = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal closure before closing the connection.
func (w *WSConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*WSConn)(nil)

func yamuxConfig(log logrus.FieldLogger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = log
	return cfg
}

// Mux is the client end of a multiplexed connection to a Handler. Every
// Spawn opens a new stream, so many sessions share one connection.
type Mux struct {
	sess *yamux.Session
	log  logrus.FieldLogger
}

// NewMux starts a yamux client over conn.
func NewMux(conn io.ReadWriteCloser, log logrus.FieldLogger) (*Mux, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	sess, err := yamux.Client(conn, yamuxConfig(log))
	if err != nil {
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return &Mux{sess: sess, log: log}, nil
}

// DialMux connects to a Handler at url (ws:// or wss://). secret is sent
// in SecretHeader when non-empty.
func DialMux(ctx context.Context, url, secret string, log logrus.FieldLogger) (*Mux, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if secret != "" {
		header.Set(SecretHeader, secret)
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	m, err := NewMux(NewWSConn(ws), log)
	if err != nil {
		ws.Close()
		return nil, err
	}
	return m, nil
}

// Spawn opens a stream and asks the server to run cmd on it.
func (m *Mux) Spawn(ctx context.Context, cmd pty.Command) (pty.Backend, error) {
	stream, err := m.sess.OpenStream()
	if err != nil {
		return nil, &errs.SpawnError{Command: cmd.String(), Err: fmt.Errorf("open stream: %w", err)}
	}
	c, err := dial(ctx, stream, cmd, m.log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close tears down the connection and every stream on it.
func (m *Mux) Close() error {
	return m.sess.Close()
}

var _ pty.Spawner = (*Mux)(nil)

// Handler upgrades HTTP requests to websockets and serves every yamux
// stream opened on them with a Server.
type Handler struct {
	server   *Server
	secret   string
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler for server. An empty secret disables the
// SecretHeader check.
func NewHandler(server *Server, secret string, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = server.log
	}
	// The Upgrader's default origin check refuses browser pages from
	// other sites and lets through clients that send no Origin.
	return &Handler{
		server: server,
		secret: secret,
		log:    log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(h.secret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("remote: upgrade failed")
		return
	}
	log := h.log.WithField("peer", r.RemoteAddr)
	log.Info("remote: client connected")

	sess, err := yamux.Server(NewWSConn(ws), yamuxConfig(h.log))
	if err != nil {
		log.WithError(err).Warn("remote: yamux server")
		ws.Close()
		return
	}

	var g errgroup.Group
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			if !sess.IsClosed() {
				log.WithError(err).Debug("remote: accept stream")
			}
			break
		}
		g.Go(func() error {
			if err := h.server.ServeConn(r.Context(), stream); err != nil {
				log.WithError(err).Warn("remote: stream failed")
			}
			return nil
		})
	}
	_ = sess.Close()
	_ = g.Wait()
	log.Info("remote: client disconnected")
}
