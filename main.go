package main

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/peterje/expectty/internal/pty"
	"github.com/peterje/expectty/internal/remote"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "expectty: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches subcommands. "serve" is the default.
func run(args []string) error {
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}

	fs := pflag.NewFlagSet("expectty serve", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML config file")
	flagged := defaultConfig()
	addFlags(fs, &flagged)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	overlay(&cfg, flagged, fs)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg Config, log *logrus.Logger) error {
	spawner := newPolicySpawner(pty.Local{Logger: log}, cfg, log.WithField("component", "policy"))
	host := remote.NewServer(spawner, log)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: loggingMiddleware(log, recoveryMiddleware(log, newRouter(host, cfg, log))),
	}

	if _, err := exec.LookPath(cfg.Shell); err != nil {
		log.WithError(err).Warn("shell not found, spawns without a path will fail")
	}
	if cfg.TLS || cfg.TLSCert != "" {
		tc, err := tlsConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSDir)
		if err != nil {
			return err
		}
		httpSrv.TLSConfig = tc
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Listen, "tls": httpSrv.TLSConfig != nil}).Info("serving remote PTYs")
		if httpSrv.TLSConfig != nil {
			errCh <- httpSrv.ListenAndServeTLS("", "")
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	// Hijacked websockets are not tracked by Shutdown; closing the PTYs
	// sends each client its exit notification.
	host.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// newRouter mounts the websocket endpoint and a small inspection API.
func newRouter(host *remote.Server, cfg Config, log logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()
	ws := remote.NewHandler(host, cfg.Secret, log.WithField("component", "remote"))
	mux.Handle("GET /pty", ws)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	api.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, host.Active())
	})
	api.HandleFunc("DELETE /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := host.Stop(r.PathValue("id")); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/api/", secretMiddleware(cfg.Secret, api))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// secretMiddleware enforces remote.SecretHeader on everything but the
// health check.
func secretMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := []byte(r.Header.Get(remote.SecretHeader))
		if secret != "" && r.URL.Path != "/api/health" && subtle.ConstantTimeCompare(given, []byte(secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// WebSocket handlers log their own lifecycle.
		if r.Header.Get("Upgrade") == "websocket" {
			return
		}
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Info("http request")
	})
}

func recoveryMiddleware(log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Errorf("panic: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so WebSocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
