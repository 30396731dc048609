//go:build !windows

package pty

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/expectty/internal/errs"
)

// readUntil reads from b until the accumulated output contains want or
// the stream ends. It returns everything read.
func readUntil(t *testing.T, b Backend, want string, timeout time.Duration) (string, error) {
	t.Helper()
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var out bytes.Buffer
		buf := make([]byte, 1024)
		for {
			n, err := b.Read(buf)
			out.Write(buf[:n])
			if want != "" && strings.Contains(out.String(), want) {
				ch <- result{out.String(), nil}
				return
			}
			if err != nil {
				ch <- result{out.String(), err}
				return
			}
		}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %q", want)
		return "", nil
	}
}

func TestSpawnReadUntilEOF(t *testing.T) {
	b, err := Spawn(t.Context(), helperCommand("echo", "hello", "world"))
	require.NoError(t, err)
	defer b.Close()

	out, err := readUntil(t, b, "", 5*time.Second)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, out, "hello\r\nworld\r\n")

	status, err := b.Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Success(), status.String())
}

func TestWaitCachesExitCode(t *testing.T) {
	b, err := Spawn(t.Context(), helperCommand("exit", "3"))
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	first, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Code)

	second, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWriteReachesChild(t *testing.T) {
	b, err := Spawn(t.Context(), helperCommand("cat"))
	require.NoError(t, err)
	defer b.Close()

	_, err = readUntil(t, b, "ready", 5*time.Second)
	require.NoError(t, err)

	n, err := b.Write([]byte("ping\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	out, err := readUntil(t, b, "got:ping", 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "got:ping")
}

func TestSignalProcessGroup(t *testing.T) {
	b, err := Spawn(t.Context(), helperCommand("trap"))
	require.NoError(t, err)
	defer b.Close()

	_, err = readUntil(t, b, "armed", 5*time.Second)
	require.NoError(t, err)

	sig, ok := b.(Signaler)
	require.True(t, ok)
	require.NoError(t, sig.Signal(SigInterrupt))
	_, err = readUntil(t, b, "caught:SIGINT", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, sig.Signal(SigKill))
	status, err := b.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "SIGKILL", status.Signal)

	err = sig.Signal(SigTerminate)
	assert.ErrorIs(t, err, errs.ErrNotRunning)
}

func TestResizeDeliversWindowChange(t *testing.T) {
	b, err := Spawn(t.Context(), helperCommand("trap"))
	require.NoError(t, err)
	defer b.Close()

	_, err = readUntil(t, b, "armed", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, b.Resize(Size{Rows: 40, Cols: 120}))
	_, err = readUntil(t, b, "caught:SIGWINCH", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Resize(Size{Rows: 40, Cols: 120}))
}

func TestWriteAfterExitFails(t *testing.T) {
	b, err := Spawn(t.Context(), helperCommand("exit", "0"))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Wait(t.Context())
	require.NoError(t, err)

	_, err = b.Write([]byte("late\n"))
	var ioErr *errs.IOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.Equal(t, "write", ioErr.Op)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, err := Spawn(t.Context(), helperCommand("sleep", "1m"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.Close())
	assert.NoError(t, b.Close())
	assert.Less(t, time.Since(start), 3*time.Second)

	status, err := b.Wait(t.Context())
	require.NoError(t, err)
	assert.False(t, status.Success())

	err = b.Resize(Size{Rows: 10, Cols: 10})
	assert.ErrorIs(t, err, errs.ErrNotRunning)
}

func TestSpawnErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		_, err := Spawn(t.Context(), Command{Path: "/non/existent/command"})
		assert.ErrorIs(t, err, errs.ErrSpawn)
	})
	t.Run("empty path", func(t *testing.T) {
		_, err := Spawn(t.Context(), Command{})
		require.ErrorIs(t, err, errs.ErrSpawn)
		assert.Contains(t, err.Error(), "no command specified")
	})
	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := Spawn(ctx, helperCommand("echo"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestParseSignal(t *testing.T) {
	for s := SigInterrupt; s <= SigQuit; s++ {
		got, err := ParseSignal(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseSignal("usr1")
	assert.Error(t, err)
}
