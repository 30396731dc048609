package mockpty

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pty"
)

func TestReadChunksAndEOF(t *testing.T) {
	b := New()
	b.SetMaxChunk(3)
	b.EmitString("hello")
	b.Exit(pty.ExitStatus{Code: 0})

	var got []byte
	p := make([]byte, 16)
	for {
		n, err := b.Read(p)
		assert.LessOrEqual(t, n, 3)
		got = append(got, p[:n]...)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Equal(t, "hello", string(got))

	status, err := b.Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Success())
}

func TestReadBlocksUntilEmit(t *testing.T) {
	b := New()
	done := make(chan string, 1)
	go func() {
		p := make([]byte, 8)
		n, _ := b.Read(p)
		done <- string(p[:n])
	}()

	select {
	case <-done:
		t.Fatal("read returned before any output")
	case <-time.After(20 * time.Millisecond):
	}
	b.EmitString("x")
	select {
	case got := <-done:
		assert.Equal(t, "x", got)
	case <-time.After(time.Second):
		t.Fatal("read did not wake")
	}
}

func TestReplyRules(t *testing.T) {
	b := New()
	b.ReplyOnce("user\r", "Password: ")
	b.Reply("exit\r", "bye\r\n")

	_, err := b.Write([]byte("user\r"))
	require.NoError(t, err)
	_, err = b.Write([]byte("secret\r"))
	require.NoError(t, err)
	_, err = b.Write([]byte("exit\r"))
	require.NoError(t, err)

	p := make([]byte, 64)
	n, err := b.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "Password: bye\r\n", string(p[:n]))
	assert.Equal(t, "user\rsecret\rexit\r", string(b.Input()))
}

func TestFailSurfacesAfterDrain(t *testing.T) {
	b := New()
	b.EmitString("last")
	b.Fail(io.ErrUnexpectedEOF)

	p := make([]byte, 16)
	n, err := b.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "last", string(p[:n]))

	_, err = b.Read(p)
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSignals(t *testing.T) {
	b := New()
	require.NoError(t, b.Signal(pty.SigInterrupt))
	require.NoError(t, b.Signal(pty.SigTerminate))
	assert.Equal(t, []pty.Signal{pty.SigInterrupt, pty.SigTerminate}, b.Signals())

	status, err := b.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "SIGTERM", status.Signal)

	assert.ErrorIs(t, b.Signal(pty.SigKill), errs.ErrNotRunning)
	_, err = b.Write([]byte("x"))
	assert.ErrorIs(t, err, errs.ErrIO)
}

func TestHoldWrites(t *testing.T) {
	b := New()
	b.HoldWrites()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Write([]byte("held"))
	}()

	select {
	case <-done:
		t.Fatal("write was not held")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Empty(t, b.Input())
	b.ReleaseWrites()
	<-done
	assert.Equal(t, "held", string(b.Input()))
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, b.Closed())

	_, err := b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, b.Resize(pty.Size{Rows: 1, Cols: 1}), errs.ErrNotRunning)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	status, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SIGHUP", status.Signal)
}

func TestSpawner(t *testing.T) {
	b := New()
	cmd := pty.Command{Path: "/bin/sh", Size: pty.Size{Rows: 10, Cols: 40}}
	got, err := b.Spawner().Spawn(t.Context(), cmd)
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, cmd, b.Command())
	assert.Equal(t, []pty.Size{{Rows: 10, Cols: 40}}, b.Sizes())
}
