package errs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&SpawnError{Command: "x", Err: io.EOF}, ErrSpawn},
		{&IOError{Op: "read", Err: io.ErrUnexpectedEOF}, ErrIO},
		{&BackpressureError{Requested: 10, Pending: 5, Capacity: 8}, ErrBackpressure},
		{&PatternError{Kind: "regex", Source: "(", Err: io.EOF}, ErrPattern},
		{&TimeoutError{Elapsed: time.Second}, ErrTimeout},
		{&PrematureEOFError{}, ErrPrematureEOF},
		{&NotRunningError{Op: "send"}, ErrNotRunning},
		{&CapacityError{Requested: 10, Max: 5}, ErrCapacity},
		{&InvalidPositionError{Position: 9, Written: 3}, ErrInvalidPosition},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		assert.ErrorIs(t, wrapped, tc.sentinel, "%T", tc.err)
	}
}

func TestUnwrapCause(t *testing.T) {
	err := fmt.Errorf("session: %w", &IOError{Op: "write", Err: io.ErrClosedPipe})
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "write", ioErr.Op)
}

func TestTimeoutErrorContext(t *testing.T) {
	err := &TimeoutError{
		Elapsed:  52 * time.Millisecond,
		Patterns: []string{`literal "PASS"`, `regex "^ok"`},
		Observed: []byte("booting..."),
	}
	msg := err.Error()
	assert.Contains(t, msg, "52ms")
	assert.Contains(t, msg, `literal "PASS"`)
	assert.Contains(t, msg, "booting...")
}

func TestPreviewTruncatesToTail(t *testing.T) {
	observed := []byte(strings.Repeat("a", 1000) + "TAIL")
	msg := (&PrematureEOFError{Observed: observed}).Error()
	assert.Contains(t, msg, "1004 bytes")
	assert.Contains(t, msg, "TAIL")
	assert.Less(t, len(msg), 400)
}
