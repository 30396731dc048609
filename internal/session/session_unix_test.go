//go:build !windows

package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pattern"
	"github.com/peterje/expectty/internal/pty"
	"github.com/peterje/expectty/internal/session"
)

func spawnHelper(t *testing.T, args ...string) (*session.Session, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	s, err := session.Spawn(t.Context(), helperCommand(args...), session.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, hook
}

func TestLoginDialog(t *testing.T) {
	s, hook := spawnHelper(t, "prompt")

	_, err := s.ExpectTimeout(t.Context(), 5*time.Second, pattern.Literal("login: "))
	require.NoError(t, err)
	_, err = s.SendLine(t.Context(), "alice")
	require.NoError(t, err)

	_, err = s.ExpectTimeout(t.Context(), 5*time.Second, pattern.MustRegex(`(?i)password:\s*`))
	require.NoError(t, err)
	_, err = s.SendLine(t.Context(), "hunter2")
	require.NoError(t, err)

	glob, err := pattern.Glob("welcome *$ ")
	require.NoError(t, err)
	res, err := s.ExpectTimeout(t.Context(), 5*time.Second, glob)
	require.NoError(t, err)
	assert.Contains(t, string(res.Match), "welcome alice")

	_, err = s.SendLine(t.Context(), "exit")
	require.NoError(t, err)
	res, err = s.ExpectTimeout(t.Context(), 5*time.Second, pattern.Literal("logout"), pattern.EOF())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)

	status, err := s.Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Success(), status.String())

	var matched int
	for _, e := range hook.AllEntries() {
		if e.Message == "matched" {
			matched++
			assert.Equal(t, s.ID(), e.Data["session_id"])
			assert.Equal(t, "session", e.Data["component"])
		}
	}
	assert.Equal(t, 4, matched)
}

func TestSilentChildTimesOutThenRecovers(t *testing.T) {
	s, _ := spawnHelper(t, "prompt")
	_, err := s.ExpectTimeout(t.Context(), 5*time.Second, pattern.Literal("login: "))
	require.NoError(t, err)

	start := time.Now()
	_, err = s.ExpectTimeout(t.Context(), 50*time.Millisecond, pattern.Literal("Password"))
	require.ErrorIs(t, err, errs.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, session.Running, s.State().Kind)

	_, err = s.SendLine(t.Context(), "bob")
	require.NoError(t, err)
	_, err = s.ExpectTimeout(t.Context(), 5*time.Second, pattern.Literal("Password"))
	require.NoError(t, err)
}

func TestChildExitWithoutPattern(t *testing.T) {
	t.Run("premature eof", func(t *testing.T) {
		s, _ := spawnHelper(t, "print", "partial")
		_, err := s.ExpectTimeout(t.Context(), 5*time.Second, pattern.Literal("PASS"))
		var eofErr *errs.PrematureEOFError
		require.ErrorAs(t, err, &eofErr)
		assert.Contains(t, string(eofErr.Observed), "partial")
	})
	t.Run("eof pattern", func(t *testing.T) {
		s, _ := spawnHelper(t, "print", "partial")
		res, err := s.ExpectTimeout(t.Context(), 5*time.Second, pattern.Literal("PASS"), pattern.EOF())
		require.NoError(t, err)
		assert.Equal(t, pattern.KindEOF, res.Pattern.Kind())
		assert.Contains(t, string(res.Before), "partial")

		status, err := s.Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 3, status.Code)
	})
}

func TestCloseRunningChildTwice(t *testing.T) {
	s, _ := spawnHelper(t, "silent")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.SendLine(t.Context(), "x")
	assert.ErrorIs(t, err, errs.ErrNotRunning)
}

func TestSignalInterruptsChild(t *testing.T) {
	s, _ := spawnHelper(t, "silent")
	require.NoError(t, s.Signal(pty.SigKill))

	status, err := s.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "SIGKILL", status.Signal)
}

func TestConcurrentRealSessions(t *testing.T) {
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := session.Spawn(t.Context(), helperCommand("prompt"))
			if !assert.NoError(t, err) {
				return
			}
			defer s.Close()
			_, err = s.ExpectTimeout(t.Context(), 5*time.Second, pattern.Literal("login: "))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
