package registrycenter

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Options{Timeout: 50 * time.Millisecond, Retries: 2, Backoff: time.Millisecond, Logger: logger}
}

func newTestSession(t *testing.T) (*Session, *MemoryRegistryCenter) {
	mc := NewMemory()
	s := NewSession("test", "ns", mc, testOptions())
	t.Cleanup(func() { s.Close() })
	return s, mc
}

func TestSessionNamespace(t *testing.T) {
	ctx := context.Background()
	s, mc := newTestSession(t)

	require.NoError(t, s.Put(ctx, "jobs/j1/config", "c"))
	raw, err := mc.Get(ctx, "/ns/jobs/j1/config")
	require.NoError(t, err)
	assert.Equal(t, "c", raw)

	require.NoError(t, s.Put(ctx, "jobs/j1/instances/a/record", "r"))
	require.NoError(t, s.Put(ctx, "jobs/j2/config", "c"))
	all, err := s.List(ctx, "jobs")
	require.NoError(t, err)
	assert.Contains(t, all, "jobs/j1/config")
	assert.Contains(t, all, "jobs/j1/instances/a/record")

	children, err := s.Children(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, children)

	root, err := s.Children(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs"}, root)
}

func TestSessionRetryThenUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mc := newTestSession(t)
	mc.SetFault(assert.AnError)

	err := s.Put(ctx, "jobs/j1/config", "c")
	assert.ErrorIs(t, err, ErrUnavailable)

	mc.SetFault(nil)
	_, err = s.Get(ctx, "jobs/j1/config")
	assert.ErrorIs(t, err, ErrNotFound, "nothing may be written by a failed put")
}

func TestSessionNotFoundIsNotRetried(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestSessionStaleReads(t *testing.T) {
	ctx := context.Background()
	s, mc := newTestSession(t)

	require.NoError(t, s.Put(ctx, "jobs/j1/config", "c1"))
	_, err := s.List(ctx, "jobs")
	require.NoError(t, err)

	mc.SetFault(assert.AnError)
	v, stale, err := s.GetCached(ctx, "jobs/j1/config")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "c1", v)

	all, stale, err := s.ListCached(ctx, "jobs")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "c1", all["jobs/j1/config"])

	_, _, err = s.GetCached(ctx, "jobs/unknown")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSessionWatchStopsOnClose(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	var mu sync.Mutex
	var keys []string
	require.NoError(t, s.Watch(ctx, "jobs", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, e.Key)
	}))
	require.NoError(t, s.Put(ctx, "jobs/j1/config", "c"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "jobs/j1/config", keys[0])

	require.NoError(t, s.Close())
	assert.Equal(t, SessionDisconnected, s.State())
	assert.ErrorIs(t, s.Put(ctx, "jobs/j1/config", "c"), ErrNotActive)
	assert.ErrorIs(t, s.Watch(ctx, "jobs", func(Event) {}), ErrNotActive)
	<-s.Done()
}

func TestSessionLock(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	ok, err := s.TryLock(ctx, "jobs/j1/leader/lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryLock(ctx, "jobs/j1/leader/lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryLock(ctx, "jobs/j1/leader/lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is reentrant for its owner")

	err = s.Lock(ctx, "jobs/j1/leader/lock", "b", time.Minute, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, s.Unlock(ctx, "jobs/j1/leader/lock", "b"))
	ok, err = s.TryLock(ctx, "jobs/j1/leader/lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "unlock by a non owner is ignored")

	require.NoError(t, s.Unlock(ctx, "jobs/j1/leader/lock", "a"))
	require.NoError(t, s.Lock(ctx, "jobs/j1/leader/lock", "b", time.Minute, time.Second))
}

func TestSessionLockExpired(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	ok, err := s.TryLock(ctx, "lock", "a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryLock(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is taken over")
}
