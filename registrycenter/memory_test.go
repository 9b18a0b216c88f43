package registrycenter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	mc := NewMemory()

	_, err := mc.Get(ctx, "/a/b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mc.Put(ctx, "/a/b", "1"))
	require.NoError(t, mc.Put(ctx, "/a/b/c", "2"))
	require.NoError(t, mc.Put(ctx, "/a/bc", "3"))
	assert.ErrorIs(t, mc.Create(ctx, "/a/b", "x"), ErrExists)
	require.NoError(t, mc.Create(ctx, "/a/d", "4"))

	v, err := mc.Get(ctx, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := mc.List(ctx, "/a/")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, mc.Delete(ctx, "/a/b"))
	all, err = mc.List(ctx, "/a/")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/a/bc": "3", "/a/d": "4"}, all)
	require.NoError(t, mc.Delete(ctx, "/missing"))
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mc := NewMemory()

	var mu sync.Mutex
	var events []Event
	require.NoError(t, mc.Watch(ctx, "/jobs/", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}))

	require.NoError(t, mc.Put(ctx, "/jobs/j1/config", "c1"))
	require.NoError(t, mc.Put(ctx, "/other", "x"))
	require.NoError(t, mc.Put(ctx, "/jobs/j1/config", "c2"))
	require.NoError(t, mc.Delete(ctx, "/jobs/j1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Event{Type: EventPut, Key: "/jobs/j1/config", Value: "c1"}, events[0])
	assert.Equal(t, Event{Type: EventPut, Key: "/jobs/j1/config", Value: "c2"}, events[1])
	assert.Equal(t, Event{Type: EventDelete, Key: "/jobs/j1/config"}, events[2])
}

func TestMemoryFault(t *testing.T) {
	ctx := context.Background()
	mc := NewMemory()
	fault := assert.AnError
	mc.SetFault(fault)
	assert.ErrorIs(t, mc.Put(ctx, "/k", "v"), fault)
	_, err := mc.List(ctx, "/")
	assert.ErrorIs(t, err, fault)
	mc.SetFault(nil)
	assert.NoError(t, mc.Put(ctx, "/k", "v"))
}

func TestSharedMemory(t *testing.T) {
	assert.Same(t, sharedMemory("shared-test"), sharedMemory("shared-test"))
	assert.NotSame(t, sharedMemory("shared-test"), sharedMemory("shared-test-2"))
}
