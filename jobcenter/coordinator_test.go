package jobcenter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harrier/eventcenter"
	"harrier/proto"
)

func TestCoordinator(t *testing.T) {
	f := newFixture(t)
	events := eventcenter.New(10)
	defer events.Close()

	coordinator := NewCoordinator(f.jc, events, CoordinatorOptions{
		ReapInterval:      20 * time.Millisecond,
		ReconcileInterval: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(ctx) }()

	// registered before the job, so only the flag written by RegisterJob reshards
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	b := f.putInstance(t, "J1", "10.0.0.2", proto.InstanceReady, 2)
	time.Sleep(50 * time.Millisecond)
	f.register(t, "J1", 5, true)

	owned := func(id string) []int {
		snap, err := f.jc.Snapshot(context.Background(), "J1")
		if err != nil {
			return nil
		}
		return snap.Assignment.ItemsOf(id)
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{3, 4}, owned(b))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, owned(a))

	// the disabled flag alone is enough for the coordinator to move the shards
	require.NoError(t, f.session.Put(context.Background(), InstanceDisabledPath("J1", b), "true"))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{0, 1, 2, 3, 4}, owned(a))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestCoordinatorReconcileAndSessionClose(t *testing.T) {
	f := newFixture(t)
	f.register(t, "J1", 2, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)

	events := eventcenter.New(10)
	defer events.Close()
	coordinator := NewCoordinator(f.jc, events, CoordinatorOptions{ReapInterval: time.Hour, ReconcileInterval: time.Hour})
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(context.Background()) }()

	// the flag was written before the coordinator started watching
	require.Eventually(t, func() bool {
		snap, err := f.jc.Snapshot(context.Background(), "J1")
		return err == nil && len(snap.Assignment.ItemsOf(a)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.session.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}
}
