package jobcenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harrier/proto"
	"harrier/registrycenter"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	backend *registrycenter.MemoryRegistryCenter
	session *registrycenter.Session
	jc      *JobCenter
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	backend := registrycenter.NewMemory()
	session := registrycenter.NewSession("test", "harrier", backend, registrycenter.Options{
		Timeout: 50 * time.Millisecond,
		Retries: 2,
		Backoff: time.Millisecond,
		Logger:  logger,
	})
	session.Activate()
	t.Cleanup(func() { session.Close() })

	c := &clock{now: time.Now()}
	jc, err := New(session, Options{
		LeaseTTL:    10 * time.Second,
		LockTTL:     time.Second,
		LockWait:    200 * time.Millisecond,
		LockRetries: 2,
		Owner:       "coordinator-1",
		Logger:      logger,
		Now:         c.Now,
	})
	require.NoError(t, err)
	return &fixture{backend: backend, session: session, jc: jc, clock: c}
}

func (f *fixture) register(t *testing.T, name string, total int, failover bool) {
	t.Helper()
	require.NoError(t, f.jc.RegisterJob(context.Background(), proto.JobConfig{
		Name:               name,
		ShardingTotalCount: total,
		Cron:               "*/5 * * * *",
		Failover:           failover,
	}))
}

// putInstance writes an instance record the way an agent does and returns its id.
func (f *fixture) putInstance(t *testing.T, job, ip string, state proto.InstanceState, registeredAt int64) string {
	t.Helper()
	id := proto.InstanceID(ip, 100)
	f.writeRecord(t, job, proto.InstanceRecord{
		ID:           id,
		IP:           ip,
		PID:          100,
		State:        state,
		RegisteredAt: registeredAt,
		Heartbeat:    f.clock.Now().UnixMilli(),
	})
	return id
}

func (f *fixture) writeRecord(t *testing.T, job string, r proto.InstanceRecord) {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, f.session.Put(context.Background(), RecordPath(job, r.ID), string(data)))
}

func (f *fixture) heartbeat(t *testing.T, job, id string) {
	t.Helper()
	raw, err := f.session.Get(context.Background(), RecordPath(job, id))
	require.NoError(t, err)
	var r proto.InstanceRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	r.Heartbeat = f.clock.Now().UnixMilli()
	f.writeRecord(t, job, r)
}

func (f *fixture) snapshot(t *testing.T, job string) *Snapshot {
	t.Helper()
	snap, err := f.jc.Snapshot(context.Background(), job)
	require.NoError(t, err)
	return snap
}

func TestJ1Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 5, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	b := f.putInstance(t, "J1", "10.0.0.2", proto.InstanceReady, 2)

	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))
	snap := f.snapshot(t, "J1")
	assert.Equal(t, []int{0, 1, 2}, snap.Assignment.ItemsOf(a))
	assert.Equal(t, []int{3, 4}, snap.Assignment.ItemsOf(b))
	assert.False(t, snap.Necessary)
	assert.Equal(t, int64(1), snap.Assignment.Epoch)

	// B stops renewing its lease
	f.clock.Advance(11 * time.Second)
	f.heartbeat(t, "J1", a)
	require.NoError(t, f.jc.Reap(ctx))

	snap = f.snapshot(t, "J1")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, snap.Assignment.ItemsOf(a))
	assert.Empty(t, snap.Assignment.ItemsOf(b))
	crashed, _ := snap.Instance(b)
	assert.Equal(t, proto.InstanceCrashed, crashed.State)
	require.Len(t, snap.Assignment.Failovers, 2)
	for _, item := range []int{3, 4} {
		record := snap.Assignment.Failovers[item]
		assert.Equal(t, b, record.OriginalOwner)
		assert.Equal(t, a, record.Target)
		assert.Equal(t, proto.FailoverCrashed, record.Reason)
	}

	// reaping again changes nothing
	epoch := snap.Assignment.Epoch
	require.NoError(t, f.jc.Reap(ctx))
	assert.Equal(t, epoch, f.snapshot(t, "J1").Assignment.Epoch)

	// B comes back and asks for a reshard
	crashed.State = proto.InstanceReady
	crashed.Heartbeat = f.clock.Now().UnixMilli()
	f.writeRecord(t, "J1", crashed)
	require.NoError(t, f.jc.MarkNecessary(ctx, "J1"))
	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))

	snap = f.snapshot(t, "J1")
	assert.Equal(t, []int{0, 1, 2}, snap.Assignment.ItemsOf(a))
	assert.Equal(t, []int{3, 4}, snap.Assignment.ItemsOf(b))
	assert.Empty(t, snap.Assignment.Failovers)
}

func TestFailoverTurnedOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 4, false)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	b := f.putInstance(t, "J1", "10.0.0.2", proto.InstanceReady, 2)
	require.NoError(t, f.jc.Reshard(ctx, "J1"))

	require.NoError(t, f.jc.Failover(ctx, "J1", b, proto.FailoverCrashed))
	snap := f.snapshot(t, "J1")
	assert.Equal(t, []int{0, 1}, snap.Assignment.ItemsOf(a))
	assert.Equal(t, map[int]string{0: a, 1: a}, snap.Assignment.Owners)
	assert.Empty(t, snap.Assignment.Failovers)
}

func TestFailoverPicksLeastLoadedAndNeverTheCrashed(t *testing.T) {
	snap := newSnapshot("J1")
	snap.Config = proto.JobConfig{Name: "J1", ShardingTotalCount: 6, Failover: true}
	snap.Instances = []proto.InstanceRecord{
		{ID: "a", State: proto.InstanceReady},
		{ID: "b", State: proto.InstanceRunning},
		{ID: "c", State: proto.InstanceReady},
		{ID: "d", State: proto.InstanceReady, Disabled: true},
	}
	snap.Assignment.Owners = map[int]string{0: "a", 1: "a", 2: "a", 3: "b", 4: "c", 5: "c"}

	next, moved := failover(snap, "c", proto.FailoverCrashed, 42)
	assert.Equal(t, map[int]string{4: "b", 5: "b"}, moved)
	assert.Equal(t, map[string]int{"a": 3, "b": 3}, next.Count())
	for _, owner := range next.Owners {
		assert.NotEqual(t, "c", owner)
		assert.NotEqual(t, "d", owner)
	}
	assert.Equal(t, int64(42), next.Failovers[4].At)

	// the only other instance is disabled: items end up unassigned
	snap.Assignment.Owners = map[int]string{0: "c", 1: "d"}
	snap.Instances = snap.Instances[2:]
	next, moved = failover(snap, "c", proto.FailoverCrashed, 42)
	assert.Equal(t, map[int]string{0: ""}, moved)
	assert.Equal(t, map[int]string{1: "d"}, next.Owners)
}

func TestReshardWithoutEligibleInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 3, true)
	f.putInstance(t, "J1", "10.0.0.1", proto.InstancePaused, 1)
	f.putInstance(t, "J1", "10.0.0.2", proto.InstanceCrashed, 2)

	require.NoError(t, f.jc.Reshard(ctx, "J1"))
	assert.Empty(t, f.snapshot(t, "J1").Assignment.Owners)
}

func TestReshardIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 7, true)
	for i := 1; i <= 3; i++ {
		f.putInstance(t, "J1", fmt.Sprintf("10.0.0.%d", i), proto.InstanceReady, int64(i))
	}
	require.NoError(t, f.jc.Reshard(ctx, "J1"))
	first := f.snapshot(t, "J1").Assignment
	require.NoError(t, f.jc.Reshard(ctx, "J1"))
	second := f.snapshot(t, "J1").Assignment
	assert.Equal(t, first.Owners, second.Owners)
	assert.Equal(t, first.Epoch+1, second.Epoch)

	// without the flag no pass runs
	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))
	assert.Equal(t, second.Epoch, f.snapshot(t, "J1").Assignment.Epoch)
}

func TestDisabledJobAndItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 4, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	b := f.putInstance(t, "J1", "10.0.0.2", proto.InstanceReady, 2)

	require.NoError(t, f.jc.DisableShard(ctx, "J1", 1))
	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))
	snap := f.snapshot(t, "J1")
	assert.Equal(t, []int{0, 2}, snap.Assignment.ItemsOf(a))
	assert.Equal(t, []int{3}, snap.Assignment.ItemsOf(b))
	assert.True(t, snap.DisabledItems[1])

	require.NoError(t, f.jc.DisableJob(ctx, "J1"))
	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))
	snap = f.snapshot(t, "J1")
	assert.True(t, snap.Disabled)
	assert.Empty(t, snap.Assignment.Owners)

	require.NoError(t, f.jc.EnableJob(ctx, "J1"))
	require.NoError(t, f.jc.EnableShard(ctx, "J1", 1))
	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))
	assert.Len(t, f.snapshot(t, "J1").Assignment.Owners, 4)

	err := f.jc.DisableShard(ctx, "J1", 4)
	assert.Equal(t, proto.ReasonInvalidRequest, ReasonOf(err))
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 2, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	f.putInstance(t, "J1", "10.0.0.2", proto.InstanceReady, 2)
	require.NoError(t, f.jc.Reshard(ctx, "J1"))

	target := proto.Target{JobName: "J1", InstanceID: a}
	err := f.jc.Remove(ctx, target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHoldsShards))
	assert.Equal(t, proto.ReasonHoldsShards, ReasonOf(err))
	_, ok := f.snapshot(t, "J1").Instance(a)
	assert.True(t, ok)

	// disabling moves the shards away, then the instance can go
	require.NoError(t, f.jc.Disable(ctx, target))
	snap := f.snapshot(t, "J1")
	assert.Empty(t, snap.Assignment.ItemsOf(a))
	assert.Equal(t, proto.FailoverDisabled, snap.Assignment.Failovers[0].Reason)

	require.NoError(t, f.jc.Remove(ctx, target))
	_, ok = f.snapshot(t, "J1").Instance(a)
	assert.False(t, ok)

	// removing it again is a no-op
	assert.NoError(t, f.jc.Remove(ctx, target))
}

func TestRemoveJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 2, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	require.NoError(t, f.jc.Reshard(ctx, "J1"))

	assert.Equal(t, proto.ReasonHoldsShards, ReasonOf(f.jc.RemoveJob(ctx, "J1")))

	r, _ := f.snapshot(t, "J1").Instance(a)
	r.State = proto.InstanceShutdown
	f.writeRecord(t, "J1", r)
	require.NoError(t, f.jc.RemoveJob(ctx, "J1"))

	_, err := f.jc.GetJob(ctx, "J1")
	assert.Equal(t, proto.ReasonJobNotFound, ReasonOf(err))
	all, err := f.session.List(ctx, JobPath("J1"))
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTriggerRegistryUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 2, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)

	f.backend.SetFault(errors.New("connection refused"))
	err := f.jc.Trigger(ctx, proto.Target{JobName: "J1"})
	f.backend.SetFault(nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, registrycenter.ErrUnavailable))
	assert.Equal(t, proto.ReasonRegistryUnavailable, ReasonOf(err))
	intents, err := f.session.List(ctx, IntentsPath("J1", a))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 2, true)
	f.register(t, "J2", 2, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	b := f.putInstance(t, "J1", "10.0.0.2", proto.InstanceCrashed, 2)
	c := f.putInstance(t, "J2", "10.0.0.1", proto.InstanceRunning, 1)

	// by ip across jobs: a and c, never the crashed b
	require.NoError(t, f.jc.Trigger(ctx, proto.Target{IP: "10.0.0.1"}))
	require.NoError(t, f.jc.Pause(ctx, proto.Target{JobName: "J1"}))

	j1 := f.snapshot(t, "J1")
	require.Len(t, j1.Intents[a], 2)
	assert.Equal(t, proto.IntentTrigger, j1.Intents[a][0].Op)
	assert.Equal(t, proto.IntentPause, j1.Intents[a][1].Op)
	assert.Less(t, j1.Intents[a][0].ID, j1.Intents[a][1].ID)
	assert.Empty(t, j1.Intents[b])
	j2 := f.snapshot(t, "J2")
	require.Len(t, j2.Intents[c], 1)

	// absent instance: no-op success
	assert.NoError(t, f.jc.Resume(ctx, proto.Target{JobName: "J1", InstanceID: "10.0.0.9@-@1"}))
	assert.NoError(t, f.jc.Shutdown(ctx, proto.Target{JobName: "J1", InstanceID: b}))

	// invalid targets
	assert.Equal(t, proto.ReasonInvalidRequest, ReasonOf(f.jc.Trigger(ctx, proto.Target{})))
	assert.Equal(t, proto.ReasonInvalidRequest, ReasonOf(f.jc.Trigger(ctx, proto.Target{JobName: "J1", InstanceID: "garbage"})))
	assert.Equal(t, proto.ReasonInvalidRequest, ReasonOf(f.jc.Trigger(ctx, proto.Target{IP: "10.0.0.2", InstanceID: a})))
	assert.Equal(t, proto.ReasonJobNotFound, ReasonOf(f.jc.Trigger(ctx, proto.Target{JobName: "nope"})))
}

func TestEnableMarksNecessary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 2, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	require.NoError(t, f.jc.Reshard(ctx, "J1"))

	require.NoError(t, f.jc.Disable(ctx, proto.Target{JobName: "J1", IP: "10.0.0.1"}))
	snap := f.snapshot(t, "J1")
	r, _ := snap.Instance(a)
	assert.Equal(t, proto.InstanceDisabled, r.EffectiveState())
	assert.Empty(t, snap.Assignment.Owners)

	require.NoError(t, f.jc.Enable(ctx, proto.Target{JobName: "J1", IP: "10.0.0.1"}))
	assert.True(t, f.snapshot(t, "J1").Necessary)
	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))
	assert.Equal(t, []int{0, 1}, f.snapshot(t, "J1").Assignment.ItemsOf(a))
}

func TestReassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 2, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)
	b := f.putInstance(t, "J1", "10.0.0.2", proto.InstanceReady, 2)
	p := f.putInstance(t, "J1", "10.0.0.3", proto.InstancePaused, 3)
	require.NoError(t, f.jc.Reshard(ctx, "J1"))

	require.NoError(t, f.jc.Reassign(ctx, "J1", 0, b))
	snap := f.snapshot(t, "J1")
	assert.Equal(t, []int{0, 1}, snap.Assignment.ItemsOf(b))
	assert.Equal(t, proto.FailoverRecord{Item: 0, OriginalOwner: a, Target: b, Reason: proto.FailoverManual, At: f.clock.Now().UnixMilli()},
		snap.Assignment.Failovers[0])

	assert.Equal(t, proto.ReasonNoEligibleInstance, ReasonOf(f.jc.Reassign(ctx, "J1", 0, p)))
	assert.Equal(t, proto.ReasonInstanceNotFound, ReasonOf(f.jc.Reassign(ctx, "J1", 0, "10.0.0.9@-@1")))
	assert.Equal(t, proto.ReasonInvalidRequest, ReasonOf(f.jc.Reassign(ctx, "J1", 9, a)))
}

func TestRegisterAndUpdateJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	config := proto.JobConfig{Name: "J1", ShardingTotalCount: 2, Cron: "@hourly", ShardingItemParameters: "0=a,1=b"}
	require.NoError(t, f.jc.RegisterJob(ctx, config))
	assert.Equal(t, proto.ReasonJobExists, ReasonOf(f.jc.RegisterJob(ctx, config)))
	require.NoError(t, f.jc.ReshardIfNecessary(ctx, "J1"))

	config.Description = "nightly"
	require.NoError(t, f.jc.UpdateJob(ctx, config))
	assert.False(t, f.snapshot(t, "J1").Necessary)

	config.ShardingTotalCount = 3
	require.NoError(t, f.jc.UpdateJob(ctx, config))
	assert.True(t, f.snapshot(t, "J1").Necessary)

	got, err := f.jc.GetJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, config, got)

	jobs, err := f.jc.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	missing := config
	missing.Name = "J9"
	assert.Equal(t, proto.ReasonJobNotFound, ReasonOf(f.jc.UpdateJob(ctx, missing)))
}

func TestValidate(t *testing.T) {
	valid := proto.JobConfig{Name: "J1", ShardingTotalCount: 2, Cron: "0 * * * *"}
	require.NoError(t, Validate(valid))
	for _, expr := range []string{"@hourly", "@daily", "*/15 9-17 * * MON-FRI"} {
		c := valid
		c.Cron = expr
		assert.NoError(t, Validate(c), expr)
	}

	cases := map[string]func(c *proto.JobConfig){
		"empty name":     func(c *proto.JobConfig) { c.Name = "" },
		"slash in name":  func(c *proto.JobConfig) { c.Name = "a/b" },
		"zero shards":    func(c *proto.JobConfig) { c.ShardingTotalCount = 0 },
		"bad cron":       func(c *proto.JobConfig) { c.Cron = "every minute" },
		"six fields":     func(c *proto.JobConfig) { c.Cron = "*/5 * * * * *" },
		"seven fields":   func(c *proto.JobConfig) { c.Cron = "0 0 12 * * ? 2030" },
		"empty cron":     func(c *proto.JobConfig) { c.Cron = "" },
		"bad parameters": func(c *proto.JobConfig) { c.ShardingItemParameters = "x" },
		"item too large": func(c *proto.JobConfig) { c.ShardingItemParameters = "5=a" },
		"strategy":       func(c *proto.JobConfig) { c.ShardingStrategy = "random" },
		"negative retry": func(c *proto.JobConfig) { c.Task.Retries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			err := Validate(c)
			assert.True(t, errors.Is(err, ErrInvalidRequest), err)
		})
	}
}

func TestAwait(t *testing.T) {
	f := newFixture(t)
	f.register(t, "J1", 1, true)
	a := f.putInstance(t, "J1", "10.0.0.1", proto.InstanceReady, 1)

	r, _ := f.snapshot(t, "J1").Instance(a)
	r.State = proto.InstancePaused
	data, err := json.Marshal(r)
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		f.session.Put(context.Background(), RecordPath("J1", a), string(data))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := f.jc.Await(ctx, "J1", a, proto.InstancePaused, proto.InstanceShutdown)
	require.NoError(t, err)
	assert.Equal(t, proto.InstancePaused, state)

	short, cancel2 := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel2()
	_, err = f.jc.Await(short, "J1", a, proto.InstanceShutdown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, proto.ReasonNone, ReasonOf(nil))
	assert.Equal(t, proto.ReasonNoActiveRegistry, ReasonOf(fmt.Errorf("x: %w", registrycenter.ErrNotActive)))
	assert.Equal(t, proto.ReasonLockTimeout, ReasonOf(fmt.Errorf("x: %w", registrycenter.ErrLockTimeout)))
	assert.Equal(t, proto.ReasonInternal, ReasonOf(errors.New("boom")))
	assert.Equal(t, proto.ReasonHoldsShards, ReasonOf(&OpError{Op: "remove", Reason: proto.ReasonHoldsShards, Err: errors.New("x")}))
}

func TestLockContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "J1", 1, true)

	ok, err := f.session.TryLock(ctx, LockPath("J1"), "other-coordinator", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.jc.Reshard(ctx, "J1")
	assert.Equal(t, proto.ReasonLockTimeout, ReasonOf(err))
	assert.True(t, f.snapshot(t, "J1").Necessary)
}
