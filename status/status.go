package status

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"harrier/eventcenter"
	"harrier/jobcenter"
	"harrier/monitor"
	"harrier/proto"
	"harrier/registrycenter"
	"harrier/sharding"
)

const Topic = "status"

var allStates = []proto.InstanceState{
	proto.InstanceReady,
	proto.InstanceRunning,
	proto.InstancePaused,
	proto.InstanceDisabled,
	proto.InstanceCrashed,
	proto.InstanceShutdown,
}

// JobStatus 由作业实例的状态推导作业状态
func JobStatus(disabled bool, instances []proto.InstanceRecord) proto.Status {
	if disabled {
		return proto.StatusManuallyDisabled
	}
	alive, healthy := 0, 0
	for _, r := range instances {
		state := r.EffectiveState()
		if state.Alive() {
			alive++
		}
		if state.Eligible() {
			healthy++
		}
	}
	switch {
	case alive == 0:
		return proto.StatusAllCrashed
	case healthy == len(instances):
		return proto.StatusOK
	default:
		return proto.StatusPartialAlive
	}
}

// ServerStatus 服务器上所有实例都被禁用时为 MANUALLY_DISABLED, 否则同作业状态
func ServerStatus(instances []proto.InstanceRecord) proto.Status {
	if len(instances) > 0 {
		disabled := 0
		for _, r := range instances {
			if r.EffectiveState() == proto.InstanceDisabled {
				disabled++
			}
		}
		if disabled == len(instances) {
			return proto.StatusManuallyDisabled
		}
	}
	return JobStatus(false, instances)
}

type Snapshot struct {
	Jobs    []proto.JobBrief    `json:"jobs"`
	Servers []proto.ServerBrief `json:"servers"`
	Stale   bool                `json:"stale"`
	TakenAt int64               `json:"takenAt"`
}

// Build derives the console view from job snapshots. The result depends only
// on its arguments.
func Build(snaps []*jobcenter.Snapshot, now time.Time) Snapshot {
	ret := Snapshot{Jobs: []proto.JobBrief{}, Servers: []proto.ServerBrief{}, TakenAt: now.UnixMilli()}

	byIP := make(map[string][]proto.InstanceRecord)
	jobsByIP := make(map[string]map[string]bool)
	for _, snap := range snaps {
		ret.Jobs = append(ret.Jobs, proto.JobBrief{
			Name:               snap.Name,
			Description:        snap.Config.Description,
			Cron:               snap.Config.Cron,
			ShardingTotalCount: snap.Config.ShardingTotalCount,
			InstanceCount:      len(snap.Instances),
			NextFireTime:       nextFireTime(snap, now),
			Status:             JobStatus(snap.Disabled, snap.Instances),
		})
		for _, r := range snap.Instances {
			byIP[r.IP] = append(byIP[r.IP], r)
			if jobsByIP[r.IP] == nil {
				jobsByIP[r.IP] = make(map[string]bool)
			}
			jobsByIP[r.IP][snap.Name] = true
		}
	}
	sort.Slice(ret.Jobs, func(a, b int) bool { return ret.Jobs[a].Name < ret.Jobs[b].Name })

	ips := maps.Keys(byIP)
	slices.Sort(ips)
	for _, ip := range ips {
		ret.Servers = append(ret.Servers, proto.ServerBrief{
			IP:            ip,
			InstanceCount: len(byIP[ip]),
			JobCount:      len(jobsByIP[ip]),
			Status:        ServerStatus(byIP[ip]),
		})
	}
	return ret
}

func nextFireTime(snap *jobcenter.Snapshot, now time.Time) int64 {
	if snap.Disabled {
		return 0
	}
	expr, err := cronexpr.Parse(snap.Config.Cron)
	if err != nil {
		return 0
	}
	next := expr.Next(now)
	if next.IsZero() {
		return 0
	}
	return next.UnixMilli()
}

// ShardView lists every item of a job with its owner and status.
func ShardView(snap *jobcenter.Snapshot) []proto.ShardInfo {
	params, _ := sharding.ParseItemParameters(snap.Config.ShardingItemParameters)
	ret := make([]proto.ShardInfo, 0, snap.Config.ShardingTotalCount)
	for item := 0; item < snap.Config.ShardingTotalCount; item++ {
		info := proto.ShardInfo{
			Item:      item,
			Owner:     snap.Assignment.Owners[item],
			Parameter: params[item],
		}
		failover, failedOver := snap.Assignment.Failovers[item]
		if failedOver {
			info.Failover = failover.OriginalOwner
		}
		switch {
		case snap.DisabledItems[item]:
			info.Status = proto.ShardDisabled
		case snap.Necessary:
			info.Status = proto.ShardShardingFlag
		case info.Owner == "":
			info.Status = proto.ShardUnassigned
		case snap.Running[item]:
			info.Status = proto.ShardRunning
		case failedOver:
			info.Status = proto.ShardFailover
		default:
			info.Status = proto.ShardPending
		}
		ret = append(ret, info)
	}
	return ret
}

// ServerJobs lists the instances running on ip, ordered by job.
func ServerJobs(snaps []*jobcenter.Snapshot, ip string) []proto.ServerJob {
	ret := []proto.ServerJob{}
	for _, snap := range snaps {
		for _, r := range snap.Instances {
			if r.IP != ip {
				continue
			}
			ret = append(ret, proto.ServerJob{
				JobName:    snap.Name,
				InstanceID: r.ID,
				State:      r.EffectiveState(),
				ShardItems: r.ShardItems,
			})
		}
	}
	sort.SliceStable(ret, func(a, b int) bool {
		if ret[a].JobName != ret[b].JobName {
			return ret[a].JobName < ret[b].JobName
		}
		return ret[a].InstanceID < ret[b].InstanceID
	})
	return ret
}

// Aggregator 读取注册中心, 计算作业和服务器状态.
// 既可以拉取 Snapshot, 也可以 Subscribe 变更推送.
type Aggregator struct {
	jc     *jobcenter.JobCenter
	events *eventcenter.EventCenter
	logger logrus.FieldLogger
	now    func() time.Time
}

func New(jc *jobcenter.JobCenter, events *eventcenter.EventCenter, logger logrus.FieldLogger) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Aggregator{jc: jc, events: events, logger: logger.WithField("component", "status"), now: time.Now}
}

// Snapshot answers from the last known listing, flagged stale, when the
// registry cannot be reached.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	snaps, stale, err := a.jc.Snapshots(ctx, true)
	if err != nil {
		return Snapshot{}, err
	}
	ret := Build(snaps, a.now())
	ret.Stale = stale
	observeStates(snaps)
	return ret, nil
}

func observeStates(snaps []*jobcenter.Snapshot) {
	for _, snap := range snaps {
		counts := make(map[proto.InstanceState]int)
		for _, r := range snap.Instances {
			counts[r.EffectiveState()]++
		}
		for _, state := range allStates {
			monitor.InstanceStates.With(prometheus.Labels{"job": snap.Name, "state": string(state)}).Set(float64(counts[state]))
		}
	}
}

func (a *Aggregator) Shards(ctx context.Context, job string) ([]proto.ShardInfo, error) {
	snap, err := a.jc.Snapshot(ctx, job)
	if err != nil {
		return nil, err
	}
	return ShardView(snap), nil
}

func (a *Aggregator) Instances(ctx context.Context, job string) ([]proto.InstanceRecord, error) {
	snap, err := a.jc.Snapshot(ctx, job)
	if err != nil {
		return nil, err
	}
	for i := range snap.Instances {
		snap.Instances[i].State = snap.Instances[i].EffectiveState()
	}
	return snap.Instances, nil
}

func (a *Aggregator) ServerJobs(ctx context.Context, ip string) ([]proto.ServerJob, error) {
	snaps, _, err := a.jc.Snapshots(ctx, true)
	if err != nil {
		return nil, err
	}
	return ServerJobs(snaps, ip), nil
}

// Subscribe calls handler with every snapshot Run publishes.
func (a *Aggregator) Subscribe(handler func(Snapshot)) func() {
	return a.events.Subscribe(Topic, func(e *eventcenter.Event) {
		if s, ok := e.Body.(Snapshot); ok {
			handler(s)
		}
	})
}

// Run recomputes the snapshot after registry changes and publishes it until
// ctx is done or the session is closed. Bursts of changes are coalesced.
func (a *Aggregator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	session := a.jc.Session()

	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	if err := session.Watch(ctx, jobcenter.JobsRoot, func(registrycenter.Event) { notify() }); err != nil {
		return err
	}
	notify()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			return nil
		case <-changed:
			s, err := a.Snapshot(ctx)
			if err != nil {
				a.logger.WithError(err).Warn("status snapshot failed")
				continue
			}
			a.events.Publish(Topic, eventcenter.NewEvent().WithBody(s))
		}
	}
}
