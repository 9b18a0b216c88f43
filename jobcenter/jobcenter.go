package jobcenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"harrier/proto"
	"harrier/registrycenter"
	"harrier/uuid"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobExists          = errors.New("job already exists")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrHoldsShards        = errors.New("instance still holds shards")
	ErrNoEligibleInstance = errors.New("no eligible instance")
)

// OpError 控制台操作失败, Reason 供控制台展示本地化信息
type OpError struct {
	Op     string
	Reason proto.Reason
	Err    error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Reason: ReasonOf(err), Err: err}
}

// ReasonOf maps an error returned by this package, or the registry, to a reason code.
func ReasonOf(err error) proto.Reason {
	var oe *OpError
	switch {
	case err == nil:
		return proto.ReasonNone
	case errors.As(err, &oe):
		return oe.Reason
	case errors.Is(err, ErrInvalidRequest):
		return proto.ReasonInvalidRequest
	case errors.Is(err, ErrJobNotFound):
		return proto.ReasonJobNotFound
	case errors.Is(err, ErrJobExists):
		return proto.ReasonJobExists
	case errors.Is(err, ErrInstanceNotFound):
		return proto.ReasonInstanceNotFound
	case errors.Is(err, ErrHoldsShards):
		return proto.ReasonHoldsShards
	case errors.Is(err, ErrNoEligibleInstance):
		return proto.ReasonNoEligibleInstance
	case errors.Is(err, registrycenter.ErrLockTimeout):
		return proto.ReasonLockTimeout
	case errors.Is(err, registrycenter.ErrNotActive):
		return proto.ReasonNoActiveRegistry
	case errors.Is(err, registrycenter.ErrUnavailable):
		return proto.ReasonRegistryUnavailable
	default:
		return proto.ReasonInternal
	}
}

type Options struct {
	LeaseTTL    time.Duration // heartbeat older than this marks the instance CRASHED
	LockTTL     time.Duration
	LockWait    time.Duration // per attempt
	LockRetries int
	Owner       string // lock owner, defaults to hostname@-@pid
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 5 * time.Second
	}
	if o.LockRetries <= 0 {
		o.LockRetries = 3
	}
	if o.Owner == "" {
		host, _ := os.Hostname()
		o.Owner = proto.InstanceID(host, os.Getpid())
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// JobCenter 作业中心: 分片, 失效转移以及控制台的作业/实例操作.
// 绑定一个注册中心会话, 会话断开后所有操作返回 NO_ACTIVE_REGISTRY.
type JobCenter struct {
	session *registrycenter.Session
	opts    Options
	logger  logrus.FieldLogger
	ids     *uuid.Generator

	mu    sync.Mutex
	local map[string]*sync.Mutex
}

func New(session *registrycenter.Session, opts Options) (*JobCenter, error) {
	opts = opts.withDefaults()
	ids, err := uuid.NewGenerator(uuid.NodeID(opts.Owner))
	if err != nil {
		return nil, err
	}
	return &JobCenter{
		session: session,
		opts:    opts,
		logger:  opts.Logger.WithField("registry", session.Name()),
		ids:     ids,
		local:   make(map[string]*sync.Mutex),
	}, nil
}

func (j *JobCenter) Session() *registrycenter.Session {
	return j.session
}

func (j *JobCenter) Options() Options {
	return j.opts
}

const JobsRoot = "jobs"

func JobPath(job string, parts ...string) string {
	return path.Join(append([]string{JobsRoot, job}, parts...)...)
}

func ConfigPath(job string) string      { return JobPath(job, "config") }
func DisabledPath(job string) string    { return JobPath(job, "disabled") }
func AssignmentPath(job string) string  { return JobPath(job, "assignment") }
func NecessaryPath(job string) string   { return JobPath(job, "leader", "sharding", "necessary") }
func LockPath(job string) string        { return JobPath(job, "leader", "lock") }
func InstancesPath(job string) string   { return JobPath(job, "instances") }
func InstancePath(job, id string) string { return JobPath(job, "instances", id) }

func RecordPath(job, id string) string {
	return JobPath(job, "instances", id, "record")
}

func InstanceDisabledPath(job, id string) string {
	return JobPath(job, "instances", id, "disabled")
}

func IntentsPath(job, id string) string {
	return JobPath(job, "instances", id, "intents")
}

func IntentPath(job, id, intent string) string {
	return JobPath(job, "instances", id, "intents", intent)
}

func ShardDisabledPath(job string, item int) string {
	return JobPath(job, "sharding", strconv.Itoa(item), "disabled")
}

func RunningPath(job string, item int) string {
	return JobPath(job, "sharding", strconv.Itoa(item), "running")
}

// Snapshot 一次读取得到的作业完整视图
type Snapshot struct {
	Name          string
	Config        proto.JobConfig
	HasConfig     bool
	Disabled      bool
	Instances     []proto.InstanceRecord // registration order, ShardItems filled from Assignment
	Intents       map[string][]proto.Intent
	Assignment    proto.Assignment
	DisabledItems map[int]bool
	Running       map[int]bool
	Necessary     bool
}

func newSnapshot(name string) *Snapshot {
	return &Snapshot{
		Name:          name,
		Intents:       make(map[string][]proto.Intent),
		Assignment:    proto.NewAssignment(),
		DisabledItems: make(map[int]bool),
		Running:       make(map[int]bool),
	}
}

// Instance returns the record of id.
func (s *Snapshot) Instance(id string) (proto.InstanceRecord, bool) {
	for _, r := range s.Instances {
		if r.ID == id {
			return r, true
		}
	}
	return proto.InstanceRecord{}, false
}

// Eligible returns the ids of instances shards may be assigned to, in registration order.
func (s *Snapshot) Eligible() []string {
	var ids []string
	for _, r := range s.Instances {
		if r.EffectiveState().Eligible() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// EnabledItems returns 0..N-1 without the disabled items.
func (s *Snapshot) EnabledItems() []int {
	var items []int
	for i := 0; i < s.Config.ShardingTotalCount; i++ {
		if !s.DisabledItems[i] {
			items = append(items, i)
		}
	}
	return items
}

// parseSnapshots groups a listing of jobs/ by job name.
func parseSnapshots(all map[string]string) (map[string]*Snapshot, error) {
	snaps := make(map[string]*Snapshot)
	records := make(map[string]map[string]*proto.InstanceRecord)
	disabled := make(map[string]map[string]bool)

	for _, key := range sortedKeys(all) {
		value := all[key]
		parts := strings.Split(strings.TrimPrefix(key, JobsRoot+"/"), "/")
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		name := parts[0]
		snap, ok := snaps[name]
		if !ok {
			snap = newSnapshot(name)
			snaps[name] = snap
			records[name] = make(map[string]*proto.InstanceRecord)
			disabled[name] = make(map[string]bool)
		}

		rest := parts[1:]
		switch {
		case len(rest) == 1 && rest[0] == "config":
			if err := json.Unmarshal([]byte(value), &snap.Config); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			snap.HasConfig = true
		case len(rest) == 1 && rest[0] == "disabled":
			snap.Disabled = true
		case len(rest) == 1 && rest[0] == "assignment":
			if err := json.Unmarshal([]byte(value), &snap.Assignment); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			if snap.Assignment.Owners == nil {
				snap.Assignment.Owners = make(map[int]string)
			}
			if snap.Assignment.Failovers == nil {
				snap.Assignment.Failovers = make(map[int]proto.FailoverRecord)
			}
		case len(rest) == 3 && rest[0] == "leader" && rest[1] == "sharding" && rest[2] == "necessary":
			snap.Necessary = true
		case len(rest) == 3 && rest[0] == "sharding":
			item, err := strconv.Atoi(rest[1])
			if err != nil {
				continue
			}
			switch rest[2] {
			case "disabled":
				snap.DisabledItems[item] = true
			case "running":
				snap.Running[item] = true
			}
		case len(rest) == 3 && rest[0] == "instances" && rest[2] == "record":
			var r proto.InstanceRecord
			if err := json.Unmarshal([]byte(value), &r); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			r.ID = rest[1]
			records[name][r.ID] = &r
		case len(rest) == 3 && rest[0] == "instances" && rest[2] == "disabled":
			disabled[name][rest[1]] = true
		case len(rest) == 4 && rest[0] == "instances" && rest[2] == "intents":
			var intent proto.Intent
			if err := json.Unmarshal([]byte(value), &intent); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			intent.ID = rest[3]
			snap.Intents[rest[1]] = append(snap.Intents[rest[1]], intent)
		}
	}

	for name, snap := range snaps {
		for id, r := range records[name] {
			r.Disabled = disabled[name][id]
			r.ShardItems = snap.Assignment.ItemsOf(id)
			snap.Instances = append(snap.Instances, *r)
		}
		sortInstances(snap.Instances)
	}
	return snaps, nil
}

func sortInstances(instances []proto.InstanceRecord) {
	sort.Slice(instances, func(a, b int) bool {
		if instances[a].RegisteredAt != instances[b].RegisteredAt {
			return instances[a].RegisteredAt < instances[b].RegisteredAt
		}
		return instances[a].ID < instances[b].ID
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot reads one job. A job without a config yields ErrJobNotFound.
func (j *JobCenter) Snapshot(ctx context.Context, job string) (*Snapshot, error) {
	all, err := j.session.List(ctx, JobPath(job))
	if err != nil {
		return nil, err
	}
	snaps, err := parseSnapshots(all)
	if err != nil {
		return nil, err
	}
	snap, ok := snaps[job]
	if !ok || !snap.HasConfig {
		return nil, fmt.Errorf("job %s: %w", job, ErrJobNotFound)
	}
	return snap, nil
}

// Snapshots reads every job, sorted by name. With cached set, an unreachable
// registry is answered from the last listing and stale is true.
func (j *JobCenter) Snapshots(ctx context.Context, cached bool) (snaps []*Snapshot, stale bool, err error) {
	var all map[string]string
	if cached {
		all, stale, err = j.session.ListCached(ctx, JobsRoot)
	} else {
		all, err = j.session.List(ctx, JobsRoot)
	}
	if err != nil {
		return nil, false, err
	}
	byName, err := parseSnapshots(all)
	if err != nil {
		return nil, false, err
	}
	for _, snap := range byName {
		if snap.HasConfig {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(a, b int) bool { return snaps[a].Name < snaps[b].Name })
	return snaps, stale, nil
}

// MarkNecessary asks the coordinators for a full resharding pass of job.
func (j *JobCenter) MarkNecessary(ctx context.Context, job string) error {
	return MarkNecessary(ctx, j.session, job)
}

func MarkNecessary(ctx context.Context, s *registrycenter.Session, job string) error {
	return s.Put(ctx, NecessaryPath(job), strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// withLock serializes passes over job: a process-local mutex first, then the
// registry lock, retried with backoff when contended.
func (j *JobCenter) withLock(ctx context.Context, job string, fn func() error) error {
	j.mu.Lock()
	local, ok := j.local[job]
	if !ok {
		local = &sync.Mutex{}
		j.local[job] = local
	}
	j.mu.Unlock()
	local.Lock()
	defer local.Unlock()

	key := LockPath(job)
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := j.session.Lock(ctx, key, j.opts.Owner, j.opts.LockTTL, j.opts.LockWait)
		if err == nil {
			break
		}
		if !errors.Is(err, registrycenter.ErrLockTimeout) || attempt+1 >= j.opts.LockRetries {
			return err
		}
		lockContended(job)
		j.logger.WithFields(logrus.Fields{"job": job, "attempt": attempt + 1}).Warn("sharding lock contended")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	defer func() {
		if err := j.session.Unlock(context.WithoutCancel(ctx), key, j.opts.Owner); err != nil {
			j.logger.WithField("job", job).WithError(err).Warn("release sharding lock")
		}
	}()
	return fn()
}

func (j *JobCenter) putAssignment(ctx context.Context, job string, a proto.Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return j.session.Put(ctx, AssignmentPath(job), string(data))
}

func copyAssignment(a proto.Assignment) proto.Assignment {
	ret := proto.NewAssignment()
	ret.Epoch = a.Epoch
	for item, owner := range a.Owners {
		ret.Owners[item] = owner
	}
	for item, f := range a.Failovers {
		ret.Failovers[item] = f
	}
	return ret
}
