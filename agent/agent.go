package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"harrier/jobcenter"
	"harrier/proto"
	"harrier/registrycenter"
	"harrier/uuid"
)

type Options struct {
	Jobs              []string
	IP                string
	PID               int
	Version           string
	HeartbeatInterval time.Duration
	Logger            logrus.FieldLogger
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Agent 作业实例: 为每个作业注册一个实例, 维持心跳, 消费控制台指令,
// 按 cron 执行分配给自己的分片.
type Agent struct {
	session *registrycenter.Session
	opts    Options
	id      string
	logger  logrus.FieldLogger
	ids     *uuid.Generator
	cron    *cron.Cron

	mu      sync.Mutex
	runners map[string]*runner
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(session *registrycenter.Session, opts Options) (*Agent, error) {
	opts = opts.withDefaults()
	if opts.IP == "" {
		return nil, errors.New("agent ip is required")
	}
	if len(opts.Jobs) == 0 {
		return nil, errors.New("agent needs at least one job")
	}
	id := proto.InstanceID(opts.IP, opts.PID)
	ids, err := uuid.NewGenerator(uuid.NodeID(id))
	if err != nil {
		return nil, err
	}
	return &Agent{
		session: session,
		opts:    opts,
		id:      id,
		logger:  opts.Logger.WithField("instance", id),
		ids:     ids,
		cron:    cron.New(),
		runners: make(map[string]*runner),
	}, nil
}

func (a *Agent) ID() string {
	return a.id
}

// Start registers an instance for every job and begins serving them.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	for _, job := range a.opts.Jobs {
		r, err := a.register(ctx, job)
		if err != nil {
			cancel()
			return err
		}
		a.mu.Lock()
		a.runners[job] = r
		a.mu.Unlock()
		if err := a.session.Watch(ctx, jobcenter.JobPath(job), func(e registrycenter.Event) { r.onEvent(ctx, e) }); err != nil {
			cancel()
			return err
		}
	}
	a.cron.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()
	a.logger.WithField("jobs", a.opts.Jobs).Info("agent started")
	return nil
}

// Run starts the agent and blocks until ctx is done or the session closes,
// then shuts every instance down.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.session.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}

// Stop waits for running executions and reports every instance SHUTDOWN.
func (a *Agent) Stop(ctx context.Context) error {
	<-a.cron.Stop().Done()
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	runners := make([]*runner, 0, len(a.runners))
	for _, r := range a.runners {
		runners = append(runners, r)
	}
	a.mu.Unlock()
	a.wg.Wait()

	var errs []error
	for _, r := range runners {
		r.wait()
		if err := r.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

func (a *Agent) runner(job string) (*runner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runners[job]
	if !ok {
		return nil, fmt.Errorf("job %s is not served by %s", job, a.id)
	}
	return r, nil
}

// Execute runs one execution of job now, as a cron fire would.
func (a *Agent) Execute(ctx context.Context, job string) error {
	r, err := a.runner(job)
	if err != nil {
		return err
	}
	return r.execute(ctx)
}

// State returns the state this agent reports for job.
func (a *Agent) State(job string) (proto.InstanceState, error) {
	r, err := a.runner(job)
	if err != nil {
		return "", err
	}
	return r.currentState(), nil
}

func (a *Agent) register(ctx context.Context, job string) (*runner, error) {
	raw, err := a.session.Get(ctx, jobcenter.ConfigPath(job))
	if errors.Is(err, registrycenter.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", job, jobcenter.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	var config proto.JobConfig
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job, err)
	}

	r := &runner{
		agent:        a,
		job:          job,
		config:       config,
		state:        proto.InstanceReady,
		registeredAt: a.opts.Now().UnixMilli(),
		logger:       a.logger.WithField("job", job),
	}
	if err := r.writeRecord(ctx); err != nil {
		return nil, err
	}
	// a restarted process keeps no intents from its previous life
	if err := a.session.Delete(ctx, jobcenter.IntentsPath(job, a.id)); err != nil {
		return nil, err
	}
	if err := jobcenter.MarkNecessary(ctx, a.session, job); err != nil {
		return nil, err
	}
	r.schedule()
	r.logger.Info("instance registered")
	return r, nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			runners := make([]*runner, 0, len(a.runners))
			for _, r := range a.runners {
				runners = append(runners, r)
			}
			a.mu.Unlock()
			for _, r := range runners {
				if err := r.heartbeat(ctx); err != nil {
					r.logger.WithError(err).Warn("heartbeat failed")
				}
			}
		}
	}
}

// intentKey extracts the intent id from a key below the job path.
func intentKey(rest, instance string) (string, bool) {
	prefix := "instances/" + instance + "/intents/"
	if !strings.HasPrefix(rest, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(rest, prefix)
	return id, id != "" && !strings.Contains(id, "/")
}

func sortedIntents(all map[string]string) []proto.Intent {
	intents := make([]proto.Intent, 0, len(all))
	for key, value := range all {
		var intent proto.Intent
		if err := json.Unmarshal([]byte(value), &intent); err != nil {
			continue
		}
		intent.ID = key[strings.LastIndex(key, "/")+1:]
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].ID < intents[j].ID })
	return intents
}
