package jobcenter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"harrier/eventcenter"
	"harrier/proto"
	"harrier/registrycenter"
)

const TopicPrefix = "job/"

func Topic(job string) string {
	return TopicPrefix + job
}

type CoordinatorOptions struct {
	ReapInterval      time.Duration
	ReconcileInterval time.Duration
}

func (o CoordinatorOptions) withDefaults() CoordinatorOptions {
	if o.ReapInterval <= 0 {
		o.ReapInterval = 5 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	return o
}

// Coordinator 监听注册中心的作业目录, 按作业把变更投递到事件中心,
// 同一作业的事件按注册中心投递的顺序依次处理.
// 多个 Coordinator 可以同时运行, 作业锁保证同一时刻只有一个分片过程.
type Coordinator struct {
	jc     *JobCenter
	events *eventcenter.EventCenter
	opts   CoordinatorOptions
	logger logrus.FieldLogger

	mu     sync.Mutex
	topics map[string]func()
}

func NewCoordinator(jc *JobCenter, events *eventcenter.EventCenter, opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		jc:     jc,
		events: events,
		opts:   opts.withDefaults(),
		logger: jc.logger.WithField("component", "coordinator"),
		topics: make(map[string]func()),
	}
}

// Run blocks until ctx is done or the session is disconnected.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.unsubscribeAll()

	session := c.jc.session
	if err := session.Watch(ctx, JobsRoot, c.dispatch); err != nil {
		return err
	}
	c.logger.Info("coordinator started")
	c.reconcile(ctx)

	reap := time.NewTicker(c.opts.ReapInterval)
	defer reap.Stop()
	reconcile := time.NewTicker(c.opts.ReconcileInterval)
	defer reconcile.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			c.logger.Info("registry session closed, coordinator stopped")
			return nil
		case <-reap.C:
			if err := c.jc.Reap(ctx); err != nil {
				c.logger.WithError(err).Warn("reap failed")
			}
		case <-reconcile.C:
			c.reconcile(ctx)
		}
	}
}

// dispatch runs on the watch goroutine and only routes the event.
func (c *Coordinator) dispatch(e registrycenter.Event) {
	job, _, ok := strings.Cut(strings.TrimPrefix(e.Key, JobsRoot+"/"), "/")
	if !ok || job == "" {
		return
	}
	topic := Topic(job)
	c.mu.Lock()
	if _, subscribed := c.topics[topic]; !subscribed {
		c.topics[topic] = c.events.Subscribe(topic, func(event *eventcenter.Event) {
			if re, ok := event.Body.(registrycenter.Event); ok {
				c.handle(job, re)
			}
		})
	}
	c.mu.Unlock()
	c.events.Publish(topic, eventcenter.NewEvent().WithBody(e))
}

func (c *Coordinator) unsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, unsubscribe := range c.topics {
		unsubscribe()
		delete(c.topics, topic)
	}
}

// handle reacts to one change of job.
//
//	leader/sharding/necessary put   resharding pass
//	instances/{id}/disabled put     failover, reason DISABLED
//	instances/{id}/record CRASHED   failover, reason CRASHED
func (c *Coordinator) handle(job string, e registrycenter.Event) {
	ctx := context.Background()
	rest := strings.TrimPrefix(e.Key, JobPath(job)+"/")
	parts := strings.Split(rest, "/")
	logger := c.logger.WithFields(logrus.Fields{"job": job, "key": rest, "type": e.Type})

	var err error
	switch {
	case rest == "leader/sharding/necessary" && e.Type == registrycenter.EventPut:
		err = c.jc.ReshardIfNecessary(ctx, job)
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "disabled" && e.Type == registrycenter.EventPut:
		err = c.jc.Failover(ctx, job, parts[1], proto.FailoverDisabled)
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "record" && e.Type == registrycenter.EventPut:
		var r proto.InstanceRecord
		if json.Unmarshal([]byte(e.Value), &r) == nil && r.State == proto.InstanceCrashed {
			err = c.jc.Failover(ctx, job, parts[1], proto.FailoverCrashed)
		}
	default:
		return
	}
	if err != nil {
		logger.WithError(err).Warn("handle registry change")
	}
}

// reconcile reshards every job whose necessary flag is still set, covering
// events missed while no coordinator was watching.
func (c *Coordinator) reconcile(ctx context.Context) {
	snaps, _, err := c.jc.Snapshots(ctx, false)
	if err != nil {
		c.logger.WithError(err).Warn("reconcile failed")
		return
	}
	for _, snap := range snaps {
		if !snap.Necessary {
			continue
		}
		if err := c.jc.ReshardIfNecessary(ctx, snap.Name); err != nil {
			c.logger.WithField("job", snap.Name).WithError(err).Warn("reconcile reshard failed")
		}
	}
}
