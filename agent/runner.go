package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"harrier/filter"
	"harrier/jobcenter"
	"harrier/monitor"
	"harrier/proto"
	"harrier/registrycenter"
	"harrier/sharding"
)

// runner 一个作业在本进程上的实例
type runner struct {
	agent        *Agent
	job          string
	registeredAt int64
	logger       logrus.FieldLogger

	mu       sync.Mutex
	config   proto.JobConfig
	state    proto.InstanceState
	entry    cron.EntryID
	running  bool
	misfired bool
	done     *sync.WaitGroup

	intentMu sync.Mutex
}

func (r *runner) currentState() proto.InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) record() proto.InstanceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return proto.InstanceRecord{
		ID:           r.agent.id,
		IP:           r.agent.opts.IP,
		PID:          r.agent.opts.PID,
		State:        r.state,
		RegisteredAt: r.registeredAt,
		Heartbeat:    r.agent.opts.Now().UnixMilli(),
		Version:      r.agent.opts.Version,
	}
}

func (r *runner) writeRecord(ctx context.Context) error {
	data, err := json.Marshal(r.record())
	if err != nil {
		return err
	}
	return r.agent.session.Put(ctx, jobcenter.RecordPath(r.job, r.agent.id), string(data))
}

// heartbeat renews the record. A record the reaper marked CRASHED while this
// process was still alive is taken back and a reshard requested.
func (r *runner) heartbeat(ctx context.Context) error {
	state := r.currentState()
	if state == proto.InstanceShutdown {
		return nil
	}
	raw, err := r.agent.session.Get(ctx, jobcenter.RecordPath(r.job, r.agent.id))
	recovered := false
	switch {
	case errors.Is(err, registrycenter.ErrNotFound):
		// removed by an operator while running, register again
		recovered = true
	case err != nil:
		return err
	default:
		var seen proto.InstanceRecord
		if json.Unmarshal([]byte(raw), &seen) == nil && seen.State == proto.InstanceCrashed {
			recovered = true
		}
	}
	if err := r.writeRecord(ctx); err != nil {
		return err
	}
	if recovered {
		r.logger.Warn("instance recovered")
		return jobcenter.MarkNecessary(ctx, r.agent.session, r.job)
	}
	return nil
}

func (r *runner) setState(ctx context.Context, state proto.InstanceState) error {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return nil
	}
	r.state = state
	r.mu.Unlock()
	r.logger.WithField("state", state).Info("instance state changed")
	return r.writeRecord(ctx)
}

func (r *runner) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entry != 0 {
		r.agent.cron.Remove(r.entry)
		r.entry = 0
	}
	if r.state == proto.InstanceShutdown || r.config.Cron == "" {
		return
	}
	entry, err := r.agent.cron.AddFunc(r.config.Cron, func() {
		if err := r.execute(context.Background()); err != nil {
			r.logger.WithError(err).Warn("execution failed")
		}
	})
	if err != nil {
		r.logger.WithField("cron", r.config.Cron).WithError(err).Error("cannot schedule job")
		return
	}
	r.entry = entry
}

// onEvent is called by the watch with keys relative to the namespace.
func (r *runner) onEvent(ctx context.Context, e registrycenter.Event) {
	rest := strings.TrimPrefix(e.Key, jobcenter.JobPath(r.job)+"/")
	switch {
	case rest == "config" && e.Type == registrycenter.EventPut:
		var config proto.JobConfig
		if err := json.Unmarshal([]byte(e.Value), &config); err != nil {
			r.logger.WithError(err).Warn("decode job config")
			return
		}
		r.mu.Lock()
		changed := config.Cron != r.config.Cron
		r.config = config
		r.mu.Unlock()
		if changed {
			r.schedule()
		}
	case e.Type == registrycenter.EventPut:
		if _, ok := intentKey(rest, r.agent.id); ok {
			r.consumeIntents(ctx)
		}
	}
}

// consumeIntents applies pending intents in id order and deletes them.
func (r *runner) consumeIntents(ctx context.Context) {
	r.intentMu.Lock()
	defer r.intentMu.Unlock()

	all, err := r.agent.session.List(ctx, jobcenter.IntentsPath(r.job, r.agent.id))
	if err != nil {
		r.logger.WithError(err).Warn("list intents")
		return
	}
	for _, intent := range sortedIntents(all) {
		if err := r.apply(ctx, intent); err != nil {
			r.logger.WithFields(logrus.Fields{"intent": intent.ID, "op": intent.Op}).WithError(err).Warn("apply intent")
		}
		if err := r.agent.session.Delete(ctx, jobcenter.IntentPath(r.job, r.agent.id, intent.ID)); err != nil {
			r.logger.WithField("intent", intent.ID).WithError(err).Warn("delete intent")
		}
	}
}

func (r *runner) apply(ctx context.Context, intent proto.Intent) error {
	state := r.currentState()
	if state == proto.InstanceShutdown {
		return nil
	}
	switch intent.Op {
	case proto.IntentTrigger:
		r.agent.wg.Add(1)
		go func() {
			defer r.agent.wg.Done()
			if err := r.execute(ctx); err != nil {
				r.logger.WithError(err).Warn("triggered execution failed")
			}
		}()
		return nil
	case proto.IntentPause:
		return r.transition(ctx, proto.InstancePaused)
	case proto.IntentResume:
		if state != proto.InstancePaused {
			return nil
		}
		return r.transition(ctx, proto.InstanceReady)
	case proto.IntentShutdown:
		r.wait()
		if err := r.transition(ctx, proto.InstanceShutdown); err != nil {
			return err
		}
		r.schedule()
		return nil
	}
	return nil
}

// transition changes the reported state and asks for a reshard, since the
// set of eligible instances changed.
func (r *runner) transition(ctx context.Context, state proto.InstanceState) error {
	if err := r.setState(ctx, state); err != nil {
		return err
	}
	return jobcenter.MarkNecessary(ctx, r.agent.session, r.job)
}

func (r *runner) shutdown(ctx context.Context) error {
	if r.currentState() == proto.InstanceShutdown {
		return nil
	}
	return r.transition(ctx, proto.InstanceShutdown)
}

// wait blocks until the current execution, if any, is finished.
func (r *runner) wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		done.Wait()
	}
}

// execute runs the items this instance owns. A fire arriving while the
// previous execution still runs is dropped, or with misfire enabled queued
// for one re-execution.
func (r *runner) execute(ctx context.Context) error {
	r.mu.Lock()
	if r.state != proto.InstanceReady && r.state != proto.InstanceRunning {
		r.mu.Unlock()
		return nil
	}
	if r.running {
		if r.config.Misfire {
			r.misfired = true
		}
		r.mu.Unlock()
		monitor.ShardMisfired.With(prometheus.Labels{"job": r.job}).Inc()
		r.logger.Info("execution misfired, previous one still running")
		return nil
	}
	r.running = true
	done := &sync.WaitGroup{}
	done.Add(1)
	r.done = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.done = nil
		r.mu.Unlock()
		done.Done()
	}()

	for {
		err := r.executeOnce(ctx)
		r.mu.Lock()
		again := r.misfired
		r.misfired = false
		r.mu.Unlock()
		if !again || err != nil {
			return err
		}
	}
}

func (r *runner) executeOnce(ctx context.Context) error {
	session := r.agent.session
	disabled, err := r.disabled(ctx)
	if err != nil {
		return err
	}
	if disabled {
		r.logger.Debug("execution skipped, disabled")
		return nil
	}
	raw, err := session.Get(ctx, jobcenter.AssignmentPath(r.job))
	if errors.Is(err, registrycenter.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	assignment := proto.NewAssignment()
	if err := json.Unmarshal([]byte(raw), &assignment); err != nil {
		return err
	}
	items := assignment.ItemsOf(r.agent.id)
	if len(items) == 0 {
		return nil
	}

	r.mu.Lock()
	config := r.config
	r.mu.Unlock()
	params, _ := sharding.ParseItemParameters(config.ShardingItemParameters)

	if err := r.setExecuting(ctx, proto.InstanceRunning); err != nil {
		return err
	}
	defer func() {
		if err := r.setExecuting(context.WithoutCancel(ctx), proto.InstanceReady); err != nil {
			r.logger.WithError(err).Warn("report ready")
		}
	}()

	execution := r.agent.ids.NextString()
	logger := r.logger.WithFields(logrus.Fields{"execution": execution, "items": items, "epoch": assignment.Epoch})
	logger.Info("execution started")

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, item := range items {
		wg.Add(1)
		go func(item int) {
			defer wg.Done()
			if err := r.executeItem(ctx, config, execution, item, params[item]); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(item)
	}
	wg.Wait()

	err = errors.Join(errs...)
	if err != nil {
		logger.WithError(err).Warn("execution finished with failures")
	} else {
		logger.Info("execution finished")
	}
	return err
}

// disabled reports whether the job or this instance carries a disabled flag.
// It is read before every run, the assignment may lag behind the flag.
func (r *runner) disabled(ctx context.Context) (bool, error) {
	for _, key := range []string{jobcenter.DisabledPath(r.job), jobcenter.InstanceDisabledPath(r.job, r.agent.id)} {
		_, err := r.agent.session.Get(ctx, key)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, registrycenter.ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

// setExecuting flips between READY and RUNNING unless an intent moved the
// instance somewhere else meanwhile.
func (r *runner) setExecuting(ctx context.Context, state proto.InstanceState) error {
	r.mu.Lock()
	current := r.state
	r.mu.Unlock()
	if current != proto.InstanceReady && current != proto.InstanceRunning {
		return nil
	}
	return r.setState(ctx, state)
}

func (r *runner) executeItem(ctx context.Context, config proto.JobConfig, execution string, item int, parameter string) error {
	session := r.agent.session
	if config.MonitorExecution {
		if err := session.Put(ctx, jobcenter.RunningPath(r.job, item), r.agent.id); err != nil {
			return err
		}
		defer func() {
			if err := session.Delete(context.WithoutCancel(ctx), jobcenter.RunningPath(r.job, item)); err != nil {
				r.logger.WithField("item", item).WithError(err).Warn("clear running marker")
			}
		}()
	}
	shard := &proto.ShardContext{
		ExecutionID: execution,
		InstanceID:  r.agent.id,
		Job:         config,
		Item:        item,
		Parameter:   parameter,
	}
	chain, err := filter.NewChain(shard)
	if err != nil {
		return err
	}
	return chain.Do(ctx)
}
