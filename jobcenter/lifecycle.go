package jobcenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"harrier/monitor"
	"harrier/proto"
	"harrier/registrycenter"
)

type instanceRef struct {
	job    string
	record proto.InstanceRecord
}

// resolve expands a target into the instances it names. Every read happens
// before any write, so a failing registry leaves nothing behind.
//
//	{job, ip, id}  one instance
//	{job, ip}      every instance of the job on ip
//	{job}          every instance of the job
//	{ip}           every instance on ip, whatever the job
func (j *JobCenter) resolve(ctx context.Context, t proto.Target) ([]instanceRef, error) {
	if t.InstanceID != "" {
		ip, _, err := proto.ParseInstanceID(t.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if t.IP != "" && t.IP != ip {
			return nil, fmt.Errorf("instance %s is not on %s: %w", t.InstanceID, t.IP, ErrInvalidRequest)
		}
		t.IP = ip
	}
	if t.JobName == "" && t.IP == "" {
		return nil, fmt.Errorf("job name or ip is required: %w", ErrInvalidRequest)
	}

	var snaps []*Snapshot
	if t.JobName != "" {
		snap, err := j.Snapshot(ctx, t.JobName)
		if err != nil {
			return nil, err
		}
		snaps = []*Snapshot{snap}
	} else {
		all, _, err := j.Snapshots(ctx, false)
		if err != nil {
			return nil, err
		}
		snaps = all
	}

	var refs []instanceRef
	for _, snap := range snaps {
		for _, r := range snap.Instances {
			if t.IP != "" && r.IP != t.IP {
				continue
			}
			if t.InstanceID != "" && r.ID != t.InstanceID {
				continue
			}
			refs = append(refs, instanceRef{job: snap.Name, record: r})
		}
	}
	return refs, nil
}

func (j *JobCenter) Trigger(ctx context.Context, t proto.Target) error {
	return opError("trigger", j.intent(ctx, t, proto.IntentTrigger))
}

func (j *JobCenter) Pause(ctx context.Context, t proto.Target) error {
	return opError("pause", j.intent(ctx, t, proto.IntentPause))
}

func (j *JobCenter) Resume(ctx context.Context, t proto.Target) error {
	return opError("resume", j.intent(ctx, t, proto.IntentResume))
}

func (j *JobCenter) Shutdown(ctx context.Context, t proto.Target) error {
	return opError("shutdown", j.intent(ctx, t, proto.IntentShutdown))
}

// intent writes op for every instance named by t. Crashed and shut down
// instances, like absent ones, are skipped without error.
func (j *JobCenter) intent(ctx context.Context, t proto.Target, op proto.IntentOp) error {
	refs, err := j.resolve(ctx, t)
	if err != nil {
		monitor.Intents.With(prometheus.Labels{"op": string(op), "result": "failure"}).Inc()
		return err
	}
	for _, ref := range refs {
		state := ref.record.EffectiveState()
		if state == proto.InstanceCrashed || state == proto.InstanceShutdown {
			continue
		}
		intent := proto.Intent{ID: j.ids.NextString(), Op: op, IssuedAt: j.opts.Now().UnixMilli()}
		data, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		if err := j.session.Create(ctx, IntentPath(ref.job, ref.record.ID, intent.ID), string(data)); err != nil {
			monitor.Intents.With(prometheus.Labels{"op": string(op), "result": "failure"}).Inc()
			return err
		}
		monitor.Intents.With(prometheus.Labels{"op": string(op), "result": "success"}).Inc()
		j.logger.WithFields(logrus.Fields{"job": ref.job, "instance": ref.record.ID, "op": op, "intent": intent.ID}).Info("intent issued")
	}
	return nil
}

// Disable sets the durable disabled flag and moves the shards of the
// instances away right away.
func (j *JobCenter) Disable(ctx context.Context, t proto.Target) error {
	refs, err := j.resolve(ctx, t)
	if err != nil {
		return opError("disable", err)
	}
	for _, ref := range refs {
		if err := j.session.Put(ctx, InstanceDisabledPath(ref.job, ref.record.ID), "true"); err != nil {
			return opError("disable", err)
		}
	}
	for _, ref := range refs {
		if err := j.Failover(ctx, ref.job, ref.record.ID, proto.FailoverDisabled); err != nil {
			return opError("disable", err)
		}
	}
	return nil
}

func (j *JobCenter) Enable(ctx context.Context, t proto.Target) error {
	refs, err := j.resolve(ctx, t)
	if err != nil {
		return opError("enable", err)
	}
	jobs := make(map[string]bool)
	for _, ref := range refs {
		if err := j.session.Delete(ctx, InstanceDisabledPath(ref.job, ref.record.ID)); err != nil {
			return opError("enable", err)
		}
		jobs[ref.job] = true
	}
	for job := range jobs {
		if err := j.MarkNecessary(ctx, job); err != nil {
			return opError("enable", err)
		}
	}
	return nil
}

// Remove deletes the registration of the named instances. Nothing is removed
// when any of them still owns shards.
func (j *JobCenter) Remove(ctx context.Context, t proto.Target) error {
	refs, err := j.resolve(ctx, t)
	if err != nil {
		return opError("remove", err)
	}
	for _, ref := range refs {
		if n := len(ref.record.ShardItems); n > 0 {
			return opError("remove", fmt.Errorf("instance %s of %s owns %d shards: %w", ref.record.ID, ref.job, n, ErrHoldsShards))
		}
	}
	for _, ref := range refs {
		if err := j.session.Delete(ctx, InstancePath(ref.job, ref.record.ID)); err != nil {
			return opError("remove", err)
		}
		j.logger.WithFields(logrus.Fields{"job": ref.job, "instance": ref.record.ID}).Info("instance removed")
	}
	return nil
}

// Await polls the instance record until its effective state is one of states
// or ctx is done.
func (j *JobCenter) Await(ctx context.Context, job, instance string, states ...proto.InstanceState) (proto.InstanceState, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := j.instanceState(ctx, job, instance)
		if err != nil && !errors.Is(err, ErrInstanceNotFound) {
			return "", opError("await", err)
		}
		if err == nil {
			for _, s := range states {
				if s == state {
					return state, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return "", opError("await", err)
			}
			return state, opError("await", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (j *JobCenter) instanceState(ctx context.Context, job, instance string) (proto.InstanceState, error) {
	raw, err := j.session.Get(ctx, RecordPath(job, instance))
	if errors.Is(err, registrycenter.ErrNotFound) {
		return "", fmt.Errorf("instance %s of %s: %w", instance, job, ErrInstanceNotFound)
	}
	if err != nil {
		return "", err
	}
	var r proto.InstanceRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return "", err
	}
	_, err = j.session.Get(ctx, InstanceDisabledPath(job, instance))
	switch {
	case err == nil:
		r.Disabled = true
	case !errors.Is(err, registrycenter.ErrNotFound):
		return "", err
	}
	return r.EffectiveState(), nil
}
