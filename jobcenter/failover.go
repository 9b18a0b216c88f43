package jobcenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"harrier/monitor"
	"harrier/proto"
	"harrier/registrycenter"
)

// Failover moves every item owned by instance to the eligible instance with
// the fewest items, ties broken by registration order. With failover turned
// off for the job the items lose their owner instead.
func (j *JobCenter) Failover(ctx context.Context, job, instance string, reason proto.FailoverReason) error {
	err := j.withLock(ctx, job, func() error {
		snap, err := j.Snapshot(ctx, job)
		if err != nil {
			return err
		}
		next, moved := failover(snap, instance, reason, j.opts.Now().UnixMilli())
		if len(moved) == 0 {
			return nil
		}
		if err := j.putAssignment(ctx, job, next); err != nil {
			return err
		}
		monitor.Failovers.With(prometheus.Labels{"job": job, "reason": string(reason)}).Add(float64(len(moved)))
		j.logger.WithFields(logrus.Fields{
			"job":      job,
			"instance": instance,
			"reason":   reason,
			"epoch":    next.Epoch,
			"moved":    moved,
		}).Info("shards failed over")
		return nil
	})
	return opError("failover", err)
}

// failover returns the next assignment and item -> new owner ("" when unassigned).
func failover(snap *Snapshot, instance string, reason proto.FailoverReason, at int64) (proto.Assignment, map[int]string) {
	next := copyAssignment(snap.Assignment)
	items := next.ItemsOf(instance)
	if len(items) == 0 {
		return next, nil
	}
	next.Epoch++
	moved := make(map[int]string, len(items))

	if !snap.Config.Failover {
		for _, item := range items {
			delete(next.Owners, item)
			moved[item] = ""
		}
		return next, moved
	}

	var candidates []string
	for _, id := range snap.Eligible() {
		if id != instance {
			candidates = append(candidates, id)
		}
	}
	counts := next.Count()
	for _, item := range items {
		target := ""
		for _, id := range candidates {
			if target == "" || counts[id] < counts[target] {
				target = id
			}
		}
		if target == "" {
			delete(next.Owners, item)
			delete(next.Failovers, item)
			moved[item] = ""
			continue
		}
		original := instance
		if prev, ok := next.Failovers[item]; ok && prev.OriginalOwner != "" {
			original = prev.OriginalOwner
		}
		next.Owners[item] = target
		next.Failovers[item] = proto.FailoverRecord{
			Item:          item,
			OriginalOwner: original,
			Target:        target,
			Reason:        reason,
			At:            at,
		}
		counts[target]++
		counts[instance]--
		moved[item] = target
	}
	return next, moved
}

// Reassign hands item to instance on operator request.
func (j *JobCenter) Reassign(ctx context.Context, job string, item int, instance string) error {
	err := j.withLock(ctx, job, func() error {
		snap, err := j.Snapshot(ctx, job)
		if err != nil {
			return err
		}
		if item < 0 || item >= snap.Config.ShardingTotalCount {
			return fmt.Errorf("item %d of %s: %w", item, job, ErrInvalidRequest)
		}
		if snap.DisabledItems[item] {
			return fmt.Errorf("item %d of %s is disabled: %w", item, job, ErrInvalidRequest)
		}
		record, ok := snap.Instance(instance)
		if !ok {
			return fmt.Errorf("instance %s of %s: %w", instance, job, ErrInstanceNotFound)
		}
		if !record.EffectiveState().Eligible() {
			return fmt.Errorf("instance %s is %s: %w", instance, record.EffectiveState(), ErrNoEligibleInstance)
		}

		next := copyAssignment(snap.Assignment)
		previous := next.Owners[item]
		if previous == instance {
			return nil
		}
		if prev, ok := next.Failovers[item]; ok && prev.OriginalOwner != "" {
			previous = prev.OriginalOwner
		}
		next.Epoch++
		next.Owners[item] = instance
		next.Failovers[item] = proto.FailoverRecord{
			Item:          item,
			OriginalOwner: previous,
			Target:        instance,
			Reason:        proto.FailoverManual,
			At:            j.opts.Now().UnixMilli(),
		}
		if err := j.putAssignment(ctx, job, next); err != nil {
			return err
		}
		monitor.Failovers.With(prometheus.Labels{"job": job, "reason": string(proto.FailoverManual)}).Inc()
		j.logger.WithFields(logrus.Fields{"job": job, "item": item, "instance": instance}).Info("shard reassigned")
		return nil
	})
	return opError("reassign", err)
}

// Reap marks instances whose heartbeat is older than the lease CRASHED and
// fails over whatever crashed or disabled instances still own.
func (j *JobCenter) Reap(ctx context.Context) error {
	snaps, _, err := j.Snapshots(ctx, false)
	if err != nil {
		return opError("reap", err)
	}
	deadline := j.opts.Now().Add(-j.opts.LeaseTTL).UnixMilli()

	var errs []error
	for _, snap := range snaps {
		for _, r := range snap.Instances {
			if r.State.Alive() && r.Heartbeat < deadline {
				crashed, err := j.markCrashed(ctx, snap.Name, r)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if crashed {
					r.State = proto.InstanceCrashed
				}
			}
			if len(r.ShardItems) == 0 {
				continue
			}
			switch r.EffectiveState() {
			case proto.InstanceCrashed:
				err = j.Failover(ctx, snap.Name, r.ID, proto.FailoverCrashed)
			case proto.InstanceDisabled:
				err = j.Failover(ctx, snap.Name, r.ID, proto.FailoverDisabled)
			default:
				err = nil
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return opError("reap", errors.Join(errs...))
}

func (j *JobCenter) markCrashed(ctx context.Context, job string, r proto.InstanceRecord) (bool, error) {
	// re-read: the instance may have renewed its heartbeat since the listing
	raw, err := j.session.Get(ctx, RecordPath(job, r.ID))
	if errors.Is(err, registrycenter.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var current proto.InstanceRecord
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return false, fmt.Errorf("decode record %s: %w", r.ID, err)
	}
	if current.Heartbeat > r.Heartbeat || !current.State.Alive() {
		return false, nil
	}
	current.ID = r.ID
	current.State = proto.InstanceCrashed
	data, err := json.Marshal(current)
	if err != nil {
		return false, err
	}
	if err := j.session.Put(ctx, RecordPath(job, r.ID), string(data)); err != nil {
		return false, err
	}
	j.logger.WithFields(logrus.Fields{"job": job, "instance": r.ID, "heartbeat": r.Heartbeat}).Warn("instance lease expired")
	return true, nil
}
