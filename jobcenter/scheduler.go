package jobcenter

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"harrier/monitor"
	"harrier/proto"
	"harrier/sharding"
)

func lockContended(job string) {
	monitor.LockContended.With(prometheus.Labels{"job": job}).Inc()
}

// Reshard runs a full resharding pass for job regardless of the necessary flag.
func (j *JobCenter) Reshard(ctx context.Context, job string) error {
	return opError("reshard", j.reshard(ctx, job, true))
}

// ReshardIfNecessary runs a pass only when the necessary flag is still set
// once the lock is held, so that coordinators racing on the same flag do the
// work once.
func (j *JobCenter) ReshardIfNecessary(ctx context.Context, job string) error {
	return opError("reshard", j.reshard(ctx, job, false))
}

func (j *JobCenter) reshard(ctx context.Context, job string, force bool) error {
	start := time.Now()
	err := j.withLock(ctx, job, func() error {
		snap, err := j.Snapshot(ctx, job)
		if err != nil {
			return err
		}
		if !force && !snap.Necessary {
			return nil
		}

		next, err := Assign(snap)
		if err != nil {
			return err
		}
		if err := j.putAssignment(ctx, job, next); err != nil {
			return err
		}
		if err := j.session.Delete(ctx, NecessaryPath(job)); err != nil {
			return err
		}
		j.logger.WithFields(logrus.Fields{
			"job":       job,
			"epoch":     next.Epoch,
			"instances": len(snap.Eligible()),
			"owners":    next.Count(),
		}).Info("job resharded")
		return nil
	})

	result := "success"
	if err != nil {
		result = "failure"
		j.logger.WithField("job", job).WithError(err).Warn("resharding failed")
	}
	monitor.ReshardingPasses.With(prometheus.Labels{"job": job, "result": result}).Inc()
	monitor.ReshardingDurationsSummary.With(prometheus.Labels{"job": job}).Observe(time.Since(start).Seconds())
	return err
}

// Assign computes the next assignment document of a job from a snapshot.
// Failover records are dropped: every owner reclaims its items.
// A disabled job, or one without eligible instances, ends up with no owners.
func Assign(snap *Snapshot) (proto.Assignment, error) {
	next := proto.NewAssignment()
	next.Epoch = snap.Assignment.Epoch + 1
	if snap.Disabled {
		return next, nil
	}
	strategy, err := sharding.Get(snap.Config.StrategyName())
	if err != nil {
		return next, err
	}
	next.Owners = sharding.Owners(strategy.Assign(snap.Name, snap.Eligible(), snap.EnabledItems()))
	return next, nil
}
