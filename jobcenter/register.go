package jobcenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"

	"harrier/proto"
	"harrier/registrycenter"
	"harrier/sharding"
)

// fields whose change invalidates the current assignment
var shardingFields = []string{"shardingTotalCount", "shardingStrategy"}

// Validate checks a job definition before it is written.
func Validate(config proto.JobConfig) error {
	if config.Name == "" || strings.ContainsAny(config.Name, "/ ") {
		return fmt.Errorf("job name %q: %w", config.Name, ErrInvalidRequest)
	}
	if config.ShardingTotalCount < 1 {
		return fmt.Errorf("job %s sharding total count %d: %w", config.Name, config.ShardingTotalCount, ErrInvalidRequest)
	}
	// instances schedule with the standard parser, which takes 5 fields or a
	// descriptor only; cronexpr also computes the next fire time shown in status
	if _, err := cron.ParseStandard(config.Cron); err != nil {
		return fmt.Errorf("job %s cron %q: %w: %w", config.Name, config.Cron, ErrInvalidRequest, err)
	}
	if _, err := cronexpr.Parse(config.Cron); err != nil {
		return fmt.Errorf("job %s cron %q: %w: %w", config.Name, config.Cron, ErrInvalidRequest, err)
	}
	if config.Task.Retries < 0 {
		return fmt.Errorf("job %s task retries %d: %w", config.Name, config.Task.Retries, ErrInvalidRequest)
	}
	params, err := sharding.ParseItemParameters(config.ShardingItemParameters)
	if err != nil {
		return fmt.Errorf("job %s: %w: %w", config.Name, ErrInvalidRequest, err)
	}
	for item := range params {
		if item >= config.ShardingTotalCount {
			return fmt.Errorf("job %s parameter for item %d out of range: %w", config.Name, item, ErrInvalidRequest)
		}
	}
	if _, err := sharding.Get(config.StrategyName()); err != nil {
		return fmt.Errorf("job %s: %w: %w", config.Name, ErrInvalidRequest, err)
	}
	return nil
}

func (j *JobCenter) RegisterJob(ctx context.Context, config proto.JobConfig) error {
	if err := Validate(config); err != nil {
		return opError("register job", err)
	}
	data, err := json.Marshal(config)
	if err != nil {
		return opError("register job", err)
	}
	err = j.session.Create(ctx, ConfigPath(config.Name), string(data))
	if errors.Is(err, registrycenter.ErrExists) {
		return opError("register job", fmt.Errorf("job %s: %w", config.Name, ErrJobExists))
	}
	if err != nil {
		return opError("register job", err)
	}
	j.logger.WithField("job", config.Name).Info("job registered")
	return opError("register job", j.MarkNecessary(ctx, config.Name))
}

// UpdateJob replaces a job definition. Instances pick the new cron up from
// their watch; a change of shard count or strategy asks for a reshard.
func (j *JobCenter) UpdateJob(ctx context.Context, config proto.JobConfig) error {
	if err := Validate(config); err != nil {
		return opError("update job", err)
	}
	old, err := j.session.Get(ctx, ConfigPath(config.Name))
	if errors.Is(err, registrycenter.ErrNotFound) {
		return opError("update job", fmt.Errorf("job %s: %w", config.Name, ErrJobNotFound))
	}
	if err != nil {
		return opError("update job", err)
	}
	data, err := json.Marshal(config)
	if err != nil {
		return opError("update job", err)
	}
	if err := j.session.Put(ctx, ConfigPath(config.Name), string(data)); err != nil {
		return opError("update job", err)
	}
	j.logger.WithField("job", config.Name).Info("job updated")

	for _, field := range shardingFields {
		if gjson.Get(old, field).String() != gjson.GetBytes(data, field).String() {
			return opError("update job", j.MarkNecessary(ctx, config.Name))
		}
	}
	return nil
}

func (j *JobCenter) GetJob(ctx context.Context, name string) (proto.JobConfig, error) {
	var config proto.JobConfig
	raw, err := j.session.Get(ctx, ConfigPath(name))
	if errors.Is(err, registrycenter.ErrNotFound) {
		return config, opError("get job", fmt.Errorf("job %s: %w", name, ErrJobNotFound))
	}
	if err != nil {
		return config, opError("get job", err)
	}
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return config, opError("get job", err)
	}
	return config, nil
}

func (j *JobCenter) ListJobs(ctx context.Context) ([]proto.JobConfig, error) {
	snaps, _, err := j.Snapshots(ctx, false)
	if err != nil {
		return nil, opError("list jobs", err)
	}
	configs := make([]proto.JobConfig, 0, len(snaps))
	for _, snap := range snaps {
		configs = append(configs, snap.Config)
	}
	return configs, nil
}

// RemoveJob deletes a job and everything below it. It is refused while an
// alive instance still owns shards.
func (j *JobCenter) RemoveJob(ctx context.Context, name string) error {
	snap, err := j.Snapshot(ctx, name)
	if err != nil {
		return opError("remove job", err)
	}
	for _, r := range snap.Instances {
		if r.State.Alive() && len(r.ShardItems) > 0 {
			return opError("remove job", fmt.Errorf("job %s instance %s: %w", name, r.ID, ErrHoldsShards))
		}
	}
	if err := j.session.Delete(ctx, JobPath(name)); err != nil {
		return opError("remove job", err)
	}
	j.logger.WithField("job", name).Info("job removed")
	return nil
}

// DisableJob stops every instance of the job from owning shards.
func (j *JobCenter) DisableJob(ctx context.Context, name string) error {
	if _, err := j.Snapshot(ctx, name); err != nil {
		return opError("disable job", err)
	}
	if err := j.session.Put(ctx, DisabledPath(name), "true"); err != nil {
		return opError("disable job", err)
	}
	return opError("disable job", j.MarkNecessary(ctx, name))
}

func (j *JobCenter) EnableJob(ctx context.Context, name string) error {
	if _, err := j.Snapshot(ctx, name); err != nil {
		return opError("enable job", err)
	}
	if err := j.session.Delete(ctx, DisabledPath(name)); err != nil {
		return opError("enable job", err)
	}
	return opError("enable job", j.MarkNecessary(ctx, name))
}

func (j *JobCenter) DisableShard(ctx context.Context, name string, item int) error {
	return opError("disable shard", j.setShardDisabled(ctx, name, item, true))
}

func (j *JobCenter) EnableShard(ctx context.Context, name string, item int) error {
	return opError("enable shard", j.setShardDisabled(ctx, name, item, false))
}

func (j *JobCenter) setShardDisabled(ctx context.Context, name string, item int, disabled bool) error {
	snap, err := j.Snapshot(ctx, name)
	if err != nil {
		return err
	}
	if item < 0 || item >= snap.Config.ShardingTotalCount {
		return fmt.Errorf("item %d of %s: %w", item, name, ErrInvalidRequest)
	}
	if disabled {
		err = j.session.Put(ctx, ShardDisabledPath(name, item), "true")
	} else {
		err = j.session.Delete(ctx, ShardDisabledPath(name, item))
	}
	if err != nil {
		return err
	}
	return j.MarkNecessary(ctx, name)
}
