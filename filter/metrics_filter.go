package filter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"harrier/monitor"
	"harrier/proto"
)

var (
	_ Filter = (*MetricsPreFilter)(nil)
	_ Filter = (*MetricsPostFilter)(nil)
)

const (
	MetricsPreFilterKey  = "metrics_pre_filter"
	MetricsPostFilterKey = "metrics_post_filter"

	startTimeKey = "start_time"
)

type MetricsPreFilter struct{}

func (m *MetricsPreFilter) Filter(shard *proto.ShardContext) error {
	if shard.Extra == nil {
		shard.Extra = make(map[string]interface{})
	}
	shard.Extra[startTimeKey] = time.Now()
	monitor.ShardExecuting.With(prometheus.Labels{"job": shard.Job.Name}).Inc()
	return nil
}

type MetricsPostFilter struct{}

func (m *MetricsPostFilter) Filter(shard *proto.ShardContext) error {
	start, ok := shard.Extra[startTimeKey].(time.Time)
	if !ok {
		// the pre filter never ran
		return nil
	}
	duration := time.Since(start).Seconds()

	result := "success"
	if shard.Err != nil {
		result = "failure"
	}
	monitor.ShardExecuting.With(prometheus.Labels{"job": shard.Job.Name}).Dec()
	monitor.ShardExecuted.With(prometheus.Labels{"job": shard.Job.Name, "result": result}).Inc()
	monitor.ShardExecuteDurationsHistogram.With(prometheus.Labels{"job": shard.Job.Name}).Observe(duration)
	return nil
}
