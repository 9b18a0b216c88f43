package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ShardExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_executed_total",
		Help: "分片累计执行的次数",
	}, []string{"job", "result"})

	ShardExecuting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_executing_total",
		Help: "当前正在执行的分片总数",
	}, []string{"job"})

	ShardExecuteDurationsHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shard_execute_duration_histogram_seconds",
		Help:    "分片执行耗时的柱状图",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30},
	}, []string{"job"})

	ShardRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_retries_total",
		Help: "分片请求失败后的重试次数",
	}, []string{"job"})

	ShardMisfired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_misfired_total",
		Help: "错过触发的执行次数",
	}, []string{"job"})

	ReshardingPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resharding_passes_total",
		Help: "重新分片累计次数",
	}, []string{"job", "result"})

	ReshardingDurationsSummary = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "resharding_duration_summary_seconds",
		Help:       "重新分片耗时的分位图",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"job"})

	Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "failover_items_total",
		Help: "失效转移的分片累计数",
	}, []string{"job", "reason"})

	LockContended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharding_lock_contended_total",
		Help: "分片锁竞争失败次数",
	}, []string{"job"})

	Intents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_intents_total",
		Help: "控制台下发指令累计数",
	}, []string{"op", "result"})

	InstanceStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "instance_states",
		Help: "各状态的实例数量",
	}, []string{"job", "state"})

	RegistryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_ops_total",
		Help: "注册中心操作次数",
	}, []string{"op", "result"})

	RegistryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_retries_total",
		Help: "注册中心操作重试次数",
	}, []string{"op"})

	RegistryStaleReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_stale_reads_total",
		Help: "注册中心超时后使用缓存的读取次数",
	})

	RegistryDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_duration_histogram_seconds",
		Help:    "注册中心操作耗时的柱状图",
		Buckets: []float64{0.001, 0.005, 0.02, 0.1, 0.5, 2},
	}, []string{"op"})

	EventSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_subscribers",
		Help: "事件订阅者数量",
	}, []string{"topic"})

	EventPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_published_total",
		Help: "事件累计推送总数",
	}, []string{"topic"})

	EventConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_consumed_total",
		Help: "事件累计消费总数",
	}, []string{"topic"})

	EventDelayDurationsSummary = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "event_delay_duration_summary_seconds",
		Help:       "事件从推送到消费的延迟分位图",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"topic"})
)
