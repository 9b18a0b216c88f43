package proto

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"harrier/constants"
)

// JobConfig 作业定义, 由控制台注册到注册中心
type JobConfig struct {
	Name                   string   `json:"name" yaml:"name"`
	ShardingTotalCount     int      `json:"shardingTotalCount" yaml:"shardingTotalCount"`
	Cron                   string   `json:"cron" yaml:"cron"`
	ShardingItemParameters string   `json:"shardingItemParameters,omitempty" yaml:"shardingItemParameters"` // 0=A,1=B
	JobParameter           string   `json:"jobParameter,omitempty" yaml:"jobParameter"`
	Failover               bool     `json:"failover" yaml:"failover"`
	Misfire                bool     `json:"misfire" yaml:"misfire"`
	MonitorExecution       bool     `json:"monitorExecution" yaml:"monitorExecution"`
	ShardingStrategy       string   `json:"shardingStrategy,omitempty" yaml:"shardingStrategy"`
	Executor               string   `json:"executor,omitempty" yaml:"executor"`
	Task                   Task     `json:"task" yaml:"task"`
	PreFilters             []string `json:"preFilters,omitempty" yaml:"preFilters"`
	PostFilters            []string `json:"postFilters,omitempty" yaml:"postFilters"`
	Description            string   `json:"description,omitempty" yaml:"description"`
}

// Task 分片执行时发出的请求
type Task struct {
	Type   string            `json:"type" yaml:"type"` // GET/POST
	URI    string            `json:"uri" yaml:"uri"`
	Body   string            `json:"body,omitempty" yaml:"body"`
	Header map[string]string `json:"header,omitempty" yaml:"header"`
	// Retries 请求失败 (传输错误或 5xx) 后的重试次数
	Retries int `json:"retries,omitempty" yaml:"retries"`
}

// StrategyName falls back to the average strategy.
func (c JobConfig) StrategyName() string {
	if c.ShardingStrategy == "" {
		return constants.DEFAULT_SHARDING_STRATEGY
	}
	return c.ShardingStrategy
}

func (c JobConfig) ExecutorName() string {
	if c.Executor == "" {
		return constants.DEFAULT_EXECUTOR
	}
	return c.Executor
}

type InstanceState string

const (
	InstanceReady    InstanceState = "READY"
	InstanceRunning  InstanceState = "RUNNING"
	InstancePaused   InstanceState = "PAUSED"
	InstanceDisabled InstanceState = "DISABLED"
	InstanceCrashed  InstanceState = "CRASHED"
	InstanceShutdown InstanceState = "SHUTDOWN"
)

// Eligible reports whether shards may be assigned to an instance in this state.
func (s InstanceState) Eligible() bool {
	return s == InstanceReady || s == InstanceRunning
}

// Alive reports whether the process behind the instance is still up.
func (s InstanceState) Alive() bool {
	return s == InstanceReady || s == InstanceRunning || s == InstancePaused
}

// InstanceRecord 作业实例, 每个 (作业, 进程) 一条
type InstanceRecord struct {
	ID           string        `json:"id"`
	IP           string        `json:"ip"`
	PID          int           `json:"pid"`
	State        InstanceState `json:"state"`
	RegisteredAt int64         `json:"registeredAt"` // unix ms
	Heartbeat    int64         `json:"heartbeat"`    // unix ms
	Version      string        `json:"version,omitempty"`
	Disabled     bool          `json:"disabled"`
	ShardItems   []int         `json:"shardItems,omitempty"`
}

// EffectiveState folds the operator disabled flag into the reported state.
func (r InstanceRecord) EffectiveState() InstanceState {
	if r.Disabled && r.State != InstanceCrashed && r.State != InstanceShutdown {
		return InstanceDisabled
	}
	return r.State
}

func InstanceID(ip string, pid int) string {
	return ip + constants.INSTANCE_DELIMITER + strconv.Itoa(pid)
}

// ParseInstanceID splits an id built by InstanceID.
func ParseInstanceID(id string) (ip string, pid int, err error) {
	parts := strings.Split(id, constants.INSTANCE_DELIMITER)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid instance id %q", id)
	}
	pid, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid instance id %q: %w", id, err)
	}
	return parts[0], pid, nil
}

type FailoverReason string

const (
	FailoverCrashed  FailoverReason = "CRASHED"
	FailoverDisabled FailoverReason = "DISABLED"
	FailoverManual   FailoverReason = "MANUAL"
)

// FailoverRecord 分片失效转移记录
type FailoverRecord struct {
	Item          int            `json:"item"`
	OriginalOwner string         `json:"originalOwner"`
	Target        string         `json:"target"`
	Reason        FailoverReason `json:"reason"`
	At            int64          `json:"at"`
}

// Assignment 作业的完整分片结果, 作为一个值写入注册中心
type Assignment struct {
	Epoch     int64                  `json:"epoch"`
	Owners    map[int]string         `json:"owners"`
	Failovers map[int]FailoverRecord `json:"failovers,omitempty"`
}

func NewAssignment() Assignment {
	return Assignment{Owners: make(map[int]string), Failovers: make(map[int]FailoverRecord)}
}

// ItemsOf returns the items owned by an instance in ascending order.
func (a Assignment) ItemsOf(instanceID string) []int {
	var items []int
	for item, owner := range a.Owners {
		if owner == instanceID {
			items = append(items, item)
		}
	}
	sort.Ints(items)
	return items
}

// Count returns how many items each instance owns.
func (a Assignment) Count() map[string]int {
	counts := make(map[string]int)
	for _, owner := range a.Owners {
		counts[owner]++
	}
	return counts
}

type IntentOp string

const (
	IntentTrigger  IntentOp = "TRIGGER"
	IntentPause    IntentOp = "PAUSE"
	IntentResume   IntentOp = "RESUME"
	IntentShutdown IntentOp = "SHUTDOWN"
)

// Intent 控制台下发给实例的指令, 由实例消费后删除
type Intent struct {
	ID       string   `json:"id"`
	Op       IntentOp `json:"op"`
	IssuedAt int64    `json:"issuedAt"`
}

// Target 控制台操作对象. 空 InstanceID 表示该 IP 下的所有实例,
// 空 IP 表示作业下所有实例, 空 JobName 表示该 IP 上的所有作业.
type Target struct {
	JobName    string `json:"jobName"`
	IP         string `json:"ip"`
	InstanceID string `json:"instanceId"`
}

// ShardContext 一个分片的一次执行, 在过滤器链中传递
type ShardContext struct {
	ExecutionID string
	InstanceID  string
	Job         JobConfig
	Item        int
	Parameter   string
	Err         error // set by the chain before post filters run
	Extra       map[string]interface{}
}
