package proto

type Status string

const (
	StatusOK               Status = "OK"
	StatusPartialAlive     Status = "PARTIAL_ALIVE"
	StatusAllCrashed       Status = "ALL_CRASHED"
	StatusManuallyDisabled Status = "MANUALLY_DISABLED"
)

type ShardStatus string

const (
	ShardRunning      ShardStatus = "RUNNING"
	ShardShardingFlag ShardStatus = "SHARDING_FLAG"
	ShardDisabled     ShardStatus = "DISABLED"
	ShardPending      ShardStatus = "PENDING"
	ShardFailover     ShardStatus = "FAILOVER"
	ShardUnassigned   ShardStatus = "UNASSIGNED"
)

// Reason 失败原因码, 控制台据此展示本地化信息
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidRequest      Reason = "INVALID_REQUEST"
	ReasonJobNotFound         Reason = "JOB_NOT_FOUND"
	ReasonJobExists           Reason = "JOB_EXISTS"
	ReasonInstanceNotFound    Reason = "INSTANCE_NOT_FOUND"
	ReasonHoldsShards         Reason = "HOLDS_SHARDS"
	ReasonRegistryUnavailable Reason = "REGISTRY_UNAVAILABLE"
	ReasonNoActiveRegistry    Reason = "NO_ACTIVE_REGISTRY"
	ReasonCenterNotFound      Reason = "REGISTRY_CENTER_NOT_FOUND"
	ReasonNoEligibleInstance  Reason = "NO_ELIGIBLE_INSTANCE"
	ReasonLockTimeout         Reason = "LOCK_TIMEOUT"
	ReasonInternal            Reason = "INTERNAL"
)

type JobBrief struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Cron               string `json:"cron"`
	ShardingTotalCount int    `json:"shardingTotalCount"`
	InstanceCount      int    `json:"instanceCount"`
	NextFireTime       int64  `json:"nextFireTime,omitempty"` // unix ms
	Status             Status `json:"status"`
}

type ServerBrief struct {
	IP            string `json:"ip"`
	InstanceCount int    `json:"instanceCount"`
	JobCount      int    `json:"jobCount"`
	Status        Status `json:"status"`
}

// ServerJob 某台服务器上的作业实例
type ServerJob struct {
	JobName    string        `json:"jobName"`
	InstanceID string        `json:"instanceId"`
	State      InstanceState `json:"state"`
	ShardItems []int         `json:"shardItems"`
}

type ShardInfo struct {
	Item      int         `json:"item"`
	Owner     string      `json:"owner,omitempty"`
	Parameter string      `json:"parameter,omitempty"`
	Status    ShardStatus `json:"status"`
	Failover  string      `json:"failover,omitempty"` // original owner
}

type RegistryCenterConfig struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	ServerLists string `json:"serverLists" yaml:"serverLists"`
	Namespace   string `json:"namespace" yaml:"namespace"`
	Activated   bool   `json:"activated" yaml:"-"`
}
