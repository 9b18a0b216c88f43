package servicecenter

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
)

const (
	K8S    = "k8s"
	Nacos  = "nacos"
	Memory = "memory"
)

// ServiceCenter 协调者节点的注册与发现
type ServiceCenter interface {
	Register(ctx context.Context, service string, instance Instance) error
	Deregister(ctx context.Context, service string, instance Instance) error
	GetService(ctx context.Context, name string) (Service, error)
}

type Service struct {
	Name  string     `json:"name"`
	Hosts []Instance `json:"hosts"`
}

type Instance struct {
	Ip       string            `json:"ip"`
	Port     uint64            `json:"port"`
	Healthy  bool              `json:"healthy"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (i Instance) Addr() string {
	return i.Ip + ":" + strconv.FormatUint(i.Port, 10)
}

// New builds the service center named by kind. serverLists is the nacos
// server list or the k8s API server URL; memory ignores it.
func New(kind, serverLists string, logger logrus.FieldLogger) (ServiceCenter, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithField("type", kind).Info("service center")
	switch kind {
	case K8S:
		return newK8sServiceCenterFromConfig(serverLists)
	case Nacos:
		return newNacosServiceCenter(serverLists)
	case Memory, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown service center type %q", kind)
	}
}

func sortHosts(hosts []Instance) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Ip != hosts[j].Ip {
			return hosts[i].Ip < hosts[j].Ip
		}
		return hosts[i].Port < hosts[j].Port
	})
}
