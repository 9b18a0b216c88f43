package registrycenter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"harrier/proto"
)

const (
	K8S    = "k8s"
	Nacos  = "nacos"
	Memory = "memory"
)

var (
	ErrNotFound    = errors.New("registry key not found")
	ErrExists      = errors.New("registry key already exists")
	ErrUnavailable = errors.New("registry unreachable")
	ErrNotActive   = errors.New("no active registry center")
	ErrLockTimeout = errors.New("lock wait timed out")
)

type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"
)

type Event struct {
	Type  EventType
	Key   string
	Value string
}

// RegistryCenter 注册中心存储. 键为以 / 分隔的层级路径.
type RegistryCenter interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	// Create writes key only if it does not exist yet, otherwise ErrExists.
	Create(ctx context.Context, key, value string) error
	// Delete removes key and every key below it. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	// Watch calls handler for changes below prefix until ctx is done.
	Watch(ctx context.Context, prefix string, handler func(Event)) error
	Close() error
}

// New builds the backend described by config.
func New(config proto.RegistryCenterConfig) (RegistryCenter, error) {
	switch config.Type {
	case K8S:
		return newK8sRegistryCenterFromConfig(config)
	case Nacos:
		return newNacosRegistryCenter(config)
	case Memory, "":
		return sharedMemory(config.ServerLists), nil
	default:
		return nil, fmt.Errorf("unknown registry center type %q", config.Type)
	}
}

// isBelow reports whether key is prefix itself or lies under it.
func isBelow(key, prefix string) bool {
	if key == prefix {
		return true
	}
	p := prefix
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return strings.HasPrefix(key, p)
}
