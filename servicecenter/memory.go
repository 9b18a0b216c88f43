package servicecenter

import (
	"context"
	"sync"
)

var _ ServiceCenter = (*MemoryServiceCenter)(nil)

// MemoryServiceCenter for tests and single-process deployments
type MemoryServiceCenter struct {
	mu       sync.RWMutex
	services map[string]map[string]Instance
}

func NewMemory() *MemoryServiceCenter {
	return &MemoryServiceCenter{services: make(map[string]map[string]Instance)}
}

func (m *MemoryServiceCenter) Register(ctx context.Context, service string, instance Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts, ok := m.services[service]
	if !ok {
		hosts = make(map[string]Instance)
		m.services[service] = hosts
	}
	instance.Healthy = true
	hosts[instance.Addr()] = instance
	return nil
}

func (m *MemoryServiceCenter) Deregister(ctx context.Context, service string, instance Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services[service], instance.Addr())
	return nil
}

func (m *MemoryServiceCenter) GetService(ctx context.Context, name string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	service := Service{Name: name, Hosts: []Instance{}}
	for _, h := range m.services[name] {
		service.Hosts = append(service.Hosts, h)
	}
	sortHosts(service.Hosts)
	return service, nil
}
