package registrycenter

import (
	"context"
	"strings"
	"sync"
)

var _ RegistryCenter = (*MemoryRegistryCenter)(nil)

var (
	memoriesMux sync.Mutex
	memories    = make(map[string]*MemoryRegistryCenter)
)

// sharedMemory returns the process-wide store for a server list, so that
// sessions opened with the same definition see the same data.
func sharedMemory(serverLists string) *MemoryRegistryCenter {
	memoriesMux.Lock()
	defer memoriesMux.Unlock()
	m, ok := memories[serverLists]
	if !ok {
		m = NewMemory()
		memories[serverLists] = m
	}
	return m
}

// MemoryRegistryCenter 进程内注册中心, 用于测试和单机部署
type MemoryRegistryCenter struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[int]*memoryWatcher
	nextID   int
	fault    error
}

func NewMemory() *MemoryRegistryCenter {
	return &MemoryRegistryCenter{
		data:     make(map[string]string),
		watchers: make(map[int]*memoryWatcher),
	}
}

// SetFault makes every following call fail with err until cleared with nil.
func (m *MemoryRegistryCenter) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

func (m *MemoryRegistryCenter) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fault != nil {
		return "", m.fault
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryRegistryCenter) Put(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	m.data[key] = value
	m.notify(Event{Type: EventPut, Key: key, Value: value})
	return nil
}

func (m *MemoryRegistryCenter) Create(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	if _, ok := m.data[key]; ok {
		return ErrExists
	}
	m.data[key] = value
	m.notify(Event{Type: EventPut, Key: key, Value: value})
	return nil
}

func (m *MemoryRegistryCenter) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	for k := range m.data {
		if isBelow(k, key) {
			delete(m.data, k)
			m.notify(Event{Type: EventDelete, Key: k})
		}
	}
	return nil
}

func (m *MemoryRegistryCenter) List(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fault != nil {
		return nil, m.fault
	}
	ret := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			ret[k] = v
		}
	}
	return ret, nil
}

func (m *MemoryRegistryCenter) Watch(ctx context.Context, prefix string, handler func(Event)) error {
	w := &memoryWatcher{prefix: prefix, handler: handler, signal: make(chan struct{}, 1)}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers[id] = w
	m.mu.Unlock()

	go func() {
		w.run(ctx)
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()
	return nil
}

func (m *MemoryRegistryCenter) Close() error {
	return nil
}

// notify is called with m.mu held.
func (m *MemoryRegistryCenter) notify(e Event) {
	for _, w := range m.watchers {
		if strings.HasPrefix(e.Key, w.prefix) {
			w.push(e)
		}
	}
}

// memoryWatcher keeps an unbounded queue so mutations never wait on handlers.
type memoryWatcher struct {
	prefix  string
	handler func(Event)

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
}

func (w *memoryWatcher) push(e Event) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			e := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			w.handler(e)
		}
	}
}
