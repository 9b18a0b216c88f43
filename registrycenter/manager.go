package registrycenter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"harrier/constants"
	"harrier/proto"
)

var (
	ErrUnknownCenter     = errors.New("registry center not defined")
	ErrInvalidDefinition = errors.New("invalid registry center definition")
)

// Factory builds a backend for a registry-center definition.
type Factory func(config proto.RegistryCenterConfig) (RegistryCenter, error)

// Manager 管理注册中心定义以及当前激活的会话.
// 同一时刻只有一个激活会话, 由 Connect 显式建立, 不再是全局单例.
type Manager struct {
	mu       sync.RWMutex
	configs  []proto.RegistryCenterConfig
	file     string
	opts     Options
	factory  Factory
	logger   logrus.FieldLogger
	active   *Session
	onActive []func(*Session)
}

// NewManager loads definitions from file when it exists. An empty file path
// keeps definitions in memory only.
func NewManager(file string, opts Options, factory Factory) (*Manager, error) {
	opts = opts.withDefaults()
	if factory == nil {
		factory = New
	}
	m := &Manager{file: file, opts: opts, factory: factory, logger: opts.Logger}
	if file == "" {
		return m, nil
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry centers: %w", err)
	}
	if err := yaml.Unmarshal(data, &m.configs); err != nil {
		return nil, fmt.Errorf("parse registry centers: %w", err)
	}
	return m, nil
}

// OnActivate registers fn to run every time a session becomes active.
func (m *Manager) OnActivate(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onActive = append(m.onActive, fn)
}

func (m *Manager) List() []proto.RegistryCenterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make([]proto.RegistryCenterConfig, len(m.configs))
	copy(ret, m.configs)
	for i := range ret {
		ret[i].Activated = m.active != nil && m.active.Name() == ret[i].Name
	}
	return ret
}

func (m *Manager) Add(config proto.RegistryCenterConfig) error {
	if config.Name == "" {
		return fmt.Errorf("registry center name is required: %w", ErrInvalidDefinition)
	}
	if config.Type == "" {
		config.Type = Memory
	}
	if config.Namespace == "" {
		config.Namespace = constants.DEFAULT_NAMESPACE
	}
	config.Activated = false

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.Name == config.Name {
			return fmt.Errorf("registry center %s: %w", config.Name, ErrExists)
		}
	}
	m.configs = append(m.configs, config)
	return m.save()
}

// Delete removes a definition, disconnecting it first if it is active.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.configs {
		if c.Name != name {
			continue
		}
		if m.active != nil && m.active.Name() == name {
			m.closeActive()
		}
		m.configs = append(m.configs[:i], m.configs[i+1:]...)
		return m.save()
	}
	return fmt.Errorf("registry center %s: %w", name, ErrUnknownCenter)
}

// Connect opens a session for name, checks the registry answers, and makes it
// the active session. The previously active session is closed.
func (m *Manager) Connect(ctx context.Context, name string) (*Session, error) {
	m.mu.RLock()
	var config *proto.RegistryCenterConfig
	for i := range m.configs {
		if m.configs[i].Name == name {
			c := m.configs[i]
			config = &c
			break
		}
	}
	m.mu.RUnlock()
	if config == nil {
		return nil, fmt.Errorf("registry center %s: %w", name, ErrUnknownCenter)
	}

	backend, err := m.factory(*config)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	session := NewSession(config.Name, config.Namespace, backend, m.opts)
	if _, err := session.List(ctx, ""); err != nil {
		session.Close()
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	session.Activate()

	m.mu.Lock()
	m.closeActive()
	m.active = session
	hooks := make([]func(*Session), len(m.onActive))
	copy(hooks, m.onActive)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"registry": name, "type": config.Type}).Info("registry center connected")
	for _, fn := range hooks {
		fn(session)
	}
	return session, nil
}

func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNotActive
	}
	m.closeActive()
	return nil
}

// Active returns the session every coordinator operation must be given.
func (m *Manager) Active() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, ErrNotActive
	}
	return m.active, nil
}

// Close disconnects the active session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeActive()
	return nil
}

func (m *Manager) closeActive() {
	if m.active == nil {
		return
	}
	if err := m.active.Close(); err != nil {
		m.logger.WithError(err).Warn("close registry session")
	}
	m.active = nil
}

// save is called with m.mu held.
func (m *Manager) save() error {
	if m.file == "" {
		return nil
	}
	data, err := yaml.Marshal(m.configs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.file, data, 0o644); err != nil {
		return fmt.Errorf("write registry centers: %w", err)
	}
	return nil
}
