package registrycenter

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"harrier/constants"
	"harrier/monitor"
)

type SessionState string

const (
	SessionConnected    SessionState = "CONNECTED"
	SessionActive       SessionState = "ACTIVE"
	SessionDisconnected SessionState = "DISCONNECTED"
)

type Options struct {
	Timeout  time.Duration // per attempt
	Retries  int           // attempts after the first one
	Backoff  time.Duration // doubled after every failed attempt
	StaleTTL time.Duration // how long a last-known value may be served
	Logger   logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	if o.StaleTTL <= 0 {
		o.StaleTTL = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Session 一个已连接的注册中心. 所有键都相对于 namespace,
// 每次调用带超时, 暂时性失败按退避重试, 用尽后返回 ErrUnavailable.
type Session struct {
	name      string
	namespace string
	backend   RegistryCenter
	opts      Options
	logger    logrus.FieldLogger
	cache     *cache.Cache

	mu     sync.RWMutex
	state  SessionState
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(name, namespace string, backend RegistryCenter, opts Options) *Session {
	opts = opts.withDefaults()
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		namespace = constants.DEFAULT_NAMESPACE
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		name:      name,
		namespace: namespace,
		backend:   backend,
		opts:      opts,
		logger:    opts.Logger.WithFields(logrus.Fields{"registry": name, "namespace": namespace}),
		cache:     cache.New(opts.StaleTTL, opts.StaleTTL),
		state:     SessionConnected,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Session) Name() string      { return s.name }
func (s *Session) Namespace() string { return s.namespace }

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionConnected {
		s.state = SessionActive
	}
}

// Done is closed when the session is disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close stops every watch opened through the session and releases the backend.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == SessionDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionDisconnected
	s.mu.Unlock()

	s.cancel()
	s.logger.Info("registry session disconnected")
	return s.backend.Close()
}

func (s *Session) abs(key string) string {
	return path.Join("/", s.namespace, key)
}

func (s *Session) rel(key string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, "/"+s.namespace), "/")
}

// do runs fn with a per-attempt timeout, retrying transient failures.
func (s *Session) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	if s.State() == SessionDisconnected {
		return ErrNotActive
	}
	start := time.Now()
	defer func() {
		monitor.RegistryDurationHistogram.With(prometheus.Labels{"op": op}).Observe(time.Since(start).Seconds())
	}()

	backoff := s.opts.Backoff
	var err error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			monitor.RegistryRetries.With(prometheus.Labels{"op": op}).Inc()
			select {
			case <-ctx.Done():
				return fmt.Errorf("registry %s %s: %w: %w", op, key, ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil || !transient(err) {
			monitor.RegistryOps.With(prometheus.Labels{"op": op, "result": resultLabel(err)}).Inc()
			return err
		}
		s.logger.WithFields(logrus.Fields{"op": op, "key": key, "attempt": attempt + 1}).
			WithError(err).Warn("registry call failed")
		if ctx.Err() != nil {
			break
		}
	}
	monitor.RegistryOps.With(prometheus.Labels{"op": op, "result": "unavailable"}).Inc()
	return fmt.Errorf("registry %s %s: %w: %w", op, key, ErrUnavailable, err)
}

func transient(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExists) && !errors.Is(err, ErrNotActive)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExists):
		return "exists"
	default:
		return "error"
	}
}

func (s *Session) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.do(ctx, "get", key, func(ctx context.Context) error {
		v, err := s.backend.Get(ctx, s.abs(key))
		value = v
		return err
	})
	if err == nil {
		s.cache.SetDefault(key, value)
	}
	return value, err
}

// GetCached behaves like Get but serves the last-known value, flagged stale,
// when the registry cannot be reached.
func (s *Session) GetCached(ctx context.Context, key string) (string, bool, error) {
	value, err := s.Get(ctx, key)
	if err == nil || !errors.Is(err, ErrUnavailable) {
		return value, false, err
	}
	if cached, found := s.cache.Get(key); found {
		monitor.RegistryStaleReads.Inc()
		return cached.(string), true, nil
	}
	return "", false, err
}

func (s *Session) Put(ctx context.Context, key, value string) error {
	err := s.do(ctx, "put", key, func(ctx context.Context) error {
		return s.backend.Put(ctx, s.abs(key), value)
	})
	if err == nil {
		s.cache.SetDefault(key, value)
	}
	return err
}

func (s *Session) Create(ctx context.Context, key, value string) error {
	err := s.do(ctx, "create", key, func(ctx context.Context) error {
		return s.backend.Create(ctx, s.abs(key), value)
	})
	if err == nil {
		s.cache.SetDefault(key, value)
	}
	return err
}

func (s *Session) Delete(ctx context.Context, key string) error {
	err := s.do(ctx, "delete", key, func(ctx context.Context) error {
		return s.backend.Delete(ctx, s.abs(key))
	})
	if err == nil {
		s.cache.Delete(key)
	}
	return err
}

// List returns every key below prefix, relative to the namespace.
func (s *Session) List(ctx context.Context, prefix string) (map[string]string, error) {
	var all map[string]string
	err := s.do(ctx, "list", prefix, func(ctx context.Context) error {
		ret, err := s.backend.List(ctx, s.abs(prefix)+"/")
		all = ret
		return err
	})
	if err != nil {
		return nil, err
	}
	ret := make(map[string]string, len(all))
	for k, v := range all {
		ret[s.rel(k)] = v
	}
	s.cache.SetDefault(listCacheKey(prefix), ret)
	return ret, nil
}

func (s *Session) ListCached(ctx context.Context, prefix string) (map[string]string, bool, error) {
	ret, err := s.List(ctx, prefix)
	if err == nil || !errors.Is(err, ErrUnavailable) {
		return ret, false, err
	}
	if cached, found := s.cache.Get(listCacheKey(prefix)); found {
		monitor.RegistryStaleReads.Inc()
		return cached.(map[string]string), true, nil
	}
	return nil, false, err
}

func listCacheKey(prefix string) string {
	return "list:" + prefix
}

// Children returns the distinct names directly below key, sorted.
func (s *Session) Children(ctx context.Context, key string) ([]string, error) {
	all, err := s.List(ctx, key)
	if err != nil {
		return nil, err
	}
	return childNames(all, key), nil
}

func childNames(all map[string]string, key string) []string {
	prefix := strings.Trim(key, "/")
	if prefix != "" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var names []string
	for k := range all {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if rest == "" {
			continue
		}
		name := strings.SplitN(rest, "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Watch delivers changes below prefix with namespace-relative keys until ctx
// is done or the session is closed.
func (s *Session) Watch(ctx context.Context, prefix string, handler func(Event)) error {
	if s.State() == SessionDisconnected {
		return ErrNotActive
	}
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-watchCtx.Done():
		case <-s.ctx.Done():
			cancel()
		}
	}()
	err := s.backend.Watch(watchCtx, s.abs(prefix)+"/", func(e Event) {
		e.Key = s.rel(e.Key)
		if e.Type == EventDelete {
			s.cache.Delete(e.Key)
		} else {
			s.cache.SetDefault(e.Key, e.Value)
		}
		handler(e)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("registry watch %s: %w", prefix, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
