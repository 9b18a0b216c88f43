package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"harrier/constants"
	"harrier/proto"
	"harrier/registrycenter"
	"harrier/servicecenter"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Registry      RegistryConfig      `yaml:"registry"`
	ServiceCenter ServiceCenterConfig `yaml:"service_center"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Agent         AgentConfig         `yaml:"agent"`
	PluginsDir    string              `yaml:"plugins_dir"`
	LogLevel      string              `yaml:"log_level"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// IP advertised to peers, defaults to the first non-loopback address
	IP string `yaml:"ip"`
}

type RegistryConfig struct {
	// Default is the definition connected at startup, if set.
	Default         string        `yaml:"default"`
	Type            string        `yaml:"type"`
	ServerLists     string        `yaml:"server_lists"`
	Namespace       string        `yaml:"namespace"`
	DefinitionsFile string        `yaml:"definitions_file"`
	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	Backoff         time.Duration `yaml:"backoff"`
	StaleTTL        time.Duration `yaml:"stale_ttl"`
}

type ServiceCenterConfig struct {
	Type        string `yaml:"type"`
	ServerLists string `yaml:"server_lists"`
}

type CoordinatorConfig struct {
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	LockWait          time.Duration `yaml:"lock_wait"`
	LockRetries       int           `yaml:"lock_retries"`
}

type AgentConfig struct {
	Jobs              []string      `yaml:"jobs"`
	IP                string        `yaml:"ip"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// Coordinate also runs a coordinator loop inside the agent process.
	Coordinate bool `yaml:"coordinate"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8878"},
		Registry: RegistryConfig{
			Default:         "default",
			Type:            registrycenter.Memory,
			Namespace:       constants.DEFAULT_NAMESPACE,
			DefinitionsFile: "registry-centers.yaml",
			Timeout:         3 * time.Second,
			Retries:         2,
			Backoff:         100 * time.Millisecond,
			StaleTTL:        5 * time.Minute,
		},
		ServiceCenter: ServiceCenterConfig{Type: servicecenter.Memory},
		Coordinator: CoordinatorConfig{
			LeaseTTL:          30 * time.Second,
			ReapInterval:      5 * time.Second,
			ReconcileInterval: 30 * time.Second,
			LockTTL:           30 * time.Second,
			LockWait:          5 * time.Second,
			LockRetries:       3,
		},
		Agent:      AgentConfig{HeartbeatInterval: 5 * time.Second},
		PluginsDir: "plugins",
		LogLevel:   "info",
	}
}

// Load reads .env files, then the YAML file at path when it exists, then the
// environment overrides. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load(".env.local")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.Server.Port = getEnv("HARRIER_PORT", cfg.Server.Port)
	cfg.Registry.Type = getEnv("REGISTRY_TYPE", cfg.Registry.Type)
	cfg.Registry.ServerLists = getEnv("REGISTRY_SERVER_LISTS", cfg.Registry.ServerLists)
	cfg.Registry.Namespace = getEnv("REGISTRY_NAMESPACE", cfg.Registry.Namespace)
	cfg.ServiceCenter.Type = getEnv("SERVICE_CENTER", cfg.ServiceCenter.Type)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := strconv.ParseUint(c.Server.Port, 10, 16); err != nil {
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Registry.Type {
	case registrycenter.Memory, registrycenter.Nacos, registrycenter.K8S:
	default:
		return fmt.Errorf("unknown registry type %q", c.Registry.Type)
	}
	switch c.ServiceCenter.Type {
	case servicecenter.Memory, servicecenter.Nacos, servicecenter.K8S:
	default:
		return fmt.Errorf("unknown service center type %q", c.ServiceCenter.Type)
	}
	if c.Coordinator.LeaseTTL <= c.Agent.HeartbeatInterval {
		return fmt.Errorf("lease ttl %s must exceed the heartbeat interval %s", c.Coordinator.LeaseTTL, c.Agent.HeartbeatInterval)
	}
	for _, job := range c.Agent.Jobs {
		if strings.TrimSpace(job) == "" {
			return errors.New("empty job name in agent jobs")
		}
	}
	return nil
}

// DefaultCenter is the registry-center definition described by the registry
// section, used when the definitions file does not name it yet.
func (c *Config) DefaultCenter() proto.RegistryCenterConfig {
	return proto.RegistryCenterConfig{
		Name:        c.Registry.Default,
		Type:        c.Registry.Type,
		ServerLists: c.Registry.ServerLists,
		Namespace:   c.Registry.Namespace,
	}
}

func (c *Config) SessionOptions(logger logrus.FieldLogger) registrycenter.Options {
	return registrycenter.Options{
		Timeout:  c.Registry.Timeout,
		Retries:  c.Registry.Retries,
		Backoff:  c.Registry.Backoff,
		StaleTTL: c.Registry.StaleTTL,
		Logger:   logger,
	}
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
