// Package config loads the YAML configuration of the offline sync service.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/offlinesync/internal/kv"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/storage"
)

// Environment variables that override file values.
const (
	EnvEndpoint  = "OFFLINESYNC_ENDPOINT"
	EnvDataDir   = "OFFLINESYNC_DATA_DIR"
	EnvRedisAddr = "OFFLINESYNC_REDIS_ADDR"
)

// Config is the root configuration.
type Config struct {
	Log          LogConfig                  `yaml:"log"`
	Queue        QueueConfig                `yaml:"queue"`
	Storage      StorageConfig              `yaml:"storage"`
	Connectivity ConnectivityConfig         `yaml:"connectivity"`
	Scheduler    SchedulerConfig            `yaml:"scheduler"`
	Executor     ExecutorConfig             `yaml:"executor"`
	Server       ServerConfig               `yaml:"server"`
	Policies     map[string]conflict.Policy `yaml:"policies,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type QueueConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	StorageKey  string        `yaml:"storage_key"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"`
	DataDir     string `yaml:"data_dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type ConnectivityConfig struct {
	// ProbeURL is polled for reachability. Empty means state is only pushed
	// through the API.
	ProbeURL     string        `yaml:"probe_url"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type SchedulerConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type ExecutorConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Queue: QueueConfig{
			MaxRetries:  5,
			CallTimeout: 30 * time.Second,
			StorageKey:  storage.DefaultKey,
		},
		Storage: StorageConfig{
			Backend:     kv.BackendFile,
			DataDir:     "./data",
			RedisPrefix: "offlinesync:",
		},
		Connectivity: ConnectivityConfig{
			Interval:     5 * time.Second,
			ProbeTimeout: 3 * time.Second,
		},
		Scheduler: SchedulerConfig{
			RetryInterval: 30 * time.Second,
			MaxBackoff:    10 * time.Minute,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8089"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Executor.Endpoint = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Storage.RedisAddr = v
	}
}

// Validate checks values and normalizes policy strategies.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.CallTimeout < 0 {
		return fmt.Errorf("queue.call_timeout must not be negative")
	}
	if c.Queue.StorageKey == "" {
		return fmt.Errorf("queue.storage_key is required")
	}

	switch c.Storage.Backend {
	case kv.BackendMemory:
	case kv.BackendFile, kv.BackendSQLite:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the %s backend", c.Storage.Backend)
		}
	case kv.BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.Connectivity.ProbeURL != "" && c.Connectivity.Interval <= 0 {
		return fmt.Errorf("connectivity.interval must be positive when probe_url is set")
	}
	if c.Scheduler.RetryInterval <= 0 {
		return fmt.Errorf("scheduler.retry_interval must be positive")
	}
	if c.Scheduler.MaxBackoff < c.Scheduler.RetryInterval {
		return fmt.Errorf("scheduler.max_backoff must be at least scheduler.retry_interval")
	}
	if c.Executor.Endpoint != "" && !strings.HasPrefix(c.Executor.Endpoint, "http://") &&
		!strings.HasPrefix(c.Executor.Endpoint, "https://") {
		return fmt.Errorf("executor.endpoint must be an http(s) URL")
	}

	for entity, p := range c.Policies {
		st, err := conflict.ParseStrategy(string(p.Strategy))
		if err != nil {
			return fmt.Errorf("policies.%s: %w", entity, err)
		}
		p.Strategy = st
		c.Policies[entity] = p
	}
	return nil
}

// ConflictPolicies returns the default policy table with configured entries
// replacing the defaults of their entity type.
func (c *Config) ConflictPolicies() map[string]conflict.Policy {
	policies := conflict.DefaultPolicies()
	for entity, p := range c.Policies {
		policies[entity] = p
	}
	return policies
}

// StorageOptions converts the storage section for kv.Open.
func (c *Config) StorageOptions() kv.Options {
	return kv.Options{
		Backend:     c.Storage.Backend,
		DataDir:     c.Storage.DataDir,
		RedisAddr:   c.Storage.RedisAddr,
		RedisDB:     c.Storage.RedisDB,
		RedisPrefix: c.Storage.RedisPrefix,
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
