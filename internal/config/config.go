package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// Config represents the global ~/.voxsync/config.toml.
type Config struct {
	DefaultAccount string `toml:"default_account"`
	Identity       string `toml:"identity"`
	LogLevel       string `toml:"log_level"`

	Cache  CacheConfig  `toml:"cache"`
	Remote RemoteConfig `toml:"remote"`
	Queue  QueueConfig  `toml:"queue"`
}

// CacheConfig sizes the local working set.
type CacheConfig struct {
	Limit       int `toml:"limit"`
	Concurrency int `toml:"concurrency"`
}

// RemoteConfig selects and tunes the remote backend.
type RemoteConfig struct {
	Backend       string   `toml:"backend"`
	MongoURI      string   `toml:"mongo_uri"`
	Database      string   `toml:"database"`
	PayloadBucket string   `toml:"payload_bucket"`
	Timeout       Duration `toml:"timeout"`
	ProbeInterval Duration `toml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout"`
}

// QueueConfig tunes outbound delivery retries.
type QueueConfig struct {
	MaxRetries     int      `toml:"max_retries"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
	Jitter         float64  `toml:"jitter"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultAccount: "main",
		LogLevel:       "info",
		Cache: CacheConfig{
			Limit:       20,
			Concurrency: 4,
		},
		Remote: RemoteConfig{
			Backend:       BackendMemory,
			Database:      "voxsync",
			PayloadBucket: "voice",
			Timeout:       Duration{30 * time.Second},
			ProbeInterval: Duration{15 * time.Second},
			ProbeTimeout:  Duration{5 * time.Second},
		},
		Queue: QueueConfig{
			MaxRetries:     8,
			InitialBackoff: Duration{2 * time.Second},
			MaxBackoff:     Duration{5 * time.Minute},
			Multiplier:     2,
			Jitter:         0.5,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// nil and an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAccount reads the global config, falling back to the defaults when
// the file does not exist, then applies the account's .env overrides and
// finally the process environment.
func LoadAccount(configPath, envPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", configPath, err)
	}

	env, err := godotenv.Read(envPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	if env == nil {
		env = map[string]string{}
	}
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Environment overrides.
const (
	EnvBackend       = "VOXSYNC_BACKEND"
	EnvMongoURI      = "VOXSYNC_MONGO_URI"
	EnvMongoDatabase = "VOXSYNC_MONGO_DATABASE"
	EnvIdentity      = "VOXSYNC_IDENTITY"
	EnvLogLevel      = "VOXSYNC_LOG_LEVEL"
	EnvRemoteTimeout = "VOXSYNC_REMOTE_TIMEOUT"
	EnvCacheLimit    = "VOXSYNC_CACHE_LIMIT"
)

var envKeys = []string{EnvBackend, EnvMongoURI, EnvMongoDatabase, EnvIdentity, EnvLogLevel, EnvRemoteTimeout, EnvCacheLimit}

func (c *Config) applyEnv(env map[string]string) error {
	if v := env[EnvBackend]; v != "" {
		c.Remote.Backend = v
	}
	if v := env[EnvMongoURI]; v != "" {
		c.Remote.MongoURI = v
	}
	if v := env[EnvMongoDatabase]; v != "" {
		c.Remote.Database = v
	}
	if v := env[EnvIdentity]; v != "" {
		c.Identity = v
	}
	if v := env[EnvLogLevel]; v != "" {
		c.LogLevel = v
	}
	if v := env[EnvRemoteTimeout]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRemoteTimeout, err)
		}
		c.Remote.Timeout = Duration{d}
	}
	if v := env[EnvCacheLimit]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCacheLimit, err)
		}
		c.Cache.Limit = n
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Remote.MongoURI == "" {
			return fmt.Errorf("remote backend %q requires mongo_uri or %s", BackendMongo, EnvMongoURI)
		}
	default:
		return fmt.Errorf("unknown remote backend %q", c.Remote.Backend)
	}
	if c.Cache.Limit <= 0 {
		return fmt.Errorf("cache limit must be positive, got %d", c.Cache.Limit)
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter > 1 {
		return fmt.Errorf("queue jitter must be within [0, 1], got %v", c.Queue.Jitter)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
