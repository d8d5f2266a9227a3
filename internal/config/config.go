// Package config loads engine configuration from YAML with environment
// overrides. Every tunable the runtime exposes — pool size, lease timeout,
// cache TTL and capacity, tree depth — lives here so behavior changes
// never require a code change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m", or from bare integers interpreted as seconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}

	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("config: invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ─── Sections ────────────────────────────────────────────────────────────────

// StoreConfig selects and configures the node store backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite | redis
	DataDir  string `yaml:"data_dir"`
	RedisURL string `yaml:"redis_url"`
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxSize       int      `yaml:"max_size"`
	LeaseTimeout  Duration `yaml:"lease_timeout"`
	FailFast      bool     `yaml:"fail_fast"`
	MaxWaiters    int      `yaml:"max_waiters"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// CacheConfig tunes the context cache.
type CacheConfig struct {
	TTL      Duration `yaml:"ttl"`
	Capacity int      `yaml:"capacity"`
}

// EngineConfig tunes assembly.
type EngineConfig struct {
	MaxTreeDepth       int `yaml:"max_tree_depth"`
	DefaultTokenBudget int `yaml:"default_token_budget"`
	EncoderCacheSize   int `yaml:"encoder_cache_size"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // json | console
	Output   string `yaml:"output"` // stderr | file
	FilePath string `yaml:"file_path"`
}

// Config is the full runtime configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Pool   PoolConfig   `yaml:"pool"`
	Cache  CacheConfig  `yaml:"cache"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: filepath.Join(home, ".diverge"),
		},
		Pool: PoolConfig{
			MaxSize:       10,
			LeaseTimeout:  Duration(5 * time.Second),
			MaxWaiters:    40,
			IdleTimeout:   Duration(5 * time.Minute),
			ProbeInterval: Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			TTL:      Duration(5 * time.Minute),
			Capacity: 1024,
		},
		Engine: EngineConfig{
			MaxTreeDepth:     100,
			EncoderCacheSize: 32,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load reads the YAML file at path (optional — empty path keeps defaults)
// and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Store.Driver != "sqlite" && cfg.Store.Driver != "redis" {
		return nil, fmt.Errorf("config: unknown store driver %q", cfg.Store.Driver)
	}
	return cfg, nil
}

// applyEnv layers DIVERGE_* variables over the file values. REDIS_URL is
// also honored on its own, matching common deployment convention.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(dst *Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	setStr(&c.Store.Driver, "DIVERGE_STORE_DRIVER")
	setStr(&c.Store.DataDir, "DIVERGE_DATA_DIR")
	setStr(&c.Store.RedisURL, "REDIS_URL")
	setStr(&c.Store.RedisURL, "DIVERGE_REDIS_URL")

	setInt(&c.Pool.MaxSize, "DIVERGE_POOL_MAX_SIZE")
	setDur(&c.Pool.LeaseTimeout, "DIVERGE_POOL_LEASE_TIMEOUT")

	setDur(&c.Cache.TTL, "DIVERGE_CACHE_TTL")
	setInt(&c.Cache.Capacity, "DIVERGE_CACHE_CAPACITY")

	setInt(&c.Engine.MaxTreeDepth, "DIVERGE_MAX_TREE_DEPTH")
	setInt(&c.Engine.DefaultTokenBudget, "DIVERGE_DEFAULT_TOKEN_BUDGET")

	setStr(&c.Log.Level, "DIVERGE_LOG_LEVEL")
	setStr(&c.Log.Format, "DIVERGE_LOG_FORMAT")
}
