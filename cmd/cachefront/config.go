package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cachefront/cachefront/pkg/proxy"
)

// Config is the full process configuration. Values are resolved in order:
// built-in defaults, then the config file, then environment variables,
// then command line flags.
type Config struct {
	// Listen is the proxy listen address.
	Listen string `yaml:"listen"`

	// AdminListen is the listen address for health, metrics, stats and
	// purge endpoints, kept off the proxy port.
	AdminListen string `yaml:"adminListen"`

	// AdminSecret guards the purge endpoint. Empty disables purging.
	AdminSecret string `yaml:"adminSecret"`

	// Origin is the base URL requests are forwarded to. Required.
	Origin string `yaml:"origin"`

	// ControlHeader overrides the cache directive header name.
	ControlHeader string `yaml:"controlHeader"`

	// DefaultTTLSeconds applies when neither side sets max-age.
	DefaultTTLSeconds int `yaml:"defaultTTLSeconds"`

	// Methods is the cacheable-method set.
	Methods []string `yaml:"methods"`

	// BodyMethods are the methods whose body participates in the key.
	BodyMethods []string `yaml:"bodyMethods"`

	// Compression stores large entries compressed.
	Compression bool `yaml:"compression"`

	// ForwardHeaders are set on every outbound origin request,
	// typically API keys or routing hints.
	ForwardHeaders map[string]string `yaml:"forwardHeaders"`

	Log    LogSettings    `yaml:"log"`
	Store  StoreSettings  `yaml:"store"`
	Writer WriterSettings `yaml:"writer"`
}

// LogSettings controls the process logger.
type LogSettings struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// StoreSettings selects and configures the cache backend.
type StoreSettings struct {
	// Backend is one of memory, redis, sqlite, bolt.
	Backend string `yaml:"backend"`

	Memory MemorySettings `yaml:"memory"`
	Redis  RedisSettings  `yaml:"redis"`
	SQLite FileSettings   `yaml:"sqlite"`
	Bolt   FileSettings   `yaml:"bolt"`
}

// MemorySettings configures the in-process backend.
type MemorySettings struct {
	// Capacity bounds the entry count, zero means unbounded.
	Capacity uint64 `yaml:"capacity"`
}

// RedisSettings configures the Redis backend.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// FileSettings configures the file-backed backends.
type FileSettings struct {
	Path string `yaml:"path"`
}

// WriterSettings sizes the background store writer.
type WriterSettings struct {
	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queueSize"`
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

func defaultConfig() Config {
	return Config{
		Listen:            ":8080",
		AdminListen:       ":9090",
		DefaultTTLSeconds: 300,
		Log: LogSettings{
			Level: "info",
		},
		Store: StoreSettings{
			Backend: "memory",
			Redis: RedisSettings{
				Addr: "localhost:6379",
			},
			SQLite: FileSettings{
				Path: "cachefront.db",
			},
			Bolt: FileSettings{
				Path: "cachefront.bolt",
			},
		},
		Writer: WriterSettings{
			Workers:        2,
			QueueSize:      256,
			TimeoutSeconds: 5,
		},
	}
}

// loadConfigFile overlays the YAML file at path onto cfg. Fields absent
// from the file keep their current values.
func loadConfigFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv() {
	c.Origin = getEnv("CACHEFRONT_ORIGIN", c.Origin)
	c.Listen = getEnv("CACHEFRONT_LISTEN", c.Listen)
	c.AdminListen = getEnv("CACHEFRONT_ADMIN_LISTEN", c.AdminListen)
	c.AdminSecret = getEnv("CACHEFRONT_ADMIN_SECRET", c.AdminSecret)
	c.Store.Backend = getEnv("CACHEFRONT_STORE_BACKEND", c.Store.Backend)
	c.Store.Redis.Addr = getEnv("CACHEFRONT_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = getEnv("CACHEFRONT_REDIS_PASSWORD", c.Store.Redis.Password)
	c.Store.SQLite.Path = getEnv("CACHEFRONT_SQLITE_PATH", c.Store.SQLite.Path)
	c.Store.Bolt.Path = getEnv("CACHEFRONT_BOLT_PATH", c.Store.Bolt.Path)
	c.Log.Level = getEnv("CACHEFRONT_LOG_LEVEL", c.Log.Level)
}

// validate reports the first configuration problem found.
func (c *Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("origin is required (flag -origin, env CACHEFRONT_ORIGIN, or config file)")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("parse origin %q: %w", c.Origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin %q must use http or https", c.Origin)
	}
	if u.Host == "" {
		return fmt.Errorf("origin %q has no host", c.Origin)
	}

	switch c.Store.Backend {
	case "memory", "redis":
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite backend needs store.sqlite.path")
		}
	case "bolt":
		if c.Store.Bolt.Path == "" {
			return fmt.Errorf("bolt backend needs store.bolt.path")
		}
	default:
		return fmt.Errorf("unsupported store backend %q (memory, redis, sqlite, bolt)", c.Store.Backend)
	}

	if c.DefaultTTLSeconds < 0 {
		return fmt.Errorf("defaultTTLSeconds must not be negative")
	}
	return nil
}

func (c Config) defaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c Config) writerConfig() proxy.WriterConfig {
	return proxy.WriterConfig{
		Workers:   c.Writer.Workers,
		QueueSize: c.Writer.QueueSize,
		Timeout:   time.Duration(c.Writer.TimeoutSeconds) * time.Second,
	}
}

// forwardHook turns the configured header map into a pre-forward hook,
// or nil when no headers are configured.
func forwardHook(headers map[string]string) func(*http.Request) {
	if len(headers) == 0 {
		return nil
	}
	return func(req *http.Request) {
		for name, value := range headers {
			req.Header.Set(name, value)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
