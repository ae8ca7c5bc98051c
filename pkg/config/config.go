package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/parley/pkg/cache/sqlite"
	"github.com/pario-ai/parley/pkg/llmerr"
)

// Config holds all parley configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Cache    CacheConfig    `yaml:"cache"`
	Provider ProviderConfig `yaml:"provider"`
	Retry    RetryConfig    `yaml:"retry"`
	Echo     EchoConfig     `yaml:"echo"`
	Stats    StatsConfig    `yaml:"stats"`
}

// CacheConfig controls the conversation cache.
// Mode is "a+" (replay and record), "a" (record only) or "r" (replay only).
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Mode    string `yaml:"mode"`
}

// ProviderConfig defines the OpenAI-compatible backend.
type ProviderConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig controls retries of failed or rejected replies.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// EchoConfig controls printing of the conversation.
type EchoConfig struct {
	Enabled bool   `yaml:"enabled"`
	Width   int    `yaml:"width"`
	Prompt  bool   `yaml:"prompt"`
	Spinner string `yaml:"spinner"`
}

// StatsConfig controls the per-call statistics line.
type StatsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Cache: CacheConfig{
			Enabled: true,
			Path:    "parley.db",
			Mode:    string(sqlite.ModeAppendCreate),
		},
		Provider: ProviderConfig{
			URL:     "http://localhost:11434/v1",
			Model:   "llama3.2",
			Timeout: 2 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Echo: EchoConfig{
			Enabled: true,
			Width:   78,
			Prompt:  true,
			Spinner: "dot",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return llmerr.Wrap(llmerr.Configuration, "log_level", err)
	}
	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			return llmerr.New(llmerr.Configuration, "cache.path is required when the cache is enabled")
		}
		if _, err := sqlite.ParseMode(c.Cache.Mode); err != nil {
			return err
		}
	}

	u, err := url.Parse(c.Provider.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return llmerr.Newf(llmerr.Configuration, "provider.url %q is not an absolute URL", c.Provider.URL)
	}
	if c.Provider.Model == "" {
		return llmerr.New(llmerr.Configuration, "provider.model is required")
	}
	if c.Provider.Timeout < 0 {
		return llmerr.New(llmerr.Configuration, "provider.timeout must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return llmerr.New(llmerr.Configuration, "retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return llmerr.New(llmerr.Configuration, "retry delays must not be negative")
	}
	if c.Retry.MaxAttempts > 1 && c.Retry.Multiplier < 1 {
		return llmerr.New(llmerr.Configuration, "retry.multiplier must be at least 1")
	}

	if c.Echo.Enabled && c.Echo.Width < 1 {
		return llmerr.New(llmerr.Configuration, "echo.width must be positive")
	}
	return nil
}
