package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvSinkToken overrides the sink bearer token so it can stay out of
	// the config file.
	EnvSinkToken = "CHANRELAY_SINK_TOKEN"

	// EnvSinkURL overrides the sink endpoint.
	EnvSinkURL = "CHANRELAY_SINK_URL"

	// EnvLogLevel overrides the log level.
	EnvLogLevel = "CHANRELAY_LOG_LEVEL"
)

// Config represents the top-level configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	Sink      SinkConfig      `yaml:"sink"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Catchup   CatchupConfig   `yaml:"catchup"`
}

// StoreConfig selects the persistence backend. The memory kind keeps nothing
// across restarts and exists for local experiments against a replay script.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// SinkConfig describes the downstream HTTP processor
type SinkConfig struct {
	URL            string `yaml:"url"`
	Path           string `yaml:"path"`
	LogPath        string `yaml:"log_path"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TransportConfig selects the upstream event transport. Only the scripted
// replay transport ships in-tree; a real transport plugs in through the same
// client interface.
type TransportConfig struct {
	Mode   string `yaml:"mode"`
	Script string `yaml:"script"`
}

// DispatchConfig tunes live batching
type DispatchConfig struct {
	QuietMS   int `yaml:"quiet_ms"`
	MaxWaitMS int `yaml:"max_wait_ms"`
}

// CatchupConfig tunes periodic reconciliation. Cron is the default schedule;
// a schedule stored in the database takes precedence.
type CatchupConfig struct {
	Cron          string `yaml:"cron"`
	WindowMinutes int    `yaml:"window_minutes"`
	ChunkSize     int    `yaml:"chunk_size"`
}

// LoadFromFile loads configuration from a YAML file and applies environment
// overrides
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sink.Path == "" {
		c.Sink.Path = "process"
	}
	if c.Sink.LogPath == "" {
		c.Sink.LogPath = "log"
	}
	if c.Store.Kind == "" {
		c.Store.Kind = "bolt"
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = "replay"
	}
}

// Default returns the configuration used when no file is given. Environment
// overrides still apply.
func Default() *Config {
	cfg := &Config{
		LogLevel: "info",
		Store:    StoreConfig{Kind: "bolt", Path: "chanrelay.db"},
		Sink:     SinkConfig{Path: "process", LogPath: "log"},
		Transport: TransportConfig{
			Mode: "replay",
		},
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSinkToken); v != "" {
		c.Sink.Token = v
	}
	if v := os.Getenv(EnvSinkURL); v != "" {
		c.Sink.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "", "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store kind: %s", c.Store.Kind)
	}

	if c.Sink.URL == "" {
		return fmt.Errorf("sink url is required")
	}

	if c.Sink.Token == "" {
		return fmt.Errorf("sink token is required (set sink.token or %s)", EnvSinkToken)
	}

	if c.Transport.Mode != "" && c.Transport.Mode != "replay" {
		return fmt.Errorf("unknown transport mode: %s", c.Transport.Mode)
	}

	if c.Transport.Mode == "replay" && c.Transport.Script == "" {
		return fmt.Errorf("transport script is required in replay mode")
	}

	return nil
}

// SinkTimeout returns the configured sink timeout, or zero to accept the
// client default.
func (c *Config) SinkTimeout() time.Duration {
	return time.Duration(c.Sink.TimeoutSeconds) * time.Second
}

// QuietPeriod returns the configured dispatch quiet period, or zero to accept
// the dispatcher default.
func (c *Config) QuietPeriod() time.Duration {
	return time.Duration(c.Dispatch.QuietMS) * time.Millisecond
}

// MaxWait returns the configured dispatch flush ceiling, or zero to accept
// the dispatcher default.
func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.Dispatch.MaxWaitMS) * time.Millisecond
}

// CatchupWindow returns the configured backfill window, or zero to accept the
// reconciler default.
func (c *Config) CatchupWindow() time.Duration {
	return time.Duration(c.Catchup.WindowMinutes) * time.Minute
}
