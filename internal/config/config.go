// Package config loads the engine configuration from YAML with environment
// variable expansion and sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Responder ResponderConfig `yaml:"responder"`
	Engine    EngineConfig    `yaml:"engine"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Quota     QuotaConfig     `yaml:"quota"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP surface (event hub + metrics).
type ServerConfig struct {
	// Addr is the listen address for the websocket event hub and /metrics.
	Addr string `yaml:"addr"`
}

// StoreConfig configures the application state store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// TransportConfig configures the WhatsApp transport.
type TransportConfig struct {
	// SessionDir holds per-session credential databases.
	SessionDir string `yaml:"session_dir"`
}

// ResponderConfig selects and configures the reply generator.
type ResponderConfig struct {
	// Provider is "openai" or "anthropic".
	Provider string `yaml:"provider"`
	// Model overrides the provider default model.
	Model string `yaml:"model"`
	// APIKey falls back to OPENAI_API_KEY / ANTHROPIC_API_KEY when empty.
	APIKey string `yaml:"api_key"`
	// MaxAttempts bounds retries per composite message.
	MaxAttempts int `yaml:"max_attempts"`
	// TimeoutMs bounds a single generation call.
	TimeoutMs int `yaml:"timeout_ms"`
}

// EngineConfig tunes the debounce engine and handoff machine.
type EngineConfig struct {
	// QuietPeriodMs is the sliding debounce window after the last fragment.
	QuietPeriodMs int `yaml:"quiet_period_ms"`
	// HandoffWindowMs is the human-takeover inactivity window.
	HandoffWindowMs int `yaml:"handoff_window_ms"`
}

// ReconnectConfig tunes the session reconnect backoff.
type ReconnectConfig struct {
	InitialMs int     `yaml:"initial_ms"`
	MaxMs     int     `yaml:"max_ms"`
	Factor    float64 `yaml:"factor"`
	Jitter    float64 `yaml:"jitter"`
}

// QuotaConfig tunes the per-tenant burst limiter layered on top of plan quotas.
type QuotaConfig struct {
	// RequestsPerMinute is the sustained responder-call rate per tenant.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	// Burst is the bucket size.
	Burst int `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info", Format: "json"},
		Server:    ServerConfig{Addr: ":8087"},
		Store:     StoreConfig{Path: "convopilot.db"},
		Transport: TransportConfig{SessionDir: "sessions"},
		Responder: ResponderConfig{
			Provider:    "openai",
			MaxAttempts: 3,
			TimeoutMs:   60000,
		},
		Engine: EngineConfig{
			QuietPeriodMs:   1000,
			HandoffWindowMs: int(5 * time.Minute / time.Millisecond),
		},
		Reconnect: ReconnectConfig{
			InitialMs: 2000,
			MaxMs:     30000,
			Factor:    2,
			Jitter:    0.1,
		},
		Quota: QuotaConfig{
			RequestsPerMinute: 30,
			Burst:             10,
		},
	}
}

// Load reads a YAML config file, expands ${ENV_VAR} references, applies
// defaults for unset fields, and validates the result. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Transport.SessionDir == "" {
		c.Transport.SessionDir = d.Transport.SessionDir
	}
	if c.Responder.Provider == "" {
		c.Responder.Provider = d.Responder.Provider
	}
	if c.Responder.MaxAttempts <= 0 {
		c.Responder.MaxAttempts = d.Responder.MaxAttempts
	}
	if c.Responder.TimeoutMs <= 0 {
		c.Responder.TimeoutMs = d.Responder.TimeoutMs
	}
	if c.Engine.QuietPeriodMs <= 0 {
		c.Engine.QuietPeriodMs = d.Engine.QuietPeriodMs
	}
	if c.Engine.HandoffWindowMs <= 0 {
		c.Engine.HandoffWindowMs = d.Engine.HandoffWindowMs
	}
	if c.Reconnect.InitialMs <= 0 {
		c.Reconnect.InitialMs = d.Reconnect.InitialMs
	}
	if c.Reconnect.MaxMs <= 0 {
		c.Reconnect.MaxMs = d.Reconnect.MaxMs
	}
	if c.Reconnect.Factor <= 0 {
		c.Reconnect.Factor = d.Reconnect.Factor
	}
	if c.Quota.RequestsPerMinute <= 0 {
		c.Quota.RequestsPerMinute = d.Quota.RequestsPerMinute
	}
	if c.Quota.Burst <= 0 {
		c.Quota.Burst = d.Quota.Burst
	}
}

// Validate checks invariants the rest of the engine relies on.
func (c *Config) Validate() error {
	switch c.Responder.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("responder.provider must be openai or anthropic, got %q", c.Responder.Provider)
	}
	if c.Reconnect.MaxMs < c.Reconnect.InitialMs {
		return fmt.Errorf("reconnect.max_ms (%d) must be >= reconnect.initial_ms (%d)", c.Reconnect.MaxMs, c.Reconnect.InitialMs)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be in [0,1], got %v", c.Reconnect.Jitter)
	}
	return nil
}

// QuietPeriod returns the debounce window as a duration.
func (c *Config) QuietPeriod() time.Duration {
	return time.Duration(c.Engine.QuietPeriodMs) * time.Millisecond
}

// HandoffWindow returns the handoff inactivity window as a duration.
func (c *Config) HandoffWindow() time.Duration {
	return time.Duration(c.Engine.HandoffWindowMs) * time.Millisecond
}

// ResponderTimeout returns the per-call generation timeout.
func (c *Config) ResponderTimeout() time.Duration {
	return time.Duration(c.Responder.TimeoutMs) * time.Millisecond
}
