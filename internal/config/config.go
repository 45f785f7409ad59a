// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	LLM      LLMConfig      `yaml:"llm"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig holds agent-session timing configuration. The defaults
// match the client's reconnect contract, so deployments rarely override
// anything here.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HealthyPongWindow time.Duration `yaml:"-"`
	DeadPongWindow    time.Duration `yaml:"-"`
	OpenTimeout       time.Duration `yaml:"-"`
	BackoffBase       time.Duration `yaml:"-"`
	BackoffCeiling    time.Duration `yaml:"-"`
	MaxRetries        int           `yaml:"max_retries"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HealthyPongWindowRaw string `yaml:"healthy_pong_window"`
	DeadPongWindowRaw    string `yaml:"dead_pong_window"`
	OpenTimeoutRaw       string `yaml:"open_timeout"`
	BackoffBaseRaw       string `yaml:"backoff_base"`
	BackoffCeilingRaw    string `yaml:"backoff_ceiling"`
}

// LLMConfig holds the language-model collaborator configuration
type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Streaming *bool  `yaml:"streaming"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StreamingEnabled reports whether streamed turns should use the provider's
// streaming API. Defaults to true when unset.
func (l LLMConfig) StreamingEnabled() bool {
	if l.Streaming == nil {
		return true
	}
	return *l.Streaming
}

// Default session timings. The client reconnect math depends on these, so
// they are defined once here and referenced by both sides.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHealthyPongWindow = 60 * time.Second
	DefaultDeadPongWindow    = 120 * time.Second
	DefaultOpenTimeout       = 10 * time.Second
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffCeiling    = 30 * time.Second
	DefaultMaxRetries        = 5
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in every session timing that the file left unset.
func (c *Config) applyDefaults() {
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Session.HealthyPongWindow == 0 {
		c.Session.HealthyPongWindow = DefaultHealthyPongWindow
	}
	if c.Session.DeadPongWindow == 0 {
		c.Session.DeadPongWindow = DefaultDeadPongWindow
	}
	if c.Session.OpenTimeout == 0 {
		c.Session.OpenTimeout = DefaultOpenTimeout
	}
	if c.Session.BackoffBase == 0 {
		c.Session.BackoffBase = DefaultBackoffBase
	}
	if c.Session.BackoffCeiling == 0 {
		c.Session.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.Session.MaxRetries == 0 {
		c.Session.MaxRetries = DefaultMaxRetries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "color"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Session.HealthyPongWindow > c.Session.DeadPongWindow {
		return fmt.Errorf("session.healthy_pong_window must not exceed session.dead_pong_window")
	}

	if c.Session.BackoffBase > c.Session.BackoffCeiling {
		return fmt.Errorf("session.backoff_base must not exceed session.backoff_ceiling")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Session.HeartbeatIntervalRaw, &cfg.Session.HeartbeatInterval},
		{"healthy_pong_window", cfg.Session.HealthyPongWindowRaw, &cfg.Session.HealthyPongWindow},
		{"dead_pong_window", cfg.Session.DeadPongWindowRaw, &cfg.Session.DeadPongWindow},
		{"open_timeout", cfg.Session.OpenTimeoutRaw, &cfg.Session.OpenTimeout},
		{"backoff_base", cfg.Session.BackoffBaseRaw, &cfg.Session.BackoffBase},
		{"backoff_ceiling", cfg.Session.BackoffCeilingRaw, &cfg.Session.BackoffCeiling},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
