// Package config loads the YAML configuration file shared by the
// conductor server and agent subcommands and applies defaults for any
// field left unset. Interval and timeout fields are plain seconds in the
// file; accessors convert them to time.Duration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
	Logger LoggerConfig `yaml:"logger"`
}

// ServerConfig configures the control plane
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// SweepInterval is how often the liveness sweep runs (seconds).
	SweepInterval int `yaml:"sweep_interval"`

	// HeartbeatTimeout is the idle threshold for tracked connections
	// (seconds). Connections silent longer than this are forced offline.
	HeartbeatTimeout int `yaml:"heartbeat_timeout"`

	// PersistedTimeout is the longer grace threshold for persisted
	// records with no tracked connection (seconds).
	PersistedTimeout int `yaml:"persisted_timeout"`

	// TokenTTL is the lifetime of generated registration tokens in
	// hours. Zero means tokens never expire.
	TokenTTL int `yaml:"token_ttl"`
}

// AgentConfig configures a node agent
type AgentConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	DataDir   string `yaml:"data_dir"`

	// Hostname and Address override the detected values sent in
	// registration. Empty means autodetect.
	Hostname string `yaml:"hostname"`
	Address  string `yaml:"address"`

	HeartbeatInterval int `yaml:"heartbeat_interval"` // seconds
	RegisterTimeout   int `yaml:"register_timeout"`   // seconds
	RegisterAttempts  int `yaml:"register_attempts"`

	ContainerdSocket string `yaml:"containerd_socket"`

	// OverrideDir holds per-service deploy override files
	// (<service>.yaml). Empty disables overrides.
	OverrideDir string `yaml:"override_dir"`
}

// LoggerConfig configures logging output
type LoggerConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Load reads a config file and applies defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8700"
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = "/var/lib/conductor"
	}
	if c.Server.SweepInterval <= 0 {
		c.Server.SweepInterval = 30
	}
	if c.Server.HeartbeatTimeout <= 0 {
		c.Server.HeartbeatTimeout = 60
	}
	if c.Server.PersistedTimeout <= 0 {
		c.Server.PersistedTimeout = 90
	}
	if c.Server.TokenTTL < 0 {
		c.Server.TokenTTL = 0
	}

	if c.Agent.ServerURL == "" {
		c.Agent.ServerURL = "ws://127.0.0.1:8700/api/v1/channel"
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = "/var/lib/conductor-agent"
	}
	if c.Agent.HeartbeatInterval <= 0 {
		c.Agent.HeartbeatInterval = 30
	}
	if c.Agent.RegisterTimeout <= 0 {
		c.Agent.RegisterTimeout = 10
	}
	if c.Agent.RegisterAttempts <= 0 {
		c.Agent.RegisterAttempts = 5
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

// SweepIntervalDuration returns the sweep interval as a duration
func (c *ServerConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the connection idle threshold
func (c *ServerConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// PersistedTimeoutDuration returns the persisted-state grace threshold
func (c *ServerConfig) PersistedTimeoutDuration() time.Duration {
	return time.Duration(c.PersistedTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the agent heartbeat interval
func (c *AgentConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// RegisterTimeoutDuration returns the registration round-trip timeout
func (c *AgentConfig) RegisterTimeoutDuration() time.Duration {
	return time.Duration(c.RegisterTimeout) * time.Second
}
