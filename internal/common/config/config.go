// Package config provides configuration management for Discobot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Discobot.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Events     EventsConfig     `mapstructure:"events"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	SeedFile   string           `mapstructure:"seedFile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	SubdomainBase string `mapstructure:"subdomainBase"`
	ReadTimeout   int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout defaults to 0 (disabled) because SSE and websocket
	// responses stay open far longer than any fixed deadline.
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// SSHConfig holds SSH gateway configuration.
type SSHConfig struct {
	Addr        string `mapstructure:"addr"` // empty disables the gateway
	HostKeyPath string `mapstructure:"hostKeyPath"`
}

// DatabaseConfig holds database connection configuration.
// URL accepts postgres://… DSNs or a SQLite path/file: URL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SharedSecretSalt is mixed into session-token and credential-key
	// hashing. Required when auth is enabled.
	SharedSecretSalt string `mapstructure:"sharedSecretSalt"`
}

// SandboxConfig holds sandbox provider configuration.
type SandboxConfig struct {
	Backend      string `mapstructure:"backend"` // docker, vm, mock
	Image        string `mapstructure:"image"`
	AgentPort    int    `mapstructure:"agentPort"`    // in-sandbox agent-api port
	StartTimeout int    `mapstructure:"startTimeout"` // in seconds
	Network      string `mapstructure:"network"`      // docker network, empty = default bridge
	SpritesToken string `mapstructure:"spritesToken"` // vm backend API token
	// WorkspaceBase is the host directory git workspaces are cloned into.
	WorkspaceBase string `mapstructure:"workspaceBase"`
}

// EventsConfig holds project event stream configuration.
type EventsConfig struct {
	RetentionHours   int `mapstructure:"retentionHours"`
	PollIntervalMS   int `mapstructure:"pollIntervalMs"`
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
}

// DispatcherConfig holds job dispatcher configuration.
type DispatcherConfig struct {
	LeaderID           string `mapstructure:"leaderId"` // empty = derived from hostname
	HeartbeatInterval  int    `mapstructure:"heartbeatInterval"`  // in seconds
	HeartbeatTimeout   int    `mapstructure:"heartbeatTimeout"`   // in seconds
	PollIntervalMS     int    `mapstructure:"pollIntervalMs"`
	WorkerPool         int    `mapstructure:"workerPool"`
	CreateConcurrency  int    `mapstructure:"createConcurrency"`  // container_create limit
	DestroyConcurrency int    `mapstructure:"destroyConcurrency"` // container_destroy limit
	StaleAfter         int    `mapstructure:"staleAfter"`         // in seconds
	CommitTimeout      int    `mapstructure:"commitTimeout"`      // in seconds
}

// NATSConfig holds NATS messaging configuration.
// Empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartTimeoutDuration returns the sandbox start timeout as a time.Duration.
func (s *SandboxConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(s.StartTimeout) * time.Second
}

// PollInterval returns the event poll interval as a time.Duration.
func (e *EventsConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

// Retention returns the event retention window as a time.Duration.
func (e *EventsConfig) Retention() time.Duration {
	return time.Duration(e.RetentionHours) * time.Hour
}

// HeartbeatIntervalDuration returns the leader heartbeat interval as a time.Duration.
func (d *DispatcherConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(d.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the leader heartbeat timeout as a time.Duration.
func (d *DispatcherConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(d.HeartbeatTimeout) * time.Second
}

// PollInterval returns the job poll interval as a time.Duration.
func (d *DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

// StaleAfterDuration returns the stale-job threshold as a time.Duration.
func (d *DispatcherConfig) StaleAfterDuration() time.Duration {
	return time.Duration(d.StaleAfter) * time.Second
}

// CommitTimeoutDuration returns the session commit timeout as a time.Duration.
func (d *DispatcherConfig) CommitTimeoutDuration() time.Duration {
	return time.Duration(d.CommitTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("DISCOBOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.subdomainBase", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// SSH gateway defaults
	v.SetDefault("ssh.addr", ":2222")
	v.SetDefault("ssh.hostKeyPath", "data/ssh/host_key")

	// Database defaults - embedded SQLite unless DB_URL points at Postgres
	v.SetDefault("database.url", "file:discobot.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Auth defaults - no-auth mode with the reserved anonymous user
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.sharedSecretSalt", "")

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.image", "discobot-sandbox:latest")
	v.SetDefault("sandbox.agentPort", 8484)
	v.SetDefault("sandbox.startTimeout", 60)
	v.SetDefault("sandbox.network", "")
	v.SetDefault("sandbox.spritesToken", "")
	v.SetDefault("sandbox.workspaceBase", "data/workspaces")

	// Event stream defaults
	v.SetDefault("events.retentionHours", 72)
	v.SetDefault("events.pollIntervalMs", 250)
	v.SetDefault("events.subscriberBuffer", 128)

	// Dispatcher defaults
	v.SetDefault("dispatcher.leaderId", "")
	v.SetDefault("dispatcher.heartbeatInterval", 10)
	v.SetDefault("dispatcher.heartbeatTimeout", 30)
	v.SetDefault("dispatcher.pollIntervalMs", 500)
	v.SetDefault("dispatcher.workerPool", 8)
	v.SetDefault("dispatcher.createConcurrency", 4)
	v.SetDefault("dispatcher.destroyConcurrency", 2)
	v.SetDefault("dispatcher.staleAfter", 300)
	v.SetDefault("dispatcher.commitTimeout", 120)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("seedFile", "")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// The deployment surface is a flat set of environment variables, so
	// every config key is bound explicitly to its published name.
	_ = v.BindEnv("server.addr", "HTTP_ADDR")
	_ = v.BindEnv("server.subdomainBase", "SUBDOMAIN_BASE")
	_ = v.BindEnv("ssh.addr", "SSH_ADDR")
	_ = v.BindEnv("ssh.hostKeyPath", "SSH_HOST_KEY_PATH")
	_ = v.BindEnv("database.url", "DB_URL")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("auth.sharedSecretSalt", "SHARED_SECRET_SALT")
	_ = v.BindEnv("sandbox.backend", "SANDBOX_BACKEND")
	_ = v.BindEnv("sandbox.image", "SANDBOX_IMAGE")
	_ = v.BindEnv("sandbox.spritesToken", "SPRITES_TOKEN")
	_ = v.BindEnv("sandbox.workspaceBase", "WORKSPACE_BASE")
	_ = v.BindEnv("events.retentionHours", "EVENT_RETENTION_HOURS")
	_ = v.BindEnv("dispatcher.leaderId", "LEADER_ID")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("seedFile", "SEED_FILE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/discobot/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}

	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}

	validBackends := map[string]bool{"docker": true, "vm": true, "mock": true}
	if !validBackends[cfg.Sandbox.Backend] {
		errs = append(errs, "sandbox.backend must be one of: docker, vm, mock")
	}
	if cfg.Sandbox.Backend == "vm" && cfg.Sandbox.SpritesToken == "" {
		errs = append(errs, "sandbox.spritesToken is required for the vm backend")
	}

	if cfg.Auth.Enabled && cfg.Auth.SharedSecretSalt == "" {
		errs = append(errs, "auth.sharedSecretSalt is required when auth is enabled")
	}

	if cfg.Events.RetentionHours <= 0 {
		errs = append(errs, "events.retentionHours must be positive")
	}
	if cfg.Events.SubscriberBuffer <= 0 {
		errs = append(errs, "events.subscriberBuffer must be positive")
	}

	if cfg.Dispatcher.WorkerPool <= 0 {
		errs = append(errs, "dispatcher.workerPool must be positive")
	}
	if cfg.Dispatcher.HeartbeatTimeout <= cfg.Dispatcher.HeartbeatInterval {
		errs = append(errs, "dispatcher.heartbeatTimeout must exceed dispatcher.heartbeatInterval")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
