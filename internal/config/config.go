// Package config provides configuration types for mcpfleet.
//
// Real configuration lives in the YAML file and MCPFLEET_* environment
// variables. Three bootstrap variables are honored before viper runs,
// because they must work when no config file exists yet: INITIAL_SETUP,
// DATABASE_URL and ENV.
package config

import (
	"os"
	"strconv"
)

// Config is the top-level configuration for the mcpfleet gateway.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the SQLite registry.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging configures log level and optional file output.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// TLS configures optional HTTPS serving from PEM files.
	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`

	// RateLimit configures the per-service fixed-window limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Cache configures the response cache sweeper.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// ExternalURL is the address clients reach this gateway at,
	// used in the startup banner and the settings store default.
	ExternalURL string `yaml:"external_url" mapstructure:"external_url" validate:"omitempty,url"`

	// InitialSetup opens the bootstrap window: management requests
	// are accepted without an API key until the first key is minted.
	InitialSetup bool `yaml:"initial_setup" mapstructure:"initial_setup"`

	// Env names the deployment environment ("development", "production").
	Env string `yaml:"env" mapstructure:"env"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the address to listen on. Defaults to "127.0.0.1:8080".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// WSPath is the path the WebSocket RPC bridge is mounted at.
	// Defaults to "/ws".
	WSPath string `yaml:"ws_path" mapstructure:"ws_path" validate:"omitempty,startswith=/"`

	// ShutdownGrace is how long to wait for in-flight requests and
	// child processes on shutdown (e.g. "10s"). Defaults to "10s".
	ShutdownGrace string `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"omitempty"`
}

// DatabaseConfig configures the registry store.
type DatabaseConfig struct {
	// Path is the SQLite database file. Defaults to "mcpfleet.db".
	// DATABASE_URL overrides it when set.
	Path string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Dir, when set, enables JSON file logging with rotation in this
	// directory alongside the stderr text handler.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// MaxSizeMB is the size per log file before rotation. Defaults to 100.
	MaxSizeMB int `yaml:"max_size_mb" mapstructure:"max_size_mb" validate:"omitempty,min=1"`

	// MaxBackups is the number of rotated files to keep. Defaults to 5.
	MaxBackups int `yaml:"max_backups" mapstructure:"max_backups" validate:"omitempty,min=0"`

	// MaxAgeDays is the number of days to keep rotated files. Defaults to 7.
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days" validate:"omitempty,min=0"`
}

// TLSConfig configures HTTPS serving. When CertFile and KeyFile are both
// empty the server speaks plain HTTP.
type TLSConfig struct {
	// CertFile is the PEM certificate file.
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`

	// KeyFile is the PEM private key file.
	KeyFile string `yaml:"key_file" mapstructure:"key_file"`

	// ChainFile is an optional PEM intermediate chain appended to the cert.
	ChainFile string `yaml:"chain_file" mapstructure:"chain_file"`
}

// RateLimitConfig configures the fixed-window rate limiter.
type RateLimitConfig struct {
	// Window is the fixed window length (e.g. "60s"). Defaults to "60s".
	Window string `yaml:"window" mapstructure:"window" validate:"omitempty"`

	// SweepInterval is how often expired windows are removed (e.g. "5m").
	// Defaults to "5m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// SweepInterval is how often expired entries are removed (e.g. "1m").
	// Defaults to "1m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.ShutdownGrace == "" {
		c.Server.ShutdownGrace = "10s"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mcpfleet.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 7
	}
	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "60s"
	}
	if c.RateLimit.SweepInterval == "" {
		c.RateLimit.SweepInterval = "5m"
	}
	if c.Cache.SweepInterval == "" {
		c.Cache.SweepInterval = "1m"
	}
	if c.Env == "" {
		c.Env = "development"
	}
}

// ApplyBootstrapEnv overlays the three bootstrap environment variables.
// They win over both the config file and MCPFLEET_* variables so that a
// bare container with only these set can come up.
func (c *Config) ApplyBootstrapEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("INITIAL_SETUP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.InitialSetup = b
		}
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Env = v
	}
}
