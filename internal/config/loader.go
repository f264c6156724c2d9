package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// mcpfleet.yaml/.yml. The search requires an explicit YAML extension to
// avoid matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("mcpfleet")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MCPFLEET_SERVER_ADDR etc.
	viper.SetEnvPrefix("MCPFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for mcpfleet.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcpfleet"),
		"/etc/mcpfleet",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcpfleet"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: MCPFLEET_SERVER_ADDR overrides server.addr.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.ws_path")
	_ = viper.BindEnv("server.shutdown_grace")

	_ = viper.BindEnv("database.path")

	_ = viper.BindEnv("logging.level")
	_ = viper.BindEnv("logging.dir")
	_ = viper.BindEnv("logging.max_size_mb")
	_ = viper.BindEnv("logging.max_backups")
	_ = viper.BindEnv("logging.max_age_days")

	_ = viper.BindEnv("tls.cert_file")
	_ = viper.BindEnv("tls.key_file")
	_ = viper.BindEnv("tls.chain_file")

	_ = viper.BindEnv("rate_limit.window")
	_ = viper.BindEnv("rate_limit.sweep_interval")

	_ = viper.BindEnv("cache.sweep_interval")

	_ = viper.BindEnv("external_url")
	_ = viper.BindEnv("initial_setup")
	_ = viper.BindEnv("env")
}

// Load reads the configuration file, applies environment overrides,
// defaults and bootstrap variables, validates and returns the Config.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.ApplyBootstrapEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or an empty string when running on env vars only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
