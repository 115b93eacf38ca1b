package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Auth   AuthSection   `toml:"auth"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type AuthSection struct {
	TokenSecret   string `toml:"token_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

type LimitsSection struct {
	MaxMessageLength      int `toml:"max_message_length"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
}

// ServerConfig holds the resolved server configuration
type ServerConfig struct {
	HTTPPort              int
	MetricsPort           int
	DatabasePath          string
	TokenSecret           string
	TokenTTLHours         int
	MaxMessageLength      int
	SessionTimeoutSeconds int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:              8080,
		MetricsPort:           9090,
		DatabasePath:          "~/.campuschat/campuschat.db",
		TokenSecret:           "",
		TokenTTLHours:         24,
		MaxMessageLength:      4096,
		SessionTimeoutSeconds: 120,
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file
// if not found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist; write the documented default and carry on.
		// A write failure (permissions) is not fatal, defaults still apply.
		config := defaultTOMLConfig()
		writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func defaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     defaults.HTTPPort,
			MetricsPort:  defaults.MetricsPort,
			DatabasePath: defaults.DatabasePath,
		},
		Auth: AuthSection{
			TokenTTLHours: defaults.TokenTTLHours,
		},
		Limits: LimitsSection{
			MaxMessageLength:      defaults.MaxMessageLength,
			SessionTimeoutSeconds: defaults.SessionTimeoutSeconds,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: CAMPUSCHAT_SECTION_KEY
// Example: CAMPUSCHAT_SERVER_HTTP_PORT=8081
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("CAMPUSCHAT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("CAMPUSCHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("CAMPUSCHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("CAMPUSCHAT_AUTH_TOKEN_SECRET"); val != "" {
		config.Auth.TokenSecret = val
	}
	if val := os.Getenv("CAMPUSCHAT_AUTH_TOKEN_TTL_HOURS"); val != "" {
		if hours, err := strconv.Atoi(val); err == nil {
			config.Auth.TokenTTLHours = hours
		}
	}
	if val := os.Getenv("CAMPUSCHAT_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if length, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = length
		}
	}
	if val := os.Getenv("CAMPUSCHAT_LIMITS_SESSION_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTimeoutSeconds = timeout
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options
// documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# CampusChat Server Configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables can override these settings:
# CAMPUSCHAT_SECTION_KEY (e.g., CAMPUSCHAT_SERVER_HTTP_PORT=8081)

[server]
# Port for the public HTTP server (/ws socket endpoint + /api/* surface)
http_port = 8080

# Port for the internal metrics server (/metrics) - never expose publicly
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.campuschat/campuschat.db"

[auth]
# Secret used to sign and verify bearer tokens. REQUIRED.
# Prefer setting this via CAMPUSCHAT_AUTH_TOKEN_SECRET.
# token_secret = ""

# Token lifetime in hours
token_ttl_hours = 24

[limits]
# Maximum message content length in bytes
max_message_length = 4096

# Socket sessions idle longer than this are disconnected
session_timeout_seconds = 120
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if strings.TrimSpace(c.Auth.TokenSecret) != "" {
		cfg.TokenSecret = c.Auth.TokenSecret
	}
	if c.Auth.TokenTTLHours != 0 {
		cfg.TokenTTLHours = c.Auth.TokenTTLHours
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeoutSeconds = c.Limits.SessionTimeoutSeconds
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
