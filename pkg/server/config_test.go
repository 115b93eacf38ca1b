package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.HTTPPort)
	assert.Equal(t, 9090, config.Server.MetricsPort)
	assert.Equal(t, 24, config.Auth.TokenTTLHours)
	assert.Equal(t, 4096, config.Limits.MaxMessageLength)
	assert.Equal(t, 120, config.Limits.SessionTimeoutSeconds)

	// The default file was written for the operator to edit later.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
http_port = 8081
metrics_port = 9091
database_path = "/tmp/test.db"

[auth]
token_secret = "s3cret"
token_ttl_hours = 2

[limits]
max_message_length = 512
session_timeout_seconds = 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, config.Server.HTTPPort)
	assert.Equal(t, 9091, config.Server.MetricsPort)
	assert.Equal(t, "/tmp/test.db", config.Server.DatabasePath)
	assert.Equal(t, "s3cret", config.Auth.TokenSecret)
	assert.Equal(t, 2, config.Auth.TokenTTLHours)
	assert.Equal(t, 512, config.Limits.MaxMessageLength)
	assert.Equal(t, 30, config.Limits.SessionTimeoutSeconds)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	t.Setenv("CAMPUSCHAT_SERVER_HTTP_PORT", "9999")
	t.Setenv("CAMPUSCHAT_AUTH_TOKEN_SECRET", "from-env")
	t.Setenv("CAMPUSCHAT_LIMITS_MAX_MESSAGE_LENGTH", "1024")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.HTTPPort)
	assert.Equal(t, "from-env", config.Auth.TokenSecret)
	assert.Equal(t, 1024, config.Limits.MaxMessageLength)
	// Untouched values keep their defaults.
	assert.Equal(t, 9090, config.Server.MetricsPort)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not toml = = ="), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestToServerConfig(t *testing.T) {
	config := TOMLConfig{
		Server: ServerSection{HTTPPort: 8081, DatabasePath: "/tmp/x.db"},
		Auth:   AuthSection{TokenSecret: "abc"},
	}

	cfg := config.ToServerConfig()

	assert.Equal(t, 8081, cfg.HTTPPort)
	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath)
	assert.Equal(t, "abc", cfg.TokenSecret)
	// Zero-valued fields fall back to defaults.
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 24, cfg.TokenTTLHours)
	assert.Equal(t, 4096, cfg.MaxMessageLength)
}

func TestNewServerRequiresTokenSecret(t *testing.T) {
	db := openTestDB(t)
	cfg := DefaultConfig()

	_, err := NewServer(db, cfg)
	assert.Error(t, err)
}
