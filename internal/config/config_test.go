// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Covers defaults, duration parsing, and failure modes.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:9090"
  allowed_origins:
    - "https://app.example.com"

database:
  path: "/tmp/parley/gateway.db"

agent:
  model: "claude-sonnet-4-5"
  system_prompt: "You are a helpful assistant. Your native language is Traditional Chinese (zh-TW)."
  max_tokens: 2048

sessions:
  idle_timeout: "45m"
  sweep_interval: "2m"
  create_missing: true
  max_sessions: 100

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/tmp/parley/gateway.db", cfg.Database.Path)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Agent.Model)
	assert.Equal(t, int64(2048), cfg.Agent.MaxTokens)
	assert.Equal(t, 45*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Sessions.SweepInterval)
	assert.True(t, cfg.Sessions.CreateMissing)
	assert.Equal(t, 100, cfg.Sessions.MaxSessions)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/parley/gateway.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DefaultModel, cfg.Agent.Model)
	assert.Equal(t, int64(DefaultMaxTokens), cfg.Agent.MaxTokens)
	assert.Equal(t, DefaultSystemPrompt, cfg.Agent.SystemPrompt)
	assert.Equal(t, DefaultIdleTimeout, cfg.Sessions.IdleTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.Sessions.SweepInterval)
	assert.False(t, cfg.Sessions.CreateMissing)
	assert.Zero(t, cfg.Sessions.MaxSessions)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_DB", "/tmp/from-env.db")
	t.Setenv("PARLEY_TEST_KEY", "sk-test-123")

	path := writeConfig(t, `
database:
  path: "${PARLEY_TEST_DB}"

agent:
  api_key: "${PARLEY_TEST_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.Database.Path)
	assert.Equal(t, "sk-test-123", cfg.Agent.APIKey)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/db.sqlite"

agent:
  api_key: "${PARLEY_DEFINITELY_UNSET_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Agent.APIKey)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/db.sqlite"

sessions:
  idle_timeout: "thirty minutes"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_NegativeValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative max_sessions", "database:\n  path: x\nsessions:\n  max_sessions: -1\n"},
		{"negative max_tokens", "database:\n  path: x\nagent:\n  max_tokens: -5\n"},
		{"negative idle_timeout", "database:\n  path: x\nsessions:\n  idle_timeout: \"-5m\"\n"},
		{"negative sweep_interval", "database:\n  path: x\nsessions:\n  sweep_interval: \"-1m\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "must not be negative")
		})
	}
}
