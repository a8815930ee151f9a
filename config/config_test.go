package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "stdio", cfg.Transports.Default)
	assert.Equal(t, 3, cfg.Notifications.Tries)
	assert.Equal(t, time.Hour, cfg.Notifications.ResultTTL)
	assert.Equal(t, 128, cfg.Notifications.Buffer)
	assert.Equal(t, 30*time.Second, cfg.Request.Timeout)
	assert.True(t, cfg.Events.Enabled)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().ServerName, cfg.ServerName)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpd.yaml")
	content := []byte(`
server_name: custom
log_level: debug
transports:
  default: http
  http_addr: ":9999"
notifications:
  tries: 5
auth:
  enabled: true
  api_key: sekrit
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.ServerName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http", cfg.Transports.Default)
	assert.Equal(t, ":9999", cfg.Transports.HTTPAddr)
	assert.Equal(t, 5, cfg.Notifications.Tries)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "sekrit", cfg.Auth.APIKey)

	// Unset keys keep their defaults.
	assert.Equal(t, ":8091", cfg.Transports.SSEAddr)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transports:\n  default: carrier-pigeon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transports.default")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
