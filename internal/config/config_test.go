package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvRequiresURLAndToken(t *testing.T) {
	t.Setenv("HA_URL", "")
	t.Setenv("HA_TOKEN", "")
	_, err := LoadEnv()
	require.Error(t, err)
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("HA_URL", "ws://localhost:8123/api/websocket")
	t.Setenv("HA_TOKEN", "secret")
	t.Setenv("READ_ONLY", "")
	t.Setenv("CONFIG_DIR", "")
	t.Setenv("QUERY_PORT", "")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.False(t, env.ReadOnly)
	assert.Equal(t, "./configs", env.ConfigDir)
	assert.Equal(t, defaultQueryPort, env.QueryPort)
}

func TestLoadEnvInvalidQueryPort(t *testing.T) {
	t.Setenv("HA_URL", "ws://localhost:8123/api/websocket")
	t.Setenv("HA_TOKEN", "secret")
	t.Setenv("QUERY_PORT", "not-a-number")

	_, err := LoadEnv()
	require.Error(t, err)
}

func TestLoadAppliesDefaultsAndResolvesTimezone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: America/New_York\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./apps", cfg.AppPath)
	assert.Equal(t, defaultAppSuffix, cfg.AppSuffix)
	require.NotNil(t, cfg.Location)
	assert.Equal(t, "America/New_York", cfg.Location.String())
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: Not/A_Zone\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
