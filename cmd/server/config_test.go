package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_HUB_HOST", "hub.internal:9090")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "3000"
hubURL: http://${TEST_HUB_HOST}
logLevel: warn
dbPath: data/console.db
`), 0o600))

	cfg, err := loadConfig(path, dir)
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "http://hub.internal:9090", cfg.HubURL)
	assert.Equal(t, filepath.Join(dir, "data/console.db"), cfg.DBPath)
	assert.Equal(t, slog.LevelWarn, cfg.logLevel())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CHATBASE_HUB_URL", "")
	dir := t.TempDir()

	cfg, err := loadConfig(filepath.Join(dir, "missing.yaml"), dir)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultHubURL, cfg.HubURL)
	assert.Equal(t, filepath.Join(dir, "store.db"), cfg.DBPath)
	assert.Equal(t, slog.LevelInfo, cfg.logLevel())
}

func TestLoadConfigInvalidHub(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hubURL: not a url\n"), 0o600))

	_, err := loadConfig(path, dir)
	assert.Error(t, err)
}
