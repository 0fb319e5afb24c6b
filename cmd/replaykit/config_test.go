package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/internal/store"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"REPLAYKIT_STORE", "REPLAYKIT_DB_PATH", "REPLAYKIT_LOG_LEVEL", "REPLAYKIT_METRICS_ADDR",
		"REPLAYKIT_WORKERS", "REPLAYKIT_REORDER_WINDOW", "REPLAYKIT_REPLAY_TIMEOUT", "REPLAYKIT_TICK_INTERVAL",
	} {
		t.Setenv(k, "")
	}
	return home
}

func writeSettings(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "libsql", cfg.Store)
	assert.Equal(t, filepath.Join(home, ".replaykit", "replaykit.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Positive(t, cfg.Workers)
}

func TestLoadConfig_SettingsJSON(t *testing.T) {
	home := isolateHome(t)
	writeSettings(t, filepath.Join(home, ".replaykit"), "settings.json",
		`{"store":"bolt","log_level":"debug","workers":4,"reorder_window":"10s"}`)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "bolt", cfg.Store)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.ReorderWindow)
}

func TestLoadConfig_SettingsYAML(t *testing.T) {
	isolateHome(t)
	p := writeSettings(t, t.TempDir(), "replaykit.yaml", "store: memory\ntick_interval: 15s\nmetrics_addr: \"\"\n")

	cfg, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 15*time.Second, cfg.TickInterval)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	home := isolateHome(t)
	writeSettings(t, filepath.Join(home, ".replaykit"), "settings.json", `{"store":"bolt","workers":4}`)
	t.Setenv("REPLAYKIT_STORE", "memory")
	t.Setenv("REPLAYKIT_WORKERS", "9")
	t.Setenv("REPLAYKIT_REPLAY_TIMEOUT", "1m")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.ReplayTimeout)
	assert.Equal(t, time.Minute, cfg.hostConfig().ReplayTimeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	home := isolateHome(t)

	_, err := loadConfig(filepath.Join(home, "missing.json"))
	assert.Error(t, err, "an explicit settings file must exist")

	bad := writeSettings(t, home, "bad.json", `{"reorder_window":"soon"}`)
	_, err = loadConfig(bad)
	assert.ErrorContains(t, err, "reorder_window")

	t.Setenv("REPLAYKIT_STORE", "postgres")
	_, err = loadConfig("")
	assert.ErrorContains(t, err, "unknown store")

	t.Setenv("REPLAYKIT_STORE", "")
	t.Setenv("REPLAYKIT_LOG_LEVEL", "chatty")
	_, err = loadConfig("")
	assert.ErrorContains(t, err, "log level")

	t.Setenv("REPLAYKIT_LOG_LEVEL", "")
	t.Setenv("REPLAYKIT_WORKERS", "many")
	_, err = loadConfig("")
	assert.ErrorContains(t, err, "REPLAYKIT_WORKERS")
}

func TestOpenStore_BoltAndMemory(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.Store = "bolt"
	cfg.DBPath = filepath.Join(t.TempDir(), "nested", "replaykit.bolt")

	s, err := openStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateInstance(ctx, &store.Instance{InstanceID: "a", Name: "X", Status: "pending"}))
	_, err = s.GetInstance(ctx, "a")
	assert.NoError(t, err)

	cfg.Store = "memory"
	m, err := openStore(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, m)
}

func TestBuiltinRegistry(t *testing.T) {
	reg, err := builtinRegistry()
	require.NoError(t, err)
	activities, orchestrators, entities := reg.Names()
	assert.Contains(t, activities, fnSayHello)
	assert.Contains(t, orchestrators, fnHelloCities)
	assert.Contains(t, orchestrators, fnMonitor)
	assert.Len(t, entities, 1)
}
