package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/replaykit/internal/engine"
	"github.com/rendis/replaykit/internal/store"
)

// Config holds the replaykit host configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	Store         string        `json:"store" yaml:"store"`
	DBPath        string        `json:"db_path" yaml:"db_path"`
	LogLevel      string        `json:"log_level" yaml:"log_level"`
	MetricsAddr   string        `json:"metrics_addr" yaml:"metrics_addr"`
	Workers       int           `json:"workers" yaml:"workers"`
	ReorderWindow time.Duration `json:"reorder_window" yaml:"reorder_window"`
	ReplayTimeout time.Duration `json:"replay_timeout" yaml:"replay_timeout"`
	TickInterval  time.Duration `json:"tick_interval" yaml:"tick_interval"`
}

// fileConfig mirrors Config with durations as strings ("30s", "2m").
type fileConfig struct {
	Store         *string `json:"store" yaml:"store"`
	DBPath        *string `json:"db_path" yaml:"db_path"`
	LogLevel      *string `json:"log_level" yaml:"log_level"`
	MetricsAddr   *string `json:"metrics_addr" yaml:"metrics_addr"`
	Workers       *int    `json:"workers" yaml:"workers"`
	ReorderWindow *string `json:"reorder_window" yaml:"reorder_window"`
	ReplayTimeout *string `json:"replay_timeout" yaml:"replay_timeout"`
	TickInterval  *string `json:"tick_interval" yaml:"tick_interval"`
}

func defaultConfig() Config {
	host := engine.DefaultConfig()
	return Config{
		Store:         "libsql",
		DBPath:        filepath.Join(replaykitDir(), "replaykit.db"),
		LogLevel:      "info",
		MetricsAddr:   ":9464",
		Workers:       host.Workers,
		ReorderWindow: host.ReorderWindow,
		ReplayTimeout: host.ReplayTimeout,
		TickInterval:  time.Minute,
	}
}

func replaykitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replaykit"
	}
	return filepath.Join(home, ".replaykit")
}

// settingsPath returns the first settings file found in the replaykit
// directory, preferring JSON.
func settingsPath() string {
	for _, name := range []string{"settings.json", "settings.yaml", "settings.yml"} {
		p := filepath.Join(replaykitDir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(replaykitDir(), "settings.json")
}

// loadConfig layers the settings file at path (or the default settings
// path when empty) and the REPLAYKIT_* environment over the defaults. A
// missing settings file is not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := applyFile(&cfg, path, data); err != nil {
			return cfg, err
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("read settings %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyFile(cfg *Config, path string, data []byte) error {
	var fc fileConfig
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}

	if fc.Store != nil {
		cfg.Store = *fc.Store
	}
	if fc.DBPath != nil {
		cfg.DBPath = *fc.DBPath
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	for _, d := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"reorder_window", fc.ReorderWindow, &cfg.ReorderWindow},
		{"replay_timeout", fc.ReplayTimeout, &cfg.ReplayTimeout},
		{"tick_interval", fc.TickInterval, &cfg.TickInterval},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("settings %s: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("REPLAYKIT_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("REPLAYKIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REPLAYKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPLAYKIT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("REPLAYKIT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REPLAYKIT_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"REPLAYKIT_REORDER_WINDOW", &cfg.ReorderWindow},
		{"REPLAYKIT_REPLAY_TIMEOUT", &cfg.ReplayTimeout},
		{"REPLAYKIT_TICK_INTERVAL", &cfg.TickInterval},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = dur
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store {
	case "libsql", "bolt", "memory":
	default:
		return fmt.Errorf("unknown store %q (want libsql, bolt or memory)", c.Store)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("reorder_window must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// hostConfig maps the settings onto the engine configuration.
func (c Config) hostConfig() engine.Config {
	hc := engine.DefaultConfig()
	hc.Workers = c.Workers
	hc.ReorderWindow = c.ReorderWindow
	hc.ReplayTimeout = c.ReplayTimeout
	return hc
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, c Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch c.Store {
	case "memory":
		s = store.NewMemoryStore()
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o755); err != nil {
			return nil, err
		}
		s, err = store.NewBoltStore(c.DBPath)
	default:
		if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o755); err != nil {
			return nil, err
		}
		dsn := c.DBPath
		if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
			dsn = "file:" + dsn
		}
		s, err = store.NewLibSQLStore(dsn)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
