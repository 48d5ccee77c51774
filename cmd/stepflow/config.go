package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/isolation"
	"github.com/rendis/stepflow/internal/plugins"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	WorkflowsDir      string `json:"workflows_dir"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	PoolSize          int    `json:"pool_size"`
	HistoryCapacity   int    `json:"history_capacity"`
	SchedulerInterval string `json:"scheduler_interval"`
	RetentionDays     int    `json:"retention_days"` // 0 keeps archived runs forever
	HTTPAddr          string `json:"http_addr"`      // empty disables the HTTP API
	HTTPTimeout       string `json:"http_timeout"`   // default for http.* actions

	Shell ShellSettings `json:"shell"`
	Files FileSettings  `json:"files"`

	// VaultKey unlocks ${{ secrets.KEY }}. Env only, never read from disk.
	VaultKey string `json:"-"`

	// Plugins are MCP servers whose tools become actions. settings.json only.
	Plugins []plugins.Config `json:"plugins,omitempty"`
}

// ShellSettings controls the opt-in shell.exec action.
type ShellSettings struct {
	Enabled     bool     `json:"enabled"`
	Timeout     string   `json:"timeout"` // ceiling for one command, e.g. "60s"
	AllowedDirs []string `json:"allowed_dirs,omitempty"`
	DenyDirs    []string `json:"deny_dirs,omitempty"`
}

// FileSettings controls the opt-in fs.* actions.
type FileSettings struct {
	Enabled     bool     `json:"enabled"`
	AllowedDirs []string `json:"allowed_dirs,omitempty"`
	DenyDirs    []string `json:"deny_dirs,omitempty"`
}

func defaultConfig() Config {
	return Config{
		WorkflowsDir:      filepath.Join(stepflowDir(), "workflows"),
		DBPath:            filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:          "info",
		PoolSize:          10,
		HistoryCapacity:   200,
		SchedulerInterval: "30s",
		HTTPTimeout:       "30s",
		Shell:             ShellSettings{Timeout: "60s"},
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("STEPFLOW_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("STEPFLOW_HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryCapacity = n
		}
	}
	if v := getenv("STEPFLOW_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := getenv("STEPFLOW_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}

	if v := getenv("STEPFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := getenv("STEPFLOW_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = v
	}
	cfg.VaultKey = getenv("STEPFLOW_VAULT_KEY")
	if v := getenv("STEPFLOW_SHELL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Shell.Enabled = b
		}
	}
	if v := getenv("STEPFLOW_FILES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Files.Enabled = b
		}
	}

	return cfg
}

// saltPath is the vault salt file, kept next to the database.
func (c Config) saltPath() string {
	return filepath.Join(filepath.Dir(c.DBPath), "vault.salt")
}

// schedulerInterval parses SchedulerInterval, falling back to 30s.
func (c Config) schedulerInterval() time.Duration {
	d, err := time.ParseDuration(c.SchedulerInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// retention returns the archive retention window, or 0 when disabled.
func (c Config) retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// httpConfig returns the http.* action configuration. An unparsable
// HTTPTimeout leaves the action default in place.
func (c Config) httpConfig() actions.HTTPConfig {
	var cfg actions.HTTPConfig
	if d, err := time.ParseDuration(c.HTTPTimeout); err == nil && d > 0 {
		cfg.Timeout = d
	}
	return cfg
}

// shellConfig returns the shell.exec configuration, or nil when disabled.
func (c Config) shellConfig() *actions.ShellConfig {
	if !c.Shell.Enabled {
		return nil
	}
	limits := isolation.Limits{
		AllowedDirs: c.Shell.AllowedDirs,
		DenyDirs:    c.Shell.DenyDirs,
	}
	if d, err := time.ParseDuration(c.Shell.Timeout); err == nil && d > 0 {
		limits.Timeout = d
	}
	return &actions.ShellConfig{Isolator: isolation.NewIsolator(), Limits: limits}
}

// fsConfig returns the fs.* configuration, or nil when disabled.
func (c Config) fsConfig() *actions.FSConfig {
	if !c.Files.Enabled {
		return nil
	}
	return &actions.FSConfig{Limits: isolation.Limits{
		AllowedDirs: c.Files.AllowedDirs,
		DenyDirs:    c.Files.DenyDirs,
	}}
}
