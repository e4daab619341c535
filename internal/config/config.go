// Package config loads tsync settings from a TOML file, TSYNC_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/tasksync/internal/resolve"
	"github.com/mschirtzinger/tasksync/internal/retry"
)

// EnvPrefix is the prefix of environment overrides, e.g. TSYNC_WINDOW_DAYS.
const EnvPrefix = "TSYNC"

// FileName is the name of the config file inside the config directory.
const FileName = "config.toml"

// Config is the resolved configuration.
type Config struct {
	DataDir         string `mapstructure:"data_dir"`
	Account         string `mapstructure:"account"`
	WindowDays      int    `mapstructure:"window_days"`
	Strategy        string `mapstructure:"strategy"`
	DefaultTaskList string `mapstructure:"default_tasklist"`

	Retry     RetryConfig     `mapstructure:"retry"`
	Service   ServiceConfig   `mapstructure:"service"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Log       LogConfig       `mapstructure:"log"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// RetryConfig configures the retry policy of every blocking call.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ServiceConfig configures the task-service client.
type ServiceConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RemoteConfig holds the credentials of the active remote database. The
// remote URL itself is registered with `tsync remote add`.
type RemoteConfig struct {
	AuthToken string `mapstructure:"auth_token"`
}

// LogConfig configures the rotating log file. An empty File logs to
// stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AuditConfig locates the deletion audit log.
type AuditConfig struct {
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// DaemonConfig configures the background worker.
type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// DashboardConfig configures the event dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// DefaultDir returns ~/.config/tsync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tsync"), nil
}

// defaults returns the default settings as a nested map. Durations are
// strings so the map can be written to TOML as-is.
func defaults(dir string) map[string]any {
	return map[string]any{
		"data_dir":         dir,
		"account":          "",
		"window_days":      90,
		"strategy":         resolve.NewestWins,
		"default_tasklist": "@default",
		"retry": map[string]any{
			"max_attempts": 5,
			"base_delay":   "500ms",
			"max_delay":    "30s",
			"timeout":      "30s",
		},
		"service": map[string]any{
			"requests_per_second": 5.0,
			"burst":               5,
		},
		"remote": map[string]any{
			"auth_token": "",
		},
		"log": map[string]any{
			"file":         "",
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 28,
		},
		"audit": map[string]any{
			"file":        "",
			"max_size_mb": 50,
		},
		"daemon": map[string]any{
			"interval": "15m",
			"debounce": "2s",
		},
		"dashboard": map[string]any{
			"port": 8080,
		},
	}
}

// New returns a viper instance with defaults and environment overrides
// registered. dir is the config directory.
func New(dir string) *viper.Viper {
	v := viper.New()
	setDefaults(v, "", defaults(dir))
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads path (if it exists) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.WindowDays <= 0 {
		return fmt.Errorf("window_days must be positive, got %d", c.WindowDays)
	}
	if _, err := resolve.ByName(c.Strategy); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon.interval must be positive, got %v", c.Daemon.Interval)
	}
	return nil
}

// WriteDefault writes the default configuration to path unless a file is
// already there.
func WriteDefault(path, dir string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(defaults(dir)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML, e.g. for `tsync config show`.
func Encode(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(asMap(cfg)); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.String(), nil
}

func asMap(c *Config) map[string]any {
	return map[string]any{
		"data_dir":         c.DataDir,
		"account":          c.Account,
		"window_days":      c.WindowDays,
		"strategy":         c.Strategy,
		"default_tasklist": c.DefaultTaskList,
		"retry": map[string]any{
			"max_attempts": c.Retry.MaxAttempts,
			"base_delay":   c.Retry.BaseDelay.String(),
			"max_delay":    c.Retry.MaxDelay.String(),
			"timeout":      c.Retry.Timeout.String(),
		},
		"service": map[string]any{
			"requests_per_second": c.Service.RequestsPerSecond,
			"burst":               c.Service.Burst,
		},
		"remote": map[string]any{
			"auth_token": redact(c.Remote.AuthToken),
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"audit": map[string]any{
			"file":        c.Audit.File,
			"max_size_mb": c.Audit.MaxSizeMB,
		},
		"daemon": map[string]any{
			"interval": c.Daemon.Interval.String(),
			"debounce": c.Daemon.Debounce.String(),
		},
		"dashboard": map[string]any{
			"port": c.Dashboard.Port,
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// DatabasePath is the local embedded database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tasks.db")
}

// AuditPath is the deletion audit log.
func (c *Config) AuditPath() string {
	if c.Audit.File != "" {
		return c.Audit.File
	}
	return filepath.Join(c.DataDir, "audit", "deletions.jsonl")
}

// LockDir holds the per-account lock files.
func (c *Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// RetryPolicy builds the retry policy from the retry settings.
func (c *Config) RetryPolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     retry.Exponential(c.Retry.BaseDelay, c.Retry.MaxDelay),
		Timeout:     c.Retry.Timeout,
	}
}
