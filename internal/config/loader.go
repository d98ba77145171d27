// Package config loads dayplan's configuration from defaults, an optional
// YAML file and DAYPLAN_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/dayplan/internal/logging"
	"github.com/mschirtzinger/dayplan/internal/outbox"
)

// EnvPrefix prefixes every environment override, e.g. DAYPLAN_REMOTE_URL.
const EnvPrefix = "DAYPLAN"

// Load reads the config file at path, or DefaultPath when path is empty.
// A missing default file is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.CachePath = expandHome(cfg.CachePath)
	cfg.Remote.ReplicaPath = expandHome(cfg.Remote.ReplicaPath)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables reach Unmarshal
// even when the file does not mention the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("cache_path", d.CachePath)
	v.SetDefault("owner_id", d.OwnerID)
	v.SetDefault("timezone", d.Timezone)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.auth_token", d.Remote.AuthToken)
	v.SetDefault("remote.replica_path", d.Remote.ReplicaPath)
	v.SetDefault("remote.sync_interval", d.Remote.SyncInterval)
	v.SetDefault("remote.changefeed_url", d.Remote.ChangefeedURL)

	v.SetDefault("sync.drain_schedule", d.Sync.DrainSchedule)
	v.SetDefault("sync.max_batch", d.Sync.MaxBatch)
	v.SetDefault("sync.push_timeout", d.Sync.PushTimeout)
	v.SetDefault("sync.retry_base", d.Sync.RetryBase)
	v.SetDefault("sync.retry_max", d.Sync.RetryMax)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.debounce", d.Sync.Debounce)

	v.SetDefault("window.days", d.Window.Days)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("relay.addr", d.Relay.Addr)
}

// Validate checks values Load cannot fix up.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Window.Days < 1 {
		return fmt.Errorf("window.days must be at least 1 (got %d)", c.Window.Days)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1 (got %d)", c.Sync.MaxAttempts)
	}
	if c.Sync.RetryMax < c.Sync.RetryBase {
		return fmt.Errorf("sync.retry_max %s is below sync.retry_base %s", c.Sync.RetryMax, c.Sync.RetryBase)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// CacheFile returns the cache database path.
func (c *Config) CacheFile() string {
	if c.CachePath != "" {
		return c.CachePath
	}
	return filepath.Join(c.DataDir, "cache.db")
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// Outbox returns the outbox retry policy.
func (c *Config) Outbox() *outbox.Config {
	return &outbox.Config{
		MaxAttempts: c.Sync.MaxAttempts,
		BaseDelay:   c.Sync.RetryBase,
		MaxDelay:    c.Sync.RetryMax,
		PushTimeout: c.Sync.PushTimeout,
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	r := *c
	if r.Remote.AuthToken != "" {
		r.Remote.AuthToken = "********"
	}
	return &r
}

// YAML renders the configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
