package config

import "time"

// Config is the full dayplan configuration.
type Config struct {
	// DataDir holds the cache database and log files.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// CachePath overrides <data_dir>/cache.db.
	CachePath string `yaml:"cache_path" mapstructure:"cache_path"`

	// OwnerID is stamped on new tasks and rules.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id"`

	// Timezone is an IANA zone name or "Local".
	Timezone string `yaml:"timezone" mapstructure:"timezone"`

	Remote  RemoteConfig  `yaml:"remote" mapstructure:"remote"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	Window  WindowConfig  `yaml:"window" mapstructure:"window"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Relay   RelayConfig   `yaml:"relay" mapstructure:"relay"`
}

// RemoteConfig locates the remote store and its change feed.
type RemoteConfig struct {
	// URL is the libSQL database URL (libsql://, https://, or file: for a
	// local SQLite remote).
	URL       string `yaml:"url" mapstructure:"url"`
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`
	// ReplicaPath enables an embedded replica of the remote.
	ReplicaPath  string        `yaml:"replica_path" mapstructure:"replica_path"`
	SyncInterval time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"`
	// ChangefeedURL is the relay the change notifications come from.
	ChangefeedURL string `yaml:"changefeed_url" mapstructure:"changefeed_url"`
}

// SyncConfig holds the outbox retry policy and drain scheduling.
type SyncConfig struct {
	DrainSchedule string        `yaml:"drain_schedule" mapstructure:"drain_schedule"`
	MaxBatch      int           `yaml:"max_batch" mapstructure:"max_batch"`
	PushTimeout   time.Duration `yaml:"push_timeout" mapstructure:"push_timeout"`
	RetryBase     time.Duration `yaml:"retry_base" mapstructure:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max" mapstructure:"retry_max"`
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Debounce      time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// WindowConfig sets the default window length.
type WindowConfig struct {
	Days int `yaml:"days" mapstructure:"days"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// MetricsConfig configures the daemon's /metrics listener.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// RelayConfig configures `dayplan relay`.
type RelayConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}
