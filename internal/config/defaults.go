package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  DefaultDataDir(),
		Timezone: "Local",
		Remote: RemoteConfig{
			SyncInterval: time.Minute,
		},
		Sync: SyncConfig{
			DrainSchedule: "@every 30s",
			PushTimeout:   15 * time.Second,
			RetryBase:     2 * time.Second,
			RetryMax:      5 * time.Minute,
			MaxAttempts:   10,
			Debounce:      500 * time.Millisecond,
		},
		Window: WindowConfig{Days: 7},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Relay: RelayConfig{Addr: ":7781"},
	}
}

// DefaultDataDir returns ~/.dayplan, or .dayplan when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dayplan"
	}
	return filepath.Join(home, ".dayplan")
}

// DefaultPath returns the config file read when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// WriteDefault writes a starter config file for ownerID. An existing file
// is left alone and reported with os.ErrExist.
func WriteDefault(path, ownerID string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	content := `# dayplan configuration
owner_id: "` + ownerID + `"
timezone: Local

# Remote store and change feed
remote:
  url: ""          # libsql://<db>.turso.io, or file:/path/remote.db
  auth_token: ""   # or DAYPLAN_REMOTE_AUTH_TOKEN
  # replica_path: ~/.dayplan/replica.db
  changefeed_url: ""  # http://host:7781 of a dayplan relay

# Outbox replay
sync:
  drain_schedule: "@every 30s"
  push_timeout: 15s
  retry_base: 2s
  retry_max: 5m
  max_attempts: 10

window:
  days: 7

log:
  level: info
  format: text
`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
