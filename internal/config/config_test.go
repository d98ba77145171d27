package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "owner_id: owner-1\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", cfg.OwnerID)
	assert.Equal(t, "@every 30s", cfg.Sync.DrainSchedule)
	assert.Equal(t, 10, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.RetryMax)
	assert.Equal(t, 7, cfg.Window.Days)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, filepath.Join(cfg.DataDir, "cache.db"), cfg.CacheFile())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
owner_id: owner-1
timezone: Europe/Berlin
remote:
  url: libsql://planner.turso.io
sync:
  retry_base: 1s
  max_attempts: 4
window:
  days: 14
`)
	t.Setenv("DAYPLAN_REMOTE_AUTH_TOKEN", "secret")
	t.Setenv("DAYPLAN_SYNC_MAX_ATTEMPTS", "6")
	t.Setenv("DAYPLAN_CACHE_PATH", "/tmp/dayplan-cache.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "libsql://planner.turso.io", cfg.Remote.URL)
	assert.Equal(t, "secret", cfg.Remote.AuthToken)
	assert.Equal(t, 6, cfg.Sync.MaxAttempts, "environment overrides the file")
	assert.Equal(t, time.Second, cfg.Sync.RetryBase)
	assert.Equal(t, 14, cfg.Window.Days)
	assert.Equal(t, "/tmp/dayplan-cache.db", cfg.CacheFile())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	ob := cfg.Outbox()
	assert.Equal(t, 6, ob.MaxAttempts)
	assert.Equal(t, time.Second, ob.BaseDelay)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit config file must exist")

	tests := map[string]string{
		"timezone":   "timezone: Mars/Olympus\n",
		"window":     "window:\n  days: 0\n",
		"log format": "log:\n  format: xml\n",
		"retry":      "sync:\n  retry_base: 10m\n  retry_max: 1m\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path, "owner-9"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "owner-9", cfg.OwnerID)

	assert.ErrorIs(t, WriteDefault(path, "owner-10"), os.ErrExist)
}

func TestYAML_RedactsToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.AuthToken = "secret"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.Equal(t, "secret", cfg.Remote.AuthToken, "the original is not modified")

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, cfg.Sync.RetryMax, decoded.Sync.RetryMax)
}

func TestLoadSeed(t *testing.T) {
	path := writeFile(t, "seed.toml", `
[[lists]]
name = "Work"

[[rules]]
title = "Standup"
list = "Work"
freq = "weekly"
byday = ["MO", "wed"]
start = "2024-01-01"
planned_start = "09:30"
planned_end = "09:45"

[[rules]]
title = "Birthday"
freq = "YEARLY"
start = "2024-03-10"
`)
	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Lists, 1)
	require.Len(t, seed.Rules, 2)

	work := "list-1"
	standup, err := seed.Rules[0].Rule(&work, schema.MustDate("2024-05-05"))
	require.NoError(t, err)
	assert.Equal(t, schema.FreqWeekly, standup.Freq)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, standup.ByDay)
	assert.Equal(t, schema.MustDate("2024-01-01"), standup.Start)
	assert.Equal(t, schema.NewClock(9, 30), *standup.PlannedStart)
	assert.Equal(t, &work, standup.ListID)

	birthday, err := seed.Rules[1].Rule(nil, schema.MustDate("2024-05-05"))
	require.NoError(t, err)
	assert.True(t, birthday.IsYearly())
}

func TestLoadSeed_UnknownKey(t *testing.T) {
	path := writeFile(t, "seed.toml", "[[rules]]\ntitle = \"x\"\nfrequency = \"DAILY\"\n")
	_, err := LoadSeed(path)
	assert.ErrorContains(t, err, "frequency")
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Weekday
		wantErr bool
	}{
		{"MO", time.Monday, false},
		{"su", time.Sunday, false},
		{"Thursday", time.Thursday, false},
		{"fri", time.Friday, false},
		{"M", 0, true},
		{"Moonday", 0, true},
		{"XX", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWeekday(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, schema.ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
