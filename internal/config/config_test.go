package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "syncore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BatchPause)
	assert.Equal(t, 3, cfg.Sync.MaxRetry)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, cfg.Sync.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Sync.Debounce)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.FailedRetention)
	assert.Equal(t, 30*time.Second, cfg.Network.ProbeInterval)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, logging.LevelInfo, cfg.LogLevel())
	assert.Equal(t, 5*time.Second, cfg.Backoff()(2))
}

func TestLoad_file(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
data_dir: `+dir+`
remote:
  base_url: https://api.example.org
  timeout: 5s
sync:
  batch_size: 25
  backoff: [2s, 10s]
conflict:
  strategies:
    meetings: client_wins
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "https://api.example.org", cfg.Remote.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Second}, cfg.Sync.Backoff)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BatchPause, "unset keys keep defaults")
	assert.Equal(t, logging.LevelDebug, cfg.LogLevel())

	strategies, err := cfg.ConflictStrategies()
	require.NoError(t, err)
	assert.Equal(t, map[models.EntityKind]models.ConflictStrategy{
		models.KindMeetings: models.StrategyClientWins,
	}, strategies)
}

func TestLoad_env(t *testing.T) {
	t.Setenv("SYNCORE_REMOTE_BASE_URL", "http://localhost:9000")
	t.Setenv("SYNCORE_SYNC_MAX_RETRY", "5")
	t.Setenv("SYNCORE_TELEMETRY_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.Remote.BaseURL)
	assert.Equal(t, 5, cfg.Sync.MaxRetry)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"base url", func(c *Config) { c.Remote.BaseURL = "ftp://x" }, "remote.base_url"},
		{"batch size", func(c *Config) { c.Sync.BatchSize = 0 }, "sync.batch_size"},
		{"backoff", func(c *Config) { c.Sync.Backoff = nil }, "sync.backoff"},
		{"negative pause", func(c *Config) { c.Sync.BatchPause = -time.Second }, "sync.batch_pause"},
		{"interval", func(c *Config) { c.Sync.Interval = 0 }, "sync.interval"},
		{"unknown kind", func(c *Config) { c.Conflict.Strategies = map[string]string{"notes": "merge"} }, "conflict.strategies"},
		{"unknown strategy", func(c *Config) { c.Conflict.Strategies = map[string]string{"members": "coin_flip"} }, "coin_flip"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatch_reloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "data_dir: "+dir+"\nlog:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var levels []logging.LogLevel
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			mu.Lock()
			levels = append(levels, c.LogLevel())
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "data_dir: "+dir+"\nlog:\n  level: warn\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == logging.LevelWarn
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_noPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, Watch(ctx, "", func(*Config) { t.Error("unexpected reload") }))
}
