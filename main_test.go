package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "json", cfg.LoggerFormat)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "local", cfg.Store)
	assert.Equal(t, "./data", cfg.LocalStorage)
	assert.Equal(t, "https://muusikoiden.net/tori/haku.php", cfg.SearchURL)
	assert.Equal(t, "Europe/Helsinki", cfg.SiteTimezone)
	assert.Equal(t, time.Minute, cfg.MonitorInterval)
	assert.Equal(t, time.Hour, cfg.QueryCooldown)
	assert.Equal(t, time.Second, cfg.RequestPacing)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 100, cfg.MaxPages)
	assert.Empty(t, cfg.TelegramToken)
	assert.False(t, cfg.TrustProxy)
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, cfg config)
	}{
		{
			name: "overrides",
			env: map[string]string{
				"STORE":            "sqlite",
				"QUERY_COOLDOWN":   "15m",
				"REQUEST_PACING":   "250ms",
				"LOG_LEVEL":        "debug",
				"MAX_PAGES":        "5",
				"TELEGRAM_TOKEN":   "123:abc",
				"MONITOR_INTERVAL": "10s",
				"TRUST_PROXY":      "true",
			},
			check: func(t *testing.T, cfg config) {
				assert.Equal(t, "sqlite", cfg.Store)
				assert.Equal(t, 15*time.Minute, cfg.QueryCooldown)
				assert.Equal(t, 250*time.Millisecond, cfg.RequestPacing)
				assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
				assert.Equal(t, 5, cfg.MaxPages)
				assert.Equal(t, "123:abc", cfg.TelegramToken)
				assert.Equal(t, 10*time.Second, cfg.MonitorInterval)
				assert.True(t, cfg.TrustProxy)
			},
		},
		{
			name:    "bad duration",
			env:     map[string]string{"QUERY_COOLDOWN": "soon"},
			wantErr: true,
		},
		{
			name:    "zero max pages",
			env:     map[string]string{"MAX_PAGES": "0"},
			wantErr: true,
		},
		{
			name:    "zero monitor interval",
			env:     map[string]string{"MONITOR_INTERVAL": "0s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     config
		wantErr bool
	}{
		{name: "local", cfg: config{Store: "local", LocalStorage: filepath.Join(dir, "docs")}},
		{name: "sqlite", cfg: config{Store: "sqlite", Database: filepath.Join(dir, "watcher.db")}},
		{name: "gcs without bucket", cfg: config{Store: "gcs"}, wantErr: true},
		{name: "unknown", cfg: config{Store: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeStore, err := openStore(ctx, tt.cfg, testLogger)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer closeStore()

			_, err = store.AddSubscriber(ctx, "42", "alice")
			require.NoError(t, err)
			id, err := store.AddQuery(ctx, "42", "elektron")
			require.NoError(t, err)
			assert.Equal(t, 0, id)

			due, err := store.ListDueQueries(ctx, time.Now(), time.Hour)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "elektron", due[0].QueryText)
		})
	}
}
