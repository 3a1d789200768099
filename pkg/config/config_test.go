package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, BrokerLocal, cfg.Broker)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"localhost:9042"}, cfg.ScyllaHosts)
	assert.Equal(t, "support-events", cfg.KafkaTopic)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, int64(1), cfg.NodeID)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE", "Scylla")
	t.Setenv("SCYLLA_HOSTS", "a:9042, b:9042,")
	t.Setenv("BROKER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALLOWED_ORIGINS", "https://support.example.com")
	t.Setenv("NODE_ID", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreScylla, cfg.Store)
	assert.Equal(t, []string{"a:9042", "b:9042"}, cfg.ScyllaHosts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://support.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(7), cfg.NodeID)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTP_ADDR=:9999\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("HTTP_ADDR") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"store":     {"STORE", "postgres"},
		"broker":    {"BROKER", "nats"},
		"ttl":       {"TOKEN_TTL", "forever"},
		"node":      {"NODE_ID", "x"},
		"log level": {"LOG_LEVEL", "loud"},
		"redis":     {"BROKER", "redis"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	cfg := &Config{LogFile: path, LogLevel: slog.LevelInfo}

	logger, closer, err := cfg.Logger()
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("visible", "component", "test")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "visible")
	assert.NotContains(t, string(b), "hidden")
}
