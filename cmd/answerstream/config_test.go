package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ANSWERSTREAM_ADDR", "REDIS_URL", "REDIS_PASSWORD", "REDIS_DB", "MONGO_URI",
		"MONGO_DATABASE", "AGENT_URL", "SESSION_TTL", "SWEEP_INTERVAL", "PULSE_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "answerstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
  heartbeat: 5s
redis:
  addr: redis:6379
mongo:
  uri: mongodb://mongo:27017
session:
  ttl: 30m
pulse:
  enabled: false
`), 0o600))
	t.Setenv("REDIS_URL", "cache:6380")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("PULSE_ENABLED", "not-a-bool")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTP.Addr)
	require.Equal(t, 5*time.Second, cfg.HTTP.Heartbeat)
	require.Equal(t, 10*time.Second, cfg.HTTP.SendTimeout)
	require.Equal(t, "cache:6380", cfg.Redis.Addr)
	require.Equal(t, "mongodb://mongo:27017", cfg.Mongo.URI)
	require.Equal(t, "answerstream", cfg.Mongo.Database)
	require.Equal(t, 30*time.Minute, cfg.Session.TTL)
	require.Equal(t, time.Minute, cfg.Session.SweepInterval)
	require.False(t, cfg.Pulse.Enabled)
}

func TestLoadConfigValidates(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  url: \"\"\nsession:\n  ttl: -1s\n"), 0o600))

	_, err := loadConfig(path)
	require.ErrorContains(t, err, "agent.url is required")
	require.ErrorContains(t, err, "session.ttl must be positive")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
