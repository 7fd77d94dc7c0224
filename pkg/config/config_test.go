package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8765", cfg.Address())
	assert.Equal(t, 200*time.Millisecond, cfg.Media.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Media.TickInterval)
	assert.Equal(t, 0.01, cfg.Filter.AmplitudeThreshold)
	assert.Equal(t, 0.05, cfg.Filter.RMSDeltaThreshold)
	assert.Equal(t, 2*time.Second, cfg.Link.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.Link.ScanTimeout)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  host: "0.0.0.0"
  port: 9000
media:
  poll_interval: 500ms
link:
  adapter: hci1
  reconnect_delay: 3s
logging:
  level: debug
  format: console
`)

	t.Setenv("EMO_LISTENER_PORT", "9100")
	t.Setenv("EMO_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Media.PollInterval)
	// untouched keys keep their defaults
	assert.Equal(t, 100*time.Millisecond, cfg.Media.TickInterval)
	assert.Equal(t, "hci1", cfg.Link.Adapter)
	assert.Equal(t, 3*time.Second, cfg.Link.ReconnectDelay)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidPortOverride(t *testing.T) {
	t.Setenv("EMO_LISTENER_PORT", "70000")
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty host", func(c *Config) { c.Server.Host = "" }},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"heartbeat interval", func(c *Config) { c.Signal.HeartbeatInterval = 0 }},
		{"poll interval", func(c *Config) { c.Media.PollInterval = 0 }},
		{"tick interval", func(c *Config) { c.Media.TickInterval = -time.Second }},
		{"amp threshold", func(c *Config) { c.Filter.AmplitudeThreshold = 1.5 }},
		{"rms threshold", func(c *Config) { c.Filter.RMSDeltaThreshold = -0.1 }},
		{"audio sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"link adapter", func(c *Config) { c.Link.Adapter = "" }},
		{"reconnect delay", func(c *Config) { c.Link.ReconnectDelay = 0 }},
		{"breaker failures", func(c *Config) { c.Link.BreakerFailures = 0 }},
		{"tracing url", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "" }},
		{"redis channel", func(c *Config) { c.Redis.Enabled = true; c.Redis.Channel = "" }},
		{"ws burst", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws messages per second", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"lock file", func(c *Config) { c.Instance.LockFile = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_DisabledSectionsSkipChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio.Enabled = false
	cfg.Audio.SampleRate = 0
	cfg.Link.Enabled = false
	cfg.Link.Adapter = ""
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.WebSocket.Burst = 0
	assert.NoError(t, cfg.Validate())
}
