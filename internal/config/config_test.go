package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-livelink/internal/logging"
	"github.com/lightforgemedia/go-livelink/pkg/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, "livelink.yaml", `
url: ws://backend.local/ws
reconnect:
  policy: backoff
  delay: 2s
  maxDelay: 30s
requestTimeout: 4s
log:
  level: debug
`)
	cfg, err := load(path, envOf(map[string]string{
		"LIVELINK_URL":              "wss://override.example/ws",
		"LIVELINK_AUTH_TOKEN":       "secret",
		"LIVELINK_REQUEST_TIMEOUT":  "7s",
		"LIVELINK_RECONNECT_JITTER": "not-a-duration",
	}), logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, "wss://override.example/ws", cfg.URL)
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, "backoff", cfg.Reconnect.Policy)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, time.Duration(0), cfg.Reconnect.Jitter, "invalid values keep the current setting")
	assert.Equal(t, 7*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, Default().WriteTimeout, cfg.WriteTimeout, "unset keys keep defaults")
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{"LIVELINK_URL": "ws://localhost:8080/ws"}), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "fixed", cfg.Reconnect.Policy)
	assert.Equal(t, 5*time.Second, cfg.Reconnect.Delay)
}

func TestOverridesApplyAfterEnv(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{"LIVELINK_URL": "ws://env/ws"}), logging.Discard(),
		func(c *Config) { c.URL = "ws://flag/ws" })
	require.NoError(t, err)
	assert.Equal(t, "ws://flag/ws", cfg.URL)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "livelink.yaml", "url: ws://x/ws\nreconect:\n  delay: 1s\n")
	_, err := load(path, envOf(nil), logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeFile(t, "livelink.yml", "url: ws://x/ws\n---\nurl: ws://y/ws\n")
	_, err := load(path, envOf(nil), logging.Discard())
	assert.Error(t, err)
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := writeFile(t, "livelink.json", `{"url":"ws://x/ws"}`)
	_, err := load(path, envOf(nil), logging.Discard())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.URL = "ws://localhost/ws"
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"missing url":       func(c *Config) { c.URL = "" },
		"http scheme":       func(c *Config) { c.URL = "http://localhost/ws" },
		"unknown policy":    func(c *Config) { c.Reconnect.Policy = "linear" },
		"zero delay":        func(c *Config) { c.Reconnect.Delay = 0 },
		"max below delay":   func(c *Config) { c.Reconnect.MaxDelay = time.Second },
		"negative ping":     func(c *Config) { c.PingInterval = -time.Second },
		"bad log level":     func(c *Config) { c.Log.Level = "loud" },
		"bad log format":    func(c *Config) { c.Log.Format = "xml" },
		"zero req. timeout": func(c *Config) { c.RequestTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateReportsDurationsInOrder(t *testing.T) {
	cfg := Default()
	cfg.URL = "ws://localhost/ws"
	cfg.Reconnect.Delay = 0
	cfg.DialTimeout = 0
	cfg.WriteTimeout = -time.Second
	cfg.RequestTimeout = 0

	for range 20 {
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, "config: reconnect.delay must be positive, got 0s", err.Error())
	}

	cfg.Reconnect.Delay = time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialTimeout")
}

func TestCoordinatorOptions(t *testing.T) {
	cfg := Default()
	cfg.URL = "ws://localhost/ws"
	cfg.AuthToken = "tok"
	cfg.Reconnect.Policy = "BACKOFF"
	cfg.PingInterval = 15 * time.Second

	opts := cfg.CoordinatorOptions(logging.Discard())
	assert.Equal(t, connection.PolicyBackoff, opts.ReconnectPolicy)
	assert.Equal(t, "tok", opts.AuthToken)
	assert.Equal(t, 15*time.Second, opts.PingInterval)
	assert.Equal(t, cfg.RequestTimeout, opts.RequestTimeout)
}
