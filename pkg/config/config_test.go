package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeGROOVE-dev/resock/pkg/client"
	"github.com/codeGROOVE-dev/resock/pkg/endpoint"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resock.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Client.URL)
	assert.Equal(t, time.Second, cfg.Client.Backoff.BaseDelay)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[client]
url = "wss://relay.example/ws"
first_connect_timeout = "3s"
max_pending = 50
transport = "gorilla"

[client.backoff]
base_delay = "250ms"
max_delay = "10s"
max_attempts = 5

[server]
addr = ":9090"
allowed_origins = ["https://app.example"]

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example/ws", cfg.Client.URL)
	assert.Equal(t, 3*time.Second, cfg.Client.FirstConnectTimeout)
	assert.Equal(t, 50, cfg.Client.MaxPending)
	assert.Equal(t, "gorilla", cfg.Client.Transport)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.Backoff.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Client.Backoff.MaxDelay)
	assert.Equal(t, 5, cfg.Client.Backoff.MaxAttempts)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, client.DefaultWriteTimeout, cfg.Client.WriteTimeout)
	assert.Equal(t, 10, cfg.Server.MaxConnsPerIP)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[client]
url = "ws://from-file.example/ws"
ping_interval = "20s"
`)
	t.Setenv("RESOCK_CLIENT_URL", "ws://from-env.example/ws")
	t.Setenv("RESOCK_CLIENT_FIRST__CONNECT__TIMEOUT", "1500ms")
	t.Setenv("RESOCK_CLIENT_BACKOFF_JITTER__RATIO", "0.5")
	t.Setenv("RESOCK_SERVER_ALLOWED__ORIGINS", "https://a.example,https://b.example")
	t.Setenv("RESOCK_SERVER_MAX__CONNS__PER__IP", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://from-env.example/ws", cfg.Client.URL)
	assert.Equal(t, 20*time.Second, cfg.Client.PingInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Client.FirstConnectTimeout)
	assert.InDelta(t, 0.5, cfg.Client.Backoff.JitterRatio, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3, cfg.Server.MaxConnsPerIP)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"RESOCK_CLIENT_URL":                     "client.url",
		"RESOCK_CLIENT_BACKOFF_BASE__DELAY":     "client.backoff.base_delay",
		"RESOCK_SERVER_LETSENCRYPT_CACHE__DIR":  "server.letsencrypt.cache_dir",
		"RESOCK_LOG_LEVEL":                      "log.level",
		"RESOCK_CLIENT_FIRST__CONNECT__TIMEOUT": "client.first_connect_timeout",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "bad toml", content: "[client\nurl ="},
		{name: "bad duration", content: "[client]\nwrite_timeout = \"soon\""},
		{name: "http url", content: "[client]\nurl = \"http://relay.example\""},
		{name: "unknown transport", content: "[client]\ntransport = \"carrier-pigeon\""},
		{name: "jitter out of range", content: "[client.backoff]\njitter_ratio = 2.0"},
		{name: "negative max pending", content: "[client]\nmax_pending = -1"},
		{name: "per-ip above total", content: "[server]\nmax_conns_per_ip = 50\nmax_conns_total = 10"},
		{name: "bad log level", content: "[log]\nlevel = \"chatty\""},
		{name: "bad log format", content: "[log]\nformat = \"xml\""},
		{name: "env rate limit", env: map[string]string{"RESOCK_SERVER_RATE__LIMIT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.content != "" {
				path = writeConfig(t, tt.content)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfigURLSkipsStaticURLValidation(t *testing.T) {
	path := writeConfig(t, `
[client]
url = ""
config_url = "https://config.example/runtime.json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://config.example/runtime.json", cfg.Client.ConfigURL)
}

func TestClientApply(t *testing.T) {
	cc := Defaults().Client
	cc.Token = "tok"
	cc.MaxPending = 7
	cc.Backoff.MaxAttempts = 4

	log := slog.Default()
	got := cc.Apply(client.Config{Logger: log, URL: "ws://ignored.example/ws"})

	assert.Same(t, log, got.Logger)
	assert.Equal(t, cc.URL, got.URL)
	assert.Nil(t, got.Resolver)
	assert.Nil(t, got.Dialer)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, 7, got.MaxPending)
	assert.Equal(t, 4, got.Backoff.MaxAttempts)
	assert.Equal(t, cc.FirstConnectTimeout, got.FirstConnectTimeout)

	c, err := client.New(got)
	require.NoError(t, err)
	c.Disconnect()

	cc.ConfigURL = "https://config.example/runtime.json"
	cc.Transport = "gorilla"
	got = cc.Apply(client.Config{})
	assert.Empty(t, got.URL)
	assert.IsType(t, &endpoint.HTTPResolver{}, got.Resolver)
	assert.IsType(t, client.GorillaDialer{}, got.Dialer)
}

func TestServerRelay(t *testing.T) {
	sc := Defaults().Server
	sc.Token = "secret"
	sc.AllowedOrigins = []string{"https://app.example"}

	rc := sc.Relay()
	assert.Equal(t, "secret", rc.Token)
	assert.Equal(t, sc.AllowedOrigins, rc.AllowedOrigins)
	assert.Equal(t, sc.PingInterval, rc.PingInterval)
	assert.Equal(t, sc.MaxMessageBytes, rc.MaxMessageBytes)
}

func TestLoggerOptions(t *testing.T) {
	opts, err := LogConfig{Level: "warn", Format: "json"}.LoggerOptions()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, opts.Level)
	assert.True(t, opts.JSON)

	_, err = LogConfig{Level: "loud"}.LoggerOptions()
	assert.Error(t, err)
}
