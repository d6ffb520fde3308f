// Package config loads resock settings from defaults, an optional TOML file
// and RESOCK_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/codeGROOVE-dev/resock/pkg/client"
	"github.com/codeGROOVE-dev/resock/pkg/endpoint"
	"github.com/codeGROOVE-dev/resock/pkg/logger"
	"github.com/codeGROOVE-dev/resock/pkg/srv"
)

// EnvPrefix is the prefix of environment overrides. A single underscore
// separates sections and a double underscore stands for a literal one, so
// RESOCK_CLIENT_FIRST__CONNECT__TIMEOUT sets client.first_connect_timeout.
const EnvPrefix = "RESOCK_"

// Config is the complete resock configuration.
type Config struct {
	Client ClientConfig `koanf:"client"`
	Server ServerConfig `koanf:"server"`
	Log    LogConfig    `koanf:"log"`
}

// BackoffConfig mirrors client.BackoffPolicy.
type BackoffConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	MaxAttempts int           `koanf:"max_attempts"`
	JitterRatio float64       `koanf:"jitter_ratio"`
}

// ClientConfig configures a reconnecting client.
type ClientConfig struct {
	// URL is the static endpoint. Ignored when ConfigURL is set.
	URL string `koanf:"url"`
	// ConfigURL serves {"ws_url": "..."}; it is consulted before each dial.
	ConfigURL string `koanf:"config_url"`
	// ConfigTTL is how long a resolved endpoint is reused.
	ConfigTTL time.Duration `koanf:"config_ttl"`
	Token     string        `koanf:"token"`
	// Transport is "net" (golang.org/x/net/websocket) or "gorilla".
	Transport           string        `koanf:"transport"`
	Backoff             BackoffConfig `koanf:"backoff"`
	FirstConnectTimeout time.Duration `koanf:"first_connect_timeout"`
	WriteTimeout        time.Duration `koanf:"write_timeout"`
	PingInterval        time.Duration `koanf:"ping_interval"`
	MaxPending          int           `koanf:"max_pending"`
}

// LetsEncryptConfig enables automatic certificates for the listed domains.
type LetsEncryptConfig struct {
	Domains  []string `koanf:"domains"`
	Email    string   `koanf:"email"`
	CacheDir string   `koanf:"cache_dir"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	Addr            string            `koanf:"addr"`
	Token           string            `koanf:"token"`
	AllowedOrigins  []string          `koanf:"allowed_origins"`
	MaxConnsPerIP   int               `koanf:"max_conns_per_ip"`
	MaxConnsTotal   int               `koanf:"max_conns_total"`
	RateLimit       int               `koanf:"rate_limit"`
	RateWindow      time.Duration     `koanf:"rate_window"`
	PingInterval    time.Duration     `koanf:"ping_interval"`
	ReadTimeout     time.Duration     `koanf:"read_timeout"`
	WriteTimeout    time.Duration     `koanf:"write_timeout"`
	MaxMessageBytes int               `koanf:"max_message_bytes"`
	Metrics         bool              `koanf:"metrics"`
	LetsEncrypt     LetsEncryptConfig `koanf:"letsencrypt"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	// Level can be "debug", "info", "warn" or "error".
	Level string `koanf:"level"`
	// Format can be "text" or "json".
	Format string `koanf:"format"`
}

// Load reads configuration from defaults, the TOML file at path (if any) and
// the environment, then validates it.
//
// Duration fields accept Go duration strings such as "250ms" or "1m".
func Load(path string) (*Config, error) {
	cfg := Defaults()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Fields absent from file and env keep their defaults.
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	backoff := client.DefaultBackoffPolicy()
	return &Config{
		Client: ClientConfig{
			URL:       "ws://localhost:8080/ws",
			ConfigTTL: 5 * time.Minute,
			Transport: "net",
			Backoff: BackoffConfig{
				BaseDelay:   backoff.BaseDelay,
				MaxDelay:    backoff.MaxDelay,
				MaxAttempts: backoff.MaxAttempts,
				JitterRatio: backoff.JitterRatio,
			},
			FirstConnectTimeout: client.DefaultFirstConnectTimeout,
			WriteTimeout:        client.DefaultWriteTimeout,
			PingInterval:        30 * time.Second,
			MaxPending:          1000,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			MaxConnsPerIP:   10,
			MaxConnsTotal:   1000,
			RateLimit:       100,
			RateWindow:      time.Minute,
			PingInterval:    srv.DefaultPingInterval,
			ReadTimeout:     srv.DefaultReadTimeout,
			WriteTimeout:    srv.DefaultWriteTimeout,
			MaxMessageBytes: srv.DefaultMaxMessageBytes,
			LetsEncrypt:     LetsEncryptConfig{CacheDir: "./.letsencrypt"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got: %s", c.Log.Format)
	}
	return nil
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	if c.ConfigURL == "" {
		if err := endpoint.Validate(c.URL); err != nil {
			return fmt.Errorf("url: %w", err)
		}
	}
	switch c.Transport {
	case "net", "gorilla", "":
	default:
		return fmt.Errorf("transport must be 'net' or 'gorilla', got: %s", c.Transport)
	}
	if err := c.policy().Validate(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	if c.FirstConnectTimeout < 0 || c.WriteTimeout < 0 || c.PingInterval < 0 {
		return errors.New("timeouts and intervals must not be negative")
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("max_pending must not be negative, got: %d", c.MaxPending)
	}
	return nil
}

func (c *ClientConfig) policy() client.BackoffPolicy {
	return client.BackoffPolicy{
		BaseDelay:   c.Backoff.BaseDelay,
		MaxDelay:    c.Backoff.MaxDelay,
		MaxAttempts: c.Backoff.MaxAttempts,
		JitterRatio: c.Backoff.JitterRatio,
	}
}

// Apply copies the settings onto base and returns the result. Fields of base
// that have no configuration counterpart, such as Logger or Clock, are kept.
func (c *ClientConfig) Apply(base client.Config) client.Config {
	base.Token = c.Token
	base.Backoff = c.policy()
	base.FirstConnectTimeout = c.FirstConnectTimeout
	base.WriteTimeout = c.WriteTimeout
	base.PingInterval = c.PingInterval
	base.MaxPending = c.MaxPending

	if c.ConfigURL != "" {
		base.Resolver = endpoint.NewHTTPResolver(c.ConfigURL, endpoint.Options{
			Token:  c.Token,
			TTL:    c.ConfigTTL,
			Logger: base.Logger,
		})
		base.URL = ""
	} else {
		base.URL = c.URL
		base.Resolver = nil
	}

	if c.Transport == "gorilla" {
		base.Dialer = client.GorillaDialer{}
	}
	return base
}

// Validate checks the server settings.
func (s *ServerConfig) Validate() error {
	if s.Addr == "" {
		return errors.New("addr must be set")
	}
	if s.MaxConnsPerIP <= 0 || s.MaxConnsTotal <= 0 {
		return errors.New("connection limits must be positive")
	}
	if s.MaxConnsPerIP > s.MaxConnsTotal {
		return fmt.Errorf("max_conns_per_ip (%d) exceeds max_conns_total (%d)", s.MaxConnsPerIP, s.MaxConnsTotal)
	}
	if s.RateLimit <= 0 || s.RateWindow <= 0 {
		return errors.New("rate_limit and rate_window must be positive")
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.MaxMessageBytes < 0 {
		return errors.New("timeouts and sizes must not be negative")
	}
	if len(s.LetsEncrypt.Domains) > 0 && s.LetsEncrypt.CacheDir == "" {
		return errors.New("letsencrypt.cache_dir must be set when domains are configured")
	}
	return nil
}

// Relay returns the WebSocket endpoint settings.
func (s *ServerConfig) Relay() srv.Config {
	return srv.Config{
		Token:           s.Token,
		AllowedOrigins:  s.AllowedOrigins,
		PingInterval:    s.PingInterval,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		MaxMessageBytes: s.MaxMessageBytes,
	}
}

// LoggerOptions converts the log settings for logger.NewWithOptions.
func (l LogConfig) LoggerOptions() (logger.Options, error) {
	level, err := logger.ParseLevel(l.Level)
	if err != nil {
		return logger.Options{}, err
	}
	return logger.Options{Level: level, JSON: l.Format == "json"}, nil
}
