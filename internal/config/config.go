// Package config loads livelink settings from a YAML file and LIVELINK_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lightforgemedia/go-livelink/internal/logging"
	"github.com/lightforgemedia/go-livelink/pkg/connection"
	"github.com/lightforgemedia/go-livelink/pkg/coordinator"
	"gopkg.in/yaml.v3"
)

// Config is the full set of livelink settings.
type Config struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"authToken"`
	ClientID  string `yaml:"clientId"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	DialTimeout     time.Duration `yaml:"dialTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	PingInterval    time.Duration `yaml:"pingInterval"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes"`

	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
	DedupeWindow     int           `yaml:"dedupeWindow"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ReconnectConfig controls how the connection is re-established.
type ReconnectConfig struct {
	Policy   string        `yaml:"policy"` // fixed or backoff
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"maxDelay"`
	Jitter   time.Duration `yaml:"jitter"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in settings.
func Default() Config {
	d := coordinator.DefaultOptions()
	return Config{
		Reconnect: ReconnectConfig{
			Policy:   string(d.ReconnectPolicy),
			Delay:    d.ReconnectDelay,
			MaxDelay: d.ReconnectMaxDelay,
		},
		DialTimeout:      d.DialTimeout,
		WriteTimeout:     d.WriteTimeout,
		MaxMessageBytes:  d.MaxMessageBytes,
		RequestTimeout:   d.RequestTimeout,
		SubscriberBuffer: d.SubscriberBuffer,
		DedupeWindow:     d.DedupeWindow,
		Log:              LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), applies environment overrides, then the
// overrides given (command-line flags), and validates the result.
func Load(path string, logger *slog.Logger, overrides ...func(*Config)) (Config, error) {
	return load(path, os.LookupEnv, logger, overrides...)
}

func load(path string, lookup func(string) (string, bool), logger *slog.Logger, overrides ...func(*Config)) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	env := envReader{lookup: lookup, logger: logger}
	env.apply(&cfg)
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg. Unknown keys are an error.
func loadFile(path string, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format %q (only YAML supported)", ext)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("config: url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: url scheme must be ws or wss, got %q", u.Scheme)
	}
	if _, err := connection.ParsePolicy(c.Reconnect.Policy); err != nil {
		return fmt.Errorf("config: reconnect.policy: %w", err)
	}
	for _, f := range []struct {
		name  string
		value time.Duration
	}{
		{"reconnect.delay", c.Reconnect.Delay},
		{"dialTimeout", c.DialTimeout},
		{"writeTimeout", c.WriteTimeout},
		{"requestTimeout", c.RequestTimeout},
	} {
		if f.value <= 0 {
			return fmt.Errorf("config: %s must be positive, got %v", f.name, f.value)
		}
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("config: reconnect.maxDelay %v is below reconnect.delay %v", c.Reconnect.MaxDelay, c.Reconnect.Delay)
	}
	if c.PingInterval < 0 || c.Reconnect.Jitter < 0 {
		return errors.New("config: pingInterval and reconnect.jitter must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// CoordinatorOptions maps the settings onto coordinator.Options.
func (c Config) CoordinatorOptions(logger *slog.Logger) coordinator.Options {
	policy, _ := connection.ParsePolicy(c.Reconnect.Policy)
	opts := coordinator.DefaultOptions()
	opts.Logger = logger
	opts.AuthToken = c.AuthToken
	opts.ClientID = c.ClientID
	opts.ReconnectPolicy = policy
	opts.ReconnectDelay = c.Reconnect.Delay
	opts.ReconnectMaxDelay = c.Reconnect.MaxDelay
	opts.ReconnectJitter = c.Reconnect.Jitter
	opts.DialTimeout = c.DialTimeout
	opts.WriteTimeout = c.WriteTimeout
	opts.PingInterval = c.PingInterval
	opts.MaxMessageBytes = c.MaxMessageBytes
	opts.RequestTimeout = c.RequestTimeout
	opts.SubscriberBuffer = c.SubscriberBuffer
	opts.DedupeWindow = c.DedupeWindow
	return opts
}

// LoggingConfig returns the logger settings.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

type envReader struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

func (e envReader) apply(c *Config) {
	c.URL = e.str("LIVELINK_URL", c.URL)
	c.AuthToken = e.str("LIVELINK_AUTH_TOKEN", c.AuthToken)
	c.ClientID = e.str("LIVELINK_CLIENT_ID", c.ClientID)
	c.Reconnect.Policy = e.str("LIVELINK_RECONNECT_POLICY", c.Reconnect.Policy)
	c.Reconnect.Delay = e.duration("LIVELINK_RECONNECT_DELAY", c.Reconnect.Delay)
	c.Reconnect.MaxDelay = e.duration("LIVELINK_RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay)
	c.Reconnect.Jitter = e.duration("LIVELINK_RECONNECT_JITTER", c.Reconnect.Jitter)
	c.DialTimeout = e.duration("LIVELINK_DIAL_TIMEOUT", c.DialTimeout)
	c.WriteTimeout = e.duration("LIVELINK_WRITE_TIMEOUT", c.WriteTimeout)
	c.PingInterval = e.duration("LIVELINK_PING_INTERVAL", c.PingInterval)
	c.RequestTimeout = e.duration("LIVELINK_REQUEST_TIMEOUT", c.RequestTimeout)
	c.MaxMessageBytes = int64(e.integer("LIVELINK_MAX_MESSAGE_BYTES", int(c.MaxMessageBytes)))
	c.Log.Level = e.str("LIVELINK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = e.str("LIVELINK_LOG_FORMAT", c.Log.Format)
	c.Metrics.Listen = e.str("LIVELINK_METRICS_LISTEN", c.Metrics.Listen)
}

// str returns the variable when set and non-empty. Secrets are never logged.
func (e envReader) str(key, current string) string {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return current
	}
	if strings.Contains(strings.ToLower(key), "token") {
		e.logger.Debug("config: using environment variable", "key", key, "sensitive", true)
	} else {
		e.logger.Debug("config: using environment variable", "key", key, "value", v)
	}
	return v
}

func (e envReader) duration(key string, current time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return current
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.logger.Warn("config: invalid duration in environment variable, keeping current value",
			"key", key, "value", v, "current", current)
		return current
	}
	e.logger.Debug("config: using environment variable", "key", key, "value", d)
	return d
}

func (e envReader) integer(key string, current int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return current
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.logger.Warn("config: invalid integer in environment variable, keeping current value",
			"key", key, "value", v, "current", current)
		return current
	}
	e.logger.Debug("config: using environment variable", "key", key, "value", i)
	return i
}
