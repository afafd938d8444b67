// Package config loads htspctl settings in three layers: built-in defaults,
// an optional YAML file, then HTSP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Zereker/htsp"
	"github.com/Zereker/htsp/internal/logging"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "HTSP_CONFIG"

// EnvPrefix prefixes every environment override. Sections are separated by
// a double underscore: HTSP_SERVER__HOST sets server.host.
const EnvPrefix = "HTSP_"

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{
	"htsp.yaml",
	"htsp.yml",
	"/etc/htsp/htsp.yaml",
}

// Config is the complete htspctl configuration.
type Config struct {
	Server  ServerConfig   `koanf:"server"`
	Client  ClientConfig   `koanf:"client"`
	Session SessionConfig  `koanf:"session"`
	Metrics MetricsConfig  `koanf:"metrics"`
	NATS    NATSConfig     `koanf:"nats"`
	Stub    StubConfig     `koanf:"stub"`
	Logging logging.Config `koanf:"logging"`
}

// ServerConfig is the TVHeadend endpoint and its credentials.
type ServerConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// ClientConfig tunes the connection engine.
type ClientConfig struct {
	Name            string        `koanf:"name"`
	Version         string        `koanf:"version"`
	ProtocolVersion int64         `koanf:"protocol_version"`
	BufferSize      int           `koanf:"buffer_size"`
	MaxPending      int           `koanf:"max_pending"`
	MaxFrameSize    int           `koanf:"max_frame_size"`
	DialTimeout     time.Duration `koanf:"dial_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	Heartbeat       time.Duration `koanf:"heartbeat"`
	AsyncMetadata   bool          `koanf:"async_metadata"`
}

// SessionConfig controls reconnect pacing and the connect circuit breaker.
type SessionConfig struct {
	ReconnectInterval time.Duration `koanf:"reconnect_interval"`
	ReconnectBurst    int           `koanf:"reconnect_burst"`
	BreakerFailures   uint32        `koanf:"breaker_failures"`
	BreakerTimeout    time.Duration `koanf:"breaker_timeout"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// NATSConfig enables forwarding of server events to NATS.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// StubConfig configures the local scripted server.
type StubConfig struct {
	Listen       string        `koanf:"listen"`
	Username     string        `koanf:"username"`
	Password     string        `koanf:"password"`
	PushInterval time.Duration `koanf:"push_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9982,
		},
		Client: ClientConfig{
			Name:            "htspctl",
			Version:         "1.0",
			ProtocolVersion: 34,
			BufferSize:      1024,
			MaxPending:      4096,
			MaxFrameSize:    16 * 1024 * 1024,
			DialTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  10 * time.Second,
			AsyncMetadata:   true,
		},
		Session: SessionConfig{
			ReconnectInterval: 5 * time.Second,
			ReconnectBurst:    1,
			BreakerFailures:   5,
			BreakerTimeout:    60 * time.Second,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9100",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "htsp.events",
		},
		Stub: StubConfig{
			Listen:       "127.0.0.1:9982",
			Username:     "admin",
			Password:     "admin",
			PushInterval: 5 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. An explicit path must exist; with an empty
// path HTSP_CONFIG and then DefaultPaths are tried.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps HTSP_CLIENT__REQUEST_TIMEOUT to client.request_timeout.
// Keys without a section separator are skipped.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if !strings.Contains(key, "__") {
		return ""
	}
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Client.BufferSize <= 0 {
		return fmt.Errorf("client.buffer_size must be positive, got %d", c.Client.BufferSize)
	}
	if c.Client.MaxPending <= 0 {
		return fmt.Errorf("client.max_pending must be positive, got %d", c.Client.MaxPending)
	}
	if c.Client.MaxFrameSize <= 0 {
		return fmt.Errorf("client.max_frame_size must be positive, got %d", c.Client.MaxFrameSize)
	}
	if c.Client.DialTimeout <= 0 || c.Client.WriteTimeout <= 0 {
		return fmt.Errorf("client dial and write timeouts must be positive")
	}
	if c.Client.RequestTimeout < 0 || c.Client.Heartbeat < 0 {
		return fmt.Errorf("client request timeout and heartbeat must not be negative")
	}

	if c.Session.ReconnectInterval <= 0 {
		return fmt.Errorf("session.reconnect_interval must be positive, got %v", c.Session.ReconnectInterval)
	}
	if c.Session.ReconnectBurst < 1 {
		return fmt.Errorf("session.reconnect_burst must be at least 1, got %d", c.Session.ReconnectBurst)
	}
	if c.Session.BreakerFailures == 0 {
		return fmt.Errorf("session.breaker_failures must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.SubjectPrefix == "") {
		return fmt.Errorf("nats.url and nats.subject_prefix are required when nats is enabled")
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	if f := c.Logging.Format; f != "" && f != "json" && f != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", f)
	}
	return nil
}

// Addr returns the server address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ClientOptions converts the client section to connection options.
// A zero request timeout in the file disables request timeouts.
func (c *Config) ClientOptions() []htsp.Option {
	requestTimeout := c.Client.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = -1
	}

	return []htsp.Option{
		htsp.ClientOption(c.Client.Name, c.Client.Version),
		htsp.ProtocolVersionOption(c.Client.ProtocolVersion),
		htsp.BufferSizeOption(c.Client.BufferSize),
		htsp.MaxPendingOption(c.Client.MaxPending),
		htsp.MessageMaxSize(c.Client.MaxFrameSize),
		htsp.DialTimeoutOption(c.Client.DialTimeout),
		htsp.WriteTimeoutOption(c.Client.WriteTimeout),
		htsp.RequestTimeoutOption(requestTimeout),
		htsp.HeartbeatOption(c.Client.Heartbeat),
		htsp.AsyncMetadataOption(c.Client.AsyncMetadata),
	}
}
