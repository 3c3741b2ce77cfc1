// Package config handles loading and validating trade desk configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvUpstreamURL = "DESK_UPSTREAM_URL"
	EnvAPIAddress  = "DESK_API_ADDRESS"
	EnvLogLevel    = "DESK_LOG_LEVEL"
)

// Config is the root configuration structure for the trade desk.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Stream       StreamConfig       `yaml:"stream"`
	Availability AvailabilityConfig `yaml:"availability"`
	API          APIConfig          `yaml:"api"`
	Demo         DemoConfig         `yaml:"demo"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"logLevel"`
	LogFile       string `yaml:"logFile"`
	LogMaxSizeMB  int    `yaml:"logMaxSizeMb"`
	LogMaxBackups int    `yaml:"logMaxBackups"`
	LogMaxAgeDays int    `yaml:"logMaxAgeDays"`
}

// UpstreamConfig points at the execution service.
type UpstreamConfig struct {
	BaseURL            string `yaml:"baseUrl"`
	StreamPath         string `yaml:"streamPath"`
	RequestTimeoutMs   int    `yaml:"requestTimeoutMs"`
	HandshakeTimeoutMs int    `yaml:"handshakeTimeoutMs"`
}

// StreamConfig tunes the telemetry session.
type StreamConfig struct {
	ReconnectDelayMs int `yaml:"reconnectDelayMs"`
	// MaxReconnects caps consecutive failed reconnects; 0 retries forever.
	MaxReconnects   int `yaml:"maxReconnects"`
	ReadTimeoutMs   int `yaml:"readTimeoutMs"`
	HistoryCapacity int `yaml:"historyCapacity"`
}

// AvailabilityConfig tunes the symbol availability checker.
type AvailabilityConfig struct {
	DebounceMs int `yaml:"debounceMs"`
}

// APIConfig holds dashboard API server settings.
type APIConfig struct {
	ListenAddress string `yaml:"listenAddress"`
}

// DemoConfig enables the in-process simulated execution service.
type DemoConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listenAddress"`
	PushIntervalMs int    `yaml:"pushIntervalMs"`
}

// Load reads a YAML configuration file, applies a .env file from the working
// directory when one exists, then environment overrides and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.setDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvUpstreamURL); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv(EnvAPIAddress); v != "" {
		c.API.ListenAddress = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.App.LogLevel = v
	}
}

// setDefaults applies sensible defaults for optional fields.
func (c *Config) setDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogMaxSizeMB == 0 {
		c.App.LogMaxSizeMB = 50
	}
	if c.App.LogMaxBackups == 0 {
		c.App.LogMaxBackups = 10
	}
	if c.App.LogMaxAgeDays == 0 {
		c.App.LogMaxAgeDays = 30
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:8001"
	}
	if c.Upstream.StreamPath == "" {
		c.Upstream.StreamPath = "/api/mt5/stream"
	}
	if c.Upstream.RequestTimeoutMs == 0 {
		c.Upstream.RequestTimeoutMs = 30000
	}
	if c.Upstream.HandshakeTimeoutMs == 0 {
		c.Upstream.HandshakeTimeoutMs = 10000
	}
	if c.Stream.ReconnectDelayMs == 0 {
		c.Stream.ReconnectDelayMs = 3000
	}
	if c.Stream.ReadTimeoutMs == 0 {
		c.Stream.ReadTimeoutMs = 60000
	}
	if c.Stream.HistoryCapacity == 0 {
		c.Stream.HistoryCapacity = 300
	}
	if c.Availability.DebounceMs == 0 {
		c.Availability.DebounceMs = 800
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
	if c.Demo.ListenAddress == "" {
		c.Demo.ListenAddress = "127.0.0.1:8001"
	}
	if c.Demo.PushIntervalMs == 0 {
		c.Demo.PushIntervalMs = 1000
	}
}

func (c *Config) validate() error {
	switch c.App.Env {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("app.env must be one of dev, staging, prod, got %q", c.App.Env)
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.baseUrl: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.baseUrl must be http or https, got %q", c.Upstream.BaseURL)
	}
	if c.Stream.HistoryCapacity < 0 {
		return fmt.Errorf("stream.historyCapacity must be positive")
	}
	if c.Stream.MaxReconnects < 0 {
		return fmt.Errorf("stream.maxReconnects must not be negative")
	}
	if c.Stream.ReconnectDelayMs < 0 || c.Availability.DebounceMs < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// RequestTimeout returns the upstream request timeout.
func (u UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutMs) * time.Millisecond
}

// HandshakeTimeout returns the stream handshake timeout.
func (u UpstreamConfig) HandshakeTimeout() time.Duration {
	return time.Duration(u.HandshakeTimeoutMs) * time.Millisecond
}

// ReconnectDelay returns the fixed delay between a stream close and the next attempt.
func (s StreamConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

// ReadTimeout returns the stream read deadline.
func (s StreamConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

// Debounce returns the availability debounce window.
func (a AvailabilityConfig) Debounce() time.Duration {
	return time.Duration(a.DebounceMs) * time.Millisecond
}

// PushInterval returns the simulated telemetry push interval.
func (d DemoConfig) PushInterval() time.Duration {
	return time.Duration(d.PushIntervalMs) * time.Millisecond
}
