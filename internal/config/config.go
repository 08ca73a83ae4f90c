package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Offline  OfflineConfig  `yaml:"offline"`
	TwoStep  TwoStepConfig  `yaml:"two_step"`
	Realm    RealmConfig    `yaml:"realm"`
	Polling  PollingConfig  `yaml:"polling"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP   string `yaml:"http"`   // Health endpoint address, empty disables it
	Socket string `yaml:"socket"` // Unix socket path used by the login shell
}

// EndpointConfig describes the remote validation server.
type EndpointConfig struct {
	URL                string       `yaml:"url"`                  // Base URL, e.g. https://pi.example.com
	InsecureSkipVerify bool         `yaml:"insecure_skip_verify"` // Skip TLS certificate verification
	RequestTimeout     int          `yaml:"request_timeout"`      // Per-request timeout in seconds
	UserAgent          string       `yaml:"user_agent"`
	OAuth2             OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config enables a client-credentials bearer token on every request.
// It is optional; an empty TokenURL disables it.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether client-credentials auth is configured.
func (o OAuth2Config) Enabled() bool {
	return o.TokenURL != ""
}

// OfflineConfig controls the local offline OTP cache.
type OfflineConfig struct {
	FilePath      string `yaml:"file_path"`
	TryWindow     int    `yaml:"try_window"`     // Number of counters tried from the lowest unused one
	PreferOffline bool   `yaml:"prefer_offline"` // Verify locally before contacting the server
	MaxAttempts   int    `yaml:"max_attempts"`   // Offline attempts per user per minute
	Burst         int    `yaml:"burst"`
}

// TwoStepConfig controls the hidden-OTP two step mode.
type TwoStepConfig struct {
	HideOTP           bool `yaml:"hide_otp"`
	SendEmptyPassword bool `yaml:"send_empty_password"`
	SendPassword      bool `yaml:"send_password"`
	FirstStepDelayMS  int  `yaml:"first_step_delay_ms"`
}

// FirstStepMode is what the first step sends when the OTP field is hidden.
type FirstStepMode int

const (
	SendNothing FirstStepMode = iota
	SendEmptyPassword
	SendPassword
)

// Mode returns the configured first step behaviour.
func (t TwoStepConfig) Mode() FirstStepMode {
	switch {
	case t.SendPassword:
		return SendPassword
	case t.SendEmptyPassword:
		return SendEmptyPassword
	default:
		return SendNothing
	}
}

// RealmConfig maps login domains to validation realms.
type RealmConfig struct {
	Default string            `yaml:"default"`
	Map     map[string]string `yaml:"map"`
}

// Resolve returns the realm for a login domain, falling back to the default.
// An empty result means no realm parameter is sent.
func (r RealmConfig) Resolve(domain string) string {
	if realm, ok := r.Map[domain]; ok && realm != "" {
		return realm
	}
	return r.Default
}

// PollingConfig bounds push confirmation polling.
type PollingConfig struct {
	IntervalMS    int `yaml:"interval_ms"`
	MaxIntervalMS int `yaml:"max_interval_ms"`
	MaxDuration   int `yaml:"max_duration"` // Seconds
}

// AuthConfig defines authentication behavior
type AuthConfig struct {
	SessionTimeout int    `yaml:"session_timeout"`  // Login attempt lifetime in seconds
	OTPFailureText string `yaml:"otp_failure_text"` // Shown on a rejected OTP
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:   "127.0.0.1:9100",
			Socket: "/run/otp-credential-auth/auth.sock",
		},
		Endpoint: EndpointConfig{
			RequestTimeout: 10,
			UserAgent:      "otp-credential-auth",
		},
		Offline: OfflineConfig{
			FilePath:      "/var/lib/otp-credential-auth/offline.json",
			TryWindow:     10,
			PreferOffline: true,
			MaxAttempts:   5,
			Burst:         5,
		},
		TwoStep: TwoStepConfig{
			FirstStepDelayMS: 200,
		},
		Polling: PollingConfig{
			IntervalMS:    500,
			MaxIntervalMS: 3000,
			MaxDuration:   120,
		},
		Auth: AuthConfig{
			SessionTimeout: 300, // 5 minutes
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OTPCA_ENDPOINT_URL"); v != "" {
		c.Endpoint.URL = v
	}
	if v := os.Getenv("OTPCA_OAUTH2_CLIENT_SECRET"); v != "" {
		c.Endpoint.OAuth2.ClientSecret = v
	}
	if v := os.Getenv("OTPCA_OFFLINE_FILE"); v != "" {
		c.Offline.FilePath = v
	}
	if v := os.Getenv("OTPCA_OFFLINE_TRY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Offline.TryWindow = n
		}
	}

	if v := os.Getenv("OTPCA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OTPCA_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("OTPCA_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	if v := os.Getenv("OTPCA_LISTEN_SOCKET"); v != "" {
		c.Listen.Socket = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Endpoint.URL == "" {
		return fmt.Errorf("endpoint.url is required")
	}
	if !strings.HasPrefix(c.Endpoint.URL, "http://") && !strings.HasPrefix(c.Endpoint.URL, "https://") {
		return fmt.Errorf("endpoint.url must be a valid HTTP(S) URL")
	}
	if c.Endpoint.RequestTimeout <= 0 {
		return fmt.Errorf("endpoint.request_timeout must be positive")
	}
	if c.Endpoint.OAuth2.Enabled() && c.Endpoint.OAuth2.ClientID == "" {
		return fmt.Errorf("endpoint.oauth2.client_id is required when token_url is set")
	}

	if c.Offline.FilePath == "" {
		return fmt.Errorf("offline.file_path is required")
	}
	if c.Offline.TryWindow <= 0 {
		return fmt.Errorf("offline.try_window must be positive")
	}
	if c.Offline.MaxAttempts <= 0 || c.Offline.Burst <= 0 {
		return fmt.Errorf("offline.max_attempts and offline.burst must be positive")
	}

	if c.TwoStep.SendEmptyPassword && c.TwoStep.SendPassword {
		return fmt.Errorf("two_step.send_empty_password and two_step.send_password are mutually exclusive")
	}
	if c.TwoStep.FirstStepDelayMS < 0 {
		return fmt.Errorf("two_step.first_step_delay_ms must not be negative")
	}

	if c.Polling.IntervalMS <= 0 {
		return fmt.Errorf("polling.interval_ms must be positive")
	}
	if c.Polling.MaxIntervalMS < c.Polling.IntervalMS {
		return fmt.Errorf("polling.max_interval_ms must not be lower than polling.interval_ms")
	}
	if c.Polling.MaxDuration <= 0 {
		return fmt.Errorf("polling.max_duration must be positive")
	}

	if c.Auth.SessionTimeout <= 0 {
		return fmt.Errorf("auth.session_timeout must be positive")
	}
	if c.Auth.SessionTimeout > 3600 {
		return fmt.Errorf("auth.session_timeout should not exceed 3600 seconds (1 hour)")
	}
	if c.Polling.MaxDuration > c.Auth.SessionTimeout {
		return fmt.Errorf("polling.max_duration must not exceed auth.session_timeout")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	if c.Listen.Socket == "" {
		return fmt.Errorf("listen.socket is required")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.Endpoint.OAuth2.Scopes != nil {
		redacted.Endpoint.OAuth2.Scopes = make([]string, len(c.Endpoint.OAuth2.Scopes))
		copy(redacted.Endpoint.OAuth2.Scopes, c.Endpoint.OAuth2.Scopes)
	}
	if c.Realm.Map != nil {
		redacted.Realm.Map = make(map[string]string, len(c.Realm.Map))
		for k, v := range c.Realm.Map {
			redacted.Realm.Map[k] = v
		}
	}
	if redacted.Endpoint.OAuth2.ClientSecret != "" {
		redacted.Endpoint.OAuth2.ClientSecret = "[REDACTED]"
	}
	return &redacted
}
