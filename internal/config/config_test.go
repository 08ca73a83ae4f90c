package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Offline.TryWindow != 10 {
		t.Errorf("expected try window 10, got %d", cfg.Offline.TryWindow)
	}

	if !cfg.Offline.PreferOffline {
		t.Error("expected prefer_offline to default to true")
	}

	if cfg.TwoStep.FirstStepDelayMS != 200 {
		t.Errorf("expected first step delay 200ms, got %d", cfg.TwoStep.FirstStepDelayMS)
	}

	if cfg.Auth.SessionTimeout != 300 {
		t.Errorf("expected session timeout 300, got %d", cfg.Auth.SessionTimeout)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid config",
			configYAML: `
listen:
  socket: "/tmp/test.sock"
endpoint:
  url: "https://pi.example.com"
  request_timeout: 5
offline:
  file_path: "/tmp/offline.json"
  try_window: 5
two_step:
  hide_otp: true
  send_password: true
realm:
  default: "corp"
  map:
    LAB: "lab"
log:
  level: "info"
  format: "json"
`,
			wantErr: false,
		},
		{
			name: "missing endpoint url",
			configYAML: `
offline:
  try_window: 5
`,
			wantErr:     true,
			errContains: "endpoint.url is required",
		},
		{
			name: "endpoint url without scheme",
			configYAML: `
endpoint:
  url: "pi.example.com"
`,
			wantErr:     true,
			errContains: "valid HTTP(S) URL",
		},
		{
			name: "conflicting two step flags",
			configYAML: `
endpoint:
  url: "https://pi.example.com"
two_step:
  send_password: true
  send_empty_password: true
`,
			wantErr:     true,
			errContains: "mutually exclusive",
		},
		{
			name: "zero try window",
			configYAML: `
endpoint:
  url: "https://pi.example.com"
offline:
  try_window: 0
`,
			wantErr:     true,
			errContains: "try_window must be positive",
		},
		{
			name: "invalid log level",
			configYAML: `
endpoint:
  url: "https://pi.example.com"
log:
  level: "verbose"
`,
			wantErr:     true,
			errContains: "log.level must be one of",
		},
		{
			name: "invalid yaml",
			configYAML: `
this is not: valid: yaml:
  bad: [syntax
`,
			wantErr:     true,
			errContains: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.configYAML))

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want error containing %v", err, tt.errContains)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if cfg == nil {
					t.Error("expected config, got nil")
				}
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OTPCA_OAUTH2_CLIENT_SECRET", "env-secret")
	t.Setenv("OTPCA_LOG_LEVEL", "debug")
	t.Setenv("OTPCA_OFFLINE_TRY_WINDOW", "3")

	configYAML := `
endpoint:
  url: "https://pi.example.com"
  oauth2:
    token_url: "https://idp.example.com/token"
    client_id: "login"
    client_secret: "yaml-secret"
log:
  level: "info"
`

	cfg, err := Load(writeConfig(t, configYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Endpoint.OAuth2.ClientSecret != "env-secret" {
		t.Errorf("expected client_secret='env-secret', got '%s'", cfg.Endpoint.OAuth2.ClientSecret)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
	}

	if cfg.Offline.TryWindow != 3 {
		t.Errorf("expected try window 3, got %d", cfg.Offline.TryWindow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "session timeout too high",
			modify: func(c *Config) {
				c.Auth.SessionTimeout = 7200
			},
			wantErr: true,
			errMsg:  "should not exceed 3600",
		},
		{
			name: "polling longer than session",
			modify: func(c *Config) {
				c.Polling.MaxDuration = 600
			},
			wantErr: true,
			errMsg:  "must not exceed auth.session_timeout",
		},
		{
			name: "max interval below interval",
			modify: func(c *Config) {
				c.Polling.MaxIntervalMS = 100
			},
			wantErr: true,
			errMsg:  "max_interval_ms",
		},
		{
			name: "oauth2 without client id",
			modify: func(c *Config) {
				c.Endpoint.OAuth2.TokenURL = "https://idp.example.com/token"
			},
			wantErr: true,
			errMsg:  "client_id is required",
		},
		{
			name: "missing socket",
			modify: func(c *Config) {
				c.Listen.Socket = ""
			},
			wantErr: true,
			errMsg:  "listen.socket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Endpoint.URL = "https://pi.example.com"

			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %v, want error containing %v", err, tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestTwoStepMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  TwoStepConfig
		want FirstStepMode
	}{
		{"nothing", TwoStepConfig{HideOTP: true}, SendNothing},
		{"empty password", TwoStepConfig{HideOTP: true, SendEmptyPassword: true}, SendEmptyPassword},
		{"password", TwoStepConfig{HideOTP: true, SendPassword: true}, SendPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Mode(); got != tt.want {
				t.Errorf("Mode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRealmResolve(t *testing.T) {
	r := RealmConfig{
		Default: "corp",
		Map:     map[string]string{"LAB": "lab", "EMPTY": ""},
	}

	if got := r.Resolve("LAB"); got != "lab" {
		t.Errorf("Resolve(LAB) = %q, want lab", got)
	}
	if got := r.Resolve("OTHER"); got != "corp" {
		t.Errorf("Resolve(OTHER) = %q, want corp", got)
	}
	if got := r.Resolve("EMPTY"); got != "corp" {
		t.Errorf("Resolve(EMPTY) = %q, want corp", got)
	}

	if got := (RealmConfig{}).Resolve("LAB"); got != "" {
		t.Errorf("Resolve without mapping = %q, want empty", got)
	}
}

func TestRedact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint.OAuth2.ClientSecret = "super-secret"
	cfg.Realm.Map = map[string]string{"LAB": "lab"}

	redacted := cfg.Redact()

	if redacted.Endpoint.OAuth2.ClientSecret != "[REDACTED]" {
		t.Errorf("expected [REDACTED], got %s", redacted.Endpoint.OAuth2.ClientSecret)
	}

	redacted.Realm.Map["LAB"] = "changed"

	if cfg.Endpoint.OAuth2.ClientSecret != "super-secret" {
		t.Errorf("original was modified")
	}
	if cfg.Realm.Map["LAB"] != "lab" {
		t.Errorf("original realm map was modified")
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
	})

	SetupLogging(&LogConfig{Level: "debug", Format: "json"})
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug logs to be enabled")
	}

	SetupLogging(&LogConfig{Level: "error", Format: "text"})
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info logs to be disabled at error level")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error logs to be enabled")
	}
}
