package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/otp-credential-auth/internal/auth"
	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/daemon"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess  = 0
	ExitError    = 1
	ExitContinue = 2 // Special: second factor needed (only for login command)
	ExitConfig   = 3
)

var rootCmd = &cobra.Command{
	Use:   "otp-credential-auth",
	Short: "Two factor OTP authentication for local logins",
	Long: `Two factor authentication for local logins against a privacyIDEA
compatible validation server, with an offline OTP cache for when the
server cannot be reached.

This binary operates in several modes:
  - serve:   Run the daemon the login shell talks to
  - login:   Run one login attempt against the daemon (login shell side)
  - offline: Inspect or provision the offline OTP cache`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication daemon",
	Long: `Start the daemon that verifies one-time passwords.

The daemon:
  - Listens on a Unix socket for requests from the login shell
  - Verifies OTPs against the validation server, or offline
  - Polls push challenges until they are confirmed
  - Persists the offline OTP cache
  - Serves /health and /status on a loopback HTTP address

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (login, check-config) so main() can
// call os.Exit() after cobra finishes.  This avoids calling os.Exit() inside
// RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var interactive bool

var loginCmd = &cobra.Command{
	Use:   "login <credentials-file>",
	Short: "Run one login attempt (called by the login shell)",
	Long: `Login shell mode - runs a single login attempt through the daemon.

The credentials file contains:
  Line 1: Username (user, DOMAIN\user or user@domain)
  Line 2: Password
  Line 3: OTP (optional; omit it in the hidden-OTP two step mode)

The login domain may also be passed in OTPCA_DOMAIN. Setting
OTPCA_USE_OFFLINE=true verifies against the offline cache first.

With --interactive the second factor is read from standard input when the
daemon asks for it.

Exit codes:
  0 = Login succeeded
  1 = Login failed
  2 = Second factor required (non-interactive mode)`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs and paths
  - Logical consistency

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/otp-credential-auth/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	loginCmd.Flags().BoolVarP(&interactive, "interactive", "i", false,
		"Prompt on standard input for the second factor")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(offlineCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the config file and applies the log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	config.SetupLogging(&cfg.Log)

	return cfg, nil
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("starting OTP credential daemon",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)
	slog.Debug("effective configuration", "config", cfg.Redact())

	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run(context.Background())
}

// runLogin runs one login attempt for the login shell
func runLogin(cmd *cobra.Command, args []string) error {
	credentialsFile := args[0]

	// The login still works with the default socket when the config cannot
	// be read by the shell user.
	defaults := config.DefaultConfig()
	socketPath := defaults.Listen.Socket
	pollDuration := defaults.Polling.MaxDuration

	if cfg, err := loadConfig(); err == nil {
		socketPath = cfg.Listen.Socket
		pollDuration = cfg.Polling.MaxDuration
	}

	var prompt auth.Prompter
	if interactive {
		prompt = newPrompter(os.Stdin, os.Stderr)
	}

	connectTimeout := time.Duration(pollDuration)*time.Second + 30*time.Second
	handler := auth.NewHandler(socketPath, prompt, connectTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// exit code is applied in main() after cobra finishes
	overrideExitCode = handler.Run(ctx, credentialsFile)
	return nil
}

// newPrompter reads one line per prompt from in.
func newPrompter(in io.Reader, out io.Writer) auth.Prompter {
	scanner := bufio.NewScanner(in)
	return func(message string) (string, error) {
		fmt.Fprintf(out, "%s ", message)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", errors.New("no input")
		}
		return strings.TrimSpace(scanner.Text()), nil
	}
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("otp-credential-auth version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Endpoint URL:     %s\n", cfg.Endpoint.URL)
	fmt.Printf("  Request Timeout:  %d seconds\n", cfg.Endpoint.RequestTimeout)
	fmt.Printf("  TLS Verify:       %v\n", !cfg.Endpoint.InsecureSkipVerify)
	fmt.Printf("  Offline File:     %s\n", cfg.Offline.FilePath)
	fmt.Printf("  Offline Window:   %d\n", cfg.Offline.TryWindow)
	fmt.Printf("  Prefer Offline:   %v\n", cfg.Offline.PreferOffline)
	fmt.Printf("  Hide OTP:         %v\n", cfg.TwoStep.HideOTP)
	fmt.Printf("  Default Realm:    %s\n", cfg.Realm.Default)
	fmt.Printf("  HTTP Listen:      %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Unix Socket:      %s\n", cfg.Listen.Socket)
	fmt.Printf("  Session Timeout:  %d seconds\n", cfg.Auth.SessionTimeout)
	fmt.Printf("  Log Level:        %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:       %s\n", cfg.Log.Format)

	if cfg.Endpoint.OAuth2.Enabled() {
		fmt.Printf("\n  OAuth2 Token URL: %s\n", cfg.Endpoint.OAuth2.TokenURL)
		if cfg.Endpoint.OAuth2.ClientSecret != "" {
			fmt.Println("  Client Secret:    [SET]")
		} else {
			fmt.Println("  Client Secret:    [NOT SET]")
		}
	}

	fmt.Println("\n✅ Ready to start daemon")

	return nil
}
