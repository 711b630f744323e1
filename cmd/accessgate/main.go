package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/accessgate/internal/config"
	"github.com/al-bashkir/accessgate/internal/daemon"
	"github.com/al-bashkir/accessgate/internal/httpserver"
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
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "accessgate",
	Short: "Session-gated access for a single-page app",
	Long: `Access gateway for a single-page web application.

Visitors log in with a connector-managed OAuth account, an OIDC provider or a
self-asserted username, then start a time-boxed elevated access window.
Known search-engine crawlers are admitted without logging in.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the access gateway",
	Long: `Start the HTTP server.

The server:
  - Serves the login page and the protected application
  - Handles OAuth, OIDC and username logins
  - Enforces CSRF protection and per-IP rate limits
  - Manages sessions and elevated access windows`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (check-config) so main() can
// call os.Exit() after cobra finishes.  This avoids calling os.Exit() inside
// RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the server.

Checks for:
  - Valid YAML syntax
  - Positive durations and rate limits
  - Valid URLs and paths

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/accessgate/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)
	httpserver.Version = version

	slog.Info("starting access gateway",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)
	slog.Debug("effective configuration", "config", cfg.Redact())

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("accessgate version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  HTTP Listen:       %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Trusted Proxies:   %v\n", cfg.Listen.TrustedProxies)
	fmt.Printf("  Persist Sessions:  %v\n", cfg.Gateway.PersistSessions)
	fmt.Printf("  Crawler Bypass:    %v\n", cfg.Gateway.AllowCrawlerBypass)
	fmt.Printf("  Elevation Window:  %s\n", cfg.Gateway.ElevationWindow)
	fmt.Printf("  Session TTL:       %s\n", cfg.Session.TTL)
	fmt.Printf("  Login Limit:       %d per %s\n", cfg.RateLimit.Login.Max, cfg.RateLimit.Login.Window)
	fmt.Printf("  General Limit:     %d per %s\n", cfg.RateLimit.General.Max, cfg.RateLimit.General.Window)
	fmt.Printf("  OAuth Connector:   %s\n", cfg.OAuth.ConnectorName)
	fmt.Printf("  OIDC Issuer:       %s\n", cfg.OIDC.Issuer)
	fmt.Printf("  Metrics Enabled:   %v\n", cfg.Metrics.Enabled)
	fmt.Printf("  Log Level:         %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:        %s\n", cfg.Log.Format)
	fmt.Printf("  TLS Enabled:       %v\n", cfg.TLS.Enabled)

	if cfg.OAuth.Configured() {
		fmt.Println("\n  OAuth Connector:   [CONFIGURED]")
	} else {
		fmt.Println("\n  OAuth Connector:   [NOT CONFIGURED] (OAuth login will be unavailable)")
	}

	fmt.Println("\nReady to start server")

	return nil
}
