package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	OIDC      OIDCConfig      `yaml:"oidc"`
	Static    StaticConfig    `yaml:"static"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig defines where the gateway listens for requests
type ListenConfig struct {
	HTTP           string   `yaml:"http"`            // HTTP server address (e.g., ":5000")
	TrustedProxies []string `yaml:"trusted_proxies"` // CIDRs whose forwarding headers are honored
}

// GatewayConfig selects the access gate behavior.
type GatewayConfig struct {
	PersistSessions    bool          `yaml:"persist_sessions"`     // bbolt-backed sessions instead of memory
	AllowCrawlerBypass bool          `yaml:"allow_crawler_bypass"` // grant content to known crawler user agents
	ElevationWindow    time.Duration `yaml:"elevation_window"`     // length of a grant-access window
}

// SessionConfig defines session lifetime and cookie settings
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`           // absolute lifetime from creation
	AnonymousTTL time.Duration `yaml:"anonymous_ttl"` // idle lifetime of sessions without a principal; 0 disables
	CookieSecure bool          `yaml:"cookie_secure"` // set Secure on the session cookie
	StorePath    string        `yaml:"store_path"`    // bbolt file when persist_sessions is set
}

// BucketConfig is a single fixed-window rate-limit bucket.
type BucketConfig struct {
	Max     int           `yaml:"max"`
	Window  time.Duration `yaml:"window"`
	Message string        `yaml:"message"`
}

// RateLimitConfig defines the login and general buckets
type RateLimitConfig struct {
	Login   BucketConfig `yaml:"login"`
	General BucketConfig `yaml:"general"`
}

// OAuthConfig defines the connector-backed OAuth identity provider
type OAuthConfig struct {
	ConnectorHost string        `yaml:"connector_host"` // host serving the connection API
	ConnectorName string        `yaml:"connector_name"` // connector to request (e.g. "discord")
	Identity      string        `yaml:"identity"`       // server-held credential, sent as X_REPLIT_TOKEN
	ProfileURL    string        `yaml:"profile_url"`    // bearer-authenticated profile endpoint
	AvatarBaseURL string        `yaml:"avatar_base_url"`
	Timeout       time.Duration `yaml:"timeout"` // per-call bound for outbound requests
	MaxRPS        float64       `yaml:"max_rps"` // process-wide outbound call rate
	Burst         int           `yaml:"burst"`
}

// Configured reports whether the connector has enough settings to be called.
func (o OAuthConfig) Configured() bool {
	return o.ConnectorHost != "" && o.Identity != ""
}

// OIDCConfig defines the optional OpenID Connect login
type OIDCConfig struct {
	Issuer       string   `yaml:"issuer"`        // empty disables the OIDC routes
	ClientID     string   `yaml:"client_id"`     // OIDC client ID
	ClientSecret string   `yaml:"client_secret"` // OIDC client secret (empty for public clients)
	RedirectURI  string   `yaml:"redirect_uri"`  // Callback URL
	Scopes       []string `yaml:"scopes"`        // OIDC scopes
}

// Enabled reports whether OIDC login is configured.
func (o OIDCConfig) Enabled() bool {
	return o.Issuer != ""
}

// StaticConfig points at the optional front-end asset directory
type StaticConfig struct {
	Dir string `yaml:"dir"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
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
			HTTP: ":5000",
		},
		Gateway: GatewayConfig{
			PersistSessions:    false,
			AllowCrawlerBypass: true,
			ElevationWindow:    30 * time.Minute,
		},
		Session: SessionConfig{
			TTL:          7 * 24 * time.Hour,
			AnonymousTTL: time.Hour,
			StorePath:    "./sessions/sessions.db",
		},
		RateLimit: RateLimitConfig{
			Login: BucketConfig{
				Max:     5,
				Window:  15 * time.Minute,
				Message: "Too many login attempts. Try again in 15 minutes.",
			},
			General: BucketConfig{
				Max:     100,
				Window:  time.Minute,
				Message: "Too many requests. Try again shortly.",
			},
		},
		OAuth: OAuthConfig{
			ConnectorName: "discord",
			ProfileURL:    "https://discord.com/api/users/@me",
			AvatarBaseURL: "https://cdn.discordapp.com/avatars",
			Timeout:       10 * time.Second,
			MaxRPS:        5,
			Burst:         10,
		},
		OIDC: OIDCConfig{
			Scopes: []string{"openid", "profile"},
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ACCESSGATE_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	// PORT is what most PaaS runtimes hand the process
	if v := os.Getenv("PORT"); v != "" && os.Getenv("ACCESSGATE_LISTEN_HTTP") == "" {
		c.Listen.HTTP = ":" + v
	}

	if v := os.Getenv("ACCESSGATE_PERSIST_SESSIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gateway.PersistSessions = b
		}
	}
	if v := os.Getenv("ACCESSGATE_ALLOW_CRAWLER_BYPASS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gateway.AllowCrawlerBypass = b
		}
	}
	if v := os.Getenv("ACCESSGATE_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Session.CookieSecure = b
		}
	}

	// Connector overrides
	if v := os.Getenv("ACCESSGATE_OAUTH_CONNECTOR_HOST"); v != "" {
		c.OAuth.ConnectorHost = v
	}
	if v := os.Getenv("ACCESSGATE_OAUTH_IDENTITY"); v != "" {
		c.OAuth.Identity = v
	}

	// OIDC overrides
	if v := os.Getenv("ACCESSGATE_OIDC_ISSUER"); v != "" {
		c.OIDC.Issuer = v
	}
	if v := os.Getenv("ACCESSGATE_OIDC_CLIENT_ID"); v != "" {
		c.OIDC.ClientID = v
	}
	if v := os.Getenv("ACCESSGATE_OIDC_CLIENT_SECRET"); v != "" {
		c.OIDC.ClientSecret = v
	}
	if v := os.Getenv("ACCESSGATE_OIDC_REDIRECT_URI"); v != "" {
		c.OIDC.RedirectURI = v
	}

	// Log overrides
	if v := os.Getenv("ACCESSGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ACCESSGATE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}

	if c.Gateway.ElevationWindow <= 0 {
		return fmt.Errorf("gateway.elevation_window must be positive")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.AnonymousTTL < 0 {
		return fmt.Errorf("session.anonymous_ttl must not be negative")
	}
	if c.Gateway.PersistSessions && c.Session.StorePath == "" {
		return fmt.Errorf("session.store_path is required when gateway.persist_sessions is set")
	}

	for name, b := range map[string]BucketConfig{
		"login":   c.RateLimit.Login,
		"general": c.RateLimit.General,
	} {
		if b.Max <= 0 {
			return fmt.Errorf("rate_limit.%s.max must be positive", name)
		}
		if b.Window <= 0 {
			return fmt.Errorf("rate_limit.%s.window must be positive", name)
		}
	}

	if c.OAuth.ProfileURL == "" {
		return fmt.Errorf("oauth.profile_url is required")
	}
	if !strings.HasPrefix(c.OAuth.ProfileURL, "https://") && !strings.HasPrefix(c.OAuth.ProfileURL, "http://") {
		return fmt.Errorf("oauth.profile_url must be a valid HTTP(S) URL")
	}
	if c.OAuth.Timeout <= 0 {
		return fmt.Errorf("oauth.timeout must be positive")
	}
	if c.OAuth.Timeout > time.Minute {
		return fmt.Errorf("oauth.timeout should not exceed 1m")
	}
	if c.OAuth.MaxRPS <= 0 || c.OAuth.Burst <= 0 {
		return fmt.Errorf("oauth.max_rps and oauth.burst must be positive")
	}

	if c.OIDC.Enabled() {
		if !strings.HasPrefix(c.OIDC.Issuer, "http://") && !strings.HasPrefix(c.OIDC.Issuer, "https://") {
			return fmt.Errorf("oidc.issuer must be a valid HTTP(S) URL")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("oidc.client_id is required")
		}
		if c.OIDC.RedirectURI == "" {
			return fmt.Errorf("oidc.redirect_uri is required")
		}
		hasOpenID := false
		for _, scope := range c.OIDC.Scopes {
			if scope == "openid" {
				hasOpenID = true
				break
			}
		}
		if !hasOpenID {
			return fmt.Errorf("oidc.scopes must include 'openid'")
		}
	}

	if c.Static.Dir != "" {
		info, err := os.Stat(c.Static.Dir)
		if err != nil {
			return fmt.Errorf("static.dir not found: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("static.dir must be a directory")
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
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

	return nil
}

// TrustedProxyPrefixes parses listen.trusted_proxies. Bare addresses are
// accepted as single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, raw := range c.Listen.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("listen.trusted_proxies: invalid address %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("listen.trusted_proxies: invalid CIDR %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
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

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.OIDC.Scopes != nil {
		redacted.OIDC.Scopes = make([]string, len(c.OIDC.Scopes))
		copy(redacted.OIDC.Scopes, c.OIDC.Scopes)
	}
	if c.Listen.TrustedProxies != nil {
		redacted.Listen.TrustedProxies = make([]string, len(c.Listen.TrustedProxies))
		copy(redacted.Listen.TrustedProxies, c.Listen.TrustedProxies)
	}
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	if redacted.OAuth.Identity != "" {
		redacted.OAuth.Identity = "[REDACTED]"
	}
	return &redacted
}
