package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/accessgate/internal/config"
	"github.com/al-bashkir/accessgate/internal/session"
)

const defaultTimeout = 10 * time.Second

// OAuthSource resolves the principal behind a connector-managed OAuth
// connection: connector token, then the provider's profile endpoint.
// Every call is bounded by the configured timeout and throttled process-wide.
type OAuthSource struct {
	cfg     config.OAuthConfig
	client  *http.Client
	limiter *rate.Limiter
}

var _ Source = (*OAuthSource)(nil)

// NewOAuthSource creates a source from cfg. A nil client uses a fresh
// http.Client with the configured timeout.
func NewOAuthSource(cfg config.OAuthConfig, client *http.Client) *OAuthSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &OAuthSource{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Configured reports whether the connector can be called at all.
func (s *OAuthSource) Configured() bool {
	return s.cfg.Configured()
}

// Principal performs the connector and profile calls. It holds no locks and
// never retries.
func (s *OAuthSource) Principal(ctx context.Context) (session.Principal, error) {
	if !s.Configured() {
		return session.Principal{}, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return session.Principal{}, fmt.Errorf("outbound rate limit: %w", err)
	}

	ts := &connectorTokenSource{
		ctx:      ctx,
		client:   s.client,
		endpoint: connectionURL(s.cfg.ConnectorHost, s.cfg.ConnectorName),
		identity: s.cfg.Identity,
	}
	token, err := ts.Token()
	if err != nil {
		return session.Principal{}, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return session.Principal{}, fmt.Errorf("outbound rate limit: %w", err)
	}
	return s.fetchProfile(ctx, oauth2.StaticTokenSource(token))
}

// fetchProfile calls the profile endpoint with the bearer token from ts.
func (s *OAuthSource) fetchProfile(ctx context.Context, ts oauth2.TokenSource) (session.Principal, error) {
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, s.client), ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ProfileURL, nil)
	if err != nil {
		return session.Principal{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return session.Principal{}, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return session.Principal{}, fmt.Errorf("failed to fetch user info: status %d", resp.StatusCode)
	}

	return s.parseProfile(io.LimitReader(resp.Body, 1<<20))
}

// parseProfile reads a Discord-shaped user object.
func (s *OAuthSource) parseProfile(body io.Reader) (session.Principal, error) {
	var user struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
		Avatar     string `json:"avatar"`
	}
	if err := json.NewDecoder(body).Decode(&user); err != nil {
		return session.Principal{}, fmt.Errorf("failed to decode user: %w", err)
	}
	if user.ID == "" {
		return session.Principal{}, fmt.Errorf("user profile has no id")
	}

	avatarURL := ""
	if user.Avatar != "" && s.cfg.AvatarBaseURL != "" {
		avatarURL = fmt.Sprintf("%s/%s/%s.png", strings.TrimSuffix(s.cfg.AvatarBaseURL, "/"), user.ID, user.Avatar)
	}

	return session.Principal{
		ID:          user.ID,
		DisplayName: user.Username,
		Provider:    session.ProviderOAuth,
		AvatarURL:   avatarURL,
	}, nil
}
