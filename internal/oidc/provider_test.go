package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/al-bashkir/accessgate/internal/config"
)

// testIssuer is a minimal OIDC provider: discovery, JWKS and a token
// endpoint that returns a signed ID token for any code.
type testIssuer struct {
	url      string
	key      *rsa.PrivateKey
	clientID string
	claims   map[string]any // extra claims for issued ID tokens
	verifier string         // last code_verifier received
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	ti := &testIssuer{key: key, clientID: "test-client"}

	var baseURL string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer := baseURL + "/realms/test"

		switch r.URL.Path {
		case "/realms/test/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 issuer,
				"authorization_endpoint": issuer + "/auth",
				"token_endpoint":         issuer + "/token",
				"jwks_uri":               issuer + "/keys",
			})
		case "/realms/test/keys":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
				Key:       &ti.key.PublicKey,
				KeyID:     "k1",
				Algorithm: string(jose.RS256),
				Use:       "sig",
			}}})
		case "/realms/test/token":
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ti.verifier = r.PostForm.Get("code_verifier")
			if r.PostForm.Get("code") != "good-code" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at",
				"token_type":   "Bearer",
				"expires_in":   300,
				"id_token":     ti.sign(t, issuer),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	baseURL = ts.URL
	t.Cleanup(ts.Close)

	ti.url = baseURL + "/realms/test"
	return ti
}

func (ti *testIssuer) sign(t *testing.T, issuer string) string {
	t.Helper()

	now := time.Now()
	claims := map[string]any{
		"iss": issuer,
		"aud": ti.clientID,
		"sub": "user-123",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	for k, v := range ti.claims {
		claims[k] = v
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: ti.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "k1"),
	)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}
	return raw
}

func (ti *testIssuer) config() *config.OIDCConfig {
	return &config.OIDCConfig{
		Issuer:      ti.url,
		ClientID:    ti.clientID,
		RedirectURI: "http://localhost/auth/oidc/callback",
		Scopes:      []string{"openid"},
	}
}

func TestNewProviderAndStartAuthFlow(t *testing.T) {
	issuer := newTestIssuer(t)

	p, err := NewProvider(context.Background(), issuer.config())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	flow, err := p.StartAuthFlow(context.Background())
	if err != nil {
		t.Fatalf("StartAuthFlow failed: %v", err)
	}
	if flow.State == "" {
		t.Fatal("expected state to be set")
	}
	if flow.CodeVerifier == "" {
		t.Fatal("expected code verifier to be set")
	}
	if !strings.HasPrefix(flow.AuthURL, issuer.url+"/auth") {
		t.Fatalf("expected auth URL to start with %q, got %q", issuer.url+"/auth", flow.AuthURL)
	}

	u, err := url.Parse(flow.AuthURL)
	if err != nil {
		t.Fatalf("failed to parse auth URL: %v", err)
	}

	q := u.Query()
	if q.Get("client_id") != "test-client" {
		t.Fatalf("client_id = %q, want %q", q.Get("client_id"), "test-client")
	}
	if q.Get("redirect_uri") != "http://localhost/auth/oidc/callback" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("response_type") != "code" {
		t.Fatalf("response_type = %q, want %q", q.Get("response_type"), "code")
	}
	if q.Get("state") != flow.State {
		t.Fatalf("state = %q, want %q", q.Get("state"), flow.State)
	}
	if q.Get("code_challenge") != generateCodeChallenge(flow.CodeVerifier) {
		t.Fatal("code_challenge does not match the verifier")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q, want %q", q.Get("code_challenge_method"), "S256")
	}
}

func TestNewProvider_DiscoveryFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	_, err := NewProvider(context.Background(), &config.OIDCConfig{
		Issuer:      ts.URL + "/realms/test",
		ClientID:    "test-client",
		RedirectURI: "http://localhost/callback",
		Scopes:      []string{"openid"},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestExchangeCode(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.claims = map[string]any{"preferred_username": "alice", "picture": "https://img/alice.png"}

	p, err := NewProvider(context.Background(), issuer.config())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	claims, err := p.ExchangeCode(context.Background(), "good-code", "verifier-xyz")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	if issuer.verifier != "verifier-xyz" {
		t.Errorf("token endpoint got code_verifier %q", issuer.verifier)
	}
	if claims.Subject != "user-123" {
		t.Errorf("sub = %q, want user-123", claims.Subject)
	}
	principal := claims.Principal()
	if principal.DisplayName != "alice" || principal.AvatarURL != "https://img/alice.png" {
		t.Errorf("unexpected principal: %+v", principal)
	}
}

func TestExchangeCode_Failures(t *testing.T) {
	t.Run("rejected code", func(t *testing.T) {
		issuer := newTestIssuer(t)
		p, err := NewProvider(context.Background(), issuer.config())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.ExchangeCode(context.Background(), "bad-code", "v"); err == nil {
			t.Fatal("expected error for rejected code")
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		issuer := newTestIssuer(t)
		issuer.claims = map[string]any{"aud": "someone-else"}
		p, err := NewProvider(context.Background(), issuer.config())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.ExchangeCode(context.Background(), "good-code", "v"); err == nil {
			t.Fatal("expected verification failure for foreign audience")
		}
	})

	t.Run("token signed by another key", func(t *testing.T) {
		issuer := newTestIssuer(t)
		p, err := NewProvider(context.Background(), issuer.config())
		if err != nil {
			t.Fatal(err)
		}
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		// JWKS still publishes the original public key.
		signing := *issuer
		signing.key = other
		raw := signing.sign(t, issuer.url)
		if _, err := p.verifier.Verify(context.Background(), raw); err == nil {
			t.Fatal("expected signature verification failure")
		}
	})
}

func TestNewProvider_AlwaysRequestsOpenID(t *testing.T) {
	issuer := newTestIssuer(t)
	cfg := issuer.config()
	cfg.Scopes = []string{"profile"}

	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Issuer() != issuer.url {
		t.Errorf("Issuer() = %q, want %q", p.Issuer(), issuer.url)
	}

	flow, err := p.StartAuthFlow(context.Background())
	if err != nil {
		t.Fatalf("StartAuthFlow failed: %v", err)
	}
	u, err := url.Parse(flow.AuthURL)
	if err != nil {
		t.Fatalf("bad auth URL: %v", err)
	}
	if got := u.Query().Get("scope"); got != "openid profile" {
		t.Errorf("scope = %q, want %q", got, "openid profile")
	}
	if len(cfg.Scopes) != 1 {
		t.Errorf("config scopes mutated: %v", cfg.Scopes)
	}
}

func TestNewProvider_DiscoveryHonorsDeadline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewProvider(ctx, &config.OIDCConfig{Issuer: ts.URL, ClientID: "c"})
	if err == nil {
		t.Fatal("expected discovery to fail")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("discovery took %v, deadline was not applied", elapsed)
	}
}

func TestProviderPrincipal(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.claims = map[string]any{"name": "Alice Example", "email": "alice@example.com"}

	p, err := NewProvider(context.Background(), issuer.config())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	principal, err := p.Principal(context.Background(), "good-code", "v")
	if err != nil {
		t.Fatalf("Principal failed: %v", err)
	}
	if principal.ID != "user-123" || principal.DisplayName != "Alice Example" {
		t.Errorf("unexpected principal: %+v", principal)
	}

	if _, err := p.Principal(context.Background(), "bad-code", "v"); err == nil {
		t.Fatal("expected error for rejected code")
	}
}
