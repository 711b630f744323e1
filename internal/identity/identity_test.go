package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/accessgate/internal/config"
	"github.com/al-bashkir/accessgate/internal/session"
)

// fakeProvider serves both the connector and the profile endpoint.
type fakeProvider struct {
	connection   any
	connStatus   int
	profile      any
	profileDelay time.Duration
	gotIdentity  atomic.Value
	gotBearer    atomic.Value
	profileCalls atomic.Int32
}

func (f *fakeProvider) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/connection", func(w http.ResponseWriter, r *http.Request) {
		f.gotIdentity.Store(r.Header.Get(connectorHeader))
		if r.URL.Query().Get("include_secrets") != "true" || r.URL.Query().Get("connector_names") != "discord" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if f.connStatus != 0 {
			w.WriteHeader(f.connStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(f.connection)
	})
	mux.HandleFunc("/users/@me", func(w http.ResponseWriter, r *http.Request) {
		f.profileCalls.Add(1)
		f.gotBearer.Store(r.Header.Get("Authorization"))
		if f.profileDelay > 0 {
			select {
			case <-time.After(f.profileDelay):
			case <-r.Context().Done():
				return
			}
		}
		_ = json.NewEncoder(w).Encode(f.profile)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testOAuthConfig(srv *httptest.Server) config.OAuthConfig {
	return config.OAuthConfig{
		ConnectorHost: srv.URL,
		ConnectorName: "discord",
		Identity:      "repl abc",
		ProfileURL:    srv.URL + "/users/@me",
		AvatarBaseURL: "https://cdn.discordapp.com/avatars",
		Timeout:       2 * time.Second,
	}
}

func connectionWith(settings map[string]any) map[string]any {
	return map[string]any{"items": []any{map[string]any{"settings": settings}}}
}

func TestOAuthSource_Principal(t *testing.T) {
	f := &fakeProvider{
		connection: connectionWith(map[string]any{"access_token": "tok-1"}),
		profile:    map[string]any{"id": "42", "username": "alice", "avatar": "abc123"},
	}
	srv := f.server(t)

	p, err := NewOAuthSource(testOAuthConfig(srv), srv.Client()).Principal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, session.Principal{
		ID:          "42",
		DisplayName: "alice",
		Provider:    session.ProviderOAuth,
		AvatarURL:   "https://cdn.discordapp.com/avatars/42/abc123.png",
	}, p)
	assert.Equal(t, "repl abc", f.gotIdentity.Load())
	assert.Equal(t, "Bearer tok-1", f.gotBearer.Load())
}

func TestOAuthSource_NestedCredentials(t *testing.T) {
	f := &fakeProvider{
		connection: connectionWith(map[string]any{
			"oauth": map[string]any{"credentials": map[string]any{"access_token": "tok-2"}},
		}),
		profile: map[string]any{"id": "7", "username": "bob"},
	}
	srv := f.server(t)

	p, err := NewOAuthSource(testOAuthConfig(srv), srv.Client()).Principal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-2", f.gotBearer.Load())
	assert.Empty(t, p.AvatarURL, "no avatar hash means no avatar URL")
}

func TestOAuthSource_Failures(t *testing.T) {
	tests := []struct {
		name    string
		f       *fakeProvider
		mutate  func(*config.OAuthConfig)
		wantErr error
	}{
		{
			name:    "not configured",
			f:       &fakeProvider{},
			mutate:  func(c *config.OAuthConfig) { c.Identity = "" },
			wantErr: ErrNotConfigured,
		},
		{
			name:    "no connections",
			f:       &fakeProvider{connection: map[string]any{"items": []any{}}},
			wantErr: ErrNoToken,
		},
		{
			name:    "connection without token",
			f:       &fakeProvider{connection: connectionWith(map[string]any{})},
			wantErr: ErrNoToken,
		},
		{
			name: "connector error status",
			f:    &fakeProvider{connStatus: http.StatusUnauthorized},
		},
		{
			name: "profile without id",
			f: &fakeProvider{
				connection: connectionWith(map[string]any{"access_token": "t"}),
				profile:    map[string]any{"username": "ghost"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := tt.f.server(t)
			cfg := testOAuthConfig(srv)
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			_, err := NewOAuthSource(cfg, srv.Client()).Principal(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestOAuthSource_Timeout(t *testing.T) {
	f := &fakeProvider{
		connection:   connectionWith(map[string]any{"access_token": "t"}),
		profile:      map[string]any{"id": "1", "username": "slow"},
		profileDelay: time.Second,
	}
	srv := f.server(t)
	cfg := testOAuthConfig(srv)
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := NewOAuthSource(cfg, srv.Client()).Principal(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline"))
}

func TestConnectionURL(t *testing.T) {
	assert.Equal(t,
		"https://connectors.example/api/v2/connection?connector_names=discord&include_secrets=true",
		connectionURL("connectors.example", "discord"))
	assert.Equal(t,
		"http://127.0.0.1:9/api/v2/connection?connector_names=discord&include_secrets=true",
		connectionURL("http://127.0.0.1:9/", "discord"))
}

func TestUsernameValidator(t *testing.T) {
	v := NewUsernameValidator()

	valid := []struct {
		raw  string
		want string
	}{
		{"abc", "abc"},
		{"  alice_01  ", "alice_01"},
		{"a-b-c", "a-b-c"},
		{strings.Repeat("x", 20), strings.Repeat("x", 20)},
	}
	for _, tt := range valid {
		t.Run("valid "+tt.raw, func(t *testing.T) {
			p, err := v.Principal(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.DisplayName)
			assert.Equal(t, session.ProviderSelfAsserted, p.Provider)
			assert.Len(t, p.ID, 36)
		})
	}

	invalid := []string{
		"",
		"   ",
		"ab",
		strings.Repeat("x", 21),
		"has space",
		"<script>",
		"alice!",
		"ünïcode",
	}
	for _, raw := range invalid {
		t.Run("invalid "+raw, func(t *testing.T) {
			_, err := v.Principal(raw)
			assert.ErrorIs(t, err, ErrInvalidUsername)
		})
	}
}

func TestUsernameValidator_UniqueIDs(t *testing.T) {
	v := NewUsernameValidator()
	a, err := v.Principal("alice")
	require.NoError(t, err)
	b, err := v.Principal("alice")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}
