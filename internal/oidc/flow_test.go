package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/al-bashkir/accessgate/internal/session"
)

func TestGenerateCodeVerifier(t *testing.T) {
	// Generate multiple verifiers and ensure they're unique
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		verifier, err := generateCodeVerifier()
		if err != nil {
			t.Fatalf("generateCodeVerifier failed: %v", err)
		}

		// Verify length (RFC 7636: 43-128 characters)
		if len(verifier) < 43 || len(verifier) > 128 {
			t.Errorf("verifier length = %d, want 43-128", len(verifier))
		}

		// Verify it's base64url encoded (no padding)
		if _, err := base64.RawURLEncoding.DecodeString(verifier); err != nil {
			t.Errorf("verifier is not valid base64url: %v", err)
		}

		// Ensure uniqueness
		if seen[verifier] {
			t.Errorf("duplicate verifier generated: %s", verifier)
		}

		seen[verifier] = true
	}
}

func TestGenerateCodeChallenge(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
	}{
		{
			name:     "standard verifier",
			verifier: "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
		},
		{
			name:     "another verifier",
			verifier: "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge := generateCodeChallenge(tt.verifier)

			// Verify length (SHA256 -> 32 bytes -> 43 chars base64url)
			if len(challenge) != 43 {
				t.Errorf("challenge length = %d, want 43", len(challenge))
			}

			// Verify it's base64url encoded
			decoded, err := base64.RawURLEncoding.DecodeString(challenge)
			if err != nil {
				t.Errorf("challenge is not valid base64url: %v", err)
			}

			// Verify it's a SHA256 hash (32 bytes)
			if len(decoded) != 32 {
				t.Errorf("decoded challenge length = %d, want 32", len(decoded))
			}

			// Manually verify the SHA256
			h := sha256.New()
			h.Write([]byte(tt.verifier))
			expected := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

			if challenge != expected {
				t.Errorf("challenge = %s, want %s", challenge, expected)
			}
		})
	}
}

func TestGenerateState(t *testing.T) {
	// Generate multiple states and ensure they're unique
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		state, err := generateState()
		if err != nil {
			t.Fatalf("generateState failed: %v", err)
		}

		// Verify length (16 bytes -> 32 hex chars)
		if len(state) != 32 {
			t.Errorf("state length = %d, want 32", len(state))
		}

		// Verify it's hex encoded
		for _, c := range state {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				t.Errorf("state contains non-hex character: %c", c)
			}
		}

		// Ensure uniqueness
		if seen[state] {
			t.Errorf("duplicate state generated: %s", state)
		}

		seen[state] = true
	}
}

func TestPKCEFlowConsistency(t *testing.T) {
	// Generate a verifier
	verifier, err := generateCodeVerifier()
	if err != nil {
		t.Fatalf("generateCodeVerifier failed: %v", err)
	}

	// Generate challenge from the same verifier twice
	challenge1 := generateCodeChallenge(verifier)
	challenge2 := generateCodeChallenge(verifier)

	// They should be identical (deterministic)
	if challenge1 != challenge2 {
		t.Errorf("challenges differ for same verifier: %s != %s", challenge1, challenge2)
	}

	// Generate a different verifier
	verifier2, err := generateCodeVerifier()
	if err != nil {
		t.Fatalf("generateCodeVerifier failed: %v", err)
	}

	// Generate challenge from different verifier
	challenge3 := generateCodeChallenge(verifier2)

	// It should be different
	if challenge1 == challenge3 {
		t.Errorf("challenges should differ for different verifiers")
	}
}

func TestClaimsPrincipal(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		want   session.Principal
	}{
		{
			name:   "preferred username wins",
			claims: Claims{Subject: "s1", PreferredUsername: "alice", Name: "Alice A", Email: "a@example.com", Picture: "https://img/a.png"},
			want:   session.Principal{ID: "s1", DisplayName: "alice", Provider: session.ProviderOAuth, AvatarURL: "https://img/a.png"},
		},
		{
			name:   "falls back to name",
			claims: Claims{Subject: "s2", Name: "Bob"},
			want:   session.Principal{ID: "s2", DisplayName: "Bob", Provider: session.ProviderOAuth},
		},
		{
			name:   "falls back to email",
			claims: Claims{Subject: "s3", Email: "c@example.com"},
			want:   session.Principal{ID: "s3", DisplayName: "c@example.com", Provider: session.ProviderOAuth},
		},
		{
			name:   "subject as last resort",
			claims: Claims{Subject: "s4"},
			want:   session.Principal{ID: "s4", DisplayName: "s4", Provider: session.ProviderOAuth},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.claims.Principal(); got != tt.want {
				t.Errorf("Principal() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPendingFlows(t *testing.T) {
	p := NewPendingFlows(time.Minute)
	defer p.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Put(&AuthFlowData{State: "s1", CodeVerifier: "v1"})
	p.Put(&AuthFlowData{State: "s2", CodeVerifier: "v2"})

	verifier, ok := p.Take("s1")
	if !ok || verifier != "v1" {
		t.Fatalf("Take(s1) = %q, %v; want v1, true", verifier, ok)
	}

	if _, ok := p.Take("s1"); ok {
		t.Error("a state must not be redeemable twice")
	}

	if _, ok := p.Take("unknown"); ok {
		t.Error("unknown state must not be accepted")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := p.Take("s2"); ok {
		t.Error("expired state must not be accepted")
	}
}

func TestPendingFlows_Cleanup(t *testing.T) {
	p := NewPendingFlows(time.Minute)
	defer p.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Put(&AuthFlowData{State: "old", CodeVerifier: "v"})
	now = now.Add(90 * time.Second)
	p.Put(&AuthFlowData{State: "new", CodeVerifier: "v"})

	p.cleanup()

	if p.Len() != 1 {
		t.Errorf("expected 1 pending flow after cleanup, got %d", p.Len())
	}
}

func TestPendingFlows_StopIsIdempotent(t *testing.T) {
	p := NewPendingFlows(0)
	p.Stop()
	p.Stop()
}
