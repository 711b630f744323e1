// Package oidc implements OpenID Connect (OIDC) login with PKCE.
package oidc

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/accessgate/internal/config"
	"github.com/al-bashkir/accessgate/internal/session"
)

// DiscoveryTimeout bounds provider discovery when the caller's context has
// no deadline of its own.
const DiscoveryTimeout = 30 * time.Second

// Provider turns an authorization code into a gateway principal: code
// exchange, ID token verification and claim mapping.
type Provider struct {
	issuer       string
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

// NewProvider discovers the issuer and prepares the PKCE client. The openid
// scope is always requested.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DiscoveryTimeout)
		defer cancel()
	}

	discovered, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer %s: %w", cfg.Issuer, err)
	}

	scopes := slices.Clone(cfg.Scopes)
	if !slices.Contains(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}

	return &Provider{
		issuer: cfg.Issuer,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     discovered.Endpoint(),
			Scopes:       scopes,
		},
		verifier: discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// Issuer returns the configured issuer URL.
func (p *Provider) Issuer() string { return p.issuer }

// Claims are the ID token claims used to build a principal.
type Claims struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Picture           string `json:"picture"`
}

// Principal maps the claims onto a session principal. The display name is
// the first non-empty of preferred_username, name, email and sub.
func (c Claims) Principal() session.Principal {
	display := c.Subject
	for _, candidate := range []string{c.PreferredUsername, c.Name, c.Email} {
		if candidate != "" {
			display = candidate
			break
		}
	}
	return session.Principal{
		ID:          c.Subject,
		DisplayName: display,
		Provider:    session.ProviderOAuth,
		AvatarURL:   c.Picture,
	}
}

// ExchangeCode exchanges an authorization code for tokens and returns the
// verified ID token claims. The ID token is verified (signature, issuer,
// audience, expiry) before any claim is read.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (Claims, error) {
	token, err := p.oauth2Config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return Claims{}, fmt.Errorf("no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return Claims{}, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("ID token has no subject")
	}

	return claims, nil
}

// Principal completes a login: it exchanges code and maps the verified
// claims onto a principal.
func (p *Provider) Principal(ctx context.Context, code, codeVerifier string) (session.Principal, error) {
	claims, err := p.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		return session.Principal{}, err
	}
	return claims.Principal(), nil
}
