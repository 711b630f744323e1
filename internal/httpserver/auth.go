package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/al-bashkir/accessgate/internal/gate"
	"github.com/al-bashkir/accessgate/internal/session"
)

const oidcStateCookieName = "oidcState"

// handleOAuthProvider logs the caller in with the connector-managed OAuth
// account. Failures never reach the client beyond an error code.
func (s *Server) handleOAuthProvider(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	updated, err := s.gate.LoginWith(r.Context(), sessionID(sess), s.oauth)
	if err != nil {
		s.metrics.Login(string(session.ProviderOAuth), false)
		slog.Error("OAuth login failed", "error", err)
		redirectLoginError(w, r, loginErrorCode(err))
		return
	}
	s.metrics.Login(string(session.ProviderOAuth), true)

	slog.Info("user logged in", // #nosec G706 -- values sanitized via sanitizeLog
		"provider", session.ProviderOAuth,
		"principal", sanitizeLog(updated.Principal.DisplayName),
	)
	s.setSessionCookie(w, r, updated.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleUsernameLogin logs the caller in with a self-asserted username from
// a form or JSON body.
func (s *Server) handleUsernameLogin(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	username, err := usernameFromRequest(r)
	if err != nil {
		redirectLoginError(w, r, "invalid_username")
		return
	}

	updated, err := s.gate.LoginSelfAsserted(sessionID(sess), username)
	if err != nil {
		s.metrics.Login(string(session.ProviderSelfAsserted), false)
		code := loginErrorCode(err)
		if code != "invalid_username" {
			slog.Error("username login failed", "error", err)
		}
		redirectLoginError(w, r, code)
		return
	}
	s.metrics.Login(string(session.ProviderSelfAsserted), true)

	slog.Info("user logged in", // #nosec G706 -- values sanitized via sanitizeLog
		"provider", session.ProviderSelfAsserted,
		"principal", sanitizeLog(updated.Principal.DisplayName),
	)
	s.setSessionCookie(w, r, updated.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

// usernameFromRequest reads the username field of a JSON or form body.
func usernameFromRequest(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Username string `json:"username"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return "", err
		}
		return body.Username, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.PostForm.Get("username"), nil
}

// handleOIDCStart begins an authorization code flow with PKCE.
func (s *Server) handleOIDCStart(w http.ResponseWriter, r *http.Request) {
	flow, err := s.oidc.StartAuthFlow(r.Context())
	if err != nil {
		slog.Error("failed to start OIDC flow", "error", err)
		redirectLoginError(w, r, "auth_failed")
		return
	}
	s.flows.Put(flow)

	// Lax, since the IdP redirects back cross-site.
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookieName,
		Value:    flow.State,
		Path:     "/auth/oidc",
		MaxAge:   int(oidcFlowCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, flow.AuthURL, http.StatusFound)
}

const oidcFlowCookieTTL = 10 * time.Minute

// handleOIDCCallback completes the flow started by handleOIDCStart.
func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	q := r.URL.Query()
	state := q.Get("state")

	http.SetCookie(w, &http.Cookie{Name: oidcStateCookieName, Path: "/auth/oidc", MaxAge: -1})

	if errCode := q.Get("error"); errCode != "" {
		slog.Warn("OIDC provider returned error", // #nosec G706 -- values sanitized via sanitizeLog
			"error", sanitizeLog(errCode),
			"description", sanitizeLog(q.Get("error_description")),
		)
		redirectLoginError(w, r, "auth_failed")
		return
	}

	c, err := r.Cookie(oidcStateCookieName)
	if err != nil || state == "" || c.Value != state {
		slog.Warn("OIDC callback state mismatch")
		redirectLoginError(w, r, "auth_failed")
		return
	}

	verifier, ok := s.flows.Take(state)
	if !ok {
		slog.Warn("OIDC callback with unknown or expired state")
		redirectLoginError(w, r, "auth_failed")
		return
	}

	timeout := s.cfg.OAuth.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	principal, err := s.oidc.Principal(ctx, q.Get("code"), verifier)
	if err != nil {
		s.metrics.Login("oidc", false)
		slog.Error("OIDC code exchange failed", "error", err)
		redirectLoginError(w, r, loginErrorCode(gate.ErrUpstream))
		return
	}

	updated, err := s.gate.LoginOAuth(ctx, sessionID(sess), principal)
	if err != nil {
		s.metrics.Login("oidc", false)
		slog.Error("OIDC login failed", "error", err)
		redirectLoginError(w, r, "auth_failed")
		return
	}
	s.metrics.Login("oidc", true)

	slog.Info("user logged in", // #nosec G706 -- values sanitized via sanitizeLog
		"provider", "oidc",
		"principal", sanitizeLog(updated.Principal.DisplayName),
	)
	s.setSessionCookie(w, r, updated.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout destroys the session and sends the browser to the login page.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := s.gate.Logout(sessionID(sess)); err != nil {
		slog.Error("failed to destroy session", "error", err)
	}
	s.clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}
