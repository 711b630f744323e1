package httpserver

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/al-bashkir/accessgate/internal/session"
)

// loginErrors are the messages shown for /login?error=<code>.
var loginErrors = map[string]string{
	"invalid_username":     "Usernames are 3 to 20 letters, digits, underscores or hyphens.",
	"oauth_not_configured": "Login with the OAuth provider is not configured on this server.",
	"auth_failed":          "Login failed. Please try again.",
}

type indexData struct {
	Principal *session.Principal
	Crawler   bool
	CSRFToken string
}

type loginData struct {
	Error       string
	CSRFToken   string
	OIDCEnabled bool
}

// handleIndex serves protected content, or redirects to the login page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	d := s.gate.Admit(sess, r.Header.Get("User-Agent"))
	if !d.Allow {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if d.Crawler {
		s.metrics.CrawlerAdmitted()
	}

	if p, ok := s.staticIndex(); ok {
		http.ServeFile(w, r, p)
		return
	}

	data := indexData{Principal: d.Session.Principal, Crawler: d.Crawler}
	if !d.Crawler {
		token, err := s.csrf.Issue(d.Session.ID)
		if err != nil {
			writeGateError(w, err)
			return
		}
		data.CSRFToken = token
	}
	w.Header().Set("Cache-Control", "no-store")
	s.render(w, http.StatusOK, "index.html", data)
}

// handleLogin serves the login page. Authenticated sessions go straight to /.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if sess.Authenticated() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	current, _, err := s.gate.EnsureSession(sessionID(sess))
	if err != nil {
		writeGateError(w, err)
		return
	}
	s.setSessionCookie(w, r, current.ID)

	token, err := s.csrf.Issue(current.ID)
	if err != nil {
		writeGateError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	s.render(w, http.StatusOK, "login.html", loginData{
		Error:       loginErrors[r.URL.Query().Get("error")],
		CSRFToken:   token,
		OIDCEnabled: s.oidc != nil,
	})
}

// render executes a template with status.
func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
	}
}

// redirectLoginError sends the browser back to the login page with code.
func redirectLoginError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, "/login?error="+url.QueryEscape(code), http.StatusFound)
}
