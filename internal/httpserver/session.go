package httpserver

import (
	"net/http"
	"time"

	"github.com/al-bashkir/accessgate/internal/session"
)

const sessionCookieName = "sessionId"

// sessionHandler receives the caller's session as an explicit value; nil
// when the request carries no live session.
type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// withSession resolves the session cookie before calling h. A cookie that
// names no live session is cleared.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionIDFromRequest(r)
		sess := s.gate.Resolve(id)
		if id != "" && sess == nil {
			s.clearSessionCookie(w)
		}
		h(w, r, sess)
	}
}

// sessionIDFromRequest returns the session cookie value, or "".
func sessionIDFromRequest(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// sessionID returns the ID of sess, or "" for nil.
func sessionID(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

// setSessionCookie sets the session cookie when id differs from what the
// client presented.
func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	if sessionIDFromRequest(r) == id {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.cfg.Session.TTL / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.Session.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearSessionCookie removes the session cookie.
func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.cfg.Session.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
