package httpserver

import (
	"net/http"
	"time"

	"github.com/al-bashkir/accessgate/internal/session"
)

// CSRFTokenResponse carries a freshly issued token.
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// AccessStatusResponse describes the elevation window.
// ExpiryTimestamp is in Unix milliseconds, null when never elevated.
type AccessStatusResponse struct {
	HasAccess        bool   `json:"hasAccess"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	ExpiryTimestamp  *int64 `json:"expiryTimestamp"`
}

// GrantAccessResponse confirms a new elevation window.
type GrantAccessResponse struct {
	Success         bool  `json:"success"`
	AccessGranted   bool  `json:"accessGranted"`
	ExpiryTimestamp int64 `json:"expiryTimestamp"`
	DurationSeconds int64 `json:"durationSeconds"`
}

// handleCSRFToken issues a token bound to the caller's session, creating an
// anonymous session first when there is none.
func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request, sess *session.Session) {
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
	writeJSON(w, http.StatusOK, CSRFTokenResponse{CSRFToken: token})
}

// handleUser returns the caller's principal.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if !sess.Authenticated() {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, sess.Principal)
}

// handleAccessStatus reports whether the caller is inside an elevation window.
func (s *Server) handleAccessStatus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	status, err := s.gate.Status(sess)
	if err != nil {
		writeGateError(w, err)
		return
	}

	resp := AccessStatusResponse{
		HasAccess:        status.HasAccess,
		RemainingSeconds: status.RemainingSeconds,
	}
	if !status.Expiry.IsZero() {
		ms := status.Expiry.UnixMilli()
		resp.ExpiryTimestamp = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGrantAccess starts an elevation window.
func (s *Server) handleGrantAccess(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	updated, err := s.gate.GrantElevation(sessionID(sess))
	if err != nil {
		writeGateError(w, err)
		return
	}
	s.metrics.Elevated()

	window := s.gate.Options().ElevationWindow
	writeJSON(w, http.StatusOK, GrantAccessResponse{
		Success:         true,
		AccessGranted:   true,
		ExpiryTimestamp: updated.AccessExpiry.UnixMilli(),
		DurationSeconds: int64(window / time.Second),
	})
}
