package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/accessgate/internal/gate"
	"github.com/al-bashkir/accessgate/internal/session"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeGateError maps gate errors onto HTTP responses. Unknown errors are
// logged and reported without detail.
func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrUnauthorized), errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	case errors.Is(err, gate.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid input")
	case errors.Is(err, gate.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Login provider not configured")
	case errors.Is(err, gate.ErrUpstream):
		writeError(w, http.StatusBadGateway, "Login provider unavailable")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// loginErrorCode is the code appended to /login?error= for a failed login.
func loginErrorCode(err error) string {
	switch {
	case errors.Is(err, gate.ErrValidation):
		return "invalid_username"
	case errors.Is(err, gate.ErrNotConfigured):
		return "oauth_not_configured"
	default:
		return "auth_failed"
	}
}
