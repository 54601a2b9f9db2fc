package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"campus-portal/internal/auth"
	"campus-portal/internal/domain"
	"campus-portal/internal/middleware"
	"campus-portal/internal/observability"

	"github.com/go-chi/chi/v5"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authority     *auth.Authority
	secureCookies bool
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authority *auth.Authority, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		authority:     authority,
		secureCookies: secureCookies,
	}
}

// LoginRequest represents login request
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// UserResponse represents the identity behind a session
type UserResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginResponse represents login response
type LoginResponse struct {
	User      UserResponse `json:"user"`
	CSRFToken string       `json:"csrf_token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// SessionInfo is one entry in the signed-in devices list
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	LoginTime    time.Time `json:"login_time"`
	LastActivity time.Time `json:"last_activity"`
	Current      bool      `json:"current"`
}

// Login authenticates credentials and opens a session
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Identifier == "" || req.Password == "" {
		http.Error(w, `{"error":"Identifier and password are required"}`, http.StatusBadRequest)
		return
	}

	handle, err := h.authority.Login(r.Context(), auth.Credentials{
		Identifier: req.Identifier,
		Password:   req.Password,
		RememberMe: req.RememberMe,
	}, middleware.RequestMetaFrom(r))
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	middleware.SetSessionCookie(w, handle.Token, handle.ExpiresAt, h.secureCookies)
	if handle.RememberToken != "" {
		middleware.SetRememberCookie(w, handle.RememberToken, h.authority.RememberLifetime(), h.secureCookies)
	}

	resp := LoginResponse{
		User: UserResponse{
			UserID:   handle.Identity.UserID,
			Username: handle.Identity.Username,
			Role:     handle.Identity.Role,
		},
		CSRFToken: handle.CSRFToken,
		ExpiresAt: handle.ExpiresAt,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeLoginError maps login failures to HTTP statuses. Credential
// problems stay deliberately vague; policy problems say when to retry.
func (h *AuthHandler) writeLoginError(w http.ResponseWriter, err error) {
	var retry *auth.RetryAfterError

	switch {
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrAccountInactive):
		http.Error(w, `{"error":"Invalid credentials"}`, http.StatusUnauthorized)
	case errors.Is(err, domain.ErrAccountLocked):
		seconds := int64(0)
		if errors.As(err, &retry) {
			seconds = retrySeconds(retry.RetryAfter)
		}
		writeRetryError(w, http.StatusLocked, "Account temporarily locked", seconds)
	case errors.Is(err, domain.ErrRateLimited):
		seconds := int64(0)
		if errors.As(err, &retry) {
			seconds = retrySeconds(retry.RetryAfter)
		}
		writeRetryError(w, http.StatusTooManyRequests, "Too many attempts", seconds)
	case errors.Is(err, domain.ErrTooManySessions):
		http.Error(w, `{"error":"Active session limit reached"}`, http.StatusConflict)
	default:
		http.Error(w, `{"error":"Service temporarily unavailable"}`, http.StatusServiceUnavailable)
	}
}

func retrySeconds(d time.Duration) int64 {
	seconds := int64(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func writeRetryError(w http.ResponseWriter, status int, message string, seconds int64) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":               message,
		"retry_after_seconds": seconds,
	})
}

// Logout closes the current session and clears cookies
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	if err := h.authority.Logout(r.Context(), session.Token); err != nil {
		observability.FromContext(r.Context()).Error("logout failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"Service temporarily unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	middleware.ClearAuthCookies(w, h.secureCookies)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the identity behind the current session
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(UserResponse{
		UserID:   identity.UserID,
		Username: identity.Username,
		Role:     identity.Role,
	})
}

// CSRF returns the session's current CSRF token, for SPA form bootstrap
func (h *AuthHandler) CSRF(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"csrf_token": session.CSRFToken})
}

// ListSessions returns the caller's active sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	sessions, err := h.authority.ListSessions(r.Context(), identity.UserID)
	if err != nil {
		observability.FromContext(r.Context()).Error("session listing failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"Service temporarily unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:    s.ID,
			IPAddress:    s.IPAddress,
			UserAgent:    s.UserAgent,
			LoginTime:    s.LoginTime,
			LastActivity: s.LastActivity,
			Current:      s.ID == identity.SessionID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]SessionInfo{"sessions": infos})
}

// TerminateSession revokes one of the caller's sessions by ID
func (h *AuthHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, `{"error":"Session id is required"}`, http.StatusBadRequest)
		return
	}

	err := h.authority.TerminateSession(r.Context(), sessionID, identity.UserID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrNotOwner):
		http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
	case errors.Is(err, domain.ErrSessionNotFound):
		http.Error(w, `{"error":"Session not found"}`, http.StatusNotFound)
	default:
		observability.FromContext(r.Context()).Error("session termination failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"Service temporarily unavailable"}`, http.StatusServiceUnavailable)
	}
}
