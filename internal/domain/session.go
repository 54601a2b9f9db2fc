package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionInactive = errors.New("session inactive")
	ErrSessionTimedOut = errors.New("session timed out")
	ErrHijackSuspected = errors.New("session hijack suspected")
	ErrNotOwner        = errors.New("session belongs to another user")
	ErrDuplicateToken  = errors.New("session token already in use")
)

// Session represents one authenticated browser/client relationship,
// persisted server-side for the whole of its lifetime.
type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Token         string     `json:"-"`
	RememberToken string     `json:"-"`
	CSRFToken     string     `json:"-"`
	CSRFIssuedAt  time.Time  `json:"-"`
	Fingerprint   string     `json:"-"`
	IPAddress     string     `json:"ip_address"`
	UserAgent     string     `json:"user_agent"`
	LoginTime     time.Time  `json:"login_time"`
	LastActivity  time.Time  `json:"last_activity"`
	RotatedAt     time.Time  `json:"-"`
	ExpiresAt     time.Time  `json:"expires_at"`
	IsActive      bool       `json:"is_active"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// IsExpired reports whether the session's absolute lifetime has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IdleFor reports how long the session has gone without a validated request.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// SessionStore defines the interface for session persistence.
// Implementations issue parameterized queries only; the store is the single
// source of durable session state.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	FindByToken(ctx context.Context, token string) (*Session, error)
	FindByRememberToken(ctx context.Context, token string) (*Session, error)
	FindByID(ctx context.Context, id string) (*Session, error)
	ListActiveForUser(ctx context.Context, userID string) ([]*Session, error)

	// Touch refreshes last_activity for an active session.
	Touch(ctx context.Context, id string, at time.Time) error

	// RotateToken swaps the session token using a compare-and-swap on the
	// old value. Returns false when another request already rotated it.
	RotateToken(ctx context.Context, id, oldToken, newToken string, at time.Time) (bool, error)

	SetCSRFToken(ctx context.Context, id, token string, issuedAt time.Time) error
	SetRememberToken(ctx context.Context, id, token string) error
	ClearRememberToken(ctx context.Context, id string) error

	Deactivate(ctx context.Context, id string, at time.Time) error
	DeactivateAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	CountActiveForUser(ctx context.Context, userID string) (int, error)

	// PurgeExpired deactivates rows whose expiry has passed.
	PurgeExpired(ctx context.Context) (int64, error)
	// PurgeOlderThan hard-deletes inactive rows past the retention window.
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}
