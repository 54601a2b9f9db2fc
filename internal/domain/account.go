package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountInactive    = errors.New("account inactive")
	ErrTooManySessions    = errors.New("too many active sessions")
	ErrRateLimited        = errors.New("rate limited")
)

// Account is the read-mostly view of a principal that the session core
// consumes. User records themselves belong to the surrounding application;
// the core only resets or increments the failed-attempt counter.
type Account struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	Role              string
	IsActive          bool
	FailedAttempts    int
	LastFailedAttempt *time.Time
}

// LockedUntil returns the instant the lockout window elapses, or the zero
// time when the account is not locked under the given policy.
func (a *Account) LockedUntil(threshold int, window time.Duration) time.Time {
	if a.FailedAttempts < threshold || a.LastFailedAttempt == nil {
		return time.Time{}
	}
	return a.LastFailedAttempt.Add(window)
}

// AccountStore defines the account collaborator contract.
type AccountStore interface {
	// FindByIdentifier resolves a username or email to an account.
	FindByIdentifier(ctx context.Context, identifier string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	RecordFailedAttempt(ctx context.Context, id string, at time.Time) error
	ResetFailedAttempts(ctx context.Context, id string) error
}

// Identity is the authenticated result handed to request handlers.
type Identity struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}
