package auth

import "time"

// SessionPolicy is the explicit configuration for the session authority.
// It is passed at construction time; nothing in the authority reads ambient
// state.
type SessionPolicy struct {
	// IdleTimeout invalidates a session after this long without a
	// validated request.
	IdleTimeout time.Duration
	// RegenerationInterval rotates the session token for the same logical
	// session, limiting the value of a leaked token.
	RegenerationInterval time.Duration
	// SessionLifetime caps a session's absolute age.
	SessionLifetime time.Duration
	// RememberLifetime caps the remember-me token's validity.
	RememberLifetime time.Duration
	// CSRFMaxAge bounds CSRF token lifetime before rotation.
	CSRFMaxAge time.Duration

	// MaxConcurrentSessions caps active sessions per account when
	// EnforceSessionLimit is set. The limit is a usability control, not a
	// security boundary; see SerializeLogins for strict enforcement.
	MaxConcurrentSessions int
	EnforceSessionLimit   bool
	// SerializeLogins runs the count-then-insert under a per-account lock,
	// closing the window where two simultaneous logins both pass the count.
	SerializeLogins bool

	// EnforceFingerprint toggles hijack detection entirely.
	EnforceFingerprint bool
	// StrictIPCheck promotes an IP-only fingerprint difference to a fatal
	// mismatch. Ships disabled: mobile networks churn addresses constantly.
	StrictIPCheck bool

	// LockoutThreshold and LockoutWindow govern the per-account failed
	// attempt lockout.
	LockoutThreshold int
	LockoutWindow    time.Duration

	// LoginMaxAttempts/LoginWindow feed the sliding-window limiter keyed by
	// account identifier and by client IP. The limiter is a flood backstop;
	// it sits above LockoutThreshold so the account lockout, with its
	// distinct failure code, triggers first.
	LoginMaxAttempts int
	LoginWindow      time.Duration
}

// DefaultSessionPolicy returns the shipped policy values.
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		IdleTimeout:           30 * time.Minute,
		RegenerationInterval:  15 * time.Minute,
		SessionLifetime:       24 * time.Hour,
		RememberLifetime:      30 * 24 * time.Hour,
		CSRFMaxAge:            time.Hour,
		MaxConcurrentSessions: 3,
		EnforceSessionLimit:   true,
		SerializeLogins:       false,
		EnforceFingerprint:    true,
		StrictIPCheck:         false,
		LockoutThreshold:      5,
		LockoutWindow:         15 * time.Minute,
		LoginMaxAttempts:      10,
		LoginWindow:           15 * time.Minute,
	}
}
