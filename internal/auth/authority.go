package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"campus-portal/internal/audit"
	"campus-portal/internal/domain"
	"campus-portal/internal/observability"
	"campus-portal/internal/ratelimit"
	"campus-portal/internal/security"

	"golang.org/x/crypto/bcrypt"
)

// Credentials are the login inputs.
type Credentials struct {
	Identifier string
	Password   string
	RememberMe bool
}

// RequestMeta carries the request-identifying signals a caller observed.
type RequestMeta struct {
	IPAddress      string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

func (m RequestMeta) signals() security.RequestSignals {
	return security.RequestSignals{
		UserAgent:      m.UserAgent,
		AcceptLanguage: m.AcceptLanguage,
		AcceptEncoding: m.AcceptEncoding,
		RemoteAddr:     m.IPAddress,
	}
}

// SessionHandle is returned from a successful login or remember-me resume.
// Token values appear here exactly once; they are never readable again.
type SessionHandle struct {
	SessionID     string
	Identity      domain.Identity
	Token         string
	RememberToken string
	CSRFToken     string
	ExpiresAt     time.Time
}

// ValidationResult is returned from a successful per-request validation.
type ValidationResult struct {
	Identity domain.Identity
	Session  *domain.Session
	// RotatedToken is set when periodic regeneration fired during this
	// validation; the caller must reissue the session cookie.
	RotatedToken string
	// CSRFToken is the current token after any staleness rotation.
	CSRFToken string
}

// RetryAfterError wraps a policy error with the wait the caller should
// surface ("try again in N minutes").
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// limitEnforcingStore is implemented by session stores that can run the
// concurrency cap check and the insert in one transaction.
type limitEnforcingStore interface {
	CreateEnforcingLimit(ctx context.Context, session *domain.Session, max int) error
}

// Authority orchestrates login, per-request validation, logout and session
// revocation. It holds references to its collaborators only; all durable
// state lives in the session store, so one instance serves any number of
// concurrent requests.
type Authority struct {
	sessions domain.SessionStore
	accounts domain.AccountStore
	tokens   *security.TokenManager
	guard    *security.FingerprintGuard
	limiter  ratelimit.Limiter
	audit    *audit.Dispatcher
	policy   SessionPolicy

	// Per-identifier locks used when SerializeLogins; entries are
	// refcounted and removed once the last holder releases, so the map
	// stays proportional to in-flight logins.
	loginLocksMu sync.Mutex
	loginLocks   map[string]*loginLock

	now func() time.Time
}

type loginLock struct {
	mu   sync.Mutex
	refs int
}

// NewAuthority wires the session authority. audit may be nil.
func NewAuthority(
	sessions domain.SessionStore,
	accounts domain.AccountStore,
	tokens *security.TokenManager,
	guard *security.FingerprintGuard,
	limiter ratelimit.Limiter,
	auditor *audit.Dispatcher,
	policy SessionPolicy,
) *Authority {
	return &Authority{
		sessions:   sessions,
		accounts:   accounts,
		tokens:     tokens,
		guard:      guard,
		limiter:    limiter,
		audit:      auditor,
		policy:     policy,
		loginLocks: make(map[string]*loginLock),
		now:        time.Now,
	}
}

// RememberLifetime exposes the remember-me window so the cookie layer can
// set a matching expiry.
func (a *Authority) RememberLifetime() time.Duration {
	return a.policy.RememberLifetime
}

// Login authenticates credentials and issues a new session.
//
// Failure classes are deliberate: credential problems always surface as
// domain.ErrInvalidCredentials regardless of cause, policy problems carry a
// RetryAfterError, and store failures are wrapped infrastructure errors that
// deny access.
func (a *Authority) Login(ctx context.Context, creds Credentials, meta RequestMeta) (*SessionHandle, error) {
	now := a.now()

	if err := a.throttleLogin(ctx, creds.Identifier, meta); err != nil {
		return nil, err
	}

	account, err := a.accounts.FindByIdentifier(ctx, creds.Identifier)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			// Burn a hash comparison so unknown identifiers cost the same
			// as wrong passwords, then report the generic failure.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(creds.Password))
			a.emitLogin(audit.EventLoginFailure, "", meta, "unknown identifier")
			observability.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
			return nil, domain.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}

	if !account.IsActive {
		a.emitLogin(audit.EventLoginFailure, account.ID, meta, "account inactive")
		observability.LoginAttemptsTotal.WithLabelValues("account_inactive").Inc()
		return nil, domain.ErrAccountInactive
	}

	if until := account.LockedUntil(a.policy.LockoutThreshold, a.policy.LockoutWindow); now.Before(until) {
		a.emitLogin(audit.EventAccountLocked, account.ID, meta, "lockout window active")
		observability.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		return nil, &RetryAfterError{Err: domain.ErrAccountLocked, RetryAfter: until.Sub(now)}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(creds.Password)); err != nil {
		if recErr := a.accounts.RecordFailedAttempt(ctx, account.ID, now); recErr != nil {
			slog.Error("failed to record login failure",
				slog.String("user_id", account.ID),
				slog.String("error", recErr.Error()))
		}
		a.emitLogin(audit.EventLoginFailure, account.ID, meta, "password mismatch")
		observability.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, domain.ErrInvalidCredentials
	}

	if err := a.accounts.ResetFailedAttempts(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("failed to reset lockout counter: %w", err)
	}
	if err := a.limiter.Reset(ctx, ratelimit.LoginKey(creds.Identifier)); err != nil {
		slog.Warn("failed to reset login limiter",
			slog.String("identifier", creds.Identifier),
			slog.String("error", err.Error()))
	}

	if a.policy.SerializeLogins {
		unlock := a.lockIdentifier(creds.Identifier)
		defer unlock()
	}

	// Stores with a transactional limit check enforce the cap at insert
	// time; for the rest, check the count here.
	_, serialized := a.sessions.(limitEnforcingStore)
	if a.policy.EnforceSessionLimit && !serialized {
		count, err := a.sessions.CountActiveForUser(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("session count failed: %w", err)
		}
		if count >= a.policy.MaxConcurrentSessions {
			a.emitLogin(audit.EventLoginFailure, account.ID, meta, "session limit reached")
			observability.LoginAttemptsTotal.WithLabelValues("too_many_sessions").Inc()
			return nil, domain.ErrTooManySessions
		}
	}

	handle, err := a.issueSession(ctx, account, creds.RememberMe, meta, now)
	if err != nil {
		if errors.Is(err, domain.ErrTooManySessions) {
			a.emitLogin(audit.EventLoginFailure, account.ID, meta, "session limit reached")
			observability.LoginAttemptsTotal.WithLabelValues("too_many_sessions").Inc()
		}
		return nil, err
	}

	a.emitLogin(audit.EventLoginSuccess, account.ID, meta, "")
	observability.LoginAttemptsTotal.WithLabelValues("success").Inc()
	return handle, nil
}

// Validate checks the client-presented session token against the stored
// record and applies timeout, fingerprint and regeneration policy. On
// success, last_activity is refreshed.
func (a *Authority) Validate(ctx context.Context, token string, meta RequestMeta) (*ValidationResult, error) {
	now := a.now()

	session, err := a.findByTokenRetry(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			observability.SessionValidationsTotal.WithLabelValues("not_found").Inc()
			return nil, domain.ErrSessionNotFound
		}
		// Store trouble must deny, never grant.
		observability.SessionValidationsTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	if !session.IsActive {
		observability.SessionValidationsTotal.WithLabelValues("inactive").Inc()
		return nil, domain.ErrSessionInactive
	}

	if session.IsExpired(now) {
		a.invalidate(ctx, session, audit.EventSessionTimeout, "absolute lifetime exceeded", meta)
		observability.SessionValidationsTotal.WithLabelValues("expired").Inc()
		return nil, domain.ErrSessionExpired
	}

	if a.policy.EnforceFingerprint {
		current := a.guard.Derive(meta.signals())
		switch a.guard.Compare(session.Fingerprint, current, a.policy.StrictIPCheck) {
		case security.FingerprintMismatch:
			a.invalidate(ctx, session, audit.EventHijackDetected, "fingerprint mismatch", meta)
			observability.HijackDetectionsTotal.Inc()
			observability.SessionValidationsTotal.WithLabelValues("hijack_suspected").Inc()
			return nil, domain.ErrHijackSuspected
		case security.FingerprintPartial:
			// Address churn alone is expected; record it and move on.
			slog.Warn("session fingerprint partial match",
				slog.String("session_id", session.ID),
				slog.String("user_id", session.UserID),
				slog.String("stored_ip", session.IPAddress),
				slog.String("current_ip", meta.IPAddress))
		}
	}

	if session.IdleFor(now) > a.policy.IdleTimeout {
		a.invalidate(ctx, session, audit.EventSessionTimeout, "idle timeout", meta)
		observability.SessionValidationsTotal.WithLabelValues("timed_out").Inc()
		return nil, domain.ErrSessionTimedOut
	}

	account, err := a.accounts.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if !account.IsActive {
		a.invalidate(ctx, session, audit.EventSessionRevoked, "account deactivated", meta)
		observability.SessionValidationsTotal.WithLabelValues("account_inactive").Inc()
		return nil, domain.ErrAccountInactive
	}

	result := &ValidationResult{
		Identity: domain.Identity{
			UserID:    account.ID,
			Username:  account.Username,
			Role:      account.Role,
			SessionID: session.ID,
		},
		Session:   session,
		CSRFToken: session.CSRFToken,
	}

	if now.Sub(session.RotatedAt) >= a.policy.RegenerationInterval {
		rotated, err := a.rotateToken(ctx, session, now, meta)
		if err != nil {
			return nil, err
		}
		result.RotatedToken = rotated
	}

	if a.tokens.CSRFStale(session.CSRFIssuedAt, now) {
		fresh, err := a.tokens.NewCSRFToken()
		if err != nil {
			return nil, fmt.Errorf("csrf rotation failed: %w", err)
		}
		if err := a.sessions.SetCSRFToken(ctx, session.ID, fresh, now); err != nil {
			return nil, fmt.Errorf("csrf rotation failed: %w", err)
		}
		session.CSRFToken = fresh
		session.CSRFIssuedAt = now
		result.CSRFToken = fresh
	}

	if err := a.sessions.Touch(ctx, session.ID, now); err != nil {
		return nil, fmt.Errorf("activity refresh failed: %w", err)
	}
	session.LastActivity = now

	observability.SessionValidationsTotal.WithLabelValues("success").Inc()
	return result, nil
}

// Logout marks the session inactive and clears any remember-me token.
// Logging out a token that is unknown or already inactive is not an error.
func (a *Authority) Logout(ctx context.Context, token string) error {
	session, err := a.sessions.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("session lookup failed: %w", err)
	}
	if !session.IsActive {
		return nil
	}

	now := a.now()
	if err := a.sessions.Deactivate(ctx, session.ID, now); err != nil {
		return fmt.Errorf("session deactivation failed: %w", err)
	}
	if session.RememberToken != "" {
		if err := a.sessions.ClearRememberToken(ctx, session.ID); err != nil {
			return fmt.Errorf("remember token cleanup failed: %w", err)
		}
	}

	a.emitSession(audit.EventLogout, session, "", RequestMeta{})
	return nil
}

// TerminateSession lets a principal revoke one of their own sessions, e.g.
// from a "signed-in devices" page.
func (a *Authority) TerminateSession(ctx context.Context, sessionID, requesterID string) error {
	session, err := a.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != requesterID {
		return domain.ErrNotOwner
	}
	if !session.IsActive {
		return nil
	}

	if err := a.sessions.Deactivate(ctx, session.ID, a.now()); err != nil {
		return fmt.Errorf("session deactivation failed: %w", err)
	}
	if session.RememberToken != "" {
		if err := a.sessions.ClearRememberToken(ctx, session.ID); err != nil {
			return fmt.Errorf("remember token cleanup failed: %w", err)
		}
	}

	a.emitSession(audit.EventSessionRevoked, session, "terminated by owner", RequestMeta{})
	return nil
}

// ListSessions returns the caller's active sessions.
func (a *Authority) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return a.sessions.ListActiveForUser(ctx, userID)
}

// ResumeRemembered silently reauthenticates from a remember-me token. The
// old session row is retired and a fresh session (with a rotated remember
// token) takes its place, so a captured token is single-use.
func (a *Authority) ResumeRemembered(ctx context.Context, rememberToken string, meta RequestMeta) (*SessionHandle, error) {
	now := a.now()

	session, err := a.sessions.FindByRememberToken(ctx, rememberToken)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if !a.tokens.Verify(rememberToken, session.RememberToken) {
		return nil, domain.ErrSessionNotFound
	}
	if now.Sub(session.LoginTime) > a.policy.RememberLifetime {
		a.invalidate(ctx, session, audit.EventSessionTimeout, "remember lifetime exceeded", meta)
		return nil, domain.ErrSessionExpired
	}

	// A remember token presented from a different browser is treated the
	// same as a hijacked session.
	if a.policy.EnforceFingerprint {
		current := a.guard.Derive(meta.signals())
		if a.guard.Compare(session.Fingerprint, current, a.policy.StrictIPCheck) == security.FingerprintMismatch {
			a.invalidate(ctx, session, audit.EventHijackDetected, "remember token fingerprint mismatch", meta)
			observability.HijackDetectionsTotal.Inc()
			return nil, domain.ErrHijackSuspected
		}
	}

	account, err := a.accounts.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if !account.IsActive {
		a.invalidate(ctx, session, audit.EventSessionRevoked, "account deactivated", meta)
		return nil, domain.ErrAccountInactive
	}

	if err := a.sessions.Deactivate(ctx, session.ID, now); err != nil {
		return nil, fmt.Errorf("session deactivation failed: %w", err)
	}
	if err := a.sessions.ClearRememberToken(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("remember token cleanup failed: %w", err)
	}

	handle, err := a.issueSession(ctx, account, true, meta, now)
	if err != nil {
		return nil, err
	}

	slog.Info("remembered session resumed",
		slog.String("user_id", session.UserID),
		slog.String("old_session_id", session.ID),
		slog.String("token_prefix", observability.TokenPrefix(rememberToken)))
	a.emitSession(audit.EventRememberResumed, session, "", meta)
	return handle, nil
}

// VerifyCSRF checks a presented CSRF token against the session's current
// one, including the age bound.
func (a *Authority) VerifyCSRF(session *domain.Session, presented string) error {
	return a.tokens.VerifyCSRF(presented, session.CSRFToken, session.CSRFIssuedAt, a.now())
}

// PurgeExpired deactivates sessions past their expiry and hard-deletes
// inactive rows older than the retention window.
func (a *Authority) PurgeExpired(ctx context.Context, retention time.Duration) (deactivated, deleted int64, err error) {
	deactivated, err = a.sessions.PurgeExpired(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("purge expired failed: %w", err)
	}
	deleted, err = a.sessions.PurgeOlderThan(ctx, retention)
	if err != nil {
		return deactivated, 0, fmt.Errorf("purge retention failed: %w", err)
	}
	return deactivated, deleted, nil
}

func (a *Authority) issueSession(ctx context.Context, account *domain.Account, rememberMe bool, meta RequestMeta, now time.Time) (*SessionHandle, error) {
	token, err := a.tokens.NewSessionToken()
	if err != nil {
		return nil, fmt.Errorf("token generation failed: %w", err)
	}
	csrfToken, err := a.tokens.NewCSRFToken()
	if err != nil {
		return nil, fmt.Errorf("token generation failed: %w", err)
	}

	session := &domain.Session{
		UserID:       account.ID,
		Token:        token,
		CSRFToken:    csrfToken,
		CSRFIssuedAt: now,
		Fingerprint:  a.guard.Derive(meta.signals()),
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		LoginTime:    now,
		LastActivity: now,
		RotatedAt:    now,
		ExpiresAt:    now.Add(a.policy.SessionLifetime),
		IsActive:     true,
	}

	if rememberMe {
		rememberToken, err := a.tokens.NewRememberToken()
		if err != nil {
			return nil, fmt.Errorf("token generation failed: %w", err)
		}
		session.RememberToken = rememberToken
	}

	if store, ok := a.sessions.(limitEnforcingStore); ok && a.policy.EnforceSessionLimit {
		if err := store.CreateEnforcingLimit(ctx, session, a.policy.MaxConcurrentSessions); err != nil {
			if errors.Is(err, domain.ErrTooManySessions) {
				return nil, domain.ErrTooManySessions
			}
			return nil, fmt.Errorf("session creation failed: %w", err)
		}
	} else if err := a.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("session creation failed: %w", err)
	}

	return &SessionHandle{
		SessionID: session.ID,
		Identity: domain.Identity{
			UserID:    account.ID,
			Username:  account.Username,
			Role:      account.Role,
			SessionID: session.ID,
		},
		Token:         token,
		RememberToken: session.RememberToken,
		CSRFToken:     csrfToken,
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

// rotateToken reissues the session token via compare-and-swap. Losing the
// swap to a concurrent request is fine; that request rotated instead and
// this one keeps serving under the token it validated with.
func (a *Authority) rotateToken(ctx context.Context, session *domain.Session, now time.Time, meta RequestMeta) (string, error) {
	fresh, err := a.tokens.NewSessionToken()
	if err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}

	swapped, err := a.sessions.RotateToken(ctx, session.ID, session.Token, fresh, now)
	if err != nil {
		return "", fmt.Errorf("token rotation failed: %w", err)
	}
	if !swapped {
		return "", nil
	}

	session.Token = fresh
	session.RotatedAt = now
	observability.SessionRotationsTotal.Inc()
	slog.Debug("session token rotated",
		slog.String("session_id", session.ID),
		slog.String("token_prefix", observability.TokenPrefix(fresh)))
	a.emitSession(audit.EventSessionRotated, session, "", meta)
	return fresh, nil
}

func (a *Authority) throttleLogin(ctx context.Context, identifier string, meta RequestMeta) error {
	keys := []string{ratelimit.LoginKey(identifier)}
	if meta.IPAddress != "" {
		keys = append(keys, ratelimit.IPKey(meta.IPAddress))
	}

	for _, key := range keys {
		decision, err := a.limiter.Attempt(ctx, key, a.policy.LoginMaxAttempts, a.policy.LoginWindow)
		if err != nil {
			// A broken limiter backend denies, it does not wave through.
			return fmt.Errorf("rate limiter unavailable: %w", err)
		}
		if !decision.Allowed {
			a.emitLogin(audit.EventRateLimited, "", meta, "key "+key)
			observability.RateLimitRejectionsTotal.WithLabelValues("login").Inc()
			return &RetryAfterError{
				Err:        domain.ErrRateLimited,
				RetryAfter: decision.ResetAt.Sub(a.now()),
			}
		}
	}
	return nil
}

// findByTokenRetry reads the session, retrying once on transient store
// failure before giving up.
func (a *Authority) findByTokenRetry(ctx context.Context, token string) (*domain.Session, error) {
	session, err := a.sessions.FindByToken(ctx, token)
	if err == nil || errors.Is(err, domain.ErrSessionNotFound) {
		return session, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return a.sessions.FindByToken(ctx, token)
}

func (a *Authority) invalidate(ctx context.Context, session *domain.Session, eventType, reason string, meta RequestMeta) {
	if err := a.sessions.Deactivate(ctx, session.ID, a.now()); err != nil {
		slog.Error("failed to deactivate session",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
	}
	// Timeouts leave the remember token in place so the browser can
	// silently resume later; hijack and revocation burn it.
	if session.RememberToken != "" && eventType != audit.EventSessionTimeout {
		if err := a.sessions.ClearRememberToken(ctx, session.ID); err != nil {
			slog.Error("failed to clear remember token",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()))
		}
	}
	a.emitSession(eventType, session, reason, meta)
}

func (a *Authority) lockIdentifier(identifier string) func() {
	a.loginLocksMu.Lock()
	lock, ok := a.loginLocks[identifier]
	if !ok {
		lock = &loginLock{}
		a.loginLocks[identifier] = lock
	}
	lock.refs++
	a.loginLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		a.loginLocksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(a.loginLocks, identifier)
		}
		a.loginLocksMu.Unlock()
	}
}

func (a *Authority) emitLogin(eventType, userID string, meta RequestMeta, reason string) {
	a.audit.Emit(audit.Event{
		Type:      eventType,
		UserID:    userID,
		IP:        meta.IPAddress,
		UserAgent: meta.UserAgent,
		Reason:    reason,
	})
}

func (a *Authority) emitSession(eventType string, session *domain.Session, reason string, meta RequestMeta) {
	ip := meta.IPAddress
	if ip == "" {
		ip = session.IPAddress
	}
	a.audit.Emit(audit.Event{
		Type:      eventType,
		UserID:    session.UserID,
		SessionID: session.ID,
		IP:        ip,
		Reason:    reason,
	})
}

// dummyHash is a valid bcrypt digest compared against for unknown
// identifiers, keeping response timing independent of account existence.
var dummyHash = []byte("$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW")
