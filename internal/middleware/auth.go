package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"campus-portal/internal/auth"
	"campus-portal/internal/domain"
	"campus-portal/internal/observability"
)

type contextKey string

const (
	IdentityKey contextKey = "identity"
	SessionKey  contextKey = "session"
)

const (
	SessionCookieName  = "portal_session"
	RememberCookieName = "portal_remember"
)

// Auth validates the session cookie on every request. When the session is
// gone (expired, timed out, rotated away) but a remember-me cookie is
// present, it silently reissues a session before giving up.
func Auth(authority *auth.Authority, secureCookies bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := RequestMetaFrom(r)

			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				result, err := authority.Validate(r.Context(), cookie.Value, meta)
				if err == nil {
					if result.RotatedToken != "" {
						SetSessionCookie(w, result.RotatedToken, result.Session.ExpiresAt, secureCookies)
					}
					serveAuthenticated(w, r, next, result.Identity, result.Session)
					return
				}
				switch {
				case errors.Is(err, domain.ErrHijackSuspected):
					clearAuthCookies(w, secureCookies)
					http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
					return
				case errors.Is(err, domain.ErrAccountInactive):
					// A deactivated account cannot come back through the
					// remember cookie either; drop both cookies now.
					clearAuthCookies(w, secureCookies)
					http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
					return
				case isSessionGone(err):
					// Fall through to the remember-me path.
				default:
					http.Error(w, `{"error":"Service temporarily unavailable"}`, http.StatusServiceUnavailable)
					return
				}
			}

			remember, err := r.Cookie(RememberCookieName)
			if err != nil {
				http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
				return
			}

			handle, err := authority.ResumeRemembered(r.Context(), remember.Value, meta)
			if err != nil {
				clearAuthCookies(w, secureCookies)
				http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
				return
			}

			SetSessionCookie(w, handle.Token, handle.ExpiresAt, secureCookies)
			SetRememberCookie(w, handle.RememberToken, authority.RememberLifetime(), secureCookies)

			// Run the freshly issued token through validation so the request
			// proceeds with a fully loaded session record.
			result, err := authority.Validate(r.Context(), handle.Token, meta)
			if err != nil {
				http.Error(w, `{"error":"Service temporarily unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			serveAuthenticated(w, r, next, result.Identity, result.Session)
		})
	}
}

func serveAuthenticated(w http.ResponseWriter, r *http.Request, next http.Handler, identity domain.Identity, session *domain.Session) {
	ctx := context.WithValue(r.Context(), IdentityKey, identity)
	ctx = context.WithValue(ctx, SessionKey, session)
	ctx = observability.WithUserID(ctx, identity.UserID)
	ctx = observability.WithSessionID(ctx, session.ID)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func isSessionGone(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound) ||
		errors.Is(err, domain.ErrSessionExpired) ||
		errors.Is(err, domain.ErrSessionInactive) ||
		errors.Is(err, domain.ErrSessionTimedOut)
}

// RequestMetaFrom collects the client-identifying signals from a request.
func RequestMetaFrom(r *http.Request) auth.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return auth.RequestMeta{
		IPAddress:      ip,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// SetSessionCookie writes the session cookie. HttpOnly and SameSite=Strict
// are always on; Secure follows deployment config so local development over
// plain HTTP still works.
func SetSessionCookie(w http.ResponseWriter, token string, expires time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// SetRememberCookie writes the long-lived remember-me cookie. The lifetime
// comes from the session policy so the cookie window and the server-side
// remember window stay equal.
func SetRememberCookie(w http.ResponseWriter, token string, lifetime time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RememberCookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(lifetime),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearAuthCookies expires both auth cookies on the client.
func ClearAuthCookies(w http.ResponseWriter, secure bool) {
	clearAuthCookies(w, secure)
}

func clearAuthCookies(w http.ResponseWriter, secure bool) {
	for _, name := range []string{SessionCookieName, RememberCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func GetIdentity(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(domain.Identity)
	return identity, ok
}

func GetSession(ctx context.Context) (*domain.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*domain.Session)
	return session, ok
}

func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

func WithSession(ctx context.Context, session *domain.Session) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}
