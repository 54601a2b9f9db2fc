package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"campus-portal/internal/auth"
	"campus-portal/internal/domain"
	"campus-portal/internal/security"
	"campus-portal/internal/testutil"
)

const (
	testRemoteAddr = "192.0.2.1:1234"
	testUserAgent  = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"
)

func newTestAuthority(t *testing.T) (*auth.Authority, *testutil.MemSessionStore, *domain.Account) {
	t.Helper()
	account := testutil.NewTestAccount()
	sessions := testutil.NewMemSessionStore()
	accounts := testutil.NewMemAccountStore(account)
	policy := auth.DefaultSessionPolicy()
	authority := auth.NewAuthority(
		sessions,
		accounts,
		security.NewTokenManager(policy.CSRFMaxAge),
		security.NewFingerprintGuard(),
		testutil.AllowAllLimiter{},
		nil,
		policy,
	)
	return authority, sessions, account
}

func loginTestUser(t *testing.T, authority *auth.Authority, account *domain.Account, rememberMe bool) *auth.SessionHandle {
	t.Helper()
	handle, err := authority.Login(context.Background(), auth.Credentials{
		Identifier: account.Username,
		Password:   testutil.TestPassword,
		RememberMe: rememberMe,
	}, auth.RequestMeta{
		IPAddress:      "192.0.2.1",
		UserAgent:      testUserAgent,
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
	})
	testutil.AssertNoError(t, err)
	return handle
}

func newBrowserRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = testRemoteAddr
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept-Encoding", "gzip")
	return req
}

func TestAuth_ValidSession(t *testing.T) {
	authority, _, account := newTestAuthority(t)
	handle := loginTestUser(t, authority, account, false)

	var gotIdentity domain.Identity
	nextHandlerCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextHandlerCalled = true
		identity, ok := GetIdentity(r.Context())
		testutil.AssertTrue(t, ok, "identity should be in context")
		gotIdentity = identity
		_, ok = GetSession(r.Context())
		testutil.AssertTrue(t, ok, "session should be in context")
		w.WriteHeader(http.StatusOK)
	})

	handler := Auth(authority, false)(nextHandler)

	req := newBrowserRequest(http.MethodGet, "/api/v1/auth/me")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: handle.Token})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertTrue(t, nextHandlerCalled, "next handler should be called")
	testutil.AssertEqual(t, account.ID, gotIdentity.UserID)
	testutil.AssertEqual(t, handle.SessionID, gotIdentity.SessionID)
}

func TestAuth_NoCookie(t *testing.T) {
	authority, _, _ := newTestAuthority(t)

	nextHandlerCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextHandlerCalled = true
	})

	handler := Auth(authority, false)(nextHandler)

	req := newBrowserRequest(http.MethodGet, "/api/v1/auth/me")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	testutil.AssertFalse(t, nextHandlerCalled, "next handler should not be called")
	testutil.AssertContains(t, w.Body.String(), "Not authenticated")
}

func TestAuth_UnknownToken(t *testing.T) {
	authority, _, _ := newTestAuthority(t)

	handler := Auth(authority, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called")
	}))

	req := newBrowserRequest(http.MethodGet, "/api/v1/auth/me")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "never-issued"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
}

func TestAuth_HijackClearsCookies(t *testing.T) {
	authority, sessions, account := newTestAuthority(t)
	handle := loginTestUser(t, authority, account, false)

	handler := Auth(authority, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called")
	}))

	// Same token, different browser.
	req := newBrowserRequest(http.MethodGet, "/api/v1/auth/me")
	req.Header.Set("User-Agent", "curl/8.5.0")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: handle.Token})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	session := testutil.AssertCookie(t, w, SessionCookieName)
	testutil.AssertEqual(t, "", session.Value)
	testutil.AssertFalse(t, sessions.Get(handle.SessionID).IsActive, "session should be invalidated")
}

func TestAuth_RememberedFallback(t *testing.T) {
	authority, sessions, account := newTestAuthority(t)
	handle := loginTestUser(t, authority, account, true)

	// Retire the primary session; only the remember token is left.
	testutil.AssertNoError(t, sessions.Deactivate(context.Background(), handle.SessionID, sessions.Get(handle.SessionID).LastActivity))

	nextHandlerCalled := false
	handler := Auth(authority, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextHandlerCalled = true
		identity, ok := GetIdentity(r.Context())
		testutil.AssertTrue(t, ok, "identity should be in context")
		testutil.AssertEqual(t, account.ID, identity.UserID)
		w.WriteHeader(http.StatusOK)
	}))

	req := newBrowserRequest(http.MethodGet, "/api/v1/auth/me")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: handle.Token})
	req.AddCookie(&http.Cookie{Name: RememberCookieName, Value: handle.RememberToken})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertTrue(t, nextHandlerCalled, "next handler should be called")

	// A fresh session cookie and a rotated remember cookie come back.
	fresh := testutil.AssertCookie(t, w, SessionCookieName)
	testutil.AssertNotEqual(t, handle.Token, fresh.Value)
	rotated := testutil.AssertCookie(t, w, RememberCookieName)
	testutil.AssertNotEqual(t, handle.RememberToken, rotated.Value)
}

func TestAuth_StoreErrorDenies(t *testing.T) {
	authority, sessions, account := newTestAuthority(t)
	handle := loginTestUser(t, authority, account, false)

	sessions.FindByTokenFunc = func(context.Context, string) (*domain.Session, error) {
		return nil, testutil.ErrMockStore
	}

	handler := Auth(authority, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called")
	}))

	req := newBrowserRequest(http.MethodGet, "/api/v1/auth/me")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: handle.Token})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusServiceUnavailable)
}

func TestAuth_DeactivatedAccountDenied(t *testing.T) {
	authority, _, account := newTestAuthority(t)
	handle := loginTestUser(t, authority, account, true)

	account.IsActive = false

	handler := Auth(authority, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called")
	}))

	req := newBrowserRequest(http.MethodGet, "/api/v1/auth/me")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: handle.Token})
	req.AddCookie(&http.Cookie{Name: RememberCookieName, Value: handle.RememberToken})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	testutil.AssertContains(t, w.Body.String(), "Not authenticated")
	testutil.AssertCookieCleared(t, w, SessionCookieName)
	testutil.AssertCookieCleared(t, w, RememberCookieName)
}

func TestCookieAttributes(t *testing.T) {
	t.Run("session_cookie", func(t *testing.T) {
		w := httptest.NewRecorder()
		SetSessionCookie(w, "token-value", time.Now().Add(time.Hour), true)

		cookie := testutil.AssertCookie(t, w, SessionCookieName)
		testutil.AssertEqual(t, http.SameSiteStrictMode, cookie.SameSite)
		testutil.AssertTrue(t, cookie.HttpOnly, "session cookie must be HttpOnly")
		testutil.AssertTrue(t, cookie.Secure, "secure flag should follow config")
	})

	t.Run("remember_cookie_follows_policy_lifetime", func(t *testing.T) {
		lifetime := 7 * 24 * time.Hour
		w := httptest.NewRecorder()
		SetRememberCookie(w, "remember-value", lifetime, false)

		cookie := testutil.AssertCookie(t, w, RememberCookieName)
		testutil.AssertEqual(t, http.SameSiteStrictMode, cookie.SameSite)
		testutil.AssertTrue(t, cookie.HttpOnly, "remember cookie must be HttpOnly")

		want := time.Now().Add(lifetime)
		diff := cookie.Expires.Sub(want)
		if diff < -time.Minute || diff > time.Minute {
			t.Errorf("remember cookie expires %v, want about %v", cookie.Expires, want)
		}
	})

	t.Run("cleared_cookies_keep_strict_same_site", func(t *testing.T) {
		w := httptest.NewRecorder()
		ClearAuthCookies(w, false)

		for _, name := range []string{SessionCookieName, RememberCookieName} {
			cookie := testutil.AssertCookie(t, w, name)
			testutil.AssertEqual(t, http.SameSiteStrictMode, cookie.SameSite)
			testutil.AssertCookieCleared(t, w, name)
		}
	})
}

func TestRequestMetaFrom(t *testing.T) {
	req := newBrowserRequest(http.MethodGet, "/")
	meta := RequestMetaFrom(req)

	testutil.AssertEqual(t, "192.0.2.1", meta.IPAddress)
	testutil.AssertEqual(t, testUserAgent, meta.UserAgent)
	testutil.AssertEqual(t, "en-US", meta.AcceptLanguage)
	testutil.AssertEqual(t, "gzip", meta.AcceptEncoding)
}

func TestContextHelpers(t *testing.T) {
	identity := domain.Identity{UserID: "user-123", Username: "jsmith", Role: "staff", SessionID: "session-1"}
	session := testutil.NewTestSession()

	ctx := WithIdentity(context.Background(), identity)
	ctx = WithSession(ctx, session)

	gotIdentity, ok := GetIdentity(ctx)
	testutil.AssertTrue(t, ok, "identity should round-trip")
	testutil.AssertEqual(t, identity, gotIdentity)

	gotSession, ok := GetSession(ctx)
	testutil.AssertTrue(t, ok, "session should round-trip")
	testutil.AssertEqual(t, session.ID, gotSession.ID)

	_, ok = GetIdentity(context.Background())
	testutil.AssertFalse(t, ok, "empty context should have no identity")
}
