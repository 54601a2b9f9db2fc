package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"campus-portal/internal/auth"
	"campus-portal/internal/domain"
	"campus-portal/internal/middleware"
	"campus-portal/internal/security"
	"campus-portal/internal/testutil"

	"github.com/go-chi/chi/v5"
)

const testUserAgent = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"

type handlerFixture struct {
	handler   *AuthHandler
	authority *auth.Authority
	sessions  *testutil.MemSessionStore
	account   *domain.Account
}

func newHandlerFixture(t *testing.T, mutate ...func(*auth.SessionPolicy)) *handlerFixture {
	t.Helper()

	policy := auth.DefaultSessionPolicy()
	for _, m := range mutate {
		m(&policy)
	}

	account := testutil.NewTestAccount(testutil.WithRole("staff"))
	sessions := testutil.NewMemSessionStore()
	accounts := testutil.NewMemAccountStore(account)
	authority := auth.NewAuthority(
		sessions,
		accounts,
		security.NewTokenManager(policy.CSRFMaxAge),
		security.NewFingerprintGuard(),
		testutil.AllowAllLimiter{},
		nil,
		policy,
	)

	return &handlerFixture{
		handler:   NewAuthHandler(authority, false),
		authority: authority,
		sessions:  sessions,
		account:   account,
	}
}

func (f *handlerFixture) loginRequest(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testUserAgent)
	w := httptest.NewRecorder()
	f.handler.Login(w, req)
	return w
}

func (f *handlerFixture) login(t *testing.T, rememberMe bool) *auth.SessionHandle {
	t.Helper()
	handle, err := f.authority.Login(context.Background(), auth.Credentials{
		Identifier: f.account.Username,
		Password:   testutil.TestPassword,
		RememberMe: rememberMe,
	}, auth.RequestMeta{IPAddress: "192.0.2.1", UserAgent: testUserAgent})
	testutil.AssertNoError(t, err)
	return handle
}

// authedContext builds the context the Auth middleware would have set up.
func (f *handlerFixture) authedContext(ctx context.Context, handle *auth.SessionHandle) context.Context {
	ctx = middleware.WithIdentity(ctx, handle.Identity)
	return middleware.WithSession(ctx, f.sessions.Get(handle.SessionID))
}

func TestAuthHandler_Login(t *testing.T) {
	t.Run("success_sets_cookie_and_returns_identity", func(t *testing.T) {
		f := newHandlerFixture(t)

		w := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"`+testutil.TestPassword+`"}`)

		testutil.AssertStatusCode(t, w, http.StatusOK)

		resp := testutil.DecodeJSON[LoginResponse](t, w)
		testutil.AssertEqual(t, f.account.ID, resp.User.UserID)
		testutil.AssertEqual(t, "staff", resp.User.Role)
		testutil.AssertNotEqual(t, "", resp.CSRFToken)

		cookie := testutil.AssertCookie(t, w, middleware.SessionCookieName)
		testutil.AssertNotEqual(t, "", cookie.Value)
		testutil.AssertTrue(t, cookie.HttpOnly, "session cookie must be HttpOnly")
		testutil.AssertNoCookie(t, w, middleware.RememberCookieName)
	})

	t.Run("remember_me_sets_second_cookie", func(t *testing.T) {
		f := newHandlerFixture(t)

		w := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"`+testutil.TestPassword+`","remember_me":true}`)

		testutil.AssertStatusCode(t, w, http.StatusOK)
		remember := testutil.AssertCookie(t, w, middleware.RememberCookieName)
		session := testutil.AssertCookie(t, w, middleware.SessionCookieName)
		testutil.AssertNotEqual(t, session.Value, remember.Value)
	})

	t.Run("invalid_body", func(t *testing.T) {
		f := newHandlerFixture(t)
		w := f.loginRequest(t, `{not json`)
		testutil.AssertStatusCode(t, w, http.StatusBadRequest)
	})

	t.Run("missing_fields", func(t *testing.T) {
		f := newHandlerFixture(t)
		w := f.loginRequest(t, `{"identifier":"jsmith"}`)
		testutil.AssertStatusCode(t, w, http.StatusBadRequest)
	})

	t.Run("wrong_password_is_generic_401", func(t *testing.T) {
		f := newHandlerFixture(t)
		w := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"wrong"}`)

		testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
		testutil.AssertContains(t, w.Body.String(), "Invalid credentials")
	})

	t.Run("unknown_user_gets_identical_body", func(t *testing.T) {
		f := newHandlerFixture(t)

		wrongPassword := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"wrong"}`)
		unknownUser := f.loginRequest(t, `{"identifier":"nobody","password":"wrong"}`)

		testutil.AssertStatusCode(t, unknownUser, http.StatusUnauthorized)
		testutil.AssertEqual(t, wrongPassword.Body.String(), unknownUser.Body.String())
	})

	t.Run("inactive_account_is_generic_401", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.account.IsActive = false

		w := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"`+testutil.TestPassword+`"}`)

		testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
		testutil.AssertContains(t, w.Body.String(), "Invalid credentials")
	})

	t.Run("lockout_returns_423_with_retry", func(t *testing.T) {
		f := newHandlerFixture(t)

		for i := 0; i < 5; i++ {
			f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"wrong"}`)
		}
		w := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"`+testutil.TestPassword+`"}`)

		testutil.AssertStatusCode(t, w, http.StatusLocked)
		body := testutil.DecodeJSON[map[string]interface{}](t, w)
		seconds, ok := body["retry_after_seconds"].(float64)
		testutil.AssertTrue(t, ok, "body should carry retry_after_seconds")
		testutil.AssertTrue(t, seconds > 0, "retry seconds should be positive")
		testutil.AssertNotEqual(t, "", w.Header().Get("Retry-After"))
	})

	t.Run("session_limit_returns_409", func(t *testing.T) {
		f := newHandlerFixture(t, func(p *auth.SessionPolicy) {
			p.MaxConcurrentSessions = 1
		})
		f.login(t, false)

		w := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"`+testutil.TestPassword+`"}`)
		testutil.AssertStatusCode(t, w, http.StatusConflict)
	})

	t.Run("store_error_returns_503", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.sessions.CreateFunc = func(context.Context, *domain.Session) error {
			return testutil.ErrMockStore
		}

		w := f.loginRequest(t, `{"identifier":"`+f.account.Username+`","password":"`+testutil.TestPassword+`"}`)
		testutil.AssertStatusCode(t, w, http.StatusServiceUnavailable)
	})
}

func TestAuthHandler_RateLimited(t *testing.T) {
	f := newHandlerFixture(t)
	limited := auth.NewAuthority(
		f.sessions,
		testutil.NewMemAccountStore(f.account),
		security.NewTokenManager(auth.DefaultSessionPolicy().CSRFMaxAge),
		security.NewFingerprintGuard(),
		testutil.DenyAllLimiter{},
		nil,
		auth.DefaultSessionPolicy(),
	)
	handler := NewAuthHandler(limited, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"identifier":"jsmith","password":"whatever"}`))
	w := httptest.NewRecorder()
	handler.Login(w, req)

	testutil.AssertStatusCode(t, w, http.StatusTooManyRequests)
	testutil.AssertContains(t, w.Body.String(), "retry_after_seconds")
}

func TestAuthHandler_Logout(t *testing.T) {
	t.Run("clears_session_and_cookies", func(t *testing.T) {
		f := newHandlerFixture(t)
		handle := f.login(t, false)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
		req = req.WithContext(f.authedContext(req.Context(), handle))
		w := httptest.NewRecorder()
		f.handler.Logout(w, req)

		testutil.AssertStatusCode(t, w, http.StatusNoContent)
		testutil.AssertFalse(t, f.sessions.Get(handle.SessionID).IsActive, "session should be inactive")

		testutil.AssertCookieCleared(t, w, middleware.SessionCookieName)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		f := newHandlerFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
		w := httptest.NewRecorder()
		f.handler.Logout(w, req)

		testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	})
}

func TestAuthHandler_Me(t *testing.T) {
	f := newHandlerFixture(t)
	handle := f.login(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(f.authedContext(req.Context(), handle))
	w := httptest.NewRecorder()
	f.handler.Me(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[UserResponse](t, w)
	testutil.AssertEqual(t, f.account.ID, resp.UserID)
	testutil.AssertEqual(t, f.account.Username, resp.Username)
	testutil.AssertEqual(t, "staff", resp.Role)
}

func TestAuthHandler_CSRF(t *testing.T) {
	f := newHandlerFixture(t)
	handle := f.login(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf", nil)
	req = req.WithContext(f.authedContext(req.Context(), handle))
	w := httptest.NewRecorder()
	f.handler.CSRF(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	body := testutil.DecodeJSON[map[string]string](t, w)
	testutil.AssertEqual(t, handle.CSRFToken, body["csrf_token"])
}

func TestAuthHandler_ListSessions(t *testing.T) {
	f := newHandlerFixture(t)
	first := f.login(t, false)
	second := f.login(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/sessions", nil)
	req = req.WithContext(f.authedContext(req.Context(), second))
	w := httptest.NewRecorder()
	f.handler.ListSessions(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)

	var body map[string][]SessionInfo
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	testutil.AssertLen(t, body["sessions"], 2)

	currentCount := 0
	for _, info := range body["sessions"] {
		if info.Current {
			currentCount++
			testutil.AssertEqual(t, second.SessionID, info.SessionID)
		} else {
			testutil.AssertEqual(t, first.SessionID, info.SessionID)
		}
	}
	testutil.AssertEqual(t, 1, currentCount)
}

func TestAuthHandler_TerminateSession(t *testing.T) {
	newTerminateRequest := func(f *handlerFixture, handle *auth.SessionHandle, targetID string) *http.Request {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/auth/sessions/"+targetID, nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", targetID)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
		return req.WithContext(f.authedContext(req.Context(), handle))
	}

	t.Run("owner_revokes_other_session", func(t *testing.T) {
		f := newHandlerFixture(t)
		victim := f.login(t, false)
		current := f.login(t, false)

		w := httptest.NewRecorder()
		f.handler.TerminateSession(w, newTerminateRequest(f, current, victim.SessionID))

		testutil.AssertStatusCode(t, w, http.StatusNoContent)
		testutil.AssertFalse(t, f.sessions.Get(victim.SessionID).IsActive, "victim session should be revoked")
		testutil.AssertTrue(t, f.sessions.Get(current.SessionID).IsActive, "current session should survive")
	})

	t.Run("not_owner_gets_403", func(t *testing.T) {
		f := newHandlerFixture(t)
		handle := f.login(t, false)

		other := testutil.NewTestSession(testutil.WithSessionUserID("someone-else"))
		testutil.AssertNoError(t, f.sessions.Create(context.Background(), other))

		w := httptest.NewRecorder()
		f.handler.TerminateSession(w, newTerminateRequest(f, handle, other.ID))

		testutil.AssertStatusCode(t, w, http.StatusForbidden)
	})

	t.Run("unknown_session_gets_404", func(t *testing.T) {
		f := newHandlerFixture(t)
		handle := f.login(t, false)

		w := httptest.NewRecorder()
		f.handler.TerminateSession(w, newTerminateRequest(f, handle, "missing"))

		testutil.AssertStatusCode(t, w, http.StatusNotFound)
	})
}
