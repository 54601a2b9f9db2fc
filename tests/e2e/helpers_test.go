//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const testAccountPassword = "portal-pass-123"

// TestClient wraps http.Client with cookie handling for a single browser
// session. The CSRF token from the last login is attached to every unsafe
// request.
type TestClient struct {
	*http.Client
	t         *testing.T
	csrfToken string
	userID    string
	username  string
}

// NewTestClient creates a new test client with cookie jar
func NewTestClient(t *testing.T) *TestClient {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}

	return &TestClient{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		t: t,
	}
}

// seedAccount inserts an account directly into the database and returns its ID.
// Accounts are provisioned by the registrar system, not this service, so
// tests create them at the SQL level.
func seedAccount(t *testing.T, username, role string) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAccountPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	var id string
	err = testDB.QueryRowContext(context.Background(), `
		INSERT INTO accounts (username, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, username, username+"@campus.example", string(hash), role).Scan(&id)
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return id
}

// LoginUser logs in and stores the CSRF token for later unsafe requests
func (tc *TestClient) LoginUser(identifier, password string, rememberMe bool) (*LoginResponse, error) {
	body := map[string]interface{}{
		"identifier":  identifier,
		"password":    password,
		"remember_me": rememberMe,
	}

	resp, err := tc.PostJSON("/api/v1/auth/login", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("login failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}

	tc.csrfToken = result.CSRFToken
	tc.userID = result.User.UserID
	tc.username = result.User.Username
	return &result, nil
}

// Logout logs out the current session
func (tc *TestClient) Logout() error {
	resp, err := tc.PostJSON("/api/v1/auth/logout", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("logout failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	tc.csrfToken = ""
	return nil
}

// GetMe returns the identity behind the current session
func (tc *TestClient) GetMe() (*UserResponse, error) {
	resp, err := tc.Get(baseURL + "/api/v1/auth/me")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get me failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result UserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode me response: %w", err)
	}

	return &result, nil
}

// ListSessions returns the caller's active sessions
func (tc *TestClient) ListSessions() (*SessionListResponse, error) {
	resp, err := tc.Get(baseURL + "/api/v1/auth/sessions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list sessions failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result SessionListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode sessions response: %w", err)
	}

	return &result, nil
}

// TerminateSession revokes one of the caller's sessions by ID
func (tc *TestClient) TerminateSession(sessionID string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/v1/auth/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	if tc.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", tc.csrfToken)
	}
	return tc.Do(req)
}

// PostJSON makes a POST request with JSON body and the stored CSRF token
func (tc *TestClient) PostJSON(path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if tc.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", tc.csrfToken)
	}
	return tc.Do(req)
}

// PostJSONWithoutCSRF makes a POST request leaving the CSRF header off
func (tc *TestClient) PostJSONWithoutCSRF(path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return tc.Do(req)
}

// Response types
type UserResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LoginResponse struct {
	User      UserResponse `json:"user"`
	CSRFToken string       `json:"csrf_token"`
	ExpiresAt string       `json:"expires_at"`
}

type SessionInfoResponse struct {
	SessionID    string `json:"session_id"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	LoginTime    string `json:"login_time"`
	LastActivity string `json:"last_activity"`
	Current      bool   `json:"current"`
}

type SessionListResponse struct {
	Sessions []SessionInfoResponse `json:"sessions"`
}

// Test helpers

// uniqueUsername generates a unique username for testing
func uniqueUsername(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// setupLoggedInUser seeds an account and logs it in, returning the client
func setupLoggedInUser(t *testing.T, prefix string) *TestClient {
	t.Helper()

	username := uniqueUsername(prefix)
	seedAccount(t, username, "student")

	client := NewTestClient(t)
	if _, err := client.LoginUser(username, testAccountPassword, false); err != nil {
		t.Fatalf("failed to login user: %v", err)
	}

	return client
}

// deactivateAllSessions flips every session for the user to inactive at the
// SQL level, simulating server-side revocation or expiry.
func deactivateAllSessions(t *testing.T, username string) {
	t.Helper()
	_, err := testDB.ExecContext(context.Background(), `
		UPDATE sessions SET is_active = FALSE, revoked_at = NOW()
		WHERE user_id = (SELECT id FROM accounts WHERE username = $1)
	`, username)
	if err != nil {
		t.Fatalf("failed to deactivate sessions: %v", err)
	}
}

// assertNoError fails the test if err is not nil
func assertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// assertEqual checks if two values are equal
func assertEqual[T comparable](t *testing.T, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}
