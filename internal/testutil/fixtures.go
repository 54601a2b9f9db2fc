package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"campus-portal/internal/domain"

	"golang.org/x/crypto/bcrypt"
)

// TestPassword is the plaintext behind every fixture account's hash.
const TestPassword = "sup3r-secret"

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

var (
	hashOnce sync.Once
	testHash string
)

// TestPasswordHash returns a bcrypt hash of TestPassword, computed once at
// minimum cost to keep test runs fast.
func TestPasswordHash() string {
	hashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
		if err != nil {
			panic("testutil: bcrypt failed: " + err.Error())
		}
		testHash = string(h)
	})
	return testHash
}

// AccountOptions allows customizing account fixture creation
type AccountOptions struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	Role              string
	IsActive          bool
	FailedAttempts    int
	LastFailedAttempt *time.Time
}

// NewTestAccount creates a test account with sensible defaults.
// Pass options to override specific fields.
func NewTestAccount(opts ...func(*AccountOptions)) *domain.Account {
	o := &AccountOptions{
		ID:           nextID("user"),
		Username:     fmt.Sprintf("testuser%d", idCounter.Load()),
		PasswordHash: TestPasswordHash(),
		Role:         "student",
		IsActive:     true,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.Email == "" {
		o.Email = o.Username + "@campus.example"
	}

	return &domain.Account{
		ID:                o.ID,
		Username:          o.Username,
		Email:             o.Email,
		PasswordHash:      o.PasswordHash,
		Role:              o.Role,
		IsActive:          o.IsActive,
		FailedAttempts:    o.FailedAttempts,
		LastFailedAttempt: o.LastFailedAttempt,
	}
}

// Account option functions

// WithAccountID sets the account ID
func WithAccountID(id string) func(*AccountOptions) {
	return func(o *AccountOptions) { o.ID = id }
}

// WithUsername sets the username
func WithUsername(username string) func(*AccountOptions) {
	return func(o *AccountOptions) { o.Username = username }
}

// WithRole sets the role
func WithRole(role string) func(*AccountOptions) {
	return func(o *AccountOptions) { o.Role = role }
}

// WithInactive marks the account deactivated
func WithInactive() func(*AccountOptions) {
	return func(o *AccountOptions) { o.IsActive = false }
}

// WithFailedAttempts sets the lockout counter state
func WithFailedAttempts(n int, last time.Time) func(*AccountOptions) {
	return func(o *AccountOptions) {
		o.FailedAttempts = n
		o.LastFailedAttempt = &last
	}
}

// SessionOptions allows customizing session fixture creation
type SessionOptions struct {
	UserID       string
	Token        string
	CSRFToken    string
	Fingerprint  string
	IPAddress    string
	UserAgent    string
	LoginTime    time.Time
	LastActivity time.Time
	RotatedAt    time.Time
	ExpiresAt    time.Time
	IsActive     bool
}

// NewTestSession creates a test session with sensible defaults
func NewTestSession(opts ...func(*SessionOptions)) *domain.Session {
	now := time.Now()
	o := &SessionOptions{
		UserID:       nextID("user"),
		Token:        nextID("token"),
		CSRFToken:    nextID("csrf"),
		IPAddress:    "203.0.113.10",
		UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		LoginTime:    now,
		LastActivity: now,
		RotatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
		IsActive:     true,
	}

	for _, opt := range opts {
		opt(o)
	}

	return &domain.Session{
		UserID:       o.UserID,
		Token:        o.Token,
		CSRFToken:    o.CSRFToken,
		CSRFIssuedAt: o.LoginTime,
		Fingerprint:  o.Fingerprint,
		IPAddress:    o.IPAddress,
		UserAgent:    o.UserAgent,
		LoginTime:    o.LoginTime,
		LastActivity: o.LastActivity,
		RotatedAt:    o.RotatedAt,
		ExpiresAt:    o.ExpiresAt,
		IsActive:     o.IsActive,
	}
}

// Session option functions

// WithSessionUserID sets the owning user
func WithSessionUserID(id string) func(*SessionOptions) {
	return func(o *SessionOptions) { o.UserID = id }
}

// WithSessionToken sets the token
func WithSessionToken(token string) func(*SessionOptions) {
	return func(o *SessionOptions) { o.Token = token }
}

// WithSessionExpiry sets the absolute expiry
func WithSessionExpiry(at time.Time) func(*SessionOptions) {
	return func(o *SessionOptions) { o.ExpiresAt = at }
}

// WithSessionInactive marks the session deactivated
func WithSessionInactive() func(*SessionOptions) {
	return func(o *SessionOptions) { o.IsActive = false }
}
