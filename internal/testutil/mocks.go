// Package testutil provides shared test utilities, in-memory fakes, and
// fixtures for testing the campus-portal session core.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"campus-portal/internal/domain"
	"campus-portal/internal/ratelimit"
)

// Common test errors
var (
	ErrMockNotFound = errors.New("mock: not found")
	ErrMockStore    = errors.New("mock: store unavailable")
)

// MemSessionStore implements domain.SessionStore in memory. Function
// overrides allow fault injection per call.
type MemSessionStore struct {
	mu sync.RWMutex

	Sessions map[string]*domain.Session // keyed by ID

	// Function overrides - set these to customize behavior
	CreateFunc      func(ctx context.Context, s *domain.Session) error
	FindByTokenFunc func(ctx context.Context, token string) (*domain.Session, error)
	TouchFunc       func(ctx context.Context, id string, at time.Time) error

	nextID int
}

// NewMemSessionStore creates an empty in-memory session store.
func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{Sessions: make(map[string]*domain.Session)}
}

func (m *MemSessionStore) Create(ctx context.Context, s *domain.Session) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = fmt.Sprintf("session-%d", m.nextID)
	cp := *s
	m.Sessions[s.ID] = &cp
	return nil
}

func (m *MemSessionStore) FindByToken(ctx context.Context, token string) (*domain.Session, error) {
	if m.FindByTokenFunc != nil {
		return m.FindByTokenFunc(ctx, token)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.Sessions {
		if s.Token == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (m *MemSessionStore) FindByRememberToken(_ context.Context, token string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.Sessions {
		if s.RememberToken != "" && s.RememberToken == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (m *MemSessionStore) FindByID(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.Sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemSessionStore) ListActiveForUser(_ context.Context, userID string) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.Sessions {
		if s.UserID == userID && s.IsActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemSessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	if m.TouchFunc != nil {
		return m.TouchFunc(ctx, id, at)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.LastActivity = at
	return nil
}

func (m *MemSessionStore) RotateToken(_ context.Context, id, oldToken, newToken string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok || s.Token != oldToken {
		return false, nil
	}
	s.Token = newToken
	s.RotatedAt = at
	return true, nil
}

func (m *MemSessionStore) SetCSRFToken(_ context.Context, id, token string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.CSRFToken = token
	s.CSRFIssuedAt = issuedAt
	return nil
}

func (m *MemSessionStore) SetRememberToken(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.RememberToken = token
	return nil
}

func (m *MemSessionStore) ClearRememberToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.RememberToken = ""
	return nil
}

func (m *MemSessionStore) Deactivate(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.IsActive = false
	s.RevokedAt = &at
	return nil
}

func (m *MemSessionStore) DeactivateAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.Sessions {
		if s.UserID == userID && s.IsActive {
			s.IsActive = false
			s.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *MemSessionStore) CountActiveForUser(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.Sessions {
		if s.UserID == userID && s.IsActive {
			count++
		}
	}
	return count, nil
}

func (m *MemSessionStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for _, s := range m.Sessions {
		if s.IsActive && now.After(s.ExpiresAt) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *MemSessionStore) PurgeOlderThan(_ context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var n int64
	for id, s := range m.Sessions {
		if !s.IsActive && s.RevokedAt != nil && s.RevokedAt.Before(cutoff) {
			delete(m.Sessions, id)
			n++
		}
	}
	return n, nil
}

// Get returns the live stored record (not a copy) for assertions.
func (m *MemSessionStore) Get(id string) *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Sessions[id]
}

// MemAccountStore implements domain.AccountStore in memory.
type MemAccountStore struct {
	mu       sync.RWMutex
	Accounts map[string]*domain.Account // keyed by ID

	// Function overrides
	FindByIdentifierFunc func(ctx context.Context, identifier string) (*domain.Account, error)
}

// NewMemAccountStore creates an account store seeded with the given accounts.
func NewMemAccountStore(accounts ...*domain.Account) *MemAccountStore {
	m := &MemAccountStore{Accounts: make(map[string]*domain.Account)}
	for _, a := range accounts {
		m.Accounts[a.ID] = a
	}
	return m
}

func (m *MemAccountStore) FindByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	if m.FindByIdentifierFunc != nil {
		return m.FindByIdentifierFunc(ctx, identifier)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.Accounts {
		if a.Username == identifier || a.Email == identifier {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (m *MemAccountStore) FindByID(_ context.Context, id string) (*domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemAccountStore) RecordFailedAttempt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.FailedAttempts++
	t := at
	a.LastFailedAttempt = &t
	return nil
}

func (m *MemAccountStore) ResetFailedAttempts(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.FailedAttempts = 0
	a.LastFailedAttempt = nil
	return nil
}

// AllowAllLimiter satisfies ratelimit.Limiter and never throttles.
type AllowAllLimiter struct{}

func (AllowAllLimiter) Attempt(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Remaining: 1, ResetAt: time.Now()}, nil
}

func (AllowAllLimiter) Reset(context.Context, string) error { return nil }

// DenyAllLimiter satisfies ratelimit.Limiter and always throttles.
type DenyAllLimiter struct {
	ResetAt time.Time
}

func (d DenyAllLimiter) Attempt(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, Remaining: 0, ResetAt: d.ResetAt}, nil
}

func (DenyAllLimiter) Reset(context.Context, string) error { return nil }
