package security

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// tokenBytes is the raw entropy per token. 32 bytes (256 bits) keeps
// brute-force guessing infeasible; tokens travel as 64-char hex strings.
const tokenBytes = 32

// TokenManager generates session, remember-me and CSRF tokens from a
// cryptographically secure random source and verifies presented values
// with constant-time comparison.
type TokenManager struct {
	csrfMaxAge time.Duration
}

// NewTokenManager creates a token manager. csrfMaxAge bounds the lifetime of
// CSRF tokens; zero disables the age check.
func NewTokenManager(csrfMaxAge time.Duration) *TokenManager {
	return &TokenManager{csrfMaxAge: csrfMaxAge}
}

// NewSessionToken returns a fresh session token.
func (tm *TokenManager) NewSessionToken() (string, error) {
	return randomToken()
}

// NewRememberToken returns a fresh remember-me token.
func (tm *TokenManager) NewRememberToken() (string, error) {
	return randomToken()
}

// NewCSRFToken returns a fresh CSRF token.
func (tm *TokenManager) NewCSRFToken() (string, error) {
	return randomToken()
}

// Verify compares a presented token against the stored value in constant
// time. Empty stored values never match.
func (tm *TokenManager) Verify(presented, stored string) bool {
	if stored == "" {
		return false
	}
	return hmac.Equal([]byte(presented), []byte(stored))
}

// VerifyCSRF checks a presented CSRF token against the stored value and its
// issue time. An expired token fails even when the bytes match.
func (tm *TokenManager) VerifyCSRF(presented, stored string, issuedAt, now time.Time) error {
	if !tm.Verify(presented, stored) {
		return ErrInvalidToken
	}
	if tm.csrfMaxAge > 0 && now.Sub(issuedAt) > tm.csrfMaxAge {
		return ErrTokenExpired
	}
	return nil
}

// CSRFStale reports whether a CSRF token issued at the given time should be
// rotated.
func (tm *TokenManager) CSRFStale(issuedAt, now time.Time) bool {
	return tm.csrfMaxAge > 0 && now.Sub(issuedAt) > tm.csrfMaxAge
}

func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random source: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
