package security

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RequestSignals are the request-identifying values a fingerprint is
// derived from. UserAgent, AcceptLanguage and AcceptEncoding form the
// browser half; RemoteAddr forms the network half.
type RequestSignals struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	RemoteAddr     string
}

// CompareResult grades a fingerprint comparison.
type CompareResult int

const (
	// FingerprintMatch means both halves are identical.
	FingerprintMatch CompareResult = iota
	// FingerprintPartial means only the network half differs. IP churn from
	// mobile carriers and proxies is expected, so this is a signal, not a
	// rejection.
	FingerprintPartial
	// FingerprintMismatch means the browser half differs. A user agent does
	// not change mid-session; treat as takeover.
	FingerprintMismatch
)

func (r CompareResult) String() string {
	switch r {
	case FingerprintMatch:
		return "match"
	case FingerprintPartial:
		return "partial"
	default:
		return "mismatch"
	}
}

// FingerprintGuard derives and compares request fingerprints. The hash is a
// detection aid, not a credential, so no secret key is involved.
type FingerprintGuard struct{}

// NewFingerprintGuard creates a fingerprint guard.
func NewFingerprintGuard() *FingerprintGuard {
	return &FingerprintGuard{}
}

// Derive computes the fingerprint for a request. The result is a stable
// "browserHash:networkHash" string suitable for storage on the session row.
func (g *FingerprintGuard) Derive(sig RequestSignals) string {
	browser := sha256.Sum256([]byte(sig.UserAgent + "\x00" + sig.AcceptLanguage + "\x00" + sig.AcceptEncoding))
	network := sha256.Sum256([]byte(sig.RemoteAddr))
	return hex.EncodeToString(browser[:]) + ":" + hex.EncodeToString(network[:])
}

// Compare grades the stored fingerprint against the current request's.
// With strictIP set, a network-only difference is promoted to a mismatch.
func (g *FingerprintGuard) Compare(stored, current string, strictIP bool) CompareResult {
	if stored == current {
		return FingerprintMatch
	}

	storedBrowser, storedNet := splitFingerprint(stored)
	currentBrowser, currentNet := splitFingerprint(current)

	if storedBrowser != currentBrowser {
		return FingerprintMismatch
	}
	if storedNet != currentNet && strictIP {
		return FingerprintMismatch
	}
	return FingerprintPartial
}

func splitFingerprint(fp string) (browser, network string) {
	browser, network, ok := strings.Cut(fp, ":")
	if !ok {
		return fp, ""
	}
	return browser, network
}
