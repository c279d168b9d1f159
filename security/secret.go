package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SecretMatcher compares presented shared secrets against a configured one.
// The configured value may be plain text or a bcrypt hash ($2a$, $2b$, $2y$).
type SecretMatcher struct {
	plain  [32]byte
	hash   []byte
	isHash bool
	empty  bool
}

// NewSecretMatcher returns a matcher for configured. An empty configured
// secret matches nothing; callers decide whether that means "open".
func NewSecretMatcher(configured string) *SecretMatcher {
	m := &SecretMatcher{empty: configured == ""}
	if isBcryptHash(configured) {
		m.hash = []byte(configured)
		m.isHash = true
		return m
	}
	m.plain = sha256.Sum256([]byte(configured))
	return m
}

// Configured reports whether a secret was set.
func (m *SecretMatcher) Configured() bool {
	return !m.empty
}

// Match reports whether presented equals the configured secret. Plain
// secrets are compared as SHA-256 digests in constant time, so neither the
// content nor the length leaks through timing.
func (m *SecretMatcher) Match(presented string) bool {
	if m.empty || presented == "" {
		return false
	}
	if m.isHash {
		return bcrypt.CompareHashAndPassword(m.hash, []byte(presented)) == nil
	}
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(got[:], m.plain[:]) == 1
}

// HashSecret returns a bcrypt hash suitable as a configured secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
