package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors returned by every backend. Callers match them with errors.Is.
var (
	// ErrNotFound is returned when no row exists for the given id.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a code or token is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrCodeConsumed is returned when an authorization code was already exchanged.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrRevoked is returned when a token was revoked or already rotated.
	ErrRevoked = errors.New("token revoked")

	// ErrWrongKind is returned when a token of one kind is presented as another.
	ErrWrongKind = errors.New("token kind mismatch")
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// AuthorizationCode is a short-lived, single-use grant bound to a verified user.
type AuthorizationCode struct {
	Code                string
	UserID              string
	Email               string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	Audience            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// Token is one issued access or refresh token.
//
// For access tokens ID is the JWT "jti". For refresh tokens ID is
// HashToken(value); the bearer value itself is never stored.
type Token struct {
	ID        string
	Kind      TokenKind
	UserID    string
	Email     string
	ClientID  string
	Audience  string
	Scopes    []string
	FamilyID  string // authorization grant this token descends from
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a freshly minted code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically checks that the code exists, is not
	// expired at now and is not consumed, and marks it consumed. Exactly one
	// caller wins for a given code. Errors: ErrNotFound, ErrExpired,
	// ErrCodeConsumed (the stored code is returned alongside for auditing).
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// DeleteExpiredAuthorizationCodes removes codes that expired before now.
	DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error)
}

// TokenStore persists issued tokens.
type TokenStore interface {
	// SaveToken stores a new token row.
	SaveToken(ctx context.Context, token *Token) error

	// GetToken returns the row for id, or ErrNotFound.
	GetToken(ctx context.Context, id string) (*Token, error)

	// ConsumeToken atomically checks that the token exists, has the given
	// kind, is not revoked and not expired at now, and marks it revoked.
	// Used for refresh-token rotation. Errors: ErrNotFound, ErrWrongKind,
	// ErrExpired, ErrRevoked (the stored row is returned alongside).
	ConsumeToken(ctx context.Context, id string, kind TokenKind, now time.Time) (*Token, error)

	// RevokeToken marks a token revoked. Unknown ids and already revoked
	// tokens are not errors; the returned row is nil when id is unknown.
	RevokeToken(ctx context.Context, id string) (*Token, error)

	// RevokeFamily revokes every token of a grant and returns how many rows
	// changed state.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// DeleteExpiredAndRevoked removes rows that are revoked or expired at now
	// and returns how many were removed. Live rows are never touched.
	DeleteExpiredAndRevoked(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	CodeStore
	TokenStore
}

// HashToken returns the storage id for an opaque bearer value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
