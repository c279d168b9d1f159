package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// tokenIDLogLength is the number of characters of an id included in logs.
const tokenIDLogLength = 8

// Store is an in-memory implementation of storage.Store.
// Rows are copied on the way in and out so callers never share state with
// the maps.
type Store struct {
	mu sync.RWMutex

	codes  map[string]*storage.AuthorizationCode
	tokens map[string]*storage.Token

	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		codes:  make(map[string]*storage.AuthorizationCode),
		tokens: make(map[string]*storage.Token),
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Counts returns the number of stored codes and tokens. Used for size gauges.
func (s *Store) Counts() (codes, tokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes), len(s.tokens)
}

// SaveAuthorizationCode stores a freshly minted code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return fmt.Errorf("authorization code already exists")
	}
	s.codes[code.Code] = copyCode(code)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode checks and marks the code under the write lock.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if now.After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	}
	if authCode.Consumed {
		return copyCode(authCode), storage.ErrCodeConsumed
	}

	authCode.Consumed = true
	return copyCode(authCode), nil
}

// DeleteExpiredAuthorizationCodes removes codes that expired before now.
func (s *Store) DeleteExpiredAuthorizationCodes(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, c := range s.codes {
		if now.After(c.ExpiresAt) {
			delete(s.codes, k)
			deleted++
		}
	}
	return deleted, nil
}

// SaveToken stores a new token row.
func (s *Store) SaveToken(_ context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return fmt.Errorf("token already exists")
	}
	s.tokens[token.ID] = copyToken(token)
	return nil
}

// GetToken returns the row for id.
func (s *Store) GetToken(_ context.Context, id string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyToken(t), nil
}

// ConsumeToken checks and revokes the token under the write lock.
func (s *Store) ConsumeToken(_ context.Context, id string, kind storage.TokenKind, now time.Time) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if t.Kind != kind {
		return nil, storage.ErrWrongKind
	}
	if t.Revoked {
		return copyToken(t), storage.ErrRevoked
	}
	if t.Expired(now) {
		return nil, fmt.Errorf("%w: %s token", storage.ErrExpired, kind)
	}

	t.Revoked = true
	return copyToken(t), nil
}

// RevokeToken marks a token revoked. Unknown ids are not an error.
func (s *Store) RevokeToken(_ context.Context, id string) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	t.Revoked = true
	return copyToken(t), nil
}

// RevokeFamily revokes every live token of a grant.
func (s *Store) RevokeFamily(_ context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, t := range s.tokens {
		if t.FamilyID == familyID && !t.Revoked {
			t.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

// DeleteExpiredAndRevoked removes rows that are revoked or expired at now.
func (s *Store) DeleteExpiredAndRevoked(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, t := range s.tokens {
		if t.Revoked || t.Expired(now) {
			delete(s.tokens, id)
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Debug("Deleted expired and revoked tokens", "count", deleted)
	}
	return deleted, nil
}

func copyCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

func copyToken(t *storage.Token) *storage.Token {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}
