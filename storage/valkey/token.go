package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// tokenJSON is the stored form of a token. Revoked is kept in its own hash
// field.
type tokenJSON struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	ClientID  string    `json:"client_id"`
	Audience  string    `json:"audience"`
	Scopes    []string  `json:"scopes,omitempty"`
	FamilyID  string    `json:"family_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func decodeToken(data string, revoked bool) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return &storage.Token{
		ID:        j.ID,
		Kind:      storage.TokenKind(j.Kind),
		UserID:    j.UserID,
		Email:     j.Email,
		ClientID:  j.ClientID,
		Audience:  j.Audience,
		Scopes:    j.Scopes,
		FamilyID:  j.FamilyID,
		IssuedAt:  j.IssuedAt,
		ExpiresAt: j.ExpiresAt,
		Revoked:   revoked,
	}, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// SaveToken stores a new token row and indexes it under its family.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil {
		return fmt.Errorf("invalid token")
	}
	if err := validateLength(token.ID, "token id"); err != nil {
		return err
	}
	if len(token.FamilyID) > MaxIDLength {
		return errInputTooLarge
	}

	data, err := json.Marshal(tokenJSON{
		ID:        token.ID,
		Kind:      string(token.Kind),
		UserID:    token.UserID,
		Email:     token.Email,
		ClientID:  token.ClientID,
		Audience:  token.Audience,
		Scopes:    token.Scopes,
		FamilyID:  token.FamilyID,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if len(data) > MaxDataSize {
		return errInputTooLarge
	}

	status, err := s.eval(ctx, luaSaveToken,
		[]string{s.tokenKey(token.ID), s.familyKey(token.FamilyID)},
		string(data),
		string(token.Kind),
		millis(token.ExpiresAt),
		flag(token.Revoked),
		token.FamilyID,
		s.ttlMillis(token.ExpiresAt),
		token.ID,
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	if status == statusExists {
		return fmt.Errorf("token already exists")
	}
	return nil
}

// GetToken returns the row for id.
func (s *Store) GetToken(ctx context.Context, id string) (*storage.Token, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.tokenKey(id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return decodeToken(data, fields["revoked"] == "1")
}

// ConsumeToken checks and revokes the token in one script.
func (s *Store) ConsumeToken(ctx context.Context, id string, kind storage.TokenKind, now time.Time) (*storage.Token, error) {
	status, data, err := scriptResult(s.eval(ctx, luaConsumeToken, []string{s.tokenKey(id)}, millis(now), string(kind)))
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic token consume: %w", err)
	}

	switch status {
	case statusNotFound:
		return nil, storage.ErrNotFound
	case statusWrongKind:
		return nil, storage.ErrWrongKind
	case statusExpired:
		return nil, fmt.Errorf("%w: %s token", storage.ErrExpired, kind)
	case statusRevoked:
		stored, err := decodeToken(data, true)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrRevoked, err)
		}
		return stored, storage.ErrRevoked
	case statusOK:
	default:
		return nil, fmt.Errorf("unexpected script status %q", status)
	}

	s.logger.Debug("Consumed token",
		"token_prefix", util.SafeTruncate(id, tokenIDLogLength),
		"kind", kind)
	return decodeToken(data, true)
}

// RevokeToken marks a token revoked. Unknown ids are not an error.
func (s *Store) RevokeToken(ctx context.Context, id string) (*storage.Token, error) {
	status, data, err := scriptResult(s.eval(ctx, luaRevokeToken, []string{s.tokenKey(id)}))
	if err != nil {
		return nil, fmt.Errorf("failed to revoke token: %w", err)
	}
	if status == statusNotFound {
		return nil, nil
	}
	return decodeToken(data, true)
}

// RevokeFamily revokes every live token of a grant.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	n, err := s.eval(ctx, luaRevokeFamily, []string{s.familyKey(familyID)}, s.tokenKey("")).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	if n > 0 {
		s.logger.Debug("Revoked token family",
			"family_id", familyID,
			"count", n)
	}
	return int(n), nil
}

// DeleteExpiredAndRevoked removes rows that are revoked or expired at now.
func (s *Store) DeleteExpiredAndRevoked(ctx context.Context, now time.Time) (int, error) {
	tokenPrefix := s.tokenKey("")
	deleted := 0
	err := s.scan(ctx, tokenPrefix+"*", func(key string) error {
		id := strings.TrimPrefix(key, tokenPrefix)
		n, err := s.eval(ctx, luaDeleteStaleToken, []string{key}, millis(now), s.familyKey(""), id).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to delete stale token: %w", err)
		}
		deleted += int(n)
		return nil
	})
	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		s.logger.Debug("Deleted expired and revoked tokens", "count", deleted)
	}
	return deleted, nil
}
