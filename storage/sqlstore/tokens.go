package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

const tokenColumns = `id, kind, user_id, email, client_id, audience, scopes, family_id,
	issued_at, expires_at, revoked`

func scanToken(row interface{ Scan(...any) error }) (*storage.Token, error) {
	var (
		t                   storage.Token
		kind, scopes        string
		issuedAt, expiresAt int64
	)
	err := row.Scan(&t.ID, &kind, &t.UserID, &t.Email, &t.ClientID, &t.Audience, &scopes, &t.FamilyID,
		&issuedAt, &expiresAt, &t.Revoked)
	if err != nil {
		return nil, err
	}
	t.Kind = storage.TokenKind(kind)
	t.Scopes = util.SplitScopes(scopes)
	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	return &t, nil
}

// SaveToken stores a new token row.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("invalid token")
	}

	query := s.rebind(`INSERT INTO oauth_tokens (` + tokenColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		token.ID, string(token.Kind), token.UserID, token.Email, token.ClientID, token.Audience,
		util.JoinScopes(token.Scopes), token.FamilyID,
		toMillis(token.IssuedAt), toMillis(token.ExpiresAt), token.Revoked)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *Store) selectToken(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id, suffix string) (*storage.Token, error) {
	query := s.rebind(`SELECT ` + tokenColumns + ` FROM oauth_tokens WHERE id = ?` + suffix)
	t, err := scanToken(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select token: %w", err)
	}
	return t, nil
}

// GetToken returns the row for id.
func (s *Store) GetToken(ctx context.Context, id string) (*storage.Token, error) {
	return s.selectToken(ctx, s.db, id, "")
}

// ConsumeToken reads and revokes the token in one transaction.
func (s *Store) ConsumeToken(ctx context.Context, id string, kind storage.TokenKind, now time.Time) (*storage.Token, error) {
	var token *storage.Token

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		token, err = s.selectToken(ctx, tx, id, s.dialect.lockClause())
		if err != nil {
			return err
		}

		if token.Kind != kind {
			token = nil
			return storage.ErrWrongKind
		}
		if token.Revoked {
			return storage.ErrRevoked
		}
		if token.Expired(now) {
			token = nil
			return fmt.Errorf("%w: %s token", storage.ErrExpired, kind)
		}

		res, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE oauth_tokens SET revoked = TRUE WHERE id = ? AND revoked = FALSE`), id)
		if err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		token.Revoked = true
		if n == 0 {
			return storage.ErrRevoked
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrRevoked) {
			return token, storage.ErrRevoked
		}
		return nil, err
	}

	s.logger.Debug("Consumed token",
		"token_prefix", util.SafeTruncate(id, 8),
		"kind", kind)
	return token, nil
}

// RevokeToken marks a token revoked. Unknown ids are not an error.
func (s *Store) RevokeToken(ctx context.Context, id string) (*storage.Token, error) {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE oauth_tokens SET revoked = TRUE WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("revoke token: %w", err)
	}

	token, err := s.GetToken(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return token, err
}

// RevokeFamily revokes every live token of a grant.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE oauth_tokens SET revoked = TRUE WHERE family_id = ? AND revoked = FALSE`), familyID)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	return int(n), nil
}

// DeleteExpiredAndRevoked removes rows that are revoked or expired at now.
func (s *Store) DeleteExpiredAndRevoked(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM oauth_tokens WHERE revoked = TRUE OR expires_at < ?`), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired and revoked tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired and revoked tokens: %w", err)
	}

	if n > 0 {
		s.logger.Debug("Deleted expired and revoked tokens", "count", n)
	}
	return int(n), nil
}
