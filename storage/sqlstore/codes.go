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

const codeColumns = `code, user_id, email, client_id, redirect_uri, code_challenge,
	code_challenge_method, scopes, audience, created_at, expires_at, consumed`

func scanCode(row interface{ Scan(...any) error }) (*storage.AuthorizationCode, error) {
	var (
		c                    storage.AuthorizationCode
		scopes               string
		createdAt, expiresAt int64
	)
	err := row.Scan(&c.Code, &c.UserID, &c.Email, &c.ClientID, &c.RedirectURI, &c.CodeChallenge,
		&c.CodeChallengeMethod, &scopes, &c.Audience, &createdAt, &expiresAt, &c.Consumed)
	if err != nil {
		return nil, err
	}
	c.Scopes = util.SplitScopes(scopes)
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	return &c, nil
}

// SaveAuthorizationCode stores a freshly minted code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	query := s.rebind(`INSERT INTO oauth_authorization_codes (` + codeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		code.Code, code.UserID, code.Email, code.ClientID, code.RedirectURI, code.CodeChallenge,
		code.CodeChallengeMethod, util.JoinScopes(code.Scopes), code.Audience,
		toMillis(code.CreatedAt), toMillis(code.ExpiresAt), code.Consumed)
	if err != nil {
		return fmt.Errorf("insert authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, 8),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode reads the code and marks it consumed in one
// transaction. The UPDATE only matches an unconsumed, unexpired row, so a
// concurrent winner turns this call into ErrCodeConsumed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	var authCode *storage.AuthorizationCode

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		selectQuery := s.rebind(`SELECT ` + codeColumns + `
			FROM oauth_authorization_codes WHERE code = ?` + s.dialect.lockClause())

		var err error
		authCode, err = scanCode(tx.QueryRowContext(ctx, selectQuery, code))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select authorization code: %w", err)
		}

		if now.After(authCode.ExpiresAt) {
			authCode = nil
			return fmt.Errorf("%w: authorization code", storage.ErrExpired)
		}
		if authCode.Consumed {
			return storage.ErrCodeConsumed
		}

		updateQuery := s.rebind(`UPDATE oauth_authorization_codes SET consumed = TRUE
			WHERE code = ? AND consumed = FALSE AND expires_at >= ?`)
		res, err := tx.ExecContext(ctx, updateQuery, code, toMillis(now))
		if err != nil {
			return fmt.Errorf("mark authorization code consumed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark authorization code consumed: %w", err)
		}
		authCode.Consumed = true
		if n == 0 {
			return storage.ErrCodeConsumed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) {
			return authCode, storage.ErrCodeConsumed
		}
		return nil, err
	}
	return authCode, nil
}

// DeleteExpiredAuthorizationCodes removes codes that expired before now.
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM oauth_authorization_codes WHERE expires_at < ?`), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired authorization codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired authorization codes: %w", err)
	}
	return int(n), nil
}
