package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// authorizationCodeJSON is the stored form of a code. Consumed is kept in
// its own hash field.
type authorizationCodeJSON struct {
	Code                string    `json:"code"`
	UserID              string    `json:"user_id"`
	Email               string    `json:"email,omitempty"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scopes              []string  `json:"scopes,omitempty"`
	Audience            string    `json:"audience"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		UserID:              c.UserID,
		Email:               c.Email,
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Scopes:              c.Scopes,
		Audience:            c.Audience,
		CreatedAt:           c.CreatedAt,
		ExpiresAt:           c.ExpiresAt,
	}
}

func decodeAuthorizationCode(data string, consumed bool) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		UserID:              j.UserID,
		Email:               j.Email,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Scopes:              j.Scopes,
		Audience:            j.Audience,
		CreatedAt:           j.CreatedAt,
		ExpiresAt:           j.ExpiresAt,
		Consumed:            consumed,
	}, nil
}

// SaveAuthorizationCode stores a freshly minted code. Saving an existing
// code is an error.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateLength(code.Code, "code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if len(data) > MaxDataSize {
		return errInputTooLarge
	}

	status, err := s.eval(ctx, luaSaveCode, []string{s.codeKey(code.Code)},
		string(data), millis(code.ExpiresAt), s.ttlMillis(code.ExpiresAt)).ToString()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if status == statusExists {
		return fmt.Errorf("authorization code already exists")
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode checks and marks the code in one script, so only
// one concurrent caller gets it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	status, data, err := scriptResult(s.eval(ctx, luaConsumeCode, []string{s.codeKey(code)}, millis(now)))
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch status {
	case statusNotFound:
		return nil, storage.ErrNotFound
	case statusExpired:
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	case statusConsumed:
		reused, err := decodeAuthorizationCode(data, true)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrCodeConsumed, err)
		}
		return reused, storage.ErrCodeConsumed
	case statusOK:
	default:
		return nil, fmt.Errorf("unexpected script status %q", status)
	}

	authCode, err := decodeAuthorizationCode(data, true)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// DeleteExpiredAuthorizationCodes removes codes that expired before now.
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	err := s.scan(ctx, s.codeKey("*"), func(key string) error {
		n, err := s.eval(ctx, luaDeleteExpiredCode, []string{key}, millis(now)).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to delete expired code: %w", err)
		}
		deleted += int(n)
		return nil
	})
	return deleted, err
}
