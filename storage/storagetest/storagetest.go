// Package storagetest is a conformance suite for storage.Store implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/mcp-authserver/storage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CodeSingleUse", func(t *testing.T) { testCodeSingleUse(t, newStore(t)) })
	t.Run("CodeExpired", func(t *testing.T) { testCodeExpired(t, newStore(t)) })
	t.Run("CodeUnknown", func(t *testing.T) { testCodeUnknown(t, newStore(t)) })
	t.Run("CaseSensitiveKeys", func(t *testing.T) { testCaseSensitiveKeys(t, newStore(t)) })
	t.Run("CodeConcurrentConsume", func(t *testing.T) { testCodeConcurrentConsume(t, newStore(t)) })
	t.Run("TokenRoundTrip", func(t *testing.T) { testTokenRoundTrip(t, newStore(t)) })
	t.Run("TokenConsume", func(t *testing.T) { testTokenConsume(t, newStore(t)) })
	t.Run("TokenConcurrentConsume", func(t *testing.T) { testTokenConcurrentConsume(t, newStore(t)) })
	t.Run("RevokeIdempotent", func(t *testing.T) { testRevokeIdempotent(t, newStore(t)) })
	t.Run("RevokeFamily", func(t *testing.T) { testRevokeFamily(t, newStore(t)) })
	t.Run("CleanupIdempotent", func(t *testing.T) { testCleanupIdempotent(t, newStore(t)) })
	t.Run("CleanupCodes", func(t *testing.T) { testCleanupCodes(t, newStore(t)) })
}

// NewCode returns a valid code expiring in ten minutes.
func NewCode(code string) *storage.AuthorizationCode {
	now := time.Now().Truncate(time.Second)
	return &storage.AuthorizationCode{
		Code:                code,
		UserID:              "user-1",
		Email:               "user@example.com",
		ClientID:            "mcp-client-1",
		RedirectURI:         "https://tool.example/cb",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Scopes:              []string{"tasks:read", "tasks:write"},
		Audience:            "https://host/api/mcp",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// NewToken returns a live token of the given kind expiring in one hour.
func NewToken(id string, kind storage.TokenKind) *storage.Token {
	now := time.Now().Truncate(time.Second)
	return &storage.Token{
		ID:        id,
		Kind:      kind,
		UserID:    "user-1",
		Email:     "user@example.com",
		ClientID:  "mcp-client-1",
		Audience:  "https://host/api/mcp",
		Scopes:    []string{"tasks:read"},
		FamilyID:  "family-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func testCodeSingleUse(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := NewCode("code-single-use")
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code, time.Now())
	if err != nil {
		t.Fatalf("first ConsumeAuthorizationCode() error = %v", err)
	}
	if got.UserID != code.UserID || got.RedirectURI != code.RedirectURI || got.CodeChallenge != code.CodeChallenge {
		t.Errorf("consumed code = %+v, want fields of %+v", got, code)
	}
	if len(got.Scopes) != 2 || got.Audience != code.Audience {
		t.Errorf("consumed code scopes/audience = %v/%q", got.Scopes, got.Audience)
	}

	for i := 0; i < 3; i++ {
		again, err := s.ConsumeAuthorizationCode(ctx, code.Code, time.Now())
		if !errors.Is(err, storage.ErrCodeConsumed) {
			t.Fatalf("consume #%d error = %v, want ErrCodeConsumed", i+2, err)
		}
		if again == nil || again.UserID != code.UserID {
			t.Errorf("reuse should return the stored code for auditing, got %+v", again)
		}
	}
}

func testCodeExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := NewCode("code-expired")
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := s.ConsumeAuthorizationCode(ctx, code.Code, code.ExpiresAt.Add(time.Second))
	if !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ConsumeAuthorizationCode() after expiry error = %v, want ErrExpired", err)
	}
}

func testCodeUnknown(t *testing.T, s storage.Store) {
	_, err := s.ConsumeAuthorizationCode(context.Background(), "does-not-exist", time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeAuthorizationCode(unknown) error = %v, want ErrNotFound", err)
	}
}

func testCaseSensitiveKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.SaveAuthorizationCode(ctx, NewCode("Code-Mixed-Case")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, "code-mixed-case", time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeAuthorizationCode(other case) error = %v, want ErrNotFound", err)
	}

	if err := s.SaveToken(ctx, NewToken("Token-Mixed-Case", storage.KindRefresh)); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if _, err := s.GetToken(ctx, "token-mixed-case"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetToken(other case) error = %v, want ErrNotFound", err)
	}
	if n, err := s.RevokeFamily(ctx, "FAMILY-1"); err != nil || n != 0 {
		t.Errorf("RevokeFamily(other case) = %d, %v; want 0, nil", n, err)
	}
}

func testCodeConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := NewCode("code-concurrent")
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 16
	var wins, losses atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := s.ConsumeAuthorizationCode(ctx, code.Code, time.Now())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrCodeConsumed):
				losses.Add(1)
			default:
				return fmt.Errorf("unexpected error: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if wins.Load() != 1 || losses.Load() != workers-1 {
		t.Errorf("wins = %d, losses = %d; want 1 and %d", wins.Load(), losses.Load(), workers-1)
	}
}

func testTokenRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := NewToken("tok-roundtrip", storage.KindAccess)
	if err := s.SaveToken(ctx, tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := s.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if got.Kind != storage.KindAccess || got.UserID != tok.UserID || got.Audience != tok.Audience ||
		got.FamilyID != tok.FamilyID || got.Email != tok.Email || got.Revoked {
		t.Errorf("GetToken() = %+v, want %+v", got, tok)
	}
	if !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, tok.ExpiresAt)
	}

	if _, err := s.GetToken(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetToken(missing) error = %v, want ErrNotFound", err)
	}
}

func testTokenConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	refresh := NewToken("tok-refresh", storage.KindRefresh)
	access := NewToken("tok-access", storage.KindAccess)
	expired := NewToken("tok-expired", storage.KindRefresh)
	expired.ExpiresAt = time.Now().Add(-time.Minute).Truncate(time.Second)
	for _, tok := range []*storage.Token{refresh, access, expired} {
		if err := s.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken(%s) error = %v", tok.ID, err)
		}
	}

	if _, err := s.ConsumeToken(ctx, access.ID, storage.KindRefresh, time.Now()); !errors.Is(err, storage.ErrWrongKind) {
		t.Errorf("ConsumeToken(access as refresh) error = %v, want ErrWrongKind", err)
	}
	if _, err := s.ConsumeToken(ctx, expired.ID, storage.KindRefresh, time.Now()); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ConsumeToken(expired) error = %v, want ErrExpired", err)
	}

	got, err := s.ConsumeToken(ctx, refresh.ID, storage.KindRefresh, time.Now())
	if err != nil {
		t.Fatalf("ConsumeToken() error = %v", err)
	}
	if got.UserID != refresh.UserID || got.FamilyID != refresh.FamilyID {
		t.Errorf("ConsumeToken() = %+v", got)
	}

	if _, err := s.ConsumeToken(ctx, refresh.ID, storage.KindRefresh, time.Now()); !errors.Is(err, storage.ErrRevoked) {
		t.Errorf("second ConsumeToken() error = %v, want ErrRevoked", err)
	}

	stored, err := s.GetToken(ctx, refresh.ID)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !stored.Revoked {
		t.Errorf("consumed refresh token should be revoked")
	}
}

func testTokenConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := NewToken("tok-concurrent", storage.KindRefresh)
	if err := s.SaveToken(ctx, tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	const workers = 16
	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := s.ConsumeToken(ctx, tok.ID, storage.KindRefresh, time.Now())
			if err == nil {
				wins.Add(1)
				return nil
			}
			if errors.Is(err, storage.ErrRevoked) {
				return nil
			}
			return fmt.Errorf("unexpected error: %w", err)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
}

func testRevokeIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := NewToken("tok-revoke", storage.KindAccess)
	if err := s.SaveToken(ctx, tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := s.RevokeToken(ctx, tok.ID)
		if err != nil {
			t.Fatalf("RevokeToken #%d error = %v", i+1, err)
		}
		if got == nil || got.ID != tok.ID {
			t.Errorf("RevokeToken #%d returned %+v", i+1, got)
		}
	}

	got, err := s.RevokeToken(ctx, "unknown")
	if err != nil || got != nil {
		t.Errorf("RevokeToken(unknown) = %+v, %v; want nil, nil", got, err)
	}

	stored, err := s.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !stored.Revoked {
		t.Errorf("token should be revoked")
	}
}

func testRevokeFamily(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := NewToken("fam-a", storage.KindAccess)
	r := NewToken("fam-r", storage.KindRefresh)
	other := NewToken("other", storage.KindAccess)
	other.FamilyID = "family-2"
	for _, tok := range []*storage.Token{a, r, other} {
		if err := s.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken(%s) error = %v", tok.ID, err)
		}
	}

	n, err := s.RevokeFamily(ctx, "family-1")
	if err != nil {
		t.Fatalf("RevokeFamily() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeFamily() = %d, want 2", n)
	}

	if n, _ := s.RevokeFamily(ctx, "family-1"); n != 0 {
		t.Errorf("second RevokeFamily() = %d, want 0", n)
	}

	stored, err := s.GetToken(ctx, other.ID)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if stored.Revoked {
		t.Errorf("token of another family must stay live")
	}
}

func testCleanupIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	live := NewToken("live", storage.KindAccess)
	expired := NewToken("expired", storage.KindAccess)
	expired.ExpiresAt = time.Now().Add(-time.Hour).Truncate(time.Second)
	revoked := NewToken("revoked", storage.KindRefresh)
	for _, tok := range []*storage.Token{live, expired, revoked} {
		if err := s.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken(%s) error = %v", tok.ID, err)
		}
	}
	if _, err := s.RevokeToken(ctx, revoked.ID); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	n, err := s.DeleteExpiredAndRevoked(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredAndRevoked() error = %v", err)
	}
	if n != 2 {
		t.Errorf("first cleanup deleted %d, want 2", n)
	}

	n, err = s.DeleteExpiredAndRevoked(ctx, time.Now())
	if err != nil {
		t.Fatalf("second DeleteExpiredAndRevoked() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second cleanup deleted %d, want 0", n)
	}

	if _, err := s.GetToken(ctx, live.ID); err != nil {
		t.Errorf("live token should survive cleanup: %v", err)
	}
}

func testCleanupCodes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	fresh := NewCode("code-fresh")
	stale := NewCode("code-stale")
	stale.ExpiresAt = time.Now().Add(-time.Minute).Truncate(time.Second)
	for _, c := range []*storage.AuthorizationCode{fresh, stale} {
		if err := s.SaveAuthorizationCode(ctx, c); err != nil {
			t.Fatalf("SaveAuthorizationCode(%s) error = %v", c.Code, err)
		}
	}

	n, err := s.DeleteExpiredAuthorizationCodes(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredAuthorizationCodes() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d codes, want 1", n)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, fresh.Code, time.Now()); err != nil {
		t.Errorf("fresh code should survive cleanup: %v", err)
	}
}
