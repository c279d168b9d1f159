package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/storagetest"
)

func seed(t *testing.T, s *memory.Store) {
	t.Helper()
	ctx := t.Context()
	now := time.Now()

	live := storagetest.NewToken("live", storage.KindAccess)
	expired := storagetest.NewToken("expired", storage.KindAccess)
	expired.ExpiresAt = now.Add(-time.Minute)
	revoked := storagetest.NewToken("revoked", storage.KindRefresh)

	for _, tok := range []*storage.Token{live, expired, revoked} {
		if err := s.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken(%s) error = %v", tok.ID, err)
		}
	}
	if _, err := s.RevokeToken(ctx, "revoked"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	oldCode := storagetest.NewCode("old")
	oldCode.ExpiresAt = now.Add(-time.Minute)
	for _, c := range []*storage.AuthorizationCode{oldCode, storagetest.NewCode("fresh")} {
		if err := s.SaveAuthorizationCode(ctx, c); err != nil {
			t.Fatalf("SaveAuthorizationCode(%s) error = %v", c.Code, err)
		}
	}
}

func TestJanitor_Cleanup(t *testing.T) {
	store := memory.New()
	seed(t, store)

	j, err := New(store, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	at := time.Now().UTC()
	j.SetClock(func() time.Time { return at })
	result, err := j.Cleanup(t.Context())
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.DeletedTokens != 2 {
		t.Errorf("DeletedTokens = %d, want 2", result.DeletedTokens)
	}
	if result.DeletedCodes != 1 {
		t.Errorf("DeletedCodes = %d, want 1", result.DeletedCodes)
	}
	if result.Timestamp.IsZero() || result.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want a UTC time", result.Timestamp)
	}

	if _, err := store.GetToken(t.Context(), "live"); err != nil {
		t.Errorf("live token was removed: %v", err)
	}
	codes, tokens := store.Counts()
	if codes != 1 || tokens != 1 {
		t.Errorf("Counts() = %d codes, %d tokens; want 1, 1", codes, tokens)
	}

	// A second run at the same instant finds nothing left.
	same, err := j.Cleanup(t.Context())
	if err != nil {
		t.Fatalf("same-instant Cleanup() error = %v", err)
	}
	if same.DeletedTokens != 0 || same.DeletedCodes != 0 {
		t.Errorf("same-instant Cleanup() = %+v, want nothing deleted", same)
	}
	if !same.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", same.Timestamp, at)
	}

	// Nothing is expired a year earlier either.
	fixed := time.Now().AddDate(-1, 0, 0).UTC()
	j.SetClock(func() time.Time { return fixed })
	again, err := j.Cleanup(t.Context())
	if err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
	if again.DeletedTokens != 0 || again.DeletedCodes != 0 {
		t.Errorf("second Cleanup() = %+v, want nothing deleted", again)
	}
	if !again.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", again.Timestamp, fixed)
	}
}

type failingStore struct {
	tokensErr error
	codesErr  error
}

func (f failingStore) DeleteExpiredAndRevoked(context.Context, time.Time) (int, error) {
	return 3, f.tokensErr
}

func (f failingStore) DeleteExpiredAuthorizationCodes(context.Context, time.Time) (int, error) {
	return 0, f.codesErr
}

func TestJanitor_CleanupErrors(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name  string
		store failingStore
	}{
		{name: "tokens", store: failingStore{tokensErr: boom}},
		{name: "codes", store: failingStore{codesErr: boom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := New(tt.store, nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := j.Cleanup(t.Context()); !errors.Is(err, boom) {
				t.Errorf("Cleanup() error = %v, want wrapped %v", err, boom)
			}
		})
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestJanitor_Run(t *testing.T) {
	store := memory.New()
	seed(t, store)

	j, err := New(store, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := j.Run(t.Context(), 0); err == nil {
		t.Error("Run() with a zero interval should fail")
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, tokens := store.Counts(); tokens == 1 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("janitor never cleaned the store")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
