package providers

import (
	"context"
	"net/http"
)

// Provider is the identity provider that owns end-user sessions.
// The authorization server never sees user passwords; it asks the provider
// who is behind a browser session or a first-party token.
type Provider interface {
	// Name returns the provider name (e.g., "supabase", "mock")
	Name() string

	// LoginURL returns where to send a browser that has no session.
	// returnTo is the absolute URL the provider should come back to.
	LoginURL(returnTo string) string

	// ResolveSession returns the user behind the session cookie of r.
	// It returns (nil, nil) when r carries no session cookie at all.
	ResolveSession(ctx context.Context, r *http.Request) (*UserInfo, error)

	// ValidateToken validates a token issued by the provider itself and
	// returns the user it belongs to.
	ValidateToken(ctx context.Context, rawToken string) (*UserInfo, error)

	// HealthCheck verifies that the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's display or user name
	Name string
}
