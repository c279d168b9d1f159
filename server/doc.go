// Package server implements the OAuth 2.1 authorization server logic.
//
// The Server issues authorization codes and tokens for public MCP clients.
// Every client uses PKCE (S256) and none holds a secret. End users are
// resolved through a providers.Provider; the server never federates to an
// upstream OAuth provider.
//
// Operations:
//   - Discovery metadata (RFC 8414, RFC 9728)
//   - Dynamic client registration (RFC 7591). Nothing is persisted.
//   - Authorization requests, returned as an explicit AuthorizeResult
//   - Code exchange, refresh token rotation and revocation (RFC 7009)
//   - A gated jwt-bearer grant for first-party development tooling
//
// Codes and refresh tokens are consumed with one atomic store call, so of
// several concurrent callers exactly one succeeds. A second use is audited as
// reuse and rejected with invalid_grant; other tokens of the grant survive.
//
// Example usage:
//
//	store := memory.New()
//	provider, _ := supabase.NewProvider(&supabase.Config{JWTSecret: secret})
//
//	srv, err := server.New(provider, store, signingKey, &server.Config{
//	    BaseURL: "https://auth.example.com",
//	}, logger)
//
// Transport concerns (HTTP parsing, cookies, response encoding) live in the
// root oauth package.
package server
