// Package providers defines the identity-provider capability used by the
// authorization server and the request authenticator.
//
// The provider owns end-user authentication. The server only asks it three
// questions: where to send a browser without a session (LoginURL), who is
// behind a session cookie (ResolveSession) and who a provider-issued token
// belongs to (ValidateToken).
//
// Implementations are provided in subpackages:
//   - providers/supabase: Supabase Auth sessions and JWTs
//   - providers/mock: Mock provider for testing
package providers
