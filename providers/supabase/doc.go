// Package supabase implements providers.Provider on top of Supabase Auth.
//
// Sessions are read from the auth cookie the Supabase client libraries set
// in the browser. Tokens are verified locally with the project's JWT secret
// when one is configured, or remotely against {URL}/auth/v1/user otherwise.
package supabase
