// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is wire-compatible with Redis. Use it when several server replicas
// share codes and tokens, or when grants must survive restarts.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp-auth:") so the instance
// can be shared with other applications:
//
//	{prefix}code:{code}         -> HASH data, expires_at, consumed
//	{prefix}token:{id}          -> HASH data, kind, expires_at, revoked, family
//	{prefix}family:{familyID}   -> SET of token ids issued from one grant
//
// The mutable flags (consumed, revoked) live in their own hash fields; the
// data field is written once and never re-encoded. expires_at is in Unix
// milliseconds.
//
// # Atomic Operations
//
// Consuming a code and rotating a refresh token must succeed for exactly
// one caller. Both are single Lua scripts, as are revocation of a family
// and the conditional deletes used by the janitor.
//
// # Expiry
//
// Keys carry a TTL of their expiry plus Config.Retention, so rows the
// janitor never reaches still leave Valkey eventually. Within the retention
// window, a consumed code or rotated refresh token is still found and
// reported as reused rather than unknown.
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "mcp-auth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
