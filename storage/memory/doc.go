// Package memory provides an in-process implementation of storage.Store.
//
// All mutations take a single write lock, which is what makes
// ConsumeAuthorizationCode and ConsumeToken atomic. Nothing runs in the
// background: expired and revoked rows stay until the janitor calls
// DeleteExpiredAndRevoked and DeleteExpiredAuthorizationCodes.
//
// The store does not survive restarts and is not shared between replicas; use
// storage/valkey or storage/sqlstore for that.
//
// Example usage:
//
//	store := memory.New()
//	srv, _ := server.New(provider, store, signer, config, logger)
package memory
