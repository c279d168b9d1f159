// Package storage defines the persistence interfaces for authorization codes
// and issued tokens, plus the row types shared by every backend.
//
// The interfaces are intentionally narrow: the server never reads a row and
// then writes it back. Anything that must be single-use (an authorization code,
// a refresh token) is consumed through one store call that checks and mutates
// atomically.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development, tests and single replicas
//   - storage/valkey: Valkey/Redis, atomicity through Lua scripts
//   - storage/sqlstore: PostgreSQL, MySQL or SQLite through database/sql
package storage
