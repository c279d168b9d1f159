package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp-auth:"

	// DefaultRetention is how long a row outlives its expiry before Valkey
	// drops it on its own.
	DefaultRetention = 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for codes and token ids.
	MaxIDLength = 512

	// MaxDataSize is the maximum size of one serialized row (64KB).
	MaxDataSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp-auth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Retention is added to every key's expiry to form its TTL.
	// Default: DefaultRetention
	Retention time.Duration
}

// Store is a Valkey-backed storage.Store.
type Store struct {
	client    valkeygo.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to Valkey and verifies the connection with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Retention, cfg.Logger)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. The store takes ownership and
// closes it in Close.
func NewWithClient(client valkeygo.Client, prefix string, retention time.Duration, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, retention: retention, logger: logger}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Ping checks that Valkey answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) tokenKey(id string) string {
	return s.prefix + "token:" + id
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

// ttlMillis returns the key TTL for a row expiring at expiresAt. Rows that
// are already expired still get the retention window, so the janitor can
// count them.
func (s *Store) ttlMillis(expiresAt time.Time) string {
	ttl := max(time.Until(expiresAt), 0) + s.retention
	return strconv.FormatInt(ttl.Milliseconds(), 10)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func validateLength(value, field string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if len(value) > MaxIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", field, MaxIDLength)
	}
	return nil
}

// eval runs a Lua script. Keys may be declared or built inside the script
// from a prefix argument; the latter is only safe on a single node.
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) valkeygo.ValkeyResult {
	return s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	)
}

// scan calls fn for every key matching pattern. Keys may be returned more
// than once; fn must be idempotent.
func (s *Store) scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		for _, key := range entry.Elements {
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Lua scripts. Each returns a status string first; when a row is involved
// the stored data follows.
//
// Statuses: OK, EXISTS, NOT_FOUND, EXPIRED, CONSUMED, REVOKED, WRONG_KIND.
const (
	statusOK        = "OK"
	statusExists    = "EXISTS"
	statusNotFound  = "NOT_FOUND"
	statusExpired   = "EXPIRED"
	statusConsumed  = "CONSUMED"
	statusRevoked   = "REVOKED"
	statusWrongKind = "WRONG_KIND"
)

// KEYS[1] = code key
// ARGV[1] = data, ARGV[2] = expires_at, ARGV[3] = ttl in ms
const luaSaveCode = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'expires_at', ARGV[2], 'consumed', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 'OK'
`

// KEYS[1] = code key
// ARGV[1] = now in ms
const luaConsumeCode = `
local h = redis.call('HMGET', KEYS[1], 'data', 'expires_at', 'consumed')
if not h[1] then
    return {'NOT_FOUND'}
end
if tonumber(ARGV[1]) > tonumber(h[2]) then
    return {'EXPIRED'}
end
if h[3] == '1' then
    return {'CONSUMED', h[1]}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {'OK', h[1]}
`

// KEYS[1] = code key
// ARGV[1] = now in ms
const luaDeleteExpiredCode = `
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp then
    return 0
end
if tonumber(ARGV[1]) > tonumber(exp) then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`

// KEYS[1] = token key, KEYS[2] = family key
// ARGV[1] = data, ARGV[2] = kind, ARGV[3] = expires_at, ARGV[4] = revoked,
// ARGV[5] = family id, ARGV[6] = ttl in ms, ARGV[7] = token id
const luaSaveToken = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'kind', ARGV[2], 'expires_at', ARGV[3],
    'revoked', ARGV[4], 'family', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
if ARGV[5] ~= '' then
    redis.call('SADD', KEYS[2], ARGV[7])
    if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[6]) then
        redis.call('PEXPIRE', KEYS[2], ARGV[6])
    end
end
return 'OK'
`

// KEYS[1] = token key
// ARGV[1] = now in ms, ARGV[2] = expected kind
const luaConsumeToken = `
local h = redis.call('HMGET', KEYS[1], 'data', 'kind', 'expires_at', 'revoked')
if not h[1] then
    return {'NOT_FOUND'}
end
if h[2] ~= ARGV[2] then
    return {'WRONG_KIND'}
end
if h[4] == '1' then
    return {'REVOKED', h[1]}
end
if tonumber(ARGV[1]) > tonumber(h[3]) then
    return {'EXPIRED'}
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return {'OK', h[1]}
`

// KEYS[1] = token key
const luaRevokeToken = `
local data = redis.call('HGET', KEYS[1], 'data')
if not data then
    return {'NOT_FOUND'}
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return {'OK', data}
`

// KEYS[1] = family key
// ARGV[1] = token key prefix
const luaRevokeFamily = `
local ids = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(ids) do
    local key = ARGV[1] .. id
    if redis.call('HGET', key, 'revoked') == '0' then
        redis.call('HSET', key, 'revoked', '1')
        n = n + 1
    end
end
return n
`

// KEYS[1] = token key
// ARGV[1] = now in ms, ARGV[2] = family key prefix, ARGV[3] = token id
const luaDeleteStaleToken = `
local h = redis.call('HMGET', KEYS[1], 'expires_at', 'revoked', 'family')
if not h[1] then
    return 0
end
if h[2] == '1' or tonumber(ARGV[1]) > tonumber(h[1]) then
    redis.call('DEL', KEYS[1])
    if h[3] and h[3] ~= '' then
        redis.call('SREM', ARGV[2] .. h[3], ARGV[3])
    end
    return 1
end
return 0
`

// scriptResult splits a script reply into its status and optional data.
func scriptResult(res valkeygo.ValkeyResult) (status, data string, err error) {
	parts, err := res.AsStrSlice()
	if err != nil {
		return "", "", err
	}
	if len(parts) == 0 {
		return "", "", fmt.Errorf("empty script reply")
	}
	if len(parts) > 1 {
		data = parts[1]
	}
	return parts[0], data, nil
}
