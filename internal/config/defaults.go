package config

import "time"

const (
	DefaultListenAddress     = ":8080"
	DefaultNativeCallbackURI = "app://oauth/callback"
	DefaultStorageDriver     = "memory"
	DefaultValkeyAddress     = "localhost:6379"
	DefaultValkeyKeyPrefix   = "mcp-auth:"
	DefaultSessionCookie     = "sb-access-token"
	DefaultLoginURL          = "/login"

	// MinSigningKeyLength is the HS256 key size floor in bytes.
	MinSigningKeyLength = 32
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Environment:       "production",
		ListenAddress:     DefaultListenAddress,
		Resources:         []string{"/api/mcp", "/api"},
		NativeCallbackURI: DefaultNativeCallbackURI,
		Tokens: TokensConfig{
			AccessTTL:  time.Hour,
			RefreshTTL: 30 * 24 * time.Hour,
			CodeTTL:    10 * time.Minute,
			ClockSkew:  5 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
			Valkey: ValkeyConfig{
				Address:   DefaultValkeyAddress,
				KeyPrefix: DefaultValkeyKeyPrefix,
			},
		},
		Identity: IdentityConfig{
			SessionCookie: DefaultSessionCookie,
			LoginURL:      DefaultLoginURL,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}
