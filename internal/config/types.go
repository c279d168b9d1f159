package config

import "time"

// Config is the on-disk configuration of mcp-authserver.
type Config struct {
	BaseURL            string   `yaml:"base_url"`
	Environment        string   `yaml:"environment"`
	ListenAddress      string   `yaml:"listen_address"`
	Resources          []string `yaml:"resources"`
	NativeCallbackURI  string   `yaml:"native_callback_uri"`
	StaticClientIDs    []string `yaml:"static_client_ids"`
	AutoApprove        bool     `yaml:"auto_approve"`
	AllowFirstPartyJWT bool     `yaml:"allow_first_party_jwt"`
	TrustProxy         bool     `yaml:"trust_proxy"`
	TrustedProxyCount  int      `yaml:"trusted_proxy_count"`

	Tokens      TokensConfig      `yaml:"tokens"`
	Storage     StorageConfig     `yaml:"storage"`
	Identity    IdentityConfig    `yaml:"identity"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	CORS        CORSConfig        `yaml:"cors"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// TokensConfig holds token lifetimes and the signing key.
type TokensConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
	ClockSkew  time.Duration `yaml:"clock_skew"`

	// SigningKey is the HS256 key. Prefer MCP_AUTH_SIGNING_KEY.
	SigningKey string `yaml:"signing_key"`
}

// StorageConfig selects the token store.
type StorageConfig struct {
	// Driver is one of memory, valkey, postgres, mysql, sqlite.
	Driver string       `yaml:"driver"`
	DSN    string       `yaml:"dsn"`
	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the valkey driver.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// IdentityConfig configures the Supabase identity provider.
type IdentityConfig struct {
	SupabaseURL   string `yaml:"supabase_url"`
	AnonKey       string `yaml:"anon_key"`
	JWTSecret     string `yaml:"jwt_secret"`
	SessionCookie string `yaml:"session_cookie"`
	LoginURL      string `yaml:"login_url"`
}

// MaintenanceConfig configures token cleanup.
type MaintenanceConfig struct {
	Secret string `yaml:"secret"`

	// CleanupInterval > 0 runs the janitor in-process.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CORSConfig lists browser origins allowed on the OAuth endpoints.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// RateLimitConfig is the per-IP limit. A rate of 0 disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig switches OpenTelemetry tracing and metrics. Disabled
// installs no-op providers.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
