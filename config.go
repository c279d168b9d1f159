package oauth

import (
	"log/slog"
	"slices"
	"time"
)

// Default HTTP settings.
const (
	DefaultCORSMaxAge        = time.Hour
	DefaultMetadataMaxAge    = time.Hour
	DefaultMaxRequestBody    = 1 << 20
	DefaultMaintenancePath   = "/api/maintenance/cleanup-tokens"
	DefaultHealthPath        = "/healthz"
	MaintenanceSecretHeader  = "X-Maintenance-Secret" //nolint:gosec // header name, not a credential
	defaultConsentPageTitle  = "Authorize access"
	defaultServiceNameInPage = "MCP"
)

// Config holds the HTTP adapter configuration. Protocol behaviour lives in
// server.Config; this covers only what the HTTP layer adds on top.
type Config struct {
	// CORS configures cross-origin access to the OAuth endpoints for
	// browser-based clients.
	CORS CORSConfig

	// RateLimit configures per-IP throttling of the authorize, token,
	// register and revoke endpoints.
	RateLimit RateLimitConfig

	// MaintenanceSecret guards the cleanup endpoint. When set, callers must
	// present it in the X-Maintenance-Secret header. A bcrypt hash is also
	// accepted.
	MaintenanceSecret string

	// MaintenancePath is where the cleanup endpoint is mounted.
	// Default: /api/maintenance/cleanup-tokens
	MaintenancePath string

	// ServiceName is shown on the consent page.
	ServiceName string

	// MaxRequestBody caps form and JSON bodies in bytes. Default: 1 MiB.
	MaxRequestBody int64
}

// CORSConfig holds CORS settings for browser-based MCP clients.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the OAuth endpoints.
	// Empty disables CORS. "*" allows every origin and is for development.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials.
	AllowCredentials bool

	// MaxAge is how long browsers may cache preflight results.
	// Default: 1 hour.
	MaxAge time.Duration
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per client IP. Zero disables
	// limiting.
	RequestsPerSecond float64

	// Burst is the bucket size per client IP.
	Burst int
}

// applyDefaults returns a copy of config with zero values filled in and logs
// warnings for risky settings.
func applyDefaults(config *Config, production bool, logger *slog.Logger) *Config {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.CORS.AllowedOrigins = slices.Clone(cfg.CORS.AllowedOrigins)

	if cfg.CORS.MaxAge <= 0 {
		cfg.CORS.MaxAge = DefaultCORSMaxAge
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = max(int(cfg.RateLimit.RequestsPerSecond), 1)
	}
	if cfg.MaintenancePath == "" {
		cfg.MaintenancePath = DefaultMaintenancePath
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceNameInPage
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = DefaultMaxRequestBody
	}

	logSecurityWarnings(&cfg, production, logger)
	return &cfg
}

func logSecurityWarnings(config *Config, production bool, logger *slog.Logger) {
	if config.MaintenanceSecret == "" {
		if production {
			logger.Warn("⚠️  SECURITY WARNING: Maintenance endpoint is unauthenticated",
				"risk", "Anyone can trigger token cleanup",
				"recommendation", "Set MaintenanceSecret in production")
		}
	}
	if slices.Contains(config.CORS.AllowedOrigins, "*") {
		logger.Warn("⚠️  SECURITY WARNING: CORS allows every origin",
			"risk", "Any website can call the OAuth endpoints from a browser",
			"recommendation", "List explicit origins")
		if config.CORS.AllowCredentials {
			logger.Warn("⚠️  SECURITY WARNING: CORS wildcard combined with credentials",
				"risk", "Credentialed cross-origin requests from any website",
				"recommendation", "Never combine * with AllowCredentials")
		}
	}
	if config.RateLimit.RequestsPerSecond <= 0 {
		logger.Info("Rate limiting is disabled for OAuth endpoints")
	}
}
