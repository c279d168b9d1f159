package server

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
)

// Environments. Anything other than EnvironmentProduction counts as a
// non-production deployment for gated features.
const (
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"
	EnvironmentDevelopment = "development"
)

// Endpoint paths served by the authorization server.
const (
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathAuthorize                   = "/oauth/authorize"
	PathToken                       = "/oauth/token"
	PathRevoke                      = "/oauth/revoke"
	PathRegister                    = "/oauth/register"
	PathCallback                    = "/oauth/callback"
)

// Defaults applied by applyDefaults.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultConsentTicketTTL     = 5 * time.Minute
	DefaultClockSkew            = 5 * time.Second
	DefaultResourcePath         = "/api/mcp"
	DefaultResourceName         = "MCP"
	DefaultNativeCallbackURI    = "app://oauth/callback"
)

// DefaultScopes is the scope vocabulary advertised in metadata.
var DefaultScopes = []string{
	"projects:read",
	"projects:write",
	"tasks:read",
	"tasks:write",
	"sessions:read",
	"sessions:write",
}

// Config holds authorization server configuration
type Config struct {
	// BaseURL is the public origin of the server. It is the token issuer and
	// the prefix of every protected resource identifier. Required.
	BaseURL string

	// Environment is one of production, staging or development.
	// Default: production
	Environment string

	// ResourcePaths are the protected resource paths served here. The first
	// one is the default audience when a client sends no resource parameter.
	// Default: ["/api/mcp"]
	ResourcePaths []string

	// ResourceName is the human-readable name in protected resource metadata.
	ResourceName string

	// SupportedScopes is the scope vocabulary. Default: DefaultScopes
	SupportedScopes []string

	// NativeCallbackURI is the deep link the browser callback bridge forwards to.
	// Default: app://oauth/callback
	NativeCallbackURI string

	// StaticClientIDs are client ids accepted in addition to registered ones.
	StaticClientIDs []string

	// AutoApprove skips the consent page.
	AutoApprove bool

	// AllowFirstPartyJWT enables the jwt-bearer grant and the first-party
	// resolver. Ignored in production.
	AllowFirstPartyJWT bool

	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	ConsentTicketTTL     time.Duration

	// ClockSkew is the leeway for token time checks. Default: 5s
	ClockSkew time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// applyDefaults fills zero values and normalizes URLs. It returns a copy.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	cfg := *config

	cfg.BaseURL = util.NormalizeURL(strings.TrimSpace(cfg.BaseURL))
	if cfg.Environment == "" {
		cfg.Environment = EnvironmentProduction
	}
	if len(cfg.ResourcePaths) == 0 {
		cfg.ResourcePaths = []string{DefaultResourcePath}
	}
	cfg.ResourcePaths = normalizeResourcePaths(cfg.ResourcePaths)
	if cfg.ResourceName == "" {
		cfg.ResourceName = DefaultResourceName
	}
	if len(cfg.SupportedScopes) == 0 {
		cfg.SupportedScopes = slices.Clone(DefaultScopes)
	}
	if cfg.NativeCallbackURI == "" {
		cfg.NativeCallbackURI = DefaultNativeCallbackURI
	}
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.ConsentTicketTTL <= 0 {
		cfg.ConsentTicketTTL = DefaultConsentTicketTTL
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.TrustedProxyCount <= 0 {
		cfg.TrustedProxyCount = 1
	}

	logSecurityWarnings(&cfg, logger)
	return &cfg
}

func normalizeResourcePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		p = util.NormalizeURL(p)
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, DefaultResourcePath)
	}
	return out
}

// IsProduction reports whether gated development features must stay off.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// FirstPartyJWTEnabled reports whether identity-provider JWTs may be used
// directly. Never true in production.
func (c *Config) FirstPartyJWTEnabled() bool {
	return c.AllowFirstPartyJWT && !c.IsProduction()
}

// logSecurityWarnings logs warnings for insecure configurations
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.BaseURL == "" {
		logger.Warn("⚠️  CONFIGURATION WARNING: BaseURL is not set",
			"risk", "Metadata endpoints return server_error and tokens cannot be verified by clients",
			"recommendation", "Set BaseURL to the public origin of this server")
	} else if strings.HasPrefix(config.BaseURL, "http://") && config.IsProduction() {
		logger.Warn("⚠️  SECURITY WARNING: BaseURL uses plain HTTP in production",
			"base_url", config.BaseURL,
			"risk", "Tokens and codes sent in clear text",
			"recommendation", "Serve the authorization server over HTTPS")
	}
	if config.AllowFirstPartyJWT && config.IsProduction() {
		logger.Warn("⚠️  SECURITY NOTICE: AllowFirstPartyJWT is ignored in production",
			"environment", config.Environment)
	} else if config.FirstPartyJWTEnabled() {
		logger.Warn("⚠️  SECURITY WARNING: First-party JWT grant is ENABLED",
			"risk", "Identity-provider tokens are accepted without the authorization code flow",
			"recommendation", "Only enable for local development")
	}
	if config.AutoApprove {
		logger.Warn("⚠️  SECURITY NOTICE: Consent page is disabled",
			"risk", "Any registered client obtains tokens for a signed-in user without confirmation",
			"recommendation", "Set AutoApprove=false outside development")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
