package supabase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-authserver/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const (
	providerName = "supabase"

	// DefaultSessionCookie is the cookie holding the user's access token.
	DefaultSessionCookie = "sb-access-token"

	// DefaultLoginURL is the login page of the first-party web app.
	DefaultLoginURL = "/login"

	// authenticatedAudience is the aud claim of user tokens.
	authenticatedAudience = "authenticated"

	// base64CookiePrefix marks cookies written by @supabase/ssr.
	base64CookiePrefix = "base64-"
)

// ErrNoVerifier is returned when neither a JWT secret nor a project URL is configured.
var ErrNoVerifier = errors.New("supabase: either JWTSecret or URL is required")

// Config holds Supabase configuration.
type Config struct {
	// URL is the project URL, e.g. https://abc.supabase.co.
	URL string

	// AnonKey is sent as the apikey header on remote validation.
	AnonKey string

	// JWTSecret is the project's JWT secret. When set tokens are verified
	// locally and URL is only used for health checks.
	JWTSecret string

	// SessionCookie is the name of the session cookie (default: sb-access-token).
	SessionCookie string

	// LoginURL is the login page; returnTo is appended as ?next= (default: /login).
	LoginURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for Supabase API calls (default: 10s).
	RequestTimeout time.Duration
}

// Provider implements providers.Provider for Supabase Auth.
type Provider struct {
	baseURL        string
	anonKey        string
	jwtSecret      []byte
	sessionCookie  string
	loginURL       string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewProvider creates a new Supabase provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.JWTSecret == "" && cfg.URL == "" {
		return nil, ErrNoVerifier
	}
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("supabase: invalid URL %q", cfg.URL)
		}
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	p := &Provider{
		baseURL:        strings.TrimRight(cfg.URL, "/"),
		anonKey:        cfg.AnonKey,
		sessionCookie:  cfg.SessionCookie,
		loginURL:       cfg.LoginURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
	}
	if cfg.JWTSecret != "" {
		p.jwtSecret = []byte(cfg.JWTSecret)
	}
	if p.sessionCookie == "" {
		p.sessionCookie = DefaultSessionCookie
	}
	if p.loginURL == "" {
		p.loginURL = DefaultLoginURL
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// LoginURL returns the login page with returnTo in the "next" parameter.
func (p *Provider) LoginURL(returnTo string) string {
	u, err := url.Parse(p.loginURL)
	if err != nil {
		return p.loginURL
	}
	q := u.Query()
	q.Set("next", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

// ResolveSession validates the access token held in the session cookie.
func (p *Provider) ResolveSession(ctx context.Context, r *http.Request) (*providers.UserInfo, error) {
	cookie, err := r.Cookie(p.sessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	raw, err := accessTokenFromCookie(cookie.Value)
	if err != nil {
		return nil, err
	}
	return p.ValidateToken(ctx, raw)
}

// accessTokenFromCookie accepts a bare JWT or the JSON session object the
// SSR helpers store, optionally base64 encoded.
func accessTokenFromCookie(value string) (string, error) {
	if v, ok := strings.CutPrefix(value, base64CookiePrefix); ok {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
		if err != nil {
			return "", fmt.Errorf("failed to decode session cookie: %w", err)
		}
		value = string(decoded)
	}
	if !strings.HasPrefix(value, "{") {
		return value, nil
	}

	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(value), &session); err != nil {
		return "", fmt.Errorf("failed to decode session cookie: %w", err)
	}
	if session.AccessToken == "" {
		return "", errors.New("session cookie has no access token")
	}
	return session.AccessToken, nil
}

// userClaims are the claims of a Supabase user access token.
type userClaims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// ValidateToken verifies a Supabase access token and returns its user.
func (p *Provider) ValidateToken(ctx context.Context, rawToken string) (*providers.UserInfo, error) {
	if rawToken == "" {
		return nil, errors.New("empty token")
	}
	if p.jwtSecret != nil {
		return p.validateLocally(rawToken)
	}

	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()
	return p.fetchUser(ctx, rawToken)
}

func (p *Provider) validateLocally(rawToken string) (*providers.UserInfo, error) {
	claims := &userClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return p.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(authenticatedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid supabase token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("supabase token has no subject")
	}

	return &providers.UserInfo{
		ID:            claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.Email != "",
		Name:          displayName(claims.UserMetadata),
	}, nil
}

// ensureContextTimeout ensures the context has a deadline, adding one if needed.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// fetchUser asks Supabase who the token belongs to.
func (p *Provider) fetchUser(ctx context.Context, rawToken string) (*providers.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)
	if p.anonKey != "" {
		req.Header.Set("apikey", p.anonKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user request failed with status %d", resp.StatusCode)
	}

	var user struct {
		ID               string         `json:"id"`
		Email            string         `json:"email"`
		EmailConfirmedAt string         `json:"email_confirmed_at"`
		UserMetadata     map[string]any `json:"user_metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	if user.ID == "" {
		return nil, errors.New("user response has no id")
	}

	return &providers.UserInfo{
		ID:            user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailConfirmedAt != "",
		Name:          displayName(user.UserMetadata),
	}, nil
}

func displayName(meta map[string]any) string {
	for _, key := range []string{"user_name", "preferred_username", "full_name", "name"} {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// HealthCheck calls the auth health endpoint. Without a URL it only checks
// that a JWT secret is configured.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.baseURL == "" {
		return nil
	}

	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if p.anonKey != "" {
		req.Header.Set("apikey", p.anonKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supabase health check returned status %d", resp.StatusCode)
	}
	return nil
}
