package server

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/security"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	S256ChallengeLength   = 43
	PKCEMethodS256        = "S256"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "blob", "about"}

	// customSchemePattern is the RFC 3986 scheme grammar
	customSchemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

	clientIDPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(ClientIDPrefix) + `[0-9]+$`)
)

// validatePKCE checks an RFC 7636 S256 verifier against the stored challenge.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("authorization code has no code_challenge")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %q", method)
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// isUnreserved reports whether s only holds RFC 3986 unreserved characters.
func isUnreserved(s string) bool {
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}

// validateCodeChallenge checks the challenge sent to the authorize endpoint.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("code_challenge_method must be %s", PKCEMethodS256)
	}
	if len(challenge) != S256ChallengeLength || !isUnreserved(challenge) || strings.ContainsAny(challenge, ".~") {
		return fmt.Errorf("code_challenge must be a base64url encoded SHA-256 digest")
	}
	return nil
}

// validateRedirectURI performs security validation on redirect URIs per the
// OAuth 2.0 Security BCP. Loopback hosts may use plain http; every other
// http(s) URI must use https. Private-use schemes identify native clients.
func validateRedirectURI(redirectURI string) (*url.URL, error) {
	if redirectURI == "" {
		return nil, fmt.Errorf("redirect_uri is required")
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("redirect_uri must be absolute")
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return nil, fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return nil, fmt.Errorf("redirect_uri must include a host")
		}
	case SchemeHTTP:
		if !security.IsLoopbackHost(parsed.Hostname()) {
			return nil, fmt.Errorf("redirect_uri must use HTTPS unless it targets a loopback host")
		}
	default:
		if err := validateCustomScheme(scheme); err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

// validateCustomScheme validates a private-use URI scheme of a native client.
func validateCustomScheme(scheme string) error {
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}
	if !customSchemePattern.MatchString(scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not a valid URI scheme", scheme)
	}
	return nil
}

// isNativeRedirect reports whether a validated redirect URI is a deep link.
func isNativeRedirect(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme != SchemeHTTP && scheme != SchemeHTTPS
}

// isKnownClient reports whether clientID has the shape issued by
// RegisterClient or is configured statically.
func (s *Server) isKnownClient(clientID string) bool {
	return clientIDPattern.MatchString(clientID) || slices.Contains(s.Config.StaticClientIDs, clientID)
}

// resolveScopes returns the requested scopes, or the full vocabulary when
// none were requested. Unknown scopes are an error.
func (s *Server) resolveScopes(scope string) ([]string, error) {
	requested := util.SplitScopes(scope)
	if len(requested) == 0 {
		return slices.Clone(s.Config.SupportedScopes), nil
	}
	for _, sc := range requested {
		if !slices.Contains(s.Config.SupportedScopes, sc) {
			return nil, fmt.Errorf("unsupported scope: %s", util.SafeTruncate(sc, 64))
		}
	}
	return requested, nil
}

// resolveAudience maps an RFC 8707 resource parameter to a served resource
// identifier. An empty parameter selects the default resource.
func (s *Server) resolveAudience(resource string) (string, error) {
	if resource == "" {
		return s.DefaultAudience(), nil
	}
	want := util.NormalizeURL(resource)
	for _, r := range s.Resources() {
		if r == want {
			return r, nil
		}
	}
	return "", fmt.Errorf("resource %q is not served by this authorization server", util.SafeTruncate(resource, 128))
}
