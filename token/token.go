// Package token mints and verifies the JWT access tokens handed to MCP
// clients.
//
// Access tokens are HS256 JWTs with header typ "at+jwt" (RFC 9068). The
// "jti" claim is the id of the matching storage.Token row, "aud" is the
// protected resource the token was issued for, and "sub" is the user id.
// The same key signs other short-lived artifacts (consent tickets); the typ
// header keeps them from being accepted as access tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// TypeAccessToken is the JOSE typ header of access tokens.
	TypeAccessToken = "at+jwt"

	// MinKeyLength is the minimum HMAC key size in bytes.
	MinKeyLength = 32

	// DefaultLeeway absorbs clock skew between replicas.
	DefaultLeeway = 5 * time.Second
)

var signingMethod = jwt.SigningMethodHS256

// Claims are the claims of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Scopes returns the scope claim as a list.
func (c *Claims) Scopes() []string {
	return util.SplitScopes(c.Scope)
}

// AccessTokenParams describes an access token to mint.
type AccessTokenParams struct {
	ID        string
	UserID    string
	Email     string
	ClientID  string
	Audience  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer signs access tokens and other server-issued JWTs.
type Signer struct {
	issuer string
	key    []byte
}

// NewSigner returns a signer for issuer. The key must be at least
// MinKeyLength bytes.
func NewSigner(issuer string, key []byte) (*Signer, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &Signer{issuer: issuer, key: key}, nil
}

func checkKey(key []byte) error {
	if len(key) < MinKeyLength {
		return autherr.Configuration(fmt.Sprintf("signing key must be at least %d bytes", MinKeyLength))
	}
	return nil
}

// Issuer returns the iss claim written into every token.
func (s *Signer) Issuer() string {
	return s.issuer
}

// IssueAccessToken signs an access token for p.
func (s *Signer) IssueAccessToken(p AccessTokenParams) (string, *Claims, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.ID,
			Issuer:    s.issuer,
			Subject:   p.UserID,
			Audience:  jwt.ClaimStrings{p.Audience},
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
			NotBefore: jwt.NewNumericDate(p.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
		Email:    p.Email,
		Scope:    util.JoinScopes(p.Scopes),
		ClientID: p.ClientID,
	}

	raw, err := s.Sign(TypeAccessToken, claims)
	if err != nil {
		return "", nil, err
	}
	return raw, claims, nil
}

// Sign signs arbitrary claims with the given typ header.
func (s *Signer) Sign(typ string, claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(signingMethod, claims)
	t.Header["typ"] = typ

	raw, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return raw, nil
}

// RevocationChecker looks up the row behind a token id. storage.TokenStore
// satisfies it.
type RevocationChecker interface {
	GetToken(ctx context.Context, id string) (*storage.Token, error)
}

// Verifier validates access tokens. It never mutates the store.
type Verifier struct {
	issuer      string
	key         []byte
	leeway      time.Duration
	now         func() time.Time
	revocations RevocationChecker
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLeeway sets the allowed clock skew for exp/nbf/iat checks.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithRevocationCheck makes Verify consult the token store.
func WithRevocationCheck(rc RevocationChecker) Option {
	return func(v *Verifier) { v.revocations = rc }
}

// NewVerifier returns a verifier accepting tokens signed by a Signer with
// the same issuer and key.
func NewVerifier(issuer string, key []byte, opts ...Option) (*Verifier, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	v := &Verifier{
		issuer: issuer,
		key:    key,
		leeway: DefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks signature, typ, issuer, expiry and audience of an access
// token, then the revocation state if a checker is configured.
//
// Errors are autherr kinds InvalidToken, ExpiredToken, AudienceMismatch and
// RevokedToken. A store failure during the revocation check is a server
// error. A token past its expiry is ExpiredToken whether or not its
// signature verifies.
func (v *Verifier) Verify(ctx context.Context, raw, audience string) (*Claims, error) {
	if v.expired(raw) {
		return nil, autherr.ExpiredToken()
	}

	claims := &Claims{}
	err := v.Parse(raw, TypeAccessToken, claims,
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.ExpiredToken()
		}
		return nil, autherr.InvalidToken(err)
	}

	if !audienceMatches(claims.Audience, audience) {
		return nil, autherr.AudienceMismatch(claims.Audience, audience)
	}

	if v.revocations != nil {
		if claims.ID == "" {
			return nil, autherr.InvalidToken(errors.New("token has no jti"))
		}
		row, err := v.revocations.GetToken(ctx, claims.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Rows disappear only through the janitor, which removes revoked
			// or expired tokens.
			return nil, autherr.RevokedToken()
		case err != nil:
			return nil, autherr.Server(fmt.Errorf("revocation lookup: %w", err))
		case row.Revoked:
			return nil, autherr.RevokedToken()
		}
	}

	return claims, nil
}

// expired decodes raw without verifying it and reports whether its exp
// claim is past, leeway included. Undecodable tokens are left to Parse.
func (v *Verifier) expired(raw string) bool {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !v.now().Add(-v.leeway).Before(claims.ExpiresAt.Time)
}

// Parse verifies the signature and typ header of raw and decodes it into
// claims. Extra parser options control which registered claims are checked.
func (v *Verifier) Parse(raw, typ string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(v.now),
	}, opts...)

	t, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return err
	}
	if got, _ := t.Header["typ"].(string); got != typ {
		return fmt.Errorf("%w: unexpected typ %q", jwt.ErrTokenMalformed, got)
	}
	return nil
}

// ParseIgnoringExpiry verifies an access token's signature but not its time
// claims. Used by revocation, where an expired token is still identifiable.
func (v *Verifier) ParseIgnoringExpiry(raw string) (*Claims, error) {
	claims := &Claims{}
	if err := v.Parse(raw, TypeAccessToken, claims, jwt.WithoutClaimsValidation()); err != nil {
		return nil, err
	}
	return claims, nil
}

func audienceMatches(aud jwt.ClaimStrings, want string) bool {
	want = util.NormalizeURL(want)
	if want == "" {
		return false
	}
	return slices.ContainsFunc(aud, func(a string) bool {
		return util.NormalizeURL(a) == want
	})
}
