// Package authn resolves the end user behind a request to a protected
// resource.
//
// An Authenticator tries an ordered chain of Resolvers and the first one
// that yields a user wins. Resolver failures are logged and the chain moves
// on, so a stale session cookie never hides a valid bearer token.
package authn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/providers"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/token"
)

// Method records how a user was authenticated.
type Method string

const (
	MethodSession    Method = "session"
	MethodBearer     Method = "bearer"
	MethodFirstParty Method = "first_party"
)

// User is an authenticated end user.
type User struct {
	ID       string
	Email    string
	Username string
	Method   Method

	// Set for bearer tokens only.
	ClientID string
	Scopes   []string
}

// Resolver yields the user behind one kind of credential. It returns
// (nil, nil) when the request carries no credential of its kind.
type Resolver interface {
	Method() Method
	Resolve(r *http.Request) (*User, error)
}

// Authenticator runs a fixed chain of resolvers.
type Authenticator struct {
	resolvers       []Resolver
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	trustProxy        bool
	trustedProxyCount int
}

// New returns an authenticator trying resolvers in order.
func New(logger *slog.Logger, resolvers ...Resolver) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		resolvers:       resolvers,
		logger:          logger,
		instrumentation: instrumentation.Noop(),
	}
}

// ForServer builds the standard chain for srv: session cookie, then bearer
// token, then the gated first-party JWT.
func ForServer(srv *server.Server, logger *slog.Logger) *Authenticator {
	a := New(logger,
		&SessionResolver{Provider: srv.Provider()},
		&BearerResolver{Verifier: srv.Verifier(), Audiences: srv},
		&FirstPartyResolver{
			Provider: srv.Provider(),
			Enabled:  srv.Config.FirstPartyJWTEnabled(),
			BaseURL:  srv.Config.BaseURL,
		},
	)
	a.SetInstrumentation(srv.Instrumentation)
	a.trustProxy = srv.Config.TrustProxy
	a.trustedProxyCount = srv.Config.TrustedProxyCount
	return a
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (a *Authenticator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.instrumentation = inst
	}
}

// Authenticate returns the first user a resolver yields. With no credential
// at all it returns (nil, nil). When credentials were presented and all were
// rejected the error is an Unauthorized carrying the first failure.
func (a *Authenticator) Authenticate(r *http.Request) (*User, error) {
	ctx, span := a.instrumentation.Tracer("authn").Start(r.Context(), "authn.Authenticate")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientIP,
		security.GetClientIP(r, a.trustProxy, a.trustedProxyCount)))
	var firstErr error

	for _, res := range a.resolvers {
		user, err := res.Resolve(r)
		if err != nil {
			a.logger.Debug("Resolver rejected credential",
				"method", string(res.Method()),
				"request_id", security.GetRequestID(ctx),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if user != nil {
			user.Method = res.Method()
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAuthMethod, string(user.Method)))
			instrumentation.AddOAuthFlowAttributes(span, user.ClientID, user.ID, "")
			instrumentation.SetSpanSuccess(span)
			a.instrumentation.Metrics().RecordAuthentication(ctx, string(user.Method), true)
			return user, nil
		}
	}

	a.instrumentation.Metrics().RecordAuthentication(ctx, "", false)
	if firstErr != nil {
		err := autherr.Unauthorized().Wrap(firstErr)
		instrumentation.RecordError(span, err)
		return nil, err
	}
	return nil, nil
}

// SessionResolver reads the identity provider's session cookie.
type SessionResolver struct {
	Provider providers.Provider
}

func (s *SessionResolver) Method() Method { return MethodSession }

func (s *SessionResolver) Resolve(r *http.Request) (*User, error) {
	info, err := s.Provider.ResolveSession(r.Context(), r)
	if err != nil || info == nil {
		return nil, err
	}
	return fromUserInfo(info), nil
}

// AudienceResolver maps a request path to the resource identifier a bearer
// token must be issued for. *server.Server implements it.
type AudienceResolver interface {
	AudienceForPath(path string) (string, bool)
}

// BearerResolver verifies an access token from the Authorization header
// against the audience of the requested path.
type BearerResolver struct {
	Verifier  *token.Verifier
	Audiences AudienceResolver
}

func (b *BearerResolver) Method() Method { return MethodBearer }

func (b *BearerResolver) Resolve(r *http.Request) (*User, error) {
	raw := BearerToken(r)
	if raw == "" {
		return nil, nil
	}
	audience, ok := b.Audiences.AudienceForPath(r.URL.Path)
	if !ok {
		return nil, errors.New("request path is not a protected resource")
	}

	claims, err := b.Verifier.Verify(r.Context(), raw, audience)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:       claims.Subject,
		Email:    claims.Email,
		ClientID: claims.ClientID,
		Scopes:   claims.Scopes(),
	}, nil
}

// FirstPartyResolver accepts the identity provider's own JWT as a bearer
// token. It is meant for the first-party web app during development and only
// runs when enabled and the request is same-origin.
type FirstPartyResolver struct {
	Provider providers.Provider
	Enabled  bool
	BaseURL  string
}

func (f *FirstPartyResolver) Method() Method { return MethodFirstParty }

func (f *FirstPartyResolver) Resolve(r *http.Request) (*User, error) {
	if !f.Enabled {
		return nil, nil
	}
	raw := BearerToken(r)
	if raw == "" || !sameOrigin(r, f.BaseURL) {
		return nil, nil
	}
	info, err := f.Provider.ValidateToken(r.Context(), raw)
	if err != nil || info == nil {
		return nil, err
	}
	return fromUserInfo(info), nil
}

// sameOrigin reports whether the browser marked r as same-origin, or r
// carries an Origin header equal to the origin of baseURL.
func sameOrigin(r *http.Request, baseURL string) bool {
	if r.Header.Get("Sec-Fetch-Site") == "same-origin" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	return strings.EqualFold(origin, u.Scheme+"://"+u.Host)
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

func fromUserInfo(info *providers.UserInfo) *User {
	return &User{
		ID:       info.ID,
		Email:    info.Email,
		Username: info.Name,
	}
}

type contextKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the user stored by WithUser.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(contextKey{}).(*User)
	return user, ok && user != nil
}
