package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/authn"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/janitor"
	"github.com/giantswarm/mcp-authserver/providers"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server        *server.Server
	janitor       *janitor.Janitor
	authenticator *authn.Authenticator
	config        *Config
	logger        *slog.Logger
	tracer        trace.Tracer

	rateLimiter *security.RateLimiter
	maintenance *security.SecretMatcher
}

// NewHandler creates the HTTP handler for srv. A nil janitor gets one over
// the server's store.
func NewHandler(srv *server.Server, jan *janitor.Janitor, config *Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if jan == nil {
		var err error
		jan, err = janitor.New(srv.Store(), logger)
		if err != nil {
			return nil, err
		}
		jan.Auditor = srv.Auditor
		jan.SetInstrumentation(srv.Instrumentation)
	}

	cfg := applyDefaults(config, srv.Config.IsProduction(), logger)
	h := &Handler{
		server:        srv,
		janitor:       jan,
		authenticator: authn.ForServer(srv, logger),
		config:        cfg,
		logger:        logger,
		tracer:        srv.Instrumentation.Tracer("http"),
		maintenance:   security.NewSecretMatcher(cfg.MaintenanceSecret),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}, logger)
	}
	return h, nil
}

// Close stops background work started by the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Authenticator returns the request authenticator used by RequireAuth.
func (h *Handler) Authenticator() *authn.Authenticator {
	return h.authenticator
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	ctx, span := h.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), span
}

// ServeAuthorizationServerMetadata serves the RFC 8414 document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	doc, err := h.server.AuthorizationServerMetadata()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.server.Config.FirstPartyJWTEnabled() {
		doc.GrantTypesSupported = append(doc.GrantTypesSupported, server.GrantTypeJWTBearer)
	}
	h.writeMetadata(w, doc)
}

// ServeProtectedResourceMetadata serves the RFC 9728 document of the default
// resource, or of the resource named by the path suffix.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	resourcePath := strings.TrimPrefix(r.URL.Path, server.PathProtectedResourceMetadata)

	doc, err := h.server.ProtectedResourceMetadata(resourcePath)
	if errors.Is(err, server.ErrUnknownResource) {
		h.writeJSON(w, http.StatusNotFound, server.ErrorResponse{
			Error:            autherr.CodeInvalidTarget,
			ErrorDescription: "unknown protected resource",
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMetadata(w, doc)
}

func (h *Handler) writeMetadata(w http.ResponseWriter, doc any) {
	security.SetSecurityHeaders(w, h.server.Issuer())
	w.Header().Del("Pragma")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(DefaultMetadataMaxAge.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// ServeClientRegistration handles RFC 7591 dynamic client registration. It
// always answers 201: a body that cannot be read or parsed registers a
// client with default metadata.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "oauth.http.client_registration")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxRequestBody))
	if err != nil {
		h.logger.Debug("Ignoring unreadable registration body",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		body = nil
	}

	req := server.ParseClientRegistrationRequest(body)
	reg := h.server.RegisterClient(r.Context(), req, h.clientIP(r))

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, reg.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusCreated, reg)
}

// ServeAuthorization handles the authorization endpoint. GET starts or
// resumes a request; POST carries the consent decision and ticket.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "oauth.http.authorization")
	defer span.End()

	user := h.sessionUser(r)

	var result server.AuthorizeResult
	switch r.Method {
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBody)
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, autherr.Validation("body", "failed to parse form"))
			return
		}
		result = h.server.AuthorizeWithTicket(r.Context(),
			r.PostForm.Get("consent_ticket"),
			user,
			server.ParseConsentDecision(r.PostForm.Get("decision")))
	default:
		req := server.AuthorizeRequestFromQuery(r.URL.Query())
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))
		result = h.server.Authorize(r.Context(), req, user, server.DecisionPending)
	}

	h.writeAuthorizeResult(w, r, result)
}

// sessionUser returns the user behind the provider session, or nil. A broken
// session is treated as no session, which sends the browser to log in.
func (h *Handler) sessionUser(r *http.Request) *providers.UserInfo {
	user, err := h.server.Provider().ResolveSession(r.Context(), r)
	if err != nil {
		h.logger.Debug("Session could not be resolved",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		return nil
	}
	return user
}

func (h *Handler) writeAuthorizeResult(w http.ResponseWriter, r *http.Request, result server.AuthorizeResult) {
	switch res := result.(type) {
	case server.Redirect:
		security.SetSecurityHeaders(w, h.server.Issuer())
		http.Redirect(w, r, res.URL, http.StatusFound)
	case server.Login:
		security.SetSecurityHeaders(w, h.server.Issuer())
		http.Redirect(w, r, res.URL, http.StatusFound)
	case server.JSONError:
		h.writeJSON(w, res.Status, res.Body)
	case server.Consent:
		h.serveConsentPage(w, r, res)
	default:
		h.writeError(w, r, autherr.Server(fmt.Errorf("unexpected authorize result %T", result)))
	}
}

// ServeToken handles the token endpoint for the authorization_code,
// refresh_token and jwt-bearer grants. Parameters may be form or JSON
// encoded.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "oauth.http.token")
	defer span.End()

	params, err := h.parseParams(w, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	clientIP := h.clientIP(r)
	grantType := params.Get("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))

	var resp *server.TokenResponse
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeAuthorizationCode(ctx, server.ExchangeRequest{
			Code:         params.Get("code"),
			CodeVerifier: params.Get("code_verifier"),
			RedirectURI:  params.Get("redirect_uri"),
			ClientID:     params.Get("client_id"),
			Resource:     params.Get("resource"),
			ClientIP:     clientIP,
		})
	case server.GrantTypeRefreshToken:
		resp, err = h.server.RefreshAccessToken(ctx, server.RefreshRequest{
			RefreshToken: params.Get("refresh_token"),
			ClientID:     params.Get("client_id"),
			Scope:        params.Get("scope"),
			ClientIP:     clientIP,
		})
	case server.GrantTypeJWTBearer:
		resp, err = h.server.MintFirstPartyToken(ctx, server.FirstPartyRequest{
			Assertion: params.Get("assertion"),
			ClientID:  params.Get("client_id"),
			Scope:     params.Get("scope"),
			Resource:  params.Get("resource"),
			ClientIP:  clientIP,
		})
	case "":
		err = autherr.Validation("grant_type", "grant_type is required")
	default:
		err = autherr.New(autherr.KindValidation, autherr.CodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType))
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles RFC 7009 revocation. It answers 200 whether
// or not anything was revoked.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "oauth.http.token_revocation")
	defer span.End()

	params, err := h.parseParams(w, r)
	if err != nil {
		h.logger.Debug("Ignoring unreadable revocation request",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		params = url.Values{}
	}

	if tok := params.Get("token"); tok != "" {
		err := h.server.RevokeToken(r.Context(), server.RevokeRequest{
			Token:         tok,
			TokenTypeHint: params.Get("token_type_hint"),
			ClientID:      params.Get("client_id"),
			ClientIP:      h.clientIP(r),
		})
		if err != nil {
			instrumentation.RecordError(span, err)
			h.logger.Error("Failed to revoke token",
				"client_id", params.Get("client_id"),
				"request_id", security.GetRequestID(r.Context()),
				"error", err)
		}
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Issuer())
	w.WriteHeader(http.StatusOK)
}

// ServeCallback bridges an authorization response into the native client's
// deep link.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	target, err := h.server.BridgeCallback(r.URL.Query())
	if err != nil {
		h.logger.Error("Failed to bridge callback",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		h.writeJSON(w, http.StatusInternalServerError, server.ErrorResponse{
			Error:            autherr.CodeServerError,
			ErrorDescription: "failed to build the application callback",
		})
		return
	}
	security.SetSecurityHeaders(w, h.server.Issuer())
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeCleanup runs the token janitor once. When a maintenance secret is
// configured the X-Maintenance-Secret header must match it.
func (h *Handler) ServeCleanup(w http.ResponseWriter, r *http.Request) {
	if h.maintenance.Configured() && !h.maintenance.Match(r.Header.Get(MaintenanceSecretHeader)) {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventMaintenanceUnauthorized,
			IPAddress: h.clientIP(r),
			RequestID: security.GetRequestID(r.Context()),
		})
		h.writeJSON(w, http.StatusUnauthorized, unauthorizedBody)
		return
	}

	result, err := h.janitor.Cleanup(r.Context())
	if err != nil {
		h.logger.Error("Token cleanup failed",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		h.writeJSON(w, http.StatusInternalServerError, CleanupFailure{Error: autherr.CodeServerError})
		return
	}

	h.writeJSON(w, http.StatusOK, CleanupResponse{
		Success:      true,
		DeletedCount: result.DeletedTokens,
		DeletedCodes: result.DeletedCodes,
		Timestamp:    result.Timestamp,
	})
}

// ServeHealth reports liveness and identity provider reachability.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	provider := h.server.Provider()
	if err := provider.HealthCheck(ctx); err != nil {
		h.logger.Warn("Identity provider health check failed", "provider", provider.Name(), "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Provider: provider.Name()})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// parseParams reads OAuth parameters from a form or JSON body. JSON values
// that are not strings are ignored.
func (h *Handler) parseParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, autherr.Validation("body", "failed to parse form body")
		}
		return r.PostForm, nil
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, autherr.Validation("body", "failed to parse JSON body")
	}
	params := url.Values{}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			params.Set(k, s)
		}
	}
	return params, nil
}
