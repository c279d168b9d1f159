package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/token"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "Bearer"

// TokenResponse is the RFC 6749 section 5.1 token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeRequest is an authorization_code grant.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string // optional
	Resource     string // optional, RFC 8707
	ClientIP     string
}

// RefreshRequest is a refresh_token grant.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string // optional
	Scope        string // optional, may only narrow the grant
	ClientIP     string
}

// RevokeRequest is an RFC 7009 revocation request.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string // optional
	ClientIP      string
}

// FirstPartyRequest is a jwt-bearer grant carrying an identity-provider JWT.
type FirstPartyRequest struct {
	Assertion string
	ClientID  string
	Scope     string
	Resource  string
	ClientIP  string
}

// grant is what a new token pair is bound to.
type grant struct {
	UserID   string
	Email    string
	ClientID string
	Audience string
	Scopes   []string
	FamilyID string
}

// errInvalidGrant is the only error a client sees for a bad code or refresh
// token. The real reason is logged at Debug.
func errInvalidGrant() error {
	return autherr.InvalidGrant("the provided grant is invalid, expired or revoked")
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens.
// The code is consumed before any other check so a failed attempt burns it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	ctx, span := s.Instrumentation.Tracer("server").Start(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))

	resp, err := s.exchangeAuthorizationCode(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, resultFor(err))
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	s.Instrumentation.Metrics().RecordCodeExchange(ctx, instrumentation.ResultSuccess)
	return resp, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, autherr.Validation("code", "code is required")
	}

	// Atomic check-and-consume: exactly one caller wins for a given code.
	authCode, err := s.store.ConsumeAuthorizationCode(ctx, req.Code, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			userID := ""
			if authCode != nil {
				userID = authCode.UserID
			}
			s.Auditor.LogReuse(security.EventAuthorizationCodeReuseDetected, userID, req.ClientID, req.ClientIP)
			s.Instrumentation.Metrics().RecordReuseDetected(ctx, "authorization_code")
		case errIsNotFound(err):
			s.Logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", req.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
		default:
			return nil, autherr.Server(fmt.Errorf("consume authorization code: %w", err))
		}
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_authorization_code")
		return nil, errInvalidGrant()
	}

	// Code is now consumed. Any failure below leaves it unusable.
	reject := func(reason string) (*TokenResponse, error) {
		s.Logger.Debug("Authorization code validation failed",
			"reason", reason,
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
		s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.ClientIP, reason)
		return nil, errInvalidGrant()
	}

	if authCode.RedirectURI != req.RedirectURI {
		return reject("redirect_uri_mismatch")
	}
	if req.ClientID != "" && authCode.ClientID != req.ClientID {
		return reject("client_id_mismatch")
	}
	if req.Resource != "" && util.NormalizeURL(req.Resource) != util.NormalizeURL(authCode.Audience) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventResourceMismatch,
			UserID:    authCode.UserID,
			ClientID:  authCode.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"resource": util.SafeTruncate(req.Resource, 128)},
		})
		return reject("resource_mismatch")
	}
	if err := validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    authCode.UserID,
			ClientID:  authCode.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx)
		return reject("pkce_validation_failed")
	}

	resp, err := s.issueTokens(ctx, grant{
		UserID:   authCode.UserID,
		Email:    authCode.Email,
		ClientID: authCode.ClientID,
		Audience: authCode.Audience,
		Scopes:   authCode.Scopes,
		FamilyID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(authCode.UserID, authCode.ClientID, req.ClientIP, resp.Scope, authCode.Audience)
	return resp, nil
}

// RefreshAccessToken rotates a refresh token. The presented token is
// consumed and a new pair in the same family is returned.
func (s *Server) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	ctx, span := s.Instrumentation.Tracer("server").Start(ctx, "server.RefreshAccessToken")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))

	resp, err := s.refreshAccessToken(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Instrumentation.Metrics().RecordTokenRefresh(ctx, resultFor(err))
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	s.Instrumentation.Metrics().RecordTokenRefresh(ctx, instrumentation.ResultSuccess)
	return resp, nil
}

func (s *Server) refreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, autherr.Validation("refresh_token", "refresh_token is required")
	}
	id := storage.HashToken(req.RefreshToken)

	// Request checks run against a read first so a malformed request does
	// not burn a valid token.
	current, err := s.store.GetToken(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.rejectRefresh(req, "unknown_refresh_token")
	case err != nil:
		return nil, autherr.Server(fmt.Errorf("load refresh token: %w", err))
	case current.Kind != storage.KindRefresh:
		return s.rejectRefresh(req, "wrong_token_kind")
	case req.ClientID != "" && current.ClientID != req.ClientID:
		return s.rejectRefresh(req, "client_id_mismatch")
	}

	scopes := current.Scopes
	if requested := util.SplitScopes(req.Scope); len(requested) > 0 {
		if !util.ContainsAll(current.Scopes, requested) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				UserID:    current.UserID,
				ClientID:  current.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"requested": util.SafeTruncate(req.Scope, 256)},
			})
			return nil, autherr.InvalidScope("requested scope exceeds the original grant")
		}
		scopes = requested
	}

	row, err := s.store.ConsumeToken(ctx, id, storage.KindRefresh, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRevoked):
			s.Auditor.LogReuse(security.EventRefreshTokenReuseDetected, current.UserID, current.ClientID, req.ClientIP)
			s.Instrumentation.Metrics().RecordReuseDetected(ctx, "refresh_token")
			return s.rejectRefresh(req, "refresh_token_reused")
		case errIsNotFound(err):
			return s.rejectRefresh(req, err.Error())
		default:
			return nil, autherr.Server(fmt.Errorf("consume refresh token: %w", err))
		}
	}

	resp, err := s.issueTokens(ctx, grant{
		UserID:   row.UserID,
		Email:    row.Email,
		ClientID: row.ClientID,
		Audience: row.Audience,
		Scopes:   scopes,
		FamilyID: row.FamilyID,
	})
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(row.UserID, row.ClientID, req.ClientIP, row.FamilyID)
	return resp, nil
}

func (s *Server) rejectRefresh(req RefreshRequest, reason string) (*TokenResponse, error) {
	s.Logger.Debug("Refresh token validation failed",
		"reason", reason,
		"client_id", req.ClientID,
		"token_prefix", util.SafeTruncate(req.RefreshToken, tokenIDLogLength))
	s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_refresh_token")
	return nil, errInvalidGrant()
}

// RevokeToken implements RFC 7009. Unknown, malformed and already revoked
// tokens are not errors; only store failures are returned.
func (s *Server) RevokeToken(ctx context.Context, req RevokeRequest) error {
	ctx, span := s.Instrumentation.Tracer("server").Start(ctx, "server.RevokeToken")
	defer span.End()

	if err := s.revokeToken(ctx, span, req); err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (s *Server) revokeToken(ctx context.Context, span trace.Span, req RevokeRequest) error {
	if req.Token == "" {
		return nil
	}

	id, kind := storage.HashToken(req.Token), storage.KindRefresh
	if claims, err := s.verifier.ParseIgnoringExpiry(req.Token); err == nil && claims.ID != "" {
		id, kind = claims.ID, storage.KindAccess
	}

	row, err := s.store.GetToken(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.Logger.Debug("Revocation of unknown token ignored", "token_type", string(kind))
		return nil
	case err != nil:
		return fmt.Errorf("load token for revocation: %w", err)
	case req.ClientID != "" && row.ClientID != req.ClientID:
		s.Logger.Debug("Revocation by another client ignored",
			"client_id", req.ClientID,
			"token_type", string(row.Kind))
		return nil
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, string(row.Kind)))
	instrumentation.AddTokenFamilyAttributes(span, row.FamilyID)

	revoked := 0
	if _, err := s.store.RevokeToken(ctx, id); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if !row.Revoked {
		revoked = 1
	}
	if row.Kind == storage.KindRefresh && row.FamilyID != "" {
		n, err := s.store.RevokeFamily(ctx, row.FamilyID)
		if err != nil {
			return fmt.Errorf("revoke token family: %w", err)
		}
		revoked = max(revoked, n)
	}

	s.Auditor.LogTokenRevoked(row.UserID, row.ClientID, req.ClientIP, string(row.Kind), revoked)
	s.Instrumentation.Metrics().RecordTokenRevocation(ctx, string(row.Kind))
	return nil
}

// MintFirstPartyToken exchanges an identity-provider JWT for a token pair.
// Only available when Config.FirstPartyJWTEnabled.
func (s *Server) MintFirstPartyToken(ctx context.Context, req FirstPartyRequest) (*TokenResponse, error) {
	if !s.Config.FirstPartyJWTEnabled() {
		return nil, autherr.New(autherr.KindValidation, autherr.CodeUnsupportedGrantType, "grant type is not supported")
	}
	if req.Assertion == "" {
		return nil, autherr.Validation("assertion", "assertion is required")
	}

	user, err := s.provider.ValidateToken(ctx, req.Assertion)
	if err != nil || user == nil {
		s.Logger.Debug("First-party assertion rejected", "error", err)
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_assertion")
		return nil, errInvalidGrant()
	}

	scopes, err := s.resolveScopes(req.Scope)
	if err != nil {
		return nil, autherr.InvalidScope(err.Error())
	}
	audience, err := s.resolveAudience(req.Resource)
	if err != nil {
		return nil, autherr.New(autherr.KindValidation, autherr.CodeInvalidTarget, err.Error())
	}

	resp, err := s.issueTokens(ctx, grant{
		UserID:   user.ID,
		Email:    user.Email,
		ClientID: req.ClientID,
		Audience: audience,
		Scopes:   scopes,
		FamilyID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventFirstPartyTokenMinted,
		UserID:    user.ID,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		RequestID: security.GetRequestID(ctx),
		Details:   map[string]any{"audience": audience},
	})
	return resp, nil
}

// issueTokens mints an access token and a refresh token for g and stores
// both rows.
func (s *Server) issueTokens(ctx context.Context, g grant) (*TokenResponse, error) {
	span := trace.SpanFromContext(ctx)
	instrumentation.AddOAuthFlowAttributes(span, g.ClientID, g.UserID, "")
	instrumentation.AddTokenFamilyAttributes(span, g.FamilyID)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAudience, g.Audience))

	now := s.now()
	accessExpiry := now.Add(s.Config.AccessTokenTTL)
	refreshExpiry := now.Add(s.Config.RefreshTokenTTL)

	accessID := uuid.NewString()
	accessToken, _, err := s.signer.IssueAccessToken(token.AccessTokenParams{
		ID:        accessID,
		UserID:    g.UserID,
		Email:     g.Email,
		ClientID:  g.ClientID,
		Audience:  g.Audience,
		Scopes:    g.Scopes,
		IssuedAt:  now,
		ExpiresAt: accessExpiry,
	})
	if err != nil {
		return nil, autherr.Server(err)
	}
	refreshToken := generateRandomToken()

	rows := []*storage.Token{
		s.newTokenRow(accessID, storage.KindAccess, g, now, accessExpiry),
		s.newTokenRow(storage.HashToken(refreshToken), storage.KindRefresh, g, now, refreshExpiry),
	}
	for _, row := range rows {
		if err := s.store.SaveToken(ctx, row); err != nil {
			return nil, autherr.Server(fmt.Errorf("save %s token: %w", row.Kind, err))
		}
	}

	s.Logger.Debug("Issued token pair",
		"client_id", g.ClientID,
		"family_id", g.FamilyID,
		"audience", g.Audience)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.Config.AccessTokenTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        util.JoinScopes(g.Scopes),
	}, nil
}

func (s *Server) newTokenRow(id string, kind storage.TokenKind, g grant, issuedAt, expiresAt time.Time) *storage.Token {
	return &storage.Token{
		ID:        id,
		Kind:      kind,
		UserID:    g.UserID,
		Email:     g.Email,
		ClientID:  g.ClientID,
		Audience:  g.Audience,
		Scopes:    g.Scopes,
		FamilyID:  g.FamilyID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
}

// errIsNotFound reports the store sentinels that mean "no usable row".
func errIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrExpired) ||
		errors.Is(err, storage.ErrWrongKind)
}

func resultFor(err error) string {
	if autherr.KindOf(err) == autherr.KindServer {
		return instrumentation.ResultError
	}
	return instrumentation.ResultFailure
}
