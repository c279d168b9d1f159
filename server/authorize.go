package server

import (
	"context"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authserver/autherr"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/providers"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ResponseType        string `json:"response_type,omitempty"`
	ClientID            string `json:"client_id,omitempty"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Resource            string `json:"resource,omitempty"`
}

// AuthorizeRequestFromQuery reads an AuthorizeRequest from query parameters.
func AuthorizeRequestFromQuery(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}
}

// Query encodes the request back into query parameters, skipping empty ones.
func (r AuthorizeRequest) Query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("scope", r.Scope)
	set("state", r.State)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("resource", r.Resource)
	return q
}

// ConsentDecision is the end user's answer on the consent page.
type ConsentDecision string

const (
	// DecisionPending means no decision was submitted yet.
	DecisionPending ConsentDecision = ""
	DecisionApprove ConsentDecision = "approve"
	DecisionDeny    ConsentDecision = "deny"
)

// ParseConsentDecision maps a form value to a decision. Unknown values are
// pending.
func ParseConsentDecision(v string) ConsentDecision {
	switch ConsentDecision(v) {
	case DecisionApprove:
		return DecisionApprove
	case DecisionDeny:
		return DecisionDeny
	default:
		return DecisionPending
	}
}

// ErrorResponse is the OAuth JSON error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// NewErrorResponse builds the wire body for err. Server errors never carry
// their cause.
func NewErrorResponse(err error) ErrorResponse {
	e := autherr.As(err)
	return ErrorResponse{Error: e.Code, ErrorDescription: e.Description}
}

// AuthorizeResult is the outcome of an authorization request. It is one of
// Redirect, JSONError, Login or Consent.
type AuthorizeResult interface {
	authorizeResult()
}

// Redirect sends the browser to the client with a code or an OAuth error.
type Redirect struct {
	URL string
}

// JSONError is returned when there is no safe redirect target.
type JSONError struct {
	Status int
	Body   ErrorResponse
}

// Login sends the browser to the identity provider. It returns to the
// authorize URL afterwards.
type Login struct {
	URL string
}

// Consent asks the end user to approve the request. Ticket is posted back
// with the decision.
type Consent struct {
	Ticket   string
	Request  AuthorizeRequest
	Scopes   []string
	Audience string
	User     *providers.UserInfo
}

func (Redirect) authorizeResult()  {}
func (JSONError) authorizeResult() {}
func (Login) authorizeResult()     {}
func (Consent) authorizeResult()   {}

// validatedAuthorizeRequest is an AuthorizeRequest that passed validation.
type validatedAuthorizeRequest struct {
	AuthorizeRequest
	target   *url.URL
	scopes   []string
	audience string
}

// Authorize runs the authorization request state machine. Expected failures
// are results, never errors.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest, user *providers.UserInfo, decision ConsentDecision) AuthorizeResult {
	ctx, span := s.Instrumentation.Tracer("server").Start(ctx, "server.Authorize")
	defer span.End()

	userID := ""
	if user != nil {
		userID = user.ID
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, userID, req.Scope)

	result := s.authorize(ctx, req, user, decision)

	outcome := instrumentation.ResultSuccess
	switch r := result.(type) {
	case JSONError:
		outcome = instrumentation.ResultFailure
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, r.Body.Error))
	case Redirect:
		if u, err := url.Parse(r.URL); err == nil && u.Query().Has("error") {
			outcome = instrumentation.ResultDenied
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, u.Query().Get("error")))
		}
	case Login, Consent:
		// not terminal
		return result
	}
	s.Instrumentation.Metrics().RecordAuthorization(ctx, outcome)
	return result
}

// AuthorizeWithTicket completes a request carried by a consent ticket. The
// ticket must have been issued to user.
func (s *Server) AuthorizeWithTicket(ctx context.Context, ticket string, user *providers.UserInfo, decision ConsentDecision) AuthorizeResult {
	req, subject, err := s.parseConsentTicket(ticket)
	if err != nil {
		s.Logger.Debug("Rejected consent ticket", "error", err)
		return JSONError{
			Status: http.StatusBadRequest,
			Body:   ErrorResponse{Error: autherr.CodeInvalidRequest, ErrorDescription: "consent ticket is invalid or expired"},
		}
	}
	if user == nil {
		return s.loginResult(req)
	}
	if user.ID != subject {
		s.Auditor.LogAuthFailure(user.ID, req.ClientID, "", "consent ticket issued to another user")
		return JSONError{
			Status: http.StatusBadRequest,
			Body:   ErrorResponse{Error: autherr.CodeInvalidRequest, ErrorDescription: "consent ticket does not belong to the signed-in user"},
		}
	}
	return s.Authorize(ctx, req, user, decision)
}

func (s *Server) authorize(ctx context.Context, req AuthorizeRequest, user *providers.UserInfo, decision ConsentDecision) AuthorizeResult {
	v, result := s.validateAuthorizeRequest(req)
	if result != nil {
		return result
	}

	if user == nil {
		return s.loginResult(req)
	}

	switch {
	case decision == DecisionDeny:
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationDenied,
			UserID:    user.ID,
			ClientID:  req.ClientID,
			RequestID: security.GetRequestID(ctx),
		})
		return errorRedirect(v.target, autherr.CodeAccessDenied, "the user denied the request", req.State)
	case decision == DecisionPending && !s.Config.AutoApprove:
		ticket, err := s.issueConsentTicket(req, user)
		if err != nil {
			s.Logger.Error("Failed to sign consent ticket", "error", err)
			return errorRedirect(v.target, autherr.CodeServerError, "internal server error", req.State)
		}
		return Consent{
			Ticket:   ticket,
			Request:  req,
			Scopes:   v.scopes,
			Audience: v.audience,
			User:     user,
		}
	}

	return s.issueAuthorizationCode(ctx, v, user)
}

// validateAuthorizeRequest returns a non-nil result when req must be
// rejected. The redirect target is checked first: without a safe target the
// error is answered directly.
func (s *Server) validateAuthorizeRequest(req AuthorizeRequest) (*validatedAuthorizeRequest, AuthorizeResult) {
	target, err := validateRedirectURI(req.RedirectURI)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: req.ClientID,
			Details:  map[string]any{"reason": err.Error()},
		})
		return nil, JSONError{
			Status: http.StatusBadRequest,
			Body:   ErrorResponse{Error: autherr.CodeInvalidRequest, ErrorDescription: err.Error()},
		}
	}

	fail := func(code, description string) (*validatedAuthorizeRequest, AuthorizeResult) {
		s.Logger.Debug("Rejected authorization request",
			"client_id", req.ClientID,
			"error", code,
			"reason", description)
		return nil, errorRedirect(target, code, description, req.State)
	}

	if req.ClientID == "" {
		return fail(autherr.CodeInvalidRequest, "client_id is required")
	}
	if !s.isKnownClient(req.ClientID) {
		return fail(autherr.CodeUnauthorizedClient, "unknown client")
	}
	if req.ResponseType != "code" {
		return fail(autherr.CodeUnsupportedResponseType, "response_type must be code")
	}
	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return fail(autherr.CodeInvalidRequest, err.Error())
	}
	scopes, err := s.resolveScopes(req.Scope)
	if err != nil {
		return fail(autherr.CodeInvalidScope, err.Error())
	}
	audience, err := s.resolveAudience(req.Resource)
	if err != nil {
		return fail(autherr.CodeInvalidTarget, err.Error())
	}

	return &validatedAuthorizeRequest{
		AuthorizeRequest: req,
		target:           target,
		scopes:           scopes,
		audience:         audience,
	}, nil
}

func (s *Server) loginResult(req AuthorizeRequest) Login {
	returnTo := s.Config.BaseURL + PathAuthorize + "?" + req.Query().Encode()
	return Login{URL: s.provider.LoginURL(returnTo)}
}

func (s *Server) issueAuthorizationCode(ctx context.Context, v *validatedAuthorizeRequest, user *providers.UserInfo) AuthorizeResult {
	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		UserID:              user.ID,
		Email:               user.Email,
		ClientID:            v.ClientID,
		RedirectURI:         v.RedirectURI,
		CodeChallenge:       v.CodeChallenge,
		CodeChallengeMethod: PKCEMethodS256,
		Scopes:              v.scopes,
		Audience:            v.audience,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}

	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("Failed to save authorization code",
			"client_id", v.ClientID,
			"error", err)
		return errorRedirect(v.target, autherr.CodeServerError, "internal server error", v.State)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    user.ID,
		ClientID:  v.ClientID,
		RequestID: security.GetRequestID(ctx),
		Details: map[string]any{
			"scope":    util.JoinScopes(v.scopes),
			"audience": v.audience,
			"native":   isNativeRedirect(v.target),
		},
	})
	s.Logger.Debug("Issued authorization code",
		"client_id", v.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))

	u := *v.target
	q := u.Query()
	q.Set("code", code.Code)
	if v.State != "" {
		q.Set("state", v.State)
	}
	u.RawQuery = q.Encode()
	return Redirect{URL: u.String()}
}

func errorRedirect(target *url.URL, code, description, state string) Redirect {
	u := *target
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return Redirect{URL: u.String()}
}

// BridgeCallback maps the query of a browser redirect to
// BaseURL/oauth/callback onto Config.NativeCallbackURI. Code, state and
// error parameters are forwarded unchanged.
func (s *Server) BridgeCallback(q url.Values) (string, error) {
	target, err := url.Parse(s.Config.NativeCallbackURI)
	if err != nil || target.Scheme == "" {
		return "", autherr.Configuration("native callback URI is invalid")
	}

	out := target.Query()
	for _, k := range []string{"code", "state", "error", "error_description"} {
		if v := q.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	if !out.Has("code") && !out.Has("error") {
		out.Set("error", autherr.CodeInvalidRequest)
		out.Set("error_description", "missing code")
	}
	target.RawQuery = out.Encode()
	return target.String(), nil
}
