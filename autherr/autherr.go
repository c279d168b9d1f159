// Package autherr defines the error taxonomy shared by the authorization
// server, the token verifier and the HTTP boundary.
//
// Every error carries a Kind for internal diagnostics and an OAuth error code
// for the wire. Kinds that describe why a credential was rejected
// (InvalidToken, ExpiredToken, RevokedToken, AudienceMismatch) are collapsed
// to Unauthorized before anything reaches a protected-resource caller.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidTarget           = "invalid_target"
	CodeInvalidToken            = "invalid_token"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Kind classifies an error for logging and response mapping.
type Kind int

const (
	// KindServer is an unexpected internal fault.
	KindServer Kind = iota
	// KindConfiguration is a deployment misconfiguration.
	KindConfiguration
	// KindValidation is malformed caller input.
	KindValidation
	// KindUnauthorized is a missing or rejected credential.
	KindUnauthorized
	// KindInvalidGrant is a bad authorization code or refresh token.
	KindInvalidGrant
	KindInvalidToken
	KindExpiredToken
	KindRevokedToken
	KindAudienceMismatch
)

var kindNames = map[Kind]string{
	KindServer:           "ServerError",
	KindConfiguration:    "ConfigurationError",
	KindValidation:       "ValidationError",
	KindUnauthorized:     "UnauthorizedError",
	KindInvalidGrant:     "InvalidGrant",
	KindInvalidToken:     "InvalidToken",
	KindExpiredToken:     "ExpiredToken",
	KindRevokedToken:     "RevokedToken",
	KindAudienceMismatch: "AudienceMismatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Public returns the kind a resource-server caller is allowed to observe.
func (k Kind) Public() Kind {
	switch k {
	case KindInvalidToken, KindExpiredToken, KindRevokedToken, KindAudienceMismatch:
		return KindUnauthorized
	default:
		return k
	}
}

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind        Kind
	Code        string // OAuth error code written to the wire
	Description string // safe to show to the caller
	Field       string // offending input field, for validation errors
	Status      int    // HTTP status
	Err         error  // wrapped cause, never shown to the caller
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind. Status is derived from the kind.
func New(kind Kind, code, description string) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Description: description,
		Status:      statusFor(kind),
	}
}

// Wrap returns a copy of e carrying err as its cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func statusFor(kind Kind) int {
	switch kind {
	case KindConfiguration, KindServer:
		return http.StatusInternalServerError
	case KindUnauthorized, KindInvalidToken, KindExpiredToken, KindRevokedToken, KindAudienceMismatch:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// Configuration reports a deployment misconfiguration.
func Configuration(description string) *Error {
	return New(KindConfiguration, CodeServerError, description)
}

// Validation reports malformed input. The description names the field.
func Validation(field, description string) *Error {
	e := New(KindValidation, CodeInvalidRequest, description)
	e.Field = field
	return e
}

// InvalidRequest is a validation error without a single offending field.
func InvalidRequest(description string) *Error {
	return New(KindValidation, CodeInvalidRequest, description)
}

// InvalidScope reports an unknown or widened scope.
func InvalidScope(description string) *Error {
	return New(KindValidation, CodeInvalidScope, description)
}

// Unauthorized never carries a reason; the cause, if any, goes in Err.
func Unauthorized() *Error {
	return New(KindUnauthorized, "Unauthorized", "")
}

func InvalidGrant(description string) *Error {
	return New(KindInvalidGrant, CodeInvalidGrant, description)
}

func InvalidToken(cause error) *Error {
	return New(KindInvalidToken, CodeInvalidToken, "token is invalid").Wrap(cause)
}

func ExpiredToken() *Error {
	return New(KindExpiredToken, CodeInvalidToken, "token has expired")
}

func RevokedToken() *Error {
	return New(KindRevokedToken, CodeInvalidToken, "token has been revoked")
}

// AudienceMismatch records both audiences for diagnostics.
func AudienceMismatch(got []string, want string) *Error {
	return New(KindAudienceMismatch, CodeInvalidToken, "token audience mismatch").
		Wrap(fmt.Errorf("token audience %v does not include %q", got, want))
}

// Server wraps an unexpected fault. The description shown to callers is fixed.
func Server(cause error) *Error {
	return New(KindServer, CodeServerError, "internal server error").Wrap(cause)
}

// KindOf returns the kind of err, or KindServer for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// As extracts the taxonomy error from err. Errors outside the taxonomy are
// wrapped as server errors.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Server(err)
}
