package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Never set credential values (codes, tokens,
// verifiers) as attributes; only metadata about them.
const (
	AttrClientID      = "oauth.client_id"
	AttrUserID        = "oauth.user_id"
	AttrScope         = "oauth.scope"
	AttrAudience      = "oauth.audience"
	AttrGrantType     = "oauth.grant_type"
	AttrTokenFamilyID = "oauth.token.family_id" //nolint:gosec // identifier, not a credential
	AttrTokenType     = "oauth.token_type"      //nolint:gosec // token kind, not the token
	AttrError         = "oauth.error"
	AttrAuthMethod    = "authn.method"
	AttrClientIP      = "security.client_ip"
	AttrDeletedTokens = "janitor.deleted_tokens"
	AttrDeletedCodes  = "janitor.deleted_codes"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds client, user and scope to a span, skipping empty values
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddTokenFamilyAttributes adds the grant family to a span
func AddTokenFamilyAttributes(span trace.Span, familyID string) {
	if familyID != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenFamilyID, familyID))
	}
}
