package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access and refresh token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by its holder
	EventTokenRevoked = "token_revoked"

	// EventFirstPartyTokenMinted is logged when tokens are minted from an identity-provider JWT
	EventFirstPartyTokenMinted = "first_party_token_minted"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the user denies consent
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when a consumed authorization code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// Client registration events

	// EventClientRegistered is logged when a client registers
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match the challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect_uri is refused
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh asks for more scope than the grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventResourceMismatch is logged when the resource parameter does not match the code (RFC 8707)
	EventResourceMismatch = "resource_mismatch"

	// EventMaintenanceUnauthorized is logged when the maintenance endpoint rejects a caller
	EventMaintenanceUnauthorized = "maintenance_unauthorized"

	// Operational events

	// EventTokenCleanup is logged after the janitor removed rows
	EventTokenCleanup = "token_cleanup"
)
