package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Reuse events are throttled to this many per second with the burst below.
const (
	reuseEventsPerSecond = 1
	reuseEventBurst      = 10
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	reuseLimiter *rate.Limiter
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:       logger,
		enabled:      enabled,
		reuseLimiter: rate.NewLimiter(reuseEventsPerSecond, reuseEventBurst),
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope, audience string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope":    scope,
			"audience": audience,
		},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress, familyID string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id": familyID,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string, revoked int) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
			"revoked":    revoked,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientRegistered logs a dynamic client registration
func (a *Auditor) LogClientRegistered(clientID, ipAddress string, redirectURIs []string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"redirect_uris": redirectURIs,
		},
	})
}

// LogReuse logs a second presentation of a single-use credential. Events
// beyond the throttle only reach the log at Debug.
func (a *Auditor) LogReuse(eventType, userID, clientID, ipAddress string) {
	if a == nil || !a.enabled {
		return
	}
	if !a.reuseLimiter.Allow() {
		a.logger.Debug("Reuse audit event throttled", "event_type", eventType, "client_id", clientID)
		return
	}
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogCleanup logs a janitor run that removed rows
func (a *Auditor) LogCleanup(deletedTokens, deletedCodes int) {
	a.LogEvent(Event{
		Type: EventTokenCleanup,
		Details: map[string]any{
			"deleted_tokens": deletedTokens,
			"deleted_codes":  deletedCodes,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
