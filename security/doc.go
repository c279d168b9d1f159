// Package security provides the security plumbing of the authorization
// server: audit logging with hashed user ids, per-client rate limiting,
// request ids, response security headers, client IP extraction and shared
// secret comparison.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP)
// and evicts the least recently used bucket once MaxEntries is reached, so a
// distributed flood cannot grow memory without bound. Idle buckets are swept
// every CleanupInterval.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Audit
//
// Auditor writes one "security_audit" record per event. User ids are
// hashed before they reach the log. Reuse events (a consumed authorization
// code or a rotated refresh token presented again) are throttled so a
// misbehaving client retrying in a loop cannot flood the log.
package security
