package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result attribute values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// Metrics holds all metric instruments of the authorization server.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	ClientRegistered metric.Int64Counter
	CodeIssued       metric.Int64Counter
	CodeExchanged    metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	TokenRevoked     metric.Int64Counter

	Authentications metric.Int64Counter

	RateLimitExceeded    metric.Int64Counter
	ReuseDetected        metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter

	JanitorDeleted metric.Int64Counter

	StorageCodes  metric.Int64ObservableGauge
	StorageTokens metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.HTTPRequestsTotal, "mcpauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.ClientRegistered, "mcpauth.client.registered", "Number of dynamic client registrations", "{client}"},
		{&m.CodeIssued, "mcpauth.code.issued", "Authorization requests by terminal result", "{code}"},
		{&m.CodeExchanged, "mcpauth.code.exchanged", "Authorization code exchanges by result", "{exchange}"},
		{&m.TokenRefreshed, "mcpauth.token.refreshed", "Refresh token rotations by result", "{refresh}"},
		{&m.TokenRevoked, "mcpauth.token.revoked", "Revocation requests", "{revocation}"},
		{&m.Authentications, "mcpauth.authn.total", "Protected request authentications by method and result", "{request}"},
		{&m.RateLimitExceeded, "mcpauth.security.rate_limit_exceeded", "Requests rejected by the rate limiter", "{request}"},
		{&m.ReuseDetected, "mcpauth.security.reuse_detected", "Single-use credentials presented again", "{event}"},
		{&m.PKCEValidationFailed, "mcpauth.security.pkce_failed", "Code exchanges with a wrong verifier", "{event}"},
		{&m.JanitorDeleted, "mcpauth.janitor.deleted", "Rows removed by the janitor", "{row}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"mcpauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageCodes, err = meter.Int64ObservableGauge(
		"mcpauth.storage.codes",
		metric.WithDescription("Authorization codes currently stored"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes gauge: %w", err)
	}

	m.StorageTokens, err = meter.Int64ObservableGauge(
		"mcpauth.storage.tokens",
		metric.WithDescription("Token rows currently stored"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one handled HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordClientRegistration records a dynamic client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context) {
	m.ClientRegistered.Add(ctx, 1)
}

// RecordAuthorization records the terminal result of an authorization request
func (m *Metrics) RecordAuthorization(ctx context.Context, result string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, result string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenRevocation records a revocation request
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordAuthentication records how a protected request was authenticated.
// method is empty when no resolver produced a user.
func (m *Metrics) RecordAuthentication(ctx context.Context, method string, ok bool) {
	result := ResultSuccess
	if !ok {
		result = ResultFailure
		method = "none"
	}
	m.Authentications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("result", result),
	))
}

// RecordRateLimitExceeded records a request rejected by the rate limiter
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordReuseDetected records a consumed code or rotated refresh token presented again
func (m *Metrics) RecordReuseDetected(ctx context.Context, kind string) {
	m.ReuseDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPKCEValidationFailed records a code exchange with a wrong verifier
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordJanitorRun records the rows removed by one cleanup pass
func (m *Metrics) RecordJanitorRun(ctx context.Context, deletedTokens, deletedCodes int) {
	m.JanitorDeleted.Add(ctx, int64(deletedTokens), metric.WithAttributes(attribute.String("kind", "token")))
	m.JanitorDeleted.Add(ctx, int64(deletedCodes), metric.WithAttributes(attribute.String("kind", "code")))
}
