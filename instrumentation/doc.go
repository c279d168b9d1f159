// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// With Enabled false every instrument is a no-op. With Enabled true spans go
// through an SDK tracer provider carrying the service resource; exporters
// are attached as span processors. Metrics use the meter provider passed in
// Config, or a no-op provider.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-authserver",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
// # Metrics
//
//   - mcpauth.http.requests.total{method, endpoint, status}
//   - mcpauth.http.request.duration{endpoint} (ms)
//   - mcpauth.client.registered
//   - mcpauth.code.issued{result}
//   - mcpauth.code.exchanged{result}
//   - mcpauth.token.refreshed{result}
//   - mcpauth.token.revoked{token_type}
//   - mcpauth.authn.total{method, result}
//   - mcpauth.security.rate_limit_exceeded{endpoint}
//   - mcpauth.security.reuse_detected{kind}
//   - mcpauth.security.pkce_failed
//   - mcpauth.janitor.deleted{kind}
//   - mcpauth.storage.codes, mcpauth.storage.tokens (observable gauges)
//
// Token values never appear in attributes; only their kind, client and
// family ids do.
package instrumentation
