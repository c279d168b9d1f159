// Package janitor removes dead rows from the token store.
//
// Expired and revoked tokens, and expired authorization codes, are never
// needed again once past their lifetime. A Janitor deletes them either on
// demand (the maintenance endpoint, the cleanup command) or from an
// in-process ticker.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Store is the part of storage.Store the janitor needs.
type Store interface {
	DeleteExpiredAndRevoked(ctx context.Context, now time.Time) (int, error)
	DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error)
}

var _ Store = (storage.Store)(nil)

// Result reports one cleanup pass.
type Result struct {
	DeletedTokens int       `json:"deletedCount"`
	DeletedCodes  int       `json:"deletedCodes"`
	Timestamp     time.Time `json:"timestamp"`
}

// Janitor deletes expired and revoked rows.
type Janitor struct {
	store           Store
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	now             func() time.Time
}

// New returns a janitor for store.
func New(store Store, logger *slog.Logger) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:           store,
		Auditor:         security.NewAuditor(logger, true),
		Instrumentation: instrumentation.Noop(),
		Logger:          logger,
		now:             time.Now,
	}, nil
}

// SetClock replaces the time source. Used in tests.
func (j *Janitor) SetClock(now func() time.Time) {
	j.now = now
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (j *Janitor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		inst = instrumentation.Noop()
	}
	j.Instrumentation = inst
}

// Cleanup deletes token rows that are revoked or expired and authorization
// codes that expired. Running it twice in a row deletes nothing the second
// time.
func (j *Janitor) Cleanup(ctx context.Context) (Result, error) {
	ctx, span := j.Instrumentation.Tracer("janitor").Start(ctx, "janitor.cleanup")
	defer span.End()

	now := j.now()
	result := Result{Timestamp: now.UTC()}

	tokens, err := j.store.DeleteExpiredAndRevoked(ctx, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return result, fmt.Errorf("delete expired tokens: %w", err)
	}
	result.DeletedTokens = tokens

	codes, err := j.store.DeleteExpiredAuthorizationCodes(ctx, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return result, fmt.Errorf("delete expired authorization codes: %w", err)
	}
	result.DeletedCodes = codes

	instrumentation.SetSpanAttributes(span,
		attribute.Int(instrumentation.AttrDeletedTokens, tokens),
		attribute.Int(instrumentation.AttrDeletedCodes, codes))
	instrumentation.SetSpanSuccess(span)
	j.Instrumentation.Metrics().RecordJanitorRun(ctx, tokens, codes)

	if tokens > 0 || codes > 0 {
		j.Auditor.LogCleanup(tokens, codes)
	}
	j.Logger.Debug("Token cleanup finished",
		"deleted_tokens", tokens,
		"deleted_codes", codes)
	return result, nil
}

// Run calls Cleanup every interval until ctx is done. Failed passes are
// logged and retried at the next tick.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.Logger.Info("Token janitor started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			j.Logger.Info("Token janitor stopped")
			return nil
		case <-ticker.C:
			if _, err := j.Cleanup(ctx); err != nil && ctx.Err() == nil {
				j.Logger.Error("Token cleanup failed", "error", err)
			}
		}
	}
}
