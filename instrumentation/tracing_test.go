package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{Enabled: true, SpanProcessors: []sdktrace.SpanProcessor{recorder}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	_, span := inst.Tracer("server").Start(context.Background(), "refresh")
	RecordError(span, errors.New("store down"))
	span.End()

	got := recorder.Ended()[0]
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status().Code)
	}
	if len(got.Events()) == 0 {
		t.Error("RecordError() should add an exception event")
	}
}

func TestHelpers_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil)
	AddOAuthFlowAttributes(nil, "c", "u", "s")
	AddTokenFamilyAttributes(nil, "f")
}
