package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "ledger.atomic_transfer", RPC("atomic_transfer"), UserID("u1"))
	End(span, errors.New("connection reset"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ledger.atomic_transfer", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "ledger.rpc" && kv.Value.AsString() == "atomic_transfer" {
			found = true
		}
	}
	assert.True(t, found, "expected ledger.rpc attribute")
}

func TestEnd_TagsFailureKindAndSkipsCancellation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, insufficient := StartSpan(context.Background(), "transfer.send")
	End(insufficient, failure.InsufficientBalance("10", "USD", nil))
	_, cancelled := StartSpan(context.Background(), "transfer.send")
	End(cancelled, context.Canceled)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("error.kind", "insufficient_balance"))
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
