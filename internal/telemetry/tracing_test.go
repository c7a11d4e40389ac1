package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// Not parallel: installs the global tracer provider.
func TestStartEndRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), "catalog-test", "dev", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := Start(context.Background(), "batch.entry", attribute.String("url", "https://shop.test/p/1"))
	assert.NotEmpty(t, TraceID(ctx))
	End(span, errors.New("timeout"))

	_, ok := Start(context.Background(), "discovery.level")
	End(ok, nil)

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "batch.entry", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
	assert.Empty(t, TraceID(context.Background()))
}

// Not parallel: installs the global tracer provider.
func TestLogFieldCarriesTraceID(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "catalog-test", "dev",
		sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	ctx, span := Start(context.Background(), "batch.entry")
	logger.Info("in span", LogField(ctx))
	End(span, nil)
	logger.Info("no span", LogField(context.Background()))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, TraceID(ctx), entries[0].ContextMap()["trace_id"])
	assert.NotContains(t, entries[1].ContextMap(), "trace_id")
}

func TestNewExporter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	exp, err := NewExporter(ctx, ExporterConfig{})
	require.NoError(t, err)
	assert.Nil(t, exp)

	exp, err = NewExporter(ctx, ExporterConfig{Exporter: ExporterOTLP, Endpoint: "http://127.0.0.1:4318/v1/traces"})
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.NoError(t, exp.Shutdown(ctx))

	_, err = NewExporter(ctx, ExporterConfig{Exporter: "jaeger"})
	assert.ErrorContains(t, err, "unknown trace exporter")
}
