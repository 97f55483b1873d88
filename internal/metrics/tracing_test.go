package metrics

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func restoreGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitTracing_Disabled(t *testing.T) {
	restoreGlobalProvider(t)
	prev := otel.GetTracerProvider()

	shutdown, err := InitTracing(context.Background(), TracingConfig{}, "taskflow", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Same(t, prev, otel.GetTracerProvider())
}

func TestInitTracing_StdoutExportsSpans(t *testing.T) {
	restoreGlobalProvider(t)
	var buf bytes.Buffer

	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:    true,
		Exporter:   "stdout",
		SampleRate: 1,
		Writer:     &buf,
	}, "taskflow", "test")
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "execution")
	span.SetAttributes(AttrExecutionID.String("exec-1"))
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"execution"`)
	assert.Contains(t, out, "exec-1")
	assert.Contains(t, out, "taskflow")
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	restoreGlobalProvider(t)
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, "taskflow", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter")
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(0).Description(), "TraceIDRatioBased{0.1}")
	assert.Contains(t, newSampler(0.5).Description(), "TraceIDRatioBased{0.5}")
	assert.Contains(t, newSampler(2).Description(), "AlwaysOnSampler")
}

func TestEndSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	EndSpan(ok, nil)
	_, failed := tracer.Start(context.Background(), "failed")
	EndSpan(failed, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}
