package metrics

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rendis/taskflow"

// Span attribute keys.
var (
	AttrUserID      = attribute.Key("taskflow.user_id")
	AttrWorkflowID  = attribute.Key("taskflow.workflow_id")
	AttrExecutionID = attribute.Key("taskflow.execution_id")
	AttrTaskName    = attribute.Key("taskflow.task")
	AttrTaskType    = attribute.Key("taskflow.task_type")
	AttrAttempt     = attribute.Key("taskflow.attempt")
	AttrTriggerID   = attribute.Key("taskflow.trigger_id")
)

// TracingConfig selects where spans go.
type TracingConfig struct {
	Enabled    bool
	// Exporter is "stdout" or "otlp" (gRPC).
	Exporter   string
	// Endpoint overrides the OTLP collector address.
	Endpoint   string
	Insecure   bool
	// SampleRate is the fraction of root spans kept; <= 0 means 0.1.
	SampleRate float64
	// Writer receives stdout-exporter output. Defaults to stderr, as stdout
	// may carry a protocol stream.
	Writer     io.Writer
}

// InitTracing installs the global tracer provider described by cfg and
// returns a shutdown function that flushes pending spans. With tracing
// disabled the global no-op provider stays in place.
func InitTracing(ctx context.Context, cfg TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler keeps rate of root spans; children follow their parent.
func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 {
		rate = 0.1
	}
	if rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the taskflow tracer from the global provider. Until
// InitTracing runs the spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// EndSpan ends span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
