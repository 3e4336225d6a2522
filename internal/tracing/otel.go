package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects where spans go. With an empty TraceFile spans are sampled
// but not exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	TraceFile      string
}

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitOpenTelemetry installs the process-wide tracer provider. Only the first
// call has an effect.
func InitOpenTelemetry(cfg Config) error {
	providerOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			providerErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		}

		if cfg.TraceFile != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.TraceFile), 0755); err != nil {
				providerErr = fmt.Errorf("failed to create trace directory: %w", err)
				return
			}
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(&lumberjack.Logger{
				Filename:   cfg.TraceFile,
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			}))
			if err != nil {
				providerErr = fmt.Errorf("failed to create trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and records its trace id in ctx when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// FailSpan marks span as failed with err.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
