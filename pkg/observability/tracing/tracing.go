package tracing

import (
	"context"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "discv5-cli"

var enabled atomic.Bool

// Setup installs a global tracer provider exporting to w when enable is
// true. The returned shutdown function flushes pending spans.
func Setup(enable bool, w io.Writer) (func(context.Context) error, error) {
	enabled.Store(enable)
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a span when tracing is enabled. The returned func ends it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if !enabled.Load() {
		return ctx, func() {}
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil || !enabled.Load() {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}
