// OpenTelemetry tracing for dispatched requests.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with dispatcher-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include expanded request paths in spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return noopTracer()
	}
	return globalTracer
}

// newTracer creates a tracer backed by the global provider.
func newTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

func noopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracerFromProvider creates a tracer backed by an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Dispatch Spans ---

// DispatchSpanOptions describes a unit of work once it leaves the dispatcher.
type DispatchSpanOptions struct {
	RequestID string
	Bucket    string
	Route     string
	Attempts  int
	Queued    time.Duration // time spent waiting for the bucket and throttles
	Path      string        // Only included if debug=true
}

// StartDispatchSpan starts a span covering queueing, throttling and sending.
func (t *Tracer) StartDispatchSpan(ctx context.Context, route string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch "+route, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("dispatch.route", route))
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with attributes.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("dispatch.request_id", opts.RequestID),
		attribute.String("dispatch.bucket", opts.Bucket),
		attribute.Int("dispatch.attempts", opts.Attempts),
		attribute.Int64("dispatch.queued_ms", opts.Queued.Milliseconds()),
	}

	if t.debug && opts.Path != "" {
		attrs = append(attrs, attribute.String("dispatch.path", opts.Path))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// AddThrottleEvent records a pre-emptive wait on the span.
func (t *Tracer) AddThrottleEvent(span trace.Span, bucket string, wait time.Duration, global bool) {
	span.AddEvent("throttled", trace.WithAttributes(
		attribute.String("ratelimit.bucket", bucket),
		attribute.Int64("ratelimit.wait_ms", wait.Milliseconds()),
		attribute.Bool("ratelimit.global", global),
	))
}

// AddRateLimitEvent records a server rejection on the span.
func (t *Tracer) AddRateLimitEvent(span trace.Span, bucket string, retryAfter time.Duration, global bool) {
	span.AddEvent("rate_limited", trace.WithAttributes(
		attribute.String("ratelimit.bucket", bucket),
		attribute.Int64("ratelimit.retry_after_ms", retryAfter.Milliseconds()),
		attribute.Bool("ratelimit.global", global),
	))
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
