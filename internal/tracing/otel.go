// Package tracing adds OpenTelemetry spans around each tunneled HTTP
// exchange (SPEC_FULL.md "Distributed tracing" supplement). It is purely
// additive instrumentation: with no SDK/exporter configured the global
// TracerProvider is a no-op and these calls cost a few allocations, never
// changing tunnel behavior.
//
// The trace context travels over the wire as a single conventional
// "traceparent" header (W3C Trace Context) inside WireRequest.Headers, so a
// span started by the Tunnel Listener around the pending-table wait links to
// a child span the Agent Executor starts around the local HTTP fetch.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/magnitudedev/bunnel"

var propagator = propagation.TraceContext{}

// headerCarrier adapts a map[string]string (the wire format for
// WireRequest.Headers) to propagation.TextMapCarrier.
type headerCarrier map[string]string

func (c headerCarrier) Get(key string) string { return c[key] }

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// StartRequestSpan starts a span for one tunneled HTTP exchange and injects
// the resulting trace context into headers so the agent side can continue
// the trace. Call this on the Tunnel Listener before sending the
// WireRequest.
func StartRequestSpan(ctx context.Context, method, path string, headers map[string]string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "bunnel.request",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
		),
	)
	propagator.Inject(ctx, headerCarrier(headers))
	return ctx, span
}

// StartLocalFetchSpan is called on the Agent Executor when it receives a
// WireRequest; it extracts whatever trace context the server attached and
// starts a child span around the local HTTP fetch.
func StartLocalFetchSpan(headers map[string]string, method, path string) (context.Context, trace.Span) {
	ctx := propagator.Extract(context.Background(), headerCarrier(headers))
	return otel.Tracer(tracerName).Start(ctx, "bunnel.local_fetch",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
		),
	)
}

// EndWithStatus records the HTTP status code and ends the span.
func EndWithStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	span.End()
}
