// Package otellistener turns each onStateMachineEvent notification into
// one OpenTelemetry span, giving operators a trace-shaped view of a
// machine's transition history without coupling the core registry to
// any tracing SDK.
package otellistener

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/comalice/fsmgrid/machine"
)

// NewDefaultTracerProvider builds an SDK tracer provider with no span
// processor and no exporter attached (spans are created and ended but go
// nowhere) — a starting point for callers who want NewTracerProvider's
// defaults and intend to call RegisterSpanProcessor with a real
// exporter themselves.
func NewDefaultTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider()
}

// Listener starts and immediately ends a span per transition; it does
// not attempt to correlate spans across a machine's lifetime into a
// single trace, since the machine long outlives any one trace context
// a caller might supply.
type Listener struct {
	tracer trace.Tracer
}

// New wraps a trace.Tracer, typically obtained from an
// otel.TracerProvider configured by the caller.
func New(tracer trace.Tracer) *Listener {
	return &Listener{tracer: tracer}
}

func (l *Listener) OnRegistryCreate(id string) {
	_, span := l.tracer.Start(context.Background(), "registry.create", trace.WithAttributes(attribute.String("machine.id", id)))
	span.End()
}

func (l *Listener) OnRegistryRehydrate(id string) {
	_, span := l.tracer.Start(context.Background(), "registry.rehydrate", trace.WithAttributes(attribute.String("machine.id", id)))
	span.End()
}

func (l *Listener) OnRegistryRemove(id string) {
	_, span := l.tracer.Start(context.Background(), "registry.remove", trace.WithAttributes(attribute.String("machine.id", id)))
	span.End()
}

func (l *Listener) OnStateMachineEvent(id, oldState, newState string, persistent *machine.PersistentContext, volatile any) {
	_, span := l.tracer.Start(context.Background(), "machine.transition", trace.WithAttributes(
		attribute.String("machine.id", id),
		attribute.String("machine.oldState", oldState),
		attribute.String("machine.newState", newState),
	))
	span.End()
}
