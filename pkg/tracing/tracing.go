// Package tracing adapts the dataplane's gate.Hook mechanism onto
// OpenTelemetry spans: a TracerProvider built once at startup, attributes
// copied across from the dataplane's own counters instead of a custom span
// type. It wires only the SDK's TracerProvider and a caller-supplied
// trace.SpanExporter, leaving the exporter choice (stdout, OTLP, or a no-op
// for tests) to the process wiring it up.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/dataplane/internal/gate"
)

// Config names the service identity attached to every span.
type Config struct {
	ServiceName string
	SampleRatio float64
}

// Provider owns the SDK TracerProvider and the Tracer GateHooks draw spans
// from. Shutdown flushes and releases the exporter.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
}

// New builds a Provider exporting through exporter (nil disables export
// entirely, which still lets sampling/propagation code run under test).
func New(cfg Config, exporter sdktrace.SpanExporter) *Provider {
	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error { return p.tp.Shutdown(ctx) }

// GateHook opens one span per batch traversal of a single ogate edge,
// named after the two module names the edge connects.
type GateHook struct {
	name   string
	tracer oteltrace.Tracer

	srcModule string
	ogateIdx  int
}

// NewGateHook builds a hook to attach to srcModule's ogate ogateIdx.
func (p *Provider) NewGateHook(srcModule string, ogateIdx int) *GateHook {
	return &GateHook{
		name:      fmt.Sprintf("trace:%s:%d", srcModule, ogateIdx),
		tracer:    p.tracer,
		srcModule: srcModule,
		ogateIdx:  ogateIdx,
	}
}

func (h *GateHook) Name() string { return h.name }

// Priority runs the tracing hook after metering/tcpdump so span attributes
// can include the batch the other hooks already measured.
func (h *GateHook) Priority() int { return 100 }

// Process implements gate.Hook: one span per fired batch, named after the
// two module names the edge connects and tagged with the batch size
// observed.
func (h *GateHook) Process(g *gate.IGateView, pkts int) {
	_, span := h.tracer.Start(context.Background(),
		fmt.Sprintf("%s -> %s", h.srcModule, g.Module),
		oteltrace.WithAttributes(
			attribute.String("dataplane.src_module", h.srcModule),
			attribute.Int("dataplane.ogate", h.ogateIdx),
			attribute.String("dataplane.dst_module", string(g.Module)),
			attribute.Int("dataplane.dst_igate", g.Index),
			attribute.Int("dataplane.batch_size", pkts),
		),
	)
	span.End()
}
