package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flowmesh/dataplane/internal/gate"
)

func TestGateHookEmitsSpanPerBatch(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p := New(Config{ServiceName: "dataplane-test"}, exporter)
	defer p.Shutdown(context.Background())

	h := p.NewGateHook("src0", 0)
	assert.Equal(t, "trace:src0:0", h.Name())
	assert.Equal(t, 100, h.Priority())

	view := &gate.IGateView{Module: "sink0", Index: 0}
	h.Process(view, 32)
	h.Process(view, 7)

	require.NoError(t, p.tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "src0 -> sink0", spans[0].Name)
}

func TestNilExporterStillSafe(t *testing.T) {
	p := New(Config{ServiceName: "dataplane-test"}, nil)
	h := p.NewGateHook("src0", 1)
	h.Process(&gate.IGateView{Module: "sink0", Index: 0}, 1)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestHookAttachesToRealGate(t *testing.T) {
	p := New(Config{ServiceName: "dataplane-test"}, nil)
	og := gate.NewOGate("src0", 0)
	require.NoError(t, og.AddHook(p.NewGateHook("src0", 0)))
	// Duplicate hook names on one gate are refused.
	assert.Error(t, og.AddHook(p.NewGateHook("src0", 0)))
}
