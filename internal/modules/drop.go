package modules

import (
	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
)

// Drop is the reference drop-all module: every packet it receives is
// emitted to gate.DropGate, incrementing the worker's silent-drop counter.
// It declares zero output gates: DropGate is a sentinel, not a real slot,
// so EmitPacket never needs one.
type Drop struct{}

func NewDrop() *Drop { return &Drop{} }

func (d *Drop) Init(any) error { return nil }
func (d *Drop) Deinit() error  { return nil }

func (d *Drop) ProcessBatch(ctx *module.RunContext, batch *packet.Batch) {
	batch.Each(func(pkt *packet.Packet) {
		ctx.EmitPacket(pkt, gate.DropGate)
	})
}
