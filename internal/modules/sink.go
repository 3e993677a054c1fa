package modules

import (
	"sync/atomic"

	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
)

// Sink is the reference terminal consumer: it frees every packet it
// receives back to the worker's pool and tallies packets/bits, without
// emitting anywhere. Packets delivered here count as delivered to a
// terminal sink gate, the counterpart to DropGate in batch conservation.
type Sink struct {
	packets atomic.Uint64
	bits    atomic.Uint64
}

func NewSink() *Sink { return &Sink{} }

func (s *Sink) Init(any) error { return nil }
func (s *Sink) Deinit() error  { return nil }

func (s *Sink) ProcessBatch(ctx *module.RunContext, batch *packet.Batch) {
	n := batch.Count()
	if n == 0 {
		return
	}
	var bits uint64
	pkts := make([]*packet.Packet, 0, n)
	batch.Each(func(pkt *packet.Packet) {
		bits += uint64(pkt.TotalLen()) * 8
		pkts = append(pkts, pkt)
	})
	if ctx.Pool != nil {
		ctx.Pool.FreeBulk(pkts)
	}
	s.packets.Add(uint64(n))
	s.bits.Add(bits)
}

// Stats returns the cumulative packet and bit counts Sink has absorbed.
func (s *Sink) Stats() (packets, bits uint64) {
	return s.packets.Load(), s.bits.Load()
}
