package modules

import (
	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// SourceConfig configures a Source module.
type SourceConfig struct {
	// BatchSize is how many packets Source allocates and emits per RunTask
	// invocation, capped at packet.KBurst.
	BatchSize int
	// PacketBits is the nominal size (in bits) Source reports per packet for
	// the Scheduler's bits resource; it never inflates
	// the packet's actual byte length.
	PacketBits uint64
}

// Source is the reference traffic generator: it allocates a batch from the
// worker's packet pool every RunTask call and emits it whole on ogate 0,
// or DropGate if unconnected, by EmitPacket's own fallback. It is the
// minimal graph root needed to drive the engine without a real NIC driver.
type Source struct {
	cfg SourceConfig

	// alloc is the reusable per-task allocation scratch; a Source belongs to
	// one worker's task, so no synchronization is needed.
	alloc [packet.KBurst]*packet.Packet
}

func NewSource() *Source { return &Source{cfg: SourceConfig{BatchSize: packet.KBurst}} }

func (s *Source) Init(config any) error {
	if config == nil {
		return nil
	}
	cfg, ok := config.(SourceConfig)
	if !ok {
		return coreerrors.InvalidArgumentf("Source.Init: expected SourceConfig, got %T", config)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > packet.KBurst {
		return coreerrors.InvalidArgumentf("Source.Init: batch_size must be in (0, %d]", packet.KBurst)
	}
	s.cfg = cfg
	return nil
}

func (s *Source) Deinit() error { return nil }

func (s *Source) RunTask(ctx *module.RunContext, scratch *packet.Batch, _ any) module.TaskResult {
	scratch.Clear()
	out := s.alloc[:s.cfg.BatchSize]
	n, _ := ctx.Pool.AllocBulk(out)
	var bits uint64
	for i := 0; i < n; i++ {
		ctx.EmitPacket(out[i], gate.DefaultGate)
		out[i] = nil
		bits += s.cfg.PacketBits
	}
	return module.TaskResult{Block: n == 0, Packets: uint64(n), Bits: bits}
}
