// HashLB is a ProcessBatch-only module that spreads packets across a fixed
// set of output gates by hashing a small key taken from each packet. Since
// Packet is an opaque buffer handle at this layer, the key is a configurable
// window of the packet's scratchpad (the core's own per-packet metadata
// area) into which an upstream parser module stashes a pseudo 5-tuple or
// flow id.
package modules

import (
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// MaxHashLBGates bounds how many output gates HashLB can spread across.
const MaxHashLBGates = 8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// HashLBConfig configures the module at creation.
type HashLBConfig struct {
	// Gates lists the ogate indices to spread across, in order. Defaults to
	// every declared ogate (0..MaxHashLBGates-1) if empty.
	Gates []int
	// KeyOffset/KeyLen select the scratchpad window hashed per packet.
	KeyOffset int
	KeyLen    int
}

// HashLB is the reference load-balancing module.
type HashLB struct {
	mu        sync.RWMutex
	gates     []int
	keyOffset int
	keyLen    int

	perGate []atomic.Uint64 // packet counters, indexed by position in gates
}

func NewHashLB() *HashLB {
	h := &HashLB{perGate: make([]atomic.Uint64, MaxHashLBGates)}
	h.gates = defaultHashLBGates()
	h.keyLen = 4
	return h
}

func defaultHashLBGates() []int {
	g := make([]int, MaxHashLBGates)
	for i := range g {
		g[i] = i
	}
	return g
}

func (h *HashLB) Init(config any) error {
	if config == nil {
		return nil
	}
	cfg, ok := config.(HashLBConfig)
	if !ok {
		return coreerrors.InvalidArgumentf("HashLB.Init: expected HashLBConfig, got %T", config)
	}
	return h.setGates(cfg.Gates, cfg.KeyOffset, cfg.KeyLen)
}

func (h *HashLB) Deinit() error { return nil }

func (h *HashLB) setGates(gates []int, keyOffset, keyLen int) error {
	if len(gates) > MaxHashLBGates {
		return coreerrors.InvalidArgumentf("HashLB can have at most %d ogates", MaxHashLBGates)
	}
	for _, g := range gates {
		if g < 0 || (g >= gate.MaxGates && g != gate.DropGate) {
			return coreerrors.InvalidArgumentf("invalid ogate %d", g)
		}
	}
	if keyLen <= 0 {
		keyLen = 4
	}
	if keyOffset < 0 || keyOffset+keyLen > packet.ScratchpadSize {
		return coreerrors.InvalidArgumentf("key window [%d,%d) exceeds scratchpad size %d", keyOffset, keyOffset+keyLen, packet.ScratchpadSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(gates) > 0 {
		h.gates = append([]int(nil), gates...)
	} else {
		h.gates = defaultHashLBGates()
	}
	h.keyOffset = keyOffset
	h.keyLen = keyLen
	return nil
}

func (h *HashLB) ProcessBatch(ctx *module.RunContext, batch *packet.Batch) {
	h.mu.RLock()
	gates := h.gates
	offset, length := h.keyOffset, h.keyLen
	h.mu.RUnlock()

	n := len(gates)
	if n == 0 {
		batch.Each(func(pkt *packet.Packet) { ctx.EmitPacket(pkt, gate.DropGate) })
		return
	}

	batch.Each(func(pkt *packet.Packet) {
		scratch := pkt.Scratchpad()
		key := scratch[offset : offset+length]
		idx := hashRange(crc32.Checksum(key, castagnoli), n)
		h.perGate[idx].Add(1)
		ctx.EmitPacket(pkt, gates[idx])
	})
}

// hashRange maps a hash value onto [0, n) with a multiply-high rather than
// a modulo, which biases less for small n and avoids an integer division on
// the hot path.
func hashRange(hashval uint32, n int) int {
	return int((uint64(hashval) * uint64(n)) >> 32)
}

// Commands exposes HashLB's set_gates control surface.
func (h *HashLB) Commands() []module.Command {
	return []module.Command{
		{
			Name:       "set_gates",
			Schema:     "HashLBSetGatesArg",
			ThreadSafe: false,
			Handler: func(inst module.Instance, arg any) (any, error) {
				cfg, ok := arg.(HashLBConfig)
				if !ok {
					return nil, coreerrors.InvalidArgumentf("set_gates: expected HashLBConfig, got %T", arg)
				}
				return nil, inst.(*HashLB).setGates(cfg.Gates, cfg.KeyOffset, cfg.KeyLen)
			},
		},
	}
}

// GateCounts returns the cumulative packet count routed to each configured
// gate, in the same order as the active gate list, for tests and metrics.
func (h *HashLB) GateCounts() []uint64 {
	h.mu.RLock()
	n := len(h.gates)
	h.mu.RUnlock()
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = h.perGate[i].Load()
	}
	return out
}
