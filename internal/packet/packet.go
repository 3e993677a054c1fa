// Package packet implements the core's Packet and PacketBatch types. A
// Packet is an opaque handle to a DMA-capable buffer; the core never
// interprets its payload bytes, only its bookkeeping fields (headroom, data
// length, refcount, next-segment link, scratchpad).
package packet

import "sync/atomic"

// ScratchpadSize is the fixed per-packet metadata area modules may use for
// private bookkeeping (e.g. a precomputed hash, a rewritten 5-tuple). The core
// never reads or writes it.
const ScratchpadSize = 64

// Packet is a handle to one buffer. It is never copied by value once placed in
// a batch; always passed and stored as *Packet.
type Packet struct {
	buf []byte // full backing buffer

	headroom int // offset into buf where packet data begins
	dataLen  int // length of this segment's data, starting at headroom

	totalLen int // sum of dataLen across the whole segment chain
	refcount int32

	next *Packet // next segment in a chained packet, nil if unchained

	poolID  int
	paddr   uintptr
	scratch [ScratchpadSize]byte
}

// New wraps buf as a fresh packet owned by poolID, with one reference held on
// behalf of the caller and headroom bytes reserved at the front.
func New(buf []byte, poolID int, headroom int) *Packet {
	p := &Packet{
		buf:      buf,
		headroom: headroom,
		poolID:   poolID,
		refcount: 1,
	}
	p.totalLen = p.dataLen
	return p
}

// Data returns the packet's current data region (after headroom, before the
// unused tail), for this segment only; callers walking a chain must follow
// Next() themselves.
func (p *Packet) Data() []byte {
	return p.buf[p.headroom : p.headroom+p.dataLen]
}

// Headroom reports the number of free bytes before the data region, for
// modules that need to prepend a header without an allocation.
func (p *Packet) Headroom() int { return p.headroom }

// Prepend grows the data region backwards into headroom by n bytes and
// returns the newly exposed prefix for the caller to fill in. Panics (a
// programming fault, not a recoverable error) if n exceeds available
// headroom; callers must check Headroom first.
func (p *Packet) Prepend(n int) []byte {
	if n > p.headroom {
		panic("packet: Prepend exceeds headroom")
	}
	p.headroom -= n
	p.dataLen += n
	p.totalLen += n
	return p.buf[p.headroom : p.headroom+n]
}

// Append grows the data region forward by n bytes, returning the newly
// exposed suffix. Panics if it would exceed the backing buffer.
func (p *Packet) Append(n int) []byte {
	end := p.headroom + p.dataLen + n
	if end > len(p.buf) {
		panic("packet: Append exceeds buffer capacity")
	}
	start := p.headroom + p.dataLen
	p.dataLen += n
	p.totalLen += n
	return p.buf[start:end]
}

// SetData replaces the data region's logical length without touching the
// backing buffer; used by modules that compute a shorter length in place
// (e.g. stripping a trailer).
func (p *Packet) SetData(length int) {
	if p.headroom+length > len(p.buf) {
		panic("packet: SetData exceeds buffer capacity")
	}
	delta := length - p.dataLen
	p.dataLen = length
	p.totalLen += delta
}

// TotalLen returns the summed data length across the whole segment chain.
func (p *Packet) TotalLen() int { return p.totalLen }

// Refcount returns the current reference count. Invariant: refcount >= 1
// while the packet is reachable by any component.
func (p *Packet) Refcount() int32 { return atomic.LoadInt32(&p.refcount) }

// Ref increments the refcount, e.g. when a module fans the same packet out to
// more than one output gate.
func (p *Packet) Ref() { atomic.AddInt32(&p.refcount, 1) }

// Unref decrements the refcount and reports whether it reached zero (meaning
// the caller must return the packet to its pool). Decrementing past zero is a
// programming fault.
func (p *Packet) Unref() bool {
	n := atomic.AddInt32(&p.refcount, -1)
	if n < 0 {
		panic("packet: Unref on a packet with refcount already zero")
	}
	return n == 0
}

// Next returns the next segment in a chained packet, or nil.
func (p *Packet) Next() *Packet { return p.next }

// SetNext links p to the next segment in its chain.
func (p *Packet) SetNext(n *Packet) { p.next = n }

// PoolID reports which pool this packet's buffer was allocated from.
func (p *Packet) PoolID() int { return p.poolID }

// PhysAddr returns the buffer's physical address, as handed out by the
// packet-pool implementation at allocation time. Zero when the pool
// backing this packet does not model physical addressing (e.g. SimPool).
func (p *Packet) PhysAddr() uintptr { return p.paddr }

// SetPhysAddr is called by a Pool implementation when constructing a Packet.
func (p *Packet) SetPhysAddr(addr uintptr) { p.paddr = addr }

// Scratchpad returns the packet's fixed per-module metadata area. The core
// never interprets these bytes; modules agree out of band on sub-ranges.
func (p *Packet) Scratchpad() *[ScratchpadSize]byte { return &p.scratch }

// reset reinitializes a packet's buffer, lengths, refcount, chain link, pool
// id and physical address for reuse; the scratchpad keeps whatever bytes it
// held. Called only by Pool implementations, never by module code.
func (p *Packet) reset(buf []byte, poolID int, headroom int) {
	p.buf = buf
	p.headroom = headroom
	p.dataLen = 0
	p.totalLen = 0
	p.refcount = 1
	p.next = nil
	p.poolID = poolID
	p.paddr = 0
}
