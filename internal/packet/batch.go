package packet

// KBurst is the maximum number of packets carried by a single Batch. It is
// the unit the whole engine reasons about: gate firing, scratch
// split-batches, and the Scheduler's resource-tuple accounting all operate in
// multiples of one batch.
const KBurst = 32

// Batch is a fixed-capacity, cache-friendly group of packet handles. It is a
// single-worker value: never shared concurrently, never retained past the
// RunTask/ProcessBatch call chain that produced it without an explicit copy.
// Invariant: Count is always in [0, KBurst].
type Batch struct {
	pkts  [KBurst]*Packet
	count int
}

// Count returns the number of live packets currently in the batch.
func (b *Batch) Count() int { return b.count }

// Full reports whether the batch has reached KBurst packets.
func (b *Batch) Full() bool { return b.count == KBurst }

// Empty reports whether the batch holds no packets.
func (b *Batch) Empty() bool { return b.count == 0 }

// At returns the i'th packet in the batch. Indexing past Count is a
// programming fault and panics, matching the core's "never observe past the
// declared count" invariant.
func (b *Batch) At(i int) *Packet {
	if i < 0 || i >= b.count {
		panic("packet: Batch index out of range")
	}
	return b.pkts[i]
}

// Add appends pkt to the batch. Returns false without modifying the batch if
// it is already full; callers (the gate-firing logic) are expected to flush
// full batches before calling Add again.
func (b *Batch) Add(pkt *Packet) bool {
	if b.count >= KBurst {
		return false
	}
	b.pkts[b.count] = pkt
	b.count++
	return true
}

// Clear resets the batch to empty without freeing the packets it held; the
// caller is responsible for having already disposed of them (emitted
// downstream or freed to a pool).
func (b *Batch) Clear() {
	for i := 0; i < b.count; i++ {
		b.pkts[i] = nil
	}
	b.count = 0
}

// Each calls fn once per packet currently in the batch, in order.
func (b *Batch) Each(fn func(*Packet)) {
	for i := 0; i < b.count; i++ {
		fn(b.pkts[i])
	}
}

// Append moves as many packets as fit from src into b, stopping when either b
// is full or src is exhausted, and reports how many it moved. Used by the
// merged-path gate logic to append newly emitted packets into an
// already-queued batch for the same IGate.
func (b *Batch) Append(src *Batch) int {
	n := 0
	for i := 0; i < src.count && b.count < KBurst; i++ {
		b.pkts[b.count] = src.pkts[i]
		b.count++
		n++
	}
	return n
}
