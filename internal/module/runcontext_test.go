package module

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/packet"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

type mapResolver map[gate.ModuleID]*Node

func (r mapResolver) Lookup(id gate.ModuleID) (*Node, bool) {
	n, ok := r[id]
	return n, ok
}

type testClass struct {
	newFn func() Instance
	nig   int
	nog   int
}

func (c testClass) New() Instance  { return c.newFn() }
func (c testClass) NumIGates() int { return c.nig }
func (c testClass) NumOGates() int { return c.nog }

// seqSource emits n sequence-stamped packets per RunTask call.
type seqSource struct {
	n    int
	next uint32
}

func (s *seqSource) Init(any) error { return nil }
func (s *seqSource) Deinit() error  { return nil }

func (s *seqSource) RunTask(ctx *RunContext, scratch *packet.Batch, _ any) TaskResult {
	out := make([]*packet.Packet, s.n)
	got, _ := ctx.Pool.AllocBulk(out)
	for i := 0; i < got; i++ {
		binary.LittleEndian.PutUint32(out[i].Scratchpad()[0:4], s.next)
		s.next++
		ctx.EmitPacket(out[i], gate.DefaultGate)
	}
	return TaskResult{Block: got == 0, Packets: uint64(got)}
}

// forwarder re-emits every packet it receives on ogate 0.
type forwarder struct{}

func (f *forwarder) Init(any) error { return nil }
func (f *forwarder) Deinit() error  { return nil }

func (f *forwarder) ProcessBatch(ctx *RunContext, batch *packet.Batch) {
	batch.Each(func(pkt *packet.Packet) { ctx.EmitPacket(pkt, gate.DefaultGate) })
}

// splitter alternates packets between ogate 0 and ogate 1.
type splitter struct{ i int }

func (s *splitter) Init(any) error { return nil }
func (s *splitter) Deinit() error  { return nil }

func (s *splitter) ProcessBatch(ctx *RunContext, batch *packet.Batch) {
	batch.Each(func(pkt *packet.Packet) {
		ctx.EmitPacket(pkt, s.i%2)
		s.i++
	})
}

// collector records the sequence stamps it receives and frees the packets.
type collector struct{ seqs []uint32 }

func (c *collector) Init(any) error { return nil }
func (c *collector) Deinit() error  { return nil }

func (c *collector) ProcessBatch(ctx *RunContext, batch *packet.Batch) {
	pkts := make([]*packet.Packet, 0, batch.Count())
	batch.Each(func(pkt *packet.Packet) {
		c.seqs = append(c.seqs, binary.LittleEndian.Uint32(pkt.Scratchpad()[0:4]))
		pkts = append(pkts, pkt)
	})
	ctx.Pool.FreeBulk(pkts)
}

// dropAll sends everything to the drop sentinel.
type dropAll struct{}

func (d *dropAll) Init(any) error { return nil }
func (d *dropAll) Deinit() error  { return nil }

func (d *dropAll) ProcessBatch(ctx *RunContext, batch *packet.Batch) {
	batch.Each(func(pkt *packet.Packet) { ctx.EmitPacket(pkt, gate.DropGate) })
}

func newTestNode(t *testing.T, name string, inst Instance, nig, nog int) *Node {
	t.Helper()
	return NewNode(name, "test", testClass{newFn: func() Instance { return inst }, nig: nig, nog: nog})
}

func connect(t *testing.T, src *Node, ogate int, dst *Node, igate int) {
	t.Helper()
	require.NoError(t, gate.Link(src.OGates[ogate], dst.IGates[igate]))
}

func TestDropAllCountsSilentDrops(t *testing.T) {
	pool := packet.NewSimPool(4096, 0)
	src := newTestNode(t, "src", &seqSource{n: packet.KBurst}, 0, 1)
	drop := newTestNode(t, "drop", &dropAll{}, 1, 0)
	connect(t, src, 0, drop, 0)

	resolver := mapResolver{src.ID(): src, drop.ID(): drop}
	ctx := NewRunContext(resolver, pool)
	task := &Task{Module: src}

	var drops uint64
	for i := 0; i < 100; i++ {
		result := ctx.InvokeLeaf(task, &packet.Batch{})
		require.Equal(t, uint64(packet.KBurst), result.Packets)
		drops += ctx.SilentDrops
	}
	assert.Equal(t, uint64(3200), drops)

	// Every dropped packet went back to the pool.
	allocs, frees := pool.Stats()
	assert.Equal(t, allocs, frees)
}

func TestOrderingPreservedOnSingleEdge(t *testing.T) {
	pool := packet.NewSimPool(4096, 0)
	source := &seqSource{n: packet.KBurst}
	sink := &collector{}

	src := newTestNode(t, "src", source, 0, 1)
	fwd := newTestNode(t, "fwd", &forwarder{}, 1, 1)
	dst := newTestNode(t, "dst", sink, 1, 0)
	connect(t, src, 0, fwd, 0)
	connect(t, fwd, 0, dst, 0)

	resolver := mapResolver{src.ID(): src, fwd.ID(): fwd, dst.ID(): dst}
	ctx := NewRunContext(resolver, pool)
	task := &Task{Module: src}

	for i := 0; i < 10; i++ {
		ctx.InvokeLeaf(task, &packet.Batch{})
	}

	require.Len(t, sink.seqs, 10*packet.KBurst)
	for i, seq := range sink.seqs {
		require.Equal(t, uint32(i), seq, "packet order perturbed at index %d", i)
	}
}

func TestBatchConservationAcrossSplit(t *testing.T) {
	pool := packet.NewSimPool(4096, 0)
	sinkA := &collector{}
	sinkB := &collector{}

	src := newTestNode(t, "src", &seqSource{n: packet.KBurst}, 0, 1)
	split := newTestNode(t, "split", &splitter{}, 1, 2)
	a := newTestNode(t, "a", sinkA, 1, 0)
	b := newTestNode(t, "b", sinkB, 1, 0)
	connect(t, src, 0, split, 0)
	connect(t, split, 0, a, 0)
	connect(t, split, 1, b, 0)

	resolver := mapResolver{src.ID(): src, split.ID(): split, a.ID(): a, b.ID(): b}
	ctx := NewRunContext(resolver, pool)
	task := &Task{Module: src}

	const rounds = 50
	var drops uint64
	for i := 0; i < rounds; i++ {
		ctx.InvokeLeaf(task, &packet.Batch{})
		drops += ctx.SilentDrops
	}

	total := len(sinkA.seqs) + len(sinkB.seqs) + int(drops)
	assert.Equal(t, rounds*packet.KBurst, total)
	assert.Zero(t, drops)
	assert.Equal(t, rounds*packet.KBurst/2, len(sinkA.seqs))
	assert.Equal(t, rounds*packet.KBurst/2, len(sinkB.seqs))
}

func TestUnconnectedOGateDropsSilently(t *testing.T) {
	pool := packet.NewSimPool(4096, 0)
	src := newTestNode(t, "src", &seqSource{n: 10}, 0, 1)

	ctx := NewRunContext(mapResolver{src.ID(): src}, pool)
	task := &Task{Module: src}
	ctx.InvokeLeaf(task, &packet.Batch{})

	assert.Equal(t, uint64(10), ctx.SilentDrops)
	allocs, frees := pool.Stats()
	assert.Equal(t, allocs, frees)
}

func TestFanInMergesIntoOneBatchOnMergeableIGate(t *testing.T) {
	pool := packet.NewSimPool(4096, 0)
	sink := &collector{}

	src := newTestNode(t, "src", &seqSource{n: packet.KBurst}, 0, 1)
	split := newTestNode(t, "split", &splitter{}, 1, 2)
	dst := newTestNode(t, "dst", sink, 1, 0)
	// Both split ogates fan into the same igate, opted in to merging.
	dst.IGates[0].Mergeable = true
	connect(t, src, 0, split, 0)
	connect(t, split, 0, dst, 0)
	connect(t, split, 1, dst, 0)

	resolver := mapResolver{src.ID(): src, split.ID(): split, dst.ID(): dst}
	ctx := NewRunContext(resolver, pool)
	task := &Task{Module: src}
	ctx.InvokeLeaf(task, &packet.Batch{})

	assert.Len(t, sink.seqs, packet.KBurst)
	assert.Len(t, dst.IGates[0].Upstream(), 2)
}

func TestChainedFastPathDeliversThroughLongChain(t *testing.T) {
	pool := packet.NewSimPool(4096, 0)
	sink := &collector{}

	src := newTestNode(t, "src", &seqSource{n: packet.KBurst}, 0, 1)
	resolver := mapResolver{src.ID(): src}
	prev := src
	for _, name := range []string{"f1", "f2", "f3", "f4"} {
		// Default igates are non-mergeable and ride the chained "next"
		// register.
		n := newTestNode(t, name, &forwarder{}, 1, 1)
		resolver[n.ID()] = n
		connect(t, prev, 0, n, 0)
		prev = n
	}
	dst := newTestNode(t, "dst", sink, 1, 0)
	resolver[dst.ID()] = dst
	connect(t, prev, 0, dst, 0)

	ctx := NewRunContext(resolver, pool)
	task := &Task{Module: src}
	ctx.InvokeLeaf(task, &packet.Batch{})

	require.Len(t, sink.seqs, packet.KBurst)
	for i, seq := range sink.seqs {
		assert.Equal(t, uint32(i), seq)
	}
}

func TestOGateCountersAdvanceOnFire(t *testing.T) {
	pool := packet.NewSimPool(4096, 0)
	src := newTestNode(t, "src", &seqSource{n: packet.KBurst}, 0, 1)
	dst := newTestNode(t, "dst", &collector{}, 1, 0)
	connect(t, src, 0, dst, 0)

	ctx := NewRunContext(mapResolver{src.ID(): src, dst.ID(): dst}, pool)
	ctx.TSC = 42
	ctx.InvokeLeaf(&Task{Module: src}, &packet.Batch{})

	assert.Equal(t, uint64(1), src.OGates[0].Batches)
	assert.Equal(t, uint64(packet.KBurst), src.OGates[0].Packets)
	assert.Equal(t, uint64(42), src.OGates[0].LastTSC)
}

func TestEmitOnNonexistentOGateIsFatal(t *testing.T) {
	pool := packet.NewSimPool(64, 0)
	bad := newTestNode(t, "bad", &badEmitter{}, 0, 1)
	ctx := NewRunContext(mapResolver{bad.ID(): bad}, pool)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*coreerrors.FatalError)
		assert.True(t, ok)
	}()
	ctx.InvokeLeaf(&Task{Module: bad}, &packet.Batch{})
}

// badEmitter emits on an ogate index it never declared.
type badEmitter struct{}

func (b *badEmitter) Init(any) error { return nil }
func (b *badEmitter) Deinit() error  { return nil }

func (b *badEmitter) RunTask(ctx *RunContext, _ *packet.Batch, _ any) TaskResult {
	out := make([]*packet.Packet, 1)
	ctx.Pool.AllocBulk(out)
	ctx.EmitPacket(out[0], 5)
	return TaskResult{}
}

func TestInvokeLeafRequiresTaskRunner(t *testing.T) {
	pool := packet.NewSimPool(64, 0)
	n := newTestNode(t, "sinkonly", &collector{}, 1, 0)
	ctx := NewRunContext(mapResolver{n.ID(): n}, pool)

	assert.Panics(t, func() { ctx.InvokeLeaf(&Task{Module: n}, &packet.Batch{}) })
}

func TestFindCommand(t *testing.T) {
	_, err := FindCommand(&collector{}, "anything")
	assert.Equal(t, coreerrors.NotFound, coreerrors.KindOf(err))
}
