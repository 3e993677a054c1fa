package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrependConsumesHeadroom(t *testing.T) {
	p := New(make([]byte, BufferSize), 0, DefaultHeadroom)
	copy(p.Append(100), make([]byte, 100))
	require.Equal(t, 100, len(p.Data()))

	hdr := p.Prepend(14)
	require.Equal(t, 14, len(hdr))
	assert.Equal(t, DefaultHeadroom-14, p.Headroom())
	assert.Equal(t, 114, len(p.Data()))
	assert.Equal(t, 114, p.TotalLen())
}

func TestPrependPastHeadroomPanics(t *testing.T) {
	p := New(make([]byte, BufferSize), 0, 8)
	assert.Panics(t, func() { p.Prepend(9) })
}

func TestAppendPastCapacityPanics(t *testing.T) {
	p := New(make([]byte, 256), 0, 128)
	p.Append(128)
	assert.Panics(t, func() { p.Append(1) })
}

func TestSetDataAdjustsTotalLen(t *testing.T) {
	p := New(make([]byte, BufferSize), 0, DefaultHeadroom)
	p.Append(200)
	p.SetData(150)
	assert.Equal(t, 150, len(p.Data()))
	assert.Equal(t, 150, p.TotalLen())
}

func TestRefcountLifecycle(t *testing.T) {
	p := New(make([]byte, 64), 0, 0)
	require.Equal(t, int32(1), p.Refcount())

	p.Ref()
	assert.Equal(t, int32(2), p.Refcount())
	assert.False(t, p.Unref())
	assert.True(t, p.Unref())
	assert.Panics(t, func() { p.Unref() })
}

func TestSegmentChaining(t *testing.T) {
	head := New(make([]byte, 64), 0, 0)
	tail := New(make([]byte, 64), 0, 0)
	require.Nil(t, head.Next())
	head.SetNext(tail)
	assert.Same(t, tail, head.Next())
}

func TestScratchpadIsWritable(t *testing.T) {
	p := New(make([]byte, 64), 0, 0)
	s := p.Scratchpad()
	s[0] = 0xAB
	s[ScratchpadSize-1] = 0xCD
	assert.Equal(t, byte(0xAB), p.Scratchpad()[0])
	assert.Equal(t, byte(0xCD), p.Scratchpad()[ScratchpadSize-1])
}

func TestBatchBounds(t *testing.T) {
	var b Batch
	assert.True(t, b.Empty())

	for i := 0; i < KBurst; i++ {
		require.True(t, b.Add(New(make([]byte, 64), 0, 0)))
	}
	assert.True(t, b.Full())
	assert.False(t, b.Add(New(make([]byte, 64), 0, 0)))
	assert.Equal(t, KBurst, b.Count())

	assert.Panics(t, func() { b.At(KBurst) })
	assert.Panics(t, func() { b.At(-1) })
}

func TestBatchAppendStopsAtCapacity(t *testing.T) {
	var dst, src Batch
	for i := 0; i < 20; i++ {
		dst.Add(New(make([]byte, 64), 0, 0))
	}
	for i := 0; i < 20; i++ {
		src.Add(New(make([]byte, 64), 0, 0))
	}
	moved := dst.Append(&src)
	assert.Equal(t, KBurst-20, moved)
	assert.True(t, dst.Full())
}

func TestBatchEachPreservesOrder(t *testing.T) {
	var b Batch
	pkts := make([]*Packet, 5)
	for i := range pkts {
		pkts[i] = New(make([]byte, 64), 0, 0)
		b.Add(pkts[i])
	}
	i := 0
	b.Each(func(p *Packet) {
		assert.Same(t, pkts[i], p)
		i++
	})
	assert.Equal(t, 5, i)
}

func TestSimPoolAllocFreeCycle(t *testing.T) {
	pool := NewSimPool(64, 0)
	require.Equal(t, 64, pool.Capacity())
	require.Equal(t, 0, pool.SocketID())

	out := make([]*Packet, 32)
	n, ok := pool.AllocBulk(out)
	require.True(t, ok)
	require.Equal(t, 32, n)
	for _, p := range out {
		require.NotNil(t, p)
		assert.Equal(t, int32(1), p.Refcount())
		assert.Equal(t, 0, p.TotalLen())
	}

	pool.FreeBulk(out)
	allocs, frees := pool.Stats()
	assert.Equal(t, uint64(32), allocs)
	assert.Equal(t, uint64(32), frees)
}

func TestSimPoolExhaustion(t *testing.T) {
	pool := NewSimPool(8, 0)
	out := make([]*Packet, 16)
	n, ok := pool.AllocBulk(out)
	assert.False(t, ok)
	assert.Equal(t, 8, n)
}

func TestSimPoolReusedPacketIsPristine(t *testing.T) {
	pool := NewSimPool(1, 0)
	out := make([]*Packet, 1)
	_, ok := pool.AllocBulk(out)
	require.True(t, ok)
	out[0].Append(100)
	out[0].Scratchpad()[0] = 0xFF
	pool.FreeBulk(out)

	again := make([]*Packet, 1)
	_, ok = pool.AllocBulk(again)
	require.True(t, ok)
	assert.Equal(t, 0, again[0].TotalLen())
	assert.Equal(t, DefaultHeadroom, again[0].Headroom())
	assert.Equal(t, int32(1), again[0].Refcount())
}
