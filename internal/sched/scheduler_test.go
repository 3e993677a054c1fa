package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
)

// fakeClock advances a fixed number of cycles on every TSC read, making
// every scheduling decision deterministic.
type fakeClock struct {
	now  uint64
	step uint64
}

func (c *fakeClock) TSC() uint64 {
	c.now += c.step
	return c.now
}

func newTestScheduler(root *TrafficClass, step uint64) (*Scheduler, *fakeClock) {
	clock := &fakeClock{step: step}
	return NewScheduler(root, clock, NanoClockHz), clock
}

func runRounds(s *Scheduler, n int) {
	ctx := module.NewRunContext(nil, nil)
	var scratch packet.Batch
	for i := 0; i < n; i++ {
		s.RunOnce(ctx, &scratch)
	}
}

func TestSchedulerRunsLeafRoot(t *testing.T) {
	stub := &stubTask{Packets: 32}
	leaf := makeLeaf("leaf", stub)
	s, _ := newTestScheduler(leaf, 100)

	runRounds(s, 10)
	assert.Equal(t, uint64(10), stub.Runs)
	assert.Equal(t, uint64(10), s.Stats().Rounds)
	assert.Zero(t, s.Stats().IdleRounds)
}

func TestSchedulerIdlesOnBlockedRoot(t *testing.T) {
	stub := &stubTask{Block: true}
	leaf := makeLeaf("leaf", stub)
	s, _ := newTestScheduler(leaf, 100)

	runRounds(s, 5)
	// First round runs the task, which blocks; the rest idle.
	assert.Equal(t, uint64(1), stub.Runs)
	assert.Equal(t, uint64(4), s.Stats().IdleRounds)
	assert.InDelta(t, 0.8, s.Stats().IdleRatio(), 0.001)
}

func TestMarkRunnableRevivesBlockedLeaf(t *testing.T) {
	stub := &stubTask{Block: true}
	leaf := makeLeaf("leaf", stub)
	s, clock := newTestScheduler(leaf, 100)

	runRounds(s, 3)
	require.Equal(t, uint64(1), stub.Runs)

	stub.Block = false
	s.MarkRunnable(leaf, clock.TSC())
	runRounds(s, 3)
	assert.Equal(t, uint64(4), stub.Runs)
}

func TestPriorityDominance(t *testing.T) {
	high := &stubTask{Packets: 32}
	low := &stubTask{Packets: 32}
	root := NewPriorityTC("root")
	hleaf := makeLeaf("high", high)
	hleaf.Priority = 2
	lleaf := makeLeaf("low", low)
	lleaf.Priority = 1
	require.NoError(t, root.AddChild(hleaf))
	require.NoError(t, root.AddChild(lleaf))

	s, _ := newTestScheduler(root, 100)
	runRounds(s, 1000)

	assert.Equal(t, uint64(1000), high.Runs)
	assert.Zero(t, low.Runs, "lower-priority child ran while the higher was runnable")
}

func TestPriorityFallsBackWhenHighBlocks(t *testing.T) {
	high := &stubTask{Block: true}
	low := &stubTask{}
	root := NewPriorityTC("root")
	hleaf := makeLeaf("high", high)
	hleaf.Priority = 2
	lleaf := makeLeaf("low", low)
	lleaf.Priority = 1
	require.NoError(t, root.AddChild(hleaf))
	require.NoError(t, root.AddChild(lleaf))

	s, clock := newTestScheduler(root, 100)
	runRounds(s, 100)
	assert.Equal(t, uint64(1), high.Runs)
	assert.Equal(t, uint64(99), low.Runs)

	// High-priority child coming back preempts low immediately.
	high.Block = false
	s.MarkRunnable(hleaf, clock.TSC())
	runRounds(s, 10)
	assert.Equal(t, uint64(11), high.Runs)
	assert.Equal(t, uint64(99), low.Runs)
}

func TestRoundRobinEachChildOncePerCycle(t *testing.T) {
	const n = 4
	root := NewRoundRobinTC("root")
	stubs := make([]*stubTask, n)
	for i := 0; i < n; i++ {
		stubs[i] = &stubTask{}
		leaf := makeLeaf(string(rune('a'+i)), stubs[i])
		require.NoError(t, root.AddChild(leaf))
	}

	s, _ := newTestScheduler(root, 100)
	const cycles = 250
	runRounds(s, n*cycles)

	for i, stub := range stubs {
		assert.Equal(t, uint64(cycles), stub.Runs, "child %d did not run exactly once per cycle", i)
	}
}

func TestWeightedFairConvergesToShares(t *testing.T) {
	a := &stubTask{Packets: 32}
	b := &stubTask{Packets: 32}
	root := NewWeightedFairTC("root", ResourcePackets)
	aleaf := makeLeaf("a", a)
	aleaf.Share = 3
	bleaf := makeLeaf("b", b)
	bleaf.Share = 1
	require.NoError(t, root.AddChild(aleaf))
	require.NoError(t, root.AddChild(bleaf))

	s, _ := newTestScheduler(root, 100)
	runRounds(s, 20_000)

	ratio := float64(a.Runs) / float64(b.Runs)
	assert.InDelta(t, 3.0, ratio, 0.15, "weighted-fair ratio diverged: %v", ratio)
}

func TestRateLimitBoundsThroughput(t *testing.T) {
	// 1e6 packets/s, bursts of at most 64 packets, at 1e9 cycles/s.
	const limitPerSec = 1_000_000
	const maxBurst = 64

	stub := &stubTask{Packets: 32}
	root := NewRateLimitTC("rl", ResourcePackets, limitPerSec, maxBurst, NanoClockHz)
	leaf := makeLeaf("leaf", stub)
	require.NoError(t, root.AddChild(leaf))

	s, clock := newTestScheduler(root, 1000)
	ctx := module.NewRunContext(nil, nil)
	var scratch packet.Batch

	// Warm up past the burst window, then measure one simulated second.
	for clock.now < NanoClockHz/100 {
		s.RunOnce(ctx, &scratch)
	}
	startPackets := root.Stats.Packets
	startTSC := clock.now
	for clock.now < startTSC+NanoClockHz {
		s.RunOnce(ctx, &scratch)
	}
	measured := root.Stats.Packets - startPackets

	assert.LessOrEqual(t, measured, uint64(limitPerSec)+maxBurst+packet.KBurst,
		"rate limit exceeded: %d packets in one simulated second", measured)
	// The class must not be starved either: it should achieve a large
	// fraction of its configured rate.
	assert.Greater(t, measured, uint64(limitPerSec)*90/100)
}

func TestThrottledClassResumesAtWakeupTime(t *testing.T) {
	stub := &stubTask{Packets: 32}
	root := NewRateLimitTC("rl", ResourcePackets, 1000, 32, NanoClockHz)
	leaf := makeLeaf("leaf", stub)
	require.NoError(t, root.AddChild(leaf))

	s, clock := newTestScheduler(root, 1000)
	ctx := module.NewRunContext(nil, nil)
	var scratch packet.Batch

	require.True(t, s.RunOnce(ctx, &scratch))
	require.True(t, root.Blocked, "class should throttle after its first burst")
	require.Equal(t, uint64(1), root.CntThrottled)
	wakeup := root.rlWakeupTime
	require.Greater(t, wakeup, clock.now)

	// The class stays throttled right up to its wakeup deadline.
	runsBefore := stub.Runs
	for clock.now+2000 < wakeup {
		s.RunOnce(ctx, &scratch)
	}
	assert.Equal(t, runsBefore, stub.Runs, "task ran while its class was throttled")

	// Crossing the deadline resumes it within a few rounds.
	for i := 0; i < 5; i++ {
		s.RunOnce(ctx, &scratch)
	}
	assert.Greater(t, stub.Runs, runsBefore)
}

func TestUsageChargedUpTheTree(t *testing.T) {
	stub := &stubTask{Packets: 32, Bits: 32 * 512 * 8}
	rl := NewRateLimitTC("rl", ResourceBits, 0, 0, NanoClockHz)
	leaf := makeLeaf("leaf", stub)
	require.NoError(t, rl.AddChild(leaf))
	rr := NewRoundRobinTC("root")
	require.NoError(t, rr.AddChild(rl))

	s, _ := newTestScheduler(rr, 100)
	runRounds(s, 10)

	require.Equal(t, uint64(10), stub.Runs)
	assert.Equal(t, uint64(320), rl.Stats.Packets)
	// RateLimit recurses into its parent; RoundRobin accumulates too.
	assert.Equal(t, uint64(320), rr.Stats.Packets)
	assert.Equal(t, uint64(10), rr.Stats.Count)
}
