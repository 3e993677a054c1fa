package sched

import (
	"time"

	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
)

// Clock supplies the monotonic cycle counter the scheduler times everything
// against. Abstracted behind an interface so property tests can
// drive a scheduler with a deterministic fake clock instead of wall time.
type Clock interface {
	TSC() uint64
}

// NanoClock is the portable stand-in for a real TSC read: Go has no
// portable rdtsc without cgo or an assembly stub per architecture, so
// NanoClock runs the engine's "cycle" unit at one nanosecond, letting
// TSCHz always be 1e9 and all the
// token-bucket and stride math carry over unchanged.
type NanoClock struct{ start time.Time }

// NewNanoClock returns a Clock whose TSC() is nanoseconds since construction.
func NewNanoClock() *NanoClock { return &NanoClock{start: time.Now()} }

func (c *NanoClock) TSC() uint64 { return uint64(time.Since(c.start).Nanoseconds()) }

// NanoClockHz is the TSCHz to pass to NewScheduler alongside a NanoClock.
const NanoClockHz = 1_000_000_000

// Stats is the Scheduler's aggregate idle/run accounting.
type Stats struct {
	Rounds     uint64
	IdleRounds uint64
}

// IdleRatio returns the fraction of rounds in which no task was runnable.
func (s Stats) IdleRatio() float64 {
	if s.Rounds == 0 {
		return 0
	}
	return float64(s.IdleRounds) / float64(s.Rounds)
}

// Scheduler drives one worker's traffic-class tree. Not safe
// for concurrent use: exactly one worker goroutine calls RunOnce.
type Scheduler struct {
	Root   *TrafficClass
	wakeup *WakeupQueue
	clock  Clock

	tscHz      uint64
	nsPerCycle float64

	stats Stats
}

// NewScheduler builds a Scheduler over root, timed by clock running at
// tscHz cycles per second.
func NewScheduler(root *TrafficClass, clock Clock, tscHz uint64) *Scheduler {
	nsPerCycle := 0.0
	if tscHz > 0 {
		nsPerCycle = 1e9 / float64(tscHz)
	}
	return &Scheduler{
		Root:       root,
		wakeup:     NewWakeupQueue(),
		clock:      clock,
		tscHz:      tscHz,
		nsPerCycle: nsPerCycle,
	}
}

// Stats returns a snapshot of the scheduler's aggregate idle/run counters.
func (s *Scheduler) Stats() Stats { return s.stats }

// TSCHz returns the cycle frequency this scheduler's clock runs at, so
// callers building new RateLimit classes against the same worker can convert
// limits expressed in units/second consistently.
func (s *Scheduler) TSCHz() uint64 { return s.tscHz }

// Now returns the scheduler's current TSC reading without advancing any
// round state.
func (s *Scheduler) Now() uint64 { return s.clock.TSC() }

func (s *Scheduler) cyclesToNS(tsc uint64) uint64 { return uint64(float64(tsc) * s.nsPerCycle) }

// resumeThrottled drains every wakeup-queue entry whose deadline has
// arrived, unblocking it and propagating that unblock towards the root.
func (s *Scheduler) resumeThrottled(now uint64) {
	for s.wakeup.PeekReady(now) {
		tc := s.wakeup.Pop()
		tc.Blocked = false
		tc.LastTSC = tc.rlWakeupTime
		UnblockTowardsRoot(tc, now)
	}
}

// MarkRunnable transitions a previously blocked leaf back to runnable, e.g.
// when an external event (queue depth, timer, ring doorbell) gives it work
// again, and propagates the unblock towards the root. A leaf that was not
// blocked is left untouched.
func (s *Scheduler) MarkRunnable(leaf *TrafficClass, now uint64) {
	if !leaf.Blocked {
		return
	}
	leaf.Blocked = false
	leaf.LastTSC = now
	UnblockTowardsRoot(leaf, now)
}

// RunOnce executes exactly one iteration of the scheduler main loop: resume
// due wakeups, descend to a runnable leaf, run its task, and account the
// usage back towards the root. Reports ran=false when no leaf was runnable
// this round; the worker spins rather than sleeps, keeping the real-time
// polling model.
func (s *Scheduler) RunOnce(ctx *module.RunContext, scratch *packet.Batch) (ran bool) {
	s.stats.Rounds++
	now := s.clock.TSC()
	s.resumeThrottled(now)

	tc := s.Root
	for {
		if tc.Blocked {
			s.stats.IdleRounds++
			return false
		}
		if tc.IsLeaf() {
			break
		}
		next := tc.PickNextChild()
		if next == nil {
			s.stats.IdleRounds++
			return false
		}
		tc = next
	}

	start := s.clock.TSC()
	ctx.TSC = start
	ctx.NS = s.cyclesToNS(start)
	result := ctx.InvokeLeaf(tc.Task, scratch)
	after := s.clock.TSC()

	tc.Blocked = result.Block
	usage := Usage{Count: 1, Cycles: after - start, Packets: result.Packets, Bits: result.Bits}
	if tc.Parent != nil {
		tc.Parent.FinishAndAccountTowardsRoot(s.wakeup, tc, usage, after)
	}
	return true
}
