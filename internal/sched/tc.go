package sched

import (
	"container/heap"
	"sort"

	"github.com/flowmesh/dataplane/internal/module"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// Policy identifies which of the five scheduling disciplines a TrafficClass
// runs. Dispatch is a switch on this tag rather than separate interface
// implementations per policy, keeping dynamic dispatch out of the
// scheduler's inner loop.
type Policy int

const (
	PolicyPriority Policy = iota
	PolicyWeightedFair
	PolicyRoundRobin
	PolicyRateLimit
	PolicyLeaf
)

// UnsetPriority is the sentinel meaning "no priority assigned".
const UnsetPriority int32 = -1

// TrafficClass is one node of a worker's scheduling tree. Every field
// below is owned by exactly one worker and touched only from that worker's
// goroutine; there is no locking inside this package.
type TrafficClass struct {
	Name   string
	Policy Policy
	Parent *TrafficClass

	Blocked      bool
	Stats        Usage
	CntThrottled uint64
	LastTSC      uint64
	AutoFree     bool

	// Fields meaningful only when Parent's policy consults them.
	Priority int32  // under a Priority parent
	Share    uint32 // under a WeightedFair parent
	Stride   uint64
	Pass     uint64

	// Priority-policy state (this node IS the Priority class).
	children      []*TrafficClass
	firstRunnable int

	// WeightedFair-policy state.
	wfResource Resource
	wfHeap     wfHeap
	wfBlocked  []*TrafficClass

	// RoundRobin-policy state.
	rrRunnable []*TrafficClass
	rrBlocked  map[*TrafficClass]bool

	// RateLimit-policy state: exactly one child.
	rlChild         *TrafficClass
	rlResource      Resource
	rlLimit         uint64 // amplified work-units per cycle
	rlTokens        uint64 // amplified work-units
	rlMaxBurst      uint64 // amplified work-units
	rlWakeupTime    uint64
	rlInWakeupQueue bool

	// Leaf-policy state.
	Task *module.Task
}

// NewPriorityTC creates an empty Priority class.
func NewPriorityTC(name string) *TrafficClass {
	return &TrafficClass{Name: name, Policy: PolicyPriority, firstRunnable: -1}
}

// NewWeightedFairTC creates an empty WeightedFair class measuring resource.
func NewWeightedFairTC(name string, resource Resource) *TrafficClass {
	return &TrafficClass{Name: name, Policy: PolicyWeightedFair, wfResource: resource, Blocked: true}
}

// NewRoundRobinTC creates an empty RoundRobin class.
func NewRoundRobinTC(name string) *TrafficClass {
	return &TrafficClass{Name: name, Policy: PolicyRoundRobin, rrBlocked: make(map[*TrafficClass]bool), Blocked: true}
}

// NewRateLimitTC creates a RateLimit class with no child yet attached.
// limitPerSec and maxBurst are in the class's own resource units per second;
// tscHz is the platform TSC frequency used to convert limitPerSec into the
// amplified work-units-per-cycle rate the accounting math runs on.
func NewRateLimitTC(name string, resource Resource, limitPerSec, maxBurst, tscHz uint64) *TrafficClass {
	var limitPerCycle uint64
	if tscHz > 0 {
		limitPerCycle = (limitPerSec << USAGEAmplifierPow) / tscHz
	}
	return &TrafficClass{
		Name:       name,
		Policy:     PolicyRateLimit,
		rlResource: resource,
		rlLimit:    limitPerCycle,
		rlMaxBurst: maxBurst << USAGEAmplifierPow,
		Blocked:    true,
	}
}

// NewLeafTC wraps task in a leaf class and takes ownership: task.Parent is
// set to the new leaf.
func NewLeafTC(name string, task *module.Task) *TrafficClass {
	tc := &TrafficClass{Name: name, Policy: PolicyLeaf, Task: task, Blocked: false}
	task.Parent = tc
	return tc
}

// IsLeaf reports whether tc is a LeafTrafficClass.
func (tc *TrafficClass) IsLeaf() bool { return tc.Policy == PolicyLeaf }

// HasChildren reports whether any class is currently attached under tc,
// runnable or blocked.
func (tc *TrafficClass) HasChildren() bool {
	switch tc.Policy {
	case PolicyPriority:
		return len(tc.children) > 0
	case PolicyWeightedFair:
		return tc.wfHeap.Len() > 0 || len(tc.wfBlocked) > 0
	case PolicyRoundRobin:
		return len(tc.rrRunnable) > 0 || len(tc.rrBlocked) > 0
	case PolicyRateLimit:
		return tc.rlChild != nil
	default:
		return false
	}
}

// AddChild attaches child under tc per tc's policy. child must not
// already have a parent.
func (tc *TrafficClass) AddChild(child *TrafficClass) error {
	if child.Parent != nil {
		return coreerrors.InvalidArgumentf("traffic class %q already has a parent", child.Name)
	}
	switch tc.Policy {
	case PolicyLeaf:
		return coreerrors.InvalidArgumentf("leaf traffic class %q cannot own children", tc.Name)
	case PolicyPriority:
		if child.Priority == UnsetPriority {
			return coreerrors.InvalidArgumentf("child %q needs a priority under a priority class", child.Name)
		}
		for _, sibling := range tc.children {
			if sibling.Priority == child.Priority {
				return coreerrors.InvalidArgumentf("priority %d already used under %q", child.Priority, tc.Name)
			}
		}
		// Higher priority value schedules first: children are kept sorted
		// descending so firstRunnable scans from the most important child.
		tc.children = append(tc.children, child)
		sort.Slice(tc.children, func(i, j int) bool { return tc.children[i].Priority > tc.children[j].Priority })
		child.Parent = tc
		tc.recomputeFirstRunnable()
	case PolicyWeightedFair:
		if child.Share < 1 || child.Share > 1024 {
			return coreerrors.InvalidArgumentf("share %d out of range [1,1024]", child.Share)
		}
		child.Stride = Stride1 / uint64(child.Share)
		child.Pass = 0
		child.Parent = tc
		if child.Blocked {
			tc.wfBlocked = append(tc.wfBlocked, child)
		} else {
			heap.Push(&tc.wfHeap, child)
		}
		tc.Blocked = tc.wfHeap.Len() == 0
	case PolicyRoundRobin:
		child.Parent = tc
		if child.Blocked {
			tc.rrBlocked[child] = true
		} else {
			tc.rrRunnable = append(tc.rrRunnable, child)
		}
		tc.Blocked = len(tc.rrRunnable) == 0
	case PolicyRateLimit:
		if tc.rlChild != nil {
			return coreerrors.Busyf("rate-limit class %q already has a child", tc.Name)
		}
		tc.rlChild = child
		child.Parent = tc
		tc.Blocked = child.Blocked || tc.rlThrottled()
	}
	return nil
}

// RemoveChild detaches child from tc, the mirror of AddChild, used when
// destroying a traffic class or re-parenting an orphan.
func (tc *TrafficClass) RemoveChild(child *TrafficClass) {
	switch tc.Policy {
	case PolicyPriority:
		for i, c := range tc.children {
			if c == child {
				tc.children = append(tc.children[:i], tc.children[i+1:]...)
				break
			}
		}
		tc.recomputeFirstRunnable()
	case PolicyWeightedFair:
		tc.wfHeap.remove(child)
		for i, c := range tc.wfBlocked {
			if c == child {
				tc.wfBlocked = append(tc.wfBlocked[:i], tc.wfBlocked[i+1:]...)
				break
			}
		}
		tc.Blocked = tc.wfHeap.Len() == 0
	case PolicyRoundRobin:
		for i, c := range tc.rrRunnable {
			if c == child {
				tc.rrRunnable = append(tc.rrRunnable[:i], tc.rrRunnable[i+1:]...)
				break
			}
		}
		delete(tc.rrBlocked, child)
		tc.Blocked = len(tc.rrRunnable) == 0
	case PolicyRateLimit:
		if tc.rlChild == child {
			tc.rlChild = nil
			tc.Blocked = true
		}
	}
	child.Parent = nil
}

func (tc *TrafficClass) recomputeFirstRunnable() {
	tc.firstRunnable = -1
	for i, c := range tc.children {
		if !c.Blocked {
			tc.firstRunnable = i
			break
		}
	}
	tc.Blocked = tc.firstRunnable < 0
}

// PickNextChild is pure selection: it must not mutate any scheduling
// state. Callers are expected to have already checked tc.Blocked.
func (tc *TrafficClass) PickNextChild() *TrafficClass {
	switch tc.Policy {
	case PolicyPriority:
		if tc.firstRunnable < 0 {
			return nil
		}
		return tc.children[tc.firstRunnable]
	case PolicyWeightedFair:
		if tc.wfHeap.Len() == 0 {
			return nil
		}
		return tc.wfHeap[0]
	case PolicyRoundRobin:
		if len(tc.rrRunnable) == 0 {
			return nil
		}
		return tc.rrRunnable[0]
	case PolicyRateLimit:
		return tc.rlChild
	default:
		return nil
	}
}

func (tc *TrafficClass) rlThrottled() bool { return tc.rlInWakeupQueue }

// UnblockTowardsRoot is invoked on a class that just transitioned
// blocked->runnable; each parent moves the child back into its runnable
// structures and recomputes its own blocked flag, then propagation stops
// unless the parent itself just transitioned blocked->runnable.
func UnblockTowardsRoot(child *TrafficClass, now uint64) {
	for parent := child.Parent; parent != nil; parent = parent.Parent {
		wasBlocked := parent.Blocked
		switch parent.Policy {
		case PolicyPriority:
			parent.recomputeFirstRunnable()
		case PolicyWeightedFair:
			for i, c := range parent.wfBlocked {
				if c == child {
					parent.wfBlocked = append(parent.wfBlocked[:i], parent.wfBlocked[i+1:]...)
					// pass resets to zero so a returning child competes from
					// scratch instead of monopolising the class.
					child.Pass = 0
					heap.Push(&parent.wfHeap, child)
					break
				}
			}
			parent.Blocked = parent.wfHeap.Len() == 0
		case PolicyRoundRobin:
			if parent.rrBlocked[child] {
				delete(parent.rrBlocked, child)
				parent.rrRunnable = append(parent.rrRunnable, child)
			}
			parent.Blocked = len(parent.rrRunnable) == 0
		case PolicyRateLimit:
			parent.Blocked = child.Blocked || parent.rlThrottled()
			if !parent.Blocked {
				// last_tsc advances on unblock as well as on accounting, so a
				// long-idle class does not bank unbounded tokens.
				parent.LastTSC = now
			}
		}
		if !wasBlocked || parent.Blocked {
			return
		}
		child = parent
	}
}

// FinishAndAccountTowardsRoot is invoked once, on the immediate parent of
// whichever leaf just ran, after usage has been measured. Only the
// RateLimit branch recurses further up the tree, by design: Priority/
// WeightedFair/RoundRobin need usage only to update their own child's
// scheduling slot, not to maintain a running total at every ancestor.
func (tc *TrafficClass) FinishAndAccountTowardsRoot(wq *WakeupQueue, child *TrafficClass, usage Usage, tsc uint64) {
	tc.Stats.Add(usage)
	switch tc.Policy {
	case PolicyPriority:
		if child.Blocked {
			tc.recomputeFirstRunnable()
		} else {
			tc.Blocked = tc.firstRunnable < 0
		}
	case PolicyWeightedFair:
		if child.Blocked {
			tc.wfHeap.remove(child)
			tc.wfBlocked = append(tc.wfBlocked, child)
		} else {
			child.Pass += child.Stride * usage.Value(tc.wfResource) / Quantum
			tc.wfHeap.fix(child)
		}
		tc.Blocked = tc.wfHeap.Len() == 0
	case PolicyRoundRobin:
		if child.Blocked {
			for i, c := range tc.rrRunnable {
				if c == child {
					tc.rrRunnable = append(tc.rrRunnable[:i], tc.rrRunnable[i+1:]...)
					break
				}
			}
			tc.rrBlocked[child] = true
		} else if len(tc.rrRunnable) > 0 && tc.rrRunnable[0] == child {
			tc.rrRunnable = append(tc.rrRunnable[1:], child)
		}
		tc.Blocked = len(tc.rrRunnable) == 0
	case PolicyRateLimit:
		tc.accountTokenBucket(wq, usage, tsc)
		tc.Blocked = child.Blocked || tc.rlThrottled()
		if tc.Parent != nil {
			tc.Parent.FinishAndAccountTowardsRoot(wq, tc, usage, tsc)
		}
	}
}

// accountTokenBucket does elapsed-time token refill,
// amplified-integer comparison against consumption, and wakeup-queue
// insertion when the bucket goes empty.
func (tc *TrafficClass) accountTokenBucket(wq *WakeupQueue, usage Usage, tsc uint64) {
	if tc.rlLimit == 0 {
		// limit 0 = unlimited; the class still accumulates stats but
		// never throttles.
		tc.LastTSC = tsc
		return
	}
	elapsed := tsc - tc.LastTSC
	consumed := usage.Value(tc.rlResource) << USAGEAmplifierPow
	tokensPrime := saturatingAdd(tc.rlTokens, tc.rlLimit*elapsed)
	tc.LastTSC = tsc
	if tokensPrime < consumed {
		tc.rlTokens = 0
		tc.CntThrottled++
		wait := (consumed - tokensPrime) / tc.rlLimit
		tc.rlWakeupTime = tsc + wait
		wq.Push(tc)
		return
	}
	remaining := tokensPrime - consumed
	if remaining > tc.rlMaxBurst {
		remaining = tc.rlMaxBurst
	}
	tc.rlTokens = remaining
}

// wfHeap implements container/heap.Interface over *TrafficClass ordered by
// ascending Pass (stride-scheduling's "run whoever has fallen furthest
// behind" rule).
type wfHeap []*TrafficClass

func (h wfHeap) Len() int           { return len(h) }
func (h wfHeap) Less(i, j int) bool { return h[i].Pass < h[j].Pass }
func (h wfHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *wfHeap) Push(x any)        { *h = append(*h, x.(*TrafficClass)) }
func (h *wfHeap) Pop() any {
	old := *h
	n := len(old)
	tc := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return tc
}

func (h *wfHeap) fix(tc *TrafficClass) {
	for i, c := range *h {
		if c == tc {
			heap.Fix(h, i)
			return
		}
	}
}

func (h *wfHeap) remove(tc *TrafficClass) {
	for i, c := range *h {
		if c == tc {
			heap.Remove(h, i)
			return
		}
	}
}
