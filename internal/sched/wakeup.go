package sched

import "container/heap"

// WakeupQueue is the per-worker min-heap of throttled RateLimit classes
// keyed by wakeup TSC. Owned by exactly
// one Scheduler; never touched by any other worker.
type WakeupQueue struct {
	items wakeupHeap
}

// NewWakeupQueue returns an empty queue.
func NewWakeupQueue() *WakeupQueue {
	q := &WakeupQueue{}
	heap.Init(&q.items)
	return q
}

// Push inserts tc, keyed by its current rlWakeupTime. tc must be a RateLimit
// class not already present in the queue.
func (q *WakeupQueue) Push(tc *TrafficClass) {
	tc.rlInWakeupQueue = true
	heap.Push(&q.items, tc)
}

// PeekReady reports whether the earliest-keyed entry's wakeup time has
// arrived by now.
func (q *WakeupQueue) PeekReady(now uint64) bool {
	return len(q.items) > 0 && q.items[0].rlWakeupTime <= now
}

// Pop removes and returns the earliest-keyed entry.
func (q *WakeupQueue) Pop() *TrafficClass {
	tc := heap.Pop(&q.items).(*TrafficClass)
	tc.rlInWakeupQueue = false
	return tc
}

func (q *WakeupQueue) Len() int { return len(q.items) }

// wakeupHeap implements container/heap.Interface over *TrafficClass ordered
// by rlWakeupTime.
type wakeupHeap []*TrafficClass

func (h wakeupHeap) Len() int           { return len(h) }
func (h wakeupHeap) Less(i, j int) bool { return h[i].rlWakeupTime < h[j].rlWakeupTime }
func (h wakeupHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *wakeupHeap) Push(x any)        { *h = append(*h, x.(*TrafficClass)) }
func (h *wakeupHeap) Pop() any {
	old := *h
	n := len(old)
	tc := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return tc
}
