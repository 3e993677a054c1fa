package module

import (
	"container/heap"

	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/packet"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// Resolver looks a ModuleID up to its live Node. The pipeline's module
// table implements this; module stays independent of the pipeline package
// so the two never form an import cycle.
type Resolver interface {
	Lookup(id gate.ModuleID) (*Node, bool)
}

// chainEntry is the single "next" register of the chained fast path: at
// most one pending (igate, batch) pair can ride it, since it is a register
// and not a queue.
type chainEntry struct {
	node  *Node
	igate *gate.IGate
	batch *packet.Batch
}

// mergedQueue is the small priority queue keyed by IGate.Priority that the
// merged path uses when more than one pending hand-off is in flight during
// a single task's drain.
type mergedQueue []*chainEntry

func (q mergedQueue) Len() int           { return len(q) }
func (q mergedQueue) Less(i, j int) bool { return q[i].igate.Priority < q[j].igate.Priority }
func (q mergedQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *mergedQueue) Push(x any)        { *q = append(*q, x.(*chainEntry)) }
func (q *mergedQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

func (q mergedQueue) find(ig *gate.IGate) *chainEntry {
	for _, e := range q {
		if e.igate == ig {
			return e
		}
	}
	return nil
}

// RunContext is the per-task scratch state a worker hands to whichever
// module it invokes. It is reused across tasks: reset clears it at the
// start of every InvokeLeaf so the worker never allocates on the hot path.
type RunContext struct {
	Resolver Resolver
	Pool     packet.Pool

	// Clock snapshot, latched by the Scheduler once per round so
	// every module/hook invoked during that round observes the same time.
	TSC uint64
	NS  uint64

	// SilentDrops accumulates packets emitted on gate.DropGate or on an
	// unconnected OGate during the current task invocation; the Worker reads
	// and folds this into its running total after each InvokeLeaf.
	SilentDrops uint64

	currentNode *Node

	split map[*gate.OGate]*packet.Batch
	next  *chainEntry
	queue mergedQueue
	dead  packet.Batch
}

// NewRunContext builds a RunContext bound to resolver and pool, ready for
// repeated InvokeLeaf calls.
func NewRunContext(resolver Resolver, pool packet.Pool) *RunContext {
	return &RunContext{
		Resolver: resolver,
		Pool:     pool,
		split:    make(map[*gate.OGate]*packet.Batch),
	}
}

// reset clears all per-task scratch state before a fresh InvokeLeaf. Flushed
// state from the previous task must already be empty; reset only defends
// against leftover state after a module panics mid-task.
func (ctx *RunContext) reset() {
	for k := range ctx.split {
		delete(ctx.split, k)
	}
	ctx.next = nil
	ctx.queue = ctx.queue[:0]
	ctx.dead.Clear()
	ctx.SilentDrops = 0
	ctx.currentNode = nil
}

// InvokeLeaf runs task's module as the root of one task invocation, then
// drains every chained/merged hand-off its emissions produced before
// returning control to the Scheduler.
func (ctx *RunContext) InvokeLeaf(task *Task, scratch *packet.Batch) TaskResult {
	ctx.reset()
	runner, ok := task.Module.Instance.(TaskRunner)
	if !ok {
		coreerrors.Fatal("module %s is attached to a task but does not implement RunTask", task.Module.Name)
	}
	ctx.currentNode = task.Module
	result := runner.RunTask(ctx, scratch, task.Arg)
	ctx.flushPending()
	ctx.drain()
	ctx.flushDead()
	return result
}

// EmitPacket hands pkt to the current module's output gate ogateIdx,
// coalescing it into that gate's split batch and firing the batch once
// full. ogateIdx == gate.DropGate puts pkt in the task's dead batch, the
// same path as an emission on an unconnected gate: it counts as a silent
// drop and is freed in bulk when the task invocation ends.
func (ctx *RunContext) EmitPacket(pkt *packet.Packet, ogateIdx int) {
	if ctx.currentNode == nil {
		coreerrors.Fatal("EmitPacket called outside of a module invocation")
	}
	if ogateIdx == gate.DropGate {
		ctx.addDead(pkt)
		return
	}
	node := ctx.currentNode
	if ogateIdx < 0 || ogateIdx >= len(node.OGates) {
		coreerrors.Fatal("module %s emitted on nonexistent ogate %d", node.Name, ogateIdx)
	}
	og := node.OGates[ogateIdx]
	target, igateIdx, connected := og.Target()
	if !connected {
		ctx.addDead(pkt)
		return
	}
	batch := ctx.split[og]
	if batch == nil {
		batch = &packet.Batch{}
		ctx.split[og] = batch
	}
	batch.Add(pkt)
	if batch.Full() {
		ctx.fireOGate(og, target, igateIdx, batch)
		delete(ctx.split, og)
	}
}

func (ctx *RunContext) addDead(pkt *packet.Packet) {
	if !ctx.dead.Add(pkt) {
		ctx.flushDead()
		ctx.dead.Add(pkt)
	}
	ctx.SilentDrops++
}

// flushPending force-fires every split batch still holding packets at the
// end of a module invocation, so a partially filled batch is never left
// stranded past the invocation that produced it.
func (ctx *RunContext) flushPending() {
	for og, batch := range ctx.split {
		if batch.Empty() {
			delete(ctx.split, og)
			continue
		}
		target, igateIdx, connected := og.Target()
		delete(ctx.split, og)
		if !connected {
			batch.Each(ctx.addDead)
			continue
		}
		ctx.fireOGate(og, target, igateIdx, batch)
	}
}

func (ctx *RunContext) flushDead() {
	if ctx.dead.Empty() {
		return
	}
	if ctx.Pool != nil {
		pkts := make([]*packet.Packet, ctx.dead.Count())
		for i := 0; i < ctx.dead.Count(); i++ {
			pkts[i] = ctx.dead.At(i)
		}
		ctx.Pool.FreeBulk(pkts)
	}
	ctx.dead.Clear()
}

// fireOGate runs og's hooks over the completed batch, records the edge
// counters, and routes the hand-off down the chained fast path or into the
// merged priority queue.
func (ctx *RunContext) fireOGate(og *gate.OGate, target gate.ModuleID, igateIdx int, batch *packet.Batch) {
	view := &gate.IGateView{Module: target, Index: igateIdx}
	for _, h := range og.Hooks() {
		h.Process(view, batch.Count())
	}
	og.RecordFire(batch.Count(), ctx.TSC)

	targetNode, ok := ctx.Resolver.Lookup(target)
	if !ok || igateIdx < 0 || igateIdx >= len(targetNode.IGates) {
		coreerrors.Fatal("ogate %s[%d] targets unresolvable igate %s[%d]", og.Module, og.Index, target, igateIdx)
	}
	targetIGate := targetNode.IGates[igateIdx]

	if existing := ctx.queue.find(targetIGate); existing != nil {
		if n := existing.batch.Append(batch); n < batch.Count() {
			// Merging would overflow KBurst: rather than drop the remainder,
			// queue it as a second entry for the same igate.
			leftover := &packet.Batch{}
			for i := n; i < batch.Count(); i++ {
				leftover.Add(batch.At(i))
			}
			heap.Push(&ctx.queue, &chainEntry{node: targetNode, igate: targetIGate, batch: leftover})
		}
		return
	}

	if !targetIGate.Mergeable && ctx.next == nil {
		ctx.next = &chainEntry{node: targetNode, igate: targetIGate, batch: batch}
		return
	}

	heap.Push(&ctx.queue, &chainEntry{node: targetNode, igate: targetIGate, batch: batch})
}

// drain runs the chained-register / merged-queue loop until both are
// empty, invoking each target module's ProcessBatch after running
// its IGate's hooks.
func (ctx *RunContext) drain() {
	for {
		var entry *chainEntry
		if ctx.next != nil {
			entry = ctx.next
			ctx.next = nil
		} else if len(ctx.queue) > 0 {
			entry = heap.Pop(&ctx.queue).(*chainEntry)
		} else {
			return
		}
		ctx.invoke(entry)
	}
}

func (ctx *RunContext) invoke(entry *chainEntry) {
	view := &gate.IGateView{Module: entry.igate.Module, Index: entry.igate.Index}
	for _, h := range entry.igate.Hooks() {
		h.Process(view, entry.batch.Count())
	}
	processor, ok := entry.node.Instance.(ProcessBatcher)
	if !ok {
		coreerrors.Fatal("module %s is a connect target but does not implement ProcessBatch", entry.node.Name)
	}
	ctx.currentNode = entry.node
	processor.ProcessBatch(ctx, entry.batch)
	ctx.flushPending()
}
