// Package gate implements the typed edges between modules:
// OGate (output) and IGate (input), their hook lists, and per-edge counters.
// Gates deliberately do not hold pointers to Module values: to break
// ownership cycles, an OGate names its
// downstream by (module name, igate index), a pair resolved through the
// pipeline's module table at emit time, rather than by direct reference,
// so this package has no import-cycle dependency on the module package.
package gate

import (
	"sync"
	"sync/atomic"

	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// MaxGates bounds how many input or output gates a single module may
// declare. Typical modules use one.
const MaxGates = 8192

// DropGate is the sentinel output-gate index meaning "free this packet,
// count as a silent drop". It is never a real slot in a
// module's output-gate vector.
const DropGate = MaxGates

// DefaultGate is the conventional index for a module's single default gate.
const DefaultGate = 0

// ModuleID names a module by its unique registered name.
type ModuleID string

// Hook observes every batch that crosses a gate, in priority order, and must
// never emit packets of its own. A hook that needs to report a fatal
// condition panics, which terminates the worker.
type Hook interface {
	Name() string
	Priority() int
	Process(g *IGateView, pkts int)
}

// IGateView is the minimal read-only view of an IGate a Hook receives; kept
// separate from *IGate so hooks cannot mutate gate wiring.
type IGateView struct {
	Module ModuleID
	Index  int
}

// hookList keeps hooks sorted by Priority (ascending: lower value runs
// first), unique by Name. Readers iterate the current immutable slice
// through an atomic pointer, so the per-batch fast path takes no lock and
// allocates nothing; mutators serialize on the mutex, build a fresh slice,
// and swap it in. Hook mutation happens only while all workers are paused,
// so a worker never observes a half-built list.
type hookList struct {
	mu    sync.Mutex
	hooks atomic.Pointer[[]Hook]
}

func (l *hookList) load() []Hook {
	p := l.hooks.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (l *hookList) add(h Hook) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.load()
	for _, existing := range cur {
		if existing.Name() == h.Name() {
			return coreerrors.AlreadyExistsf("hook %q already registered", h.Name())
		}
	}
	next := make([]Hook, 0, len(cur)+1)
	inserted := false
	for _, existing := range cur {
		if !inserted && h.Priority() < existing.Priority() {
			next = append(next, h)
			inserted = true
		}
		next = append(next, existing)
	}
	if !inserted {
		next = append(next, h)
	}
	l.hooks.Store(&next)
	return nil
}

func (l *hookList) remove(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.load()
	for i, h := range cur {
		if h.Name() == name {
			next := make([]Hook, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			l.hooks.Store(&next)
			return true
		}
	}
	return false
}

// OGate is one output slot on a module.
type OGate struct {
	Module ModuleID
	Index  int

	mu          sync.RWMutex
	connected   bool
	target      ModuleID
	targetIGate int

	hooks hookList

	// Per-edge counters, touched only by the owning worker, so no
	// atomics are required in steady state; the control plane and metrics
	// exporter read them between batches under the pause protocol.
	Batches uint64
	Packets uint64
	LastTSC uint64
}

func NewOGate(module ModuleID, index int) *OGate {
	return &OGate{Module: module, Index: index}
}

// Connect wires this OGate to igate `igateIdx` on module `target`. Fails with
// EBUSY if already connected; callers must Disconnect first.
func (g *OGate) Connect(target ModuleID, igateIdx int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return coreerrors.Busyf("ogate %s[%d] already connected", g.Module, g.Index)
	}
	g.target, g.targetIGate = target, igateIdx
	g.connected = true
	return nil
}

// Disconnect idempotently clears this OGate's downstream wiring.
func (g *OGate) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	g.target = ""
	g.targetIGate = 0
}

// Target reports the current downstream (module, igate index) and whether
// this gate is connected at all. An unconnected OGate behaves exactly like
// one explicitly pointed at DropGate: there is no dangling state.
func (g *OGate) Target() (module ModuleID, igateIdx int, connected bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.target, g.targetIGate, g.connected
}

func (g *OGate) AddHook(h Hook) error        { return g.hooks.add(h) }
func (g *OGate) RemoveHook(name string) bool { return g.hooks.remove(name) }

// Hooks returns the gate's current hook list in priority order. The slice is
// immutable and safe to iterate without locking or copying; callers must not
// modify it.
func (g *OGate) Hooks() []Hook { return g.hooks.load() }

// RecordFire updates this OGate's counters after a batch has been handed to
// its downstream IGate. Only the owning worker calls this.
func (g *OGate) RecordFire(packets int, tsc uint64) {
	g.Batches++
	g.Packets += uint64(packets)
	g.LastTSC = tsc
}

// IGate is one input slot on a module.
type IGate struct {
	Module   ModuleID
	Index    int
	Priority int
	// Mergeable opts this igate into merge-deferred delivery: concurrent
	// emissions within one task are coalesced into a single batch. Off by
	// default, so hand-offs ride the chained fast-path register. Mutated
	// only while all workers are paused.
	Mergeable bool

	hooks hookList

	mu       sync.Mutex
	upstream []*OGate
}

func NewIGate(module ModuleID, index int, priority int, mergeable bool) *IGate {
	return &IGate{Module: module, Index: index, Priority: priority, Mergeable: mergeable}
}

func (g *IGate) AddHook(h Hook) error        { return g.hooks.add(h) }
func (g *IGate) RemoveHook(name string) bool { return g.hooks.remove(name) }

// Hooks returns the gate's current hook list in priority order. The slice is
// immutable and safe to iterate without locking or copying; callers must not
// modify it.
func (g *IGate) Hooks() []Hook { return g.hooks.load() }

// addUpstream records that og now targets this IGate, so a future destroy of
// this gate's owning module can disconnect every upstream OGate in O(fan-in)
// time instead of scanning every module in the pipeline.
func (g *IGate) addUpstream(og *OGate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upstream = append(g.upstream, og)
}

func (g *IGate) removeUpstream(og *OGate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, u := range g.upstream {
		if u == og {
			g.upstream = append(g.upstream[:i], g.upstream[i+1:]...)
			return
		}
	}
}

// Upstream returns the OGates currently targeting this IGate.
func (g *IGate) Upstream() []*OGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*OGate, len(g.upstream))
	copy(out, g.upstream)
	return out
}

// Link connects og -> g and records the back-pointer in g's upstream list,
// which disconnect and destroy consult (removal scans that list, so it costs
// O(fan-in)). Both halves of a connection go through this so the two data
// structures can never disagree about whether an edge exists.
func Link(og *OGate, target *IGate) error {
	if err := og.Connect(target.Module, target.Index); err != nil {
		return err
	}
	target.addUpstream(og)
	return nil
}

// Unlink tears down the og -> igate edge from both sides. Idempotent: calling
// it on an already-disconnected OGate is a no-op.
func Unlink(og *OGate, target *IGate) {
	og.Disconnect()
	if target != nil {
		target.removeUpstream(og)
	}
}
