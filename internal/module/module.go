// Package module implements the Module contract and the gate-engine
// batch-draining mini-scheduler that runs inside a single task invocation.
// Go interfaces compile a method call to a single itable-indirect call, so
// ProcessBatcher/TaskRunner/CommandProvider are ordinary optional
// interfaces (the same "ask if it implements X" idiom as io.Closer /
// http.Hijacker) and the hot dispatch stays at one indirect call.
package module

import (
	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/packet"
)

// MaxTasksPerModule bounds how many named tasks a module may register.
const MaxTasksPerModule = 32

// Instance is the minimum every module must satisfy: a lifecycle (Init/Deinit).
// ProcessBatch/RunTask/Commands are optional capabilities, asserted for at
// dispatch time.
type Instance interface {
	// Init consumes an already-decoded configuration value (opaque to the
	// core) and prepares the module for use.
	Init(config any) error
	// Deinit releases resources held by the module. The pipeline only calls
	// this once all referencing gates are disconnected and all owned tasks
	// are detached, and only while every worker is paused.
	Deinit() error
}

// ProcessBatcher is implemented by modules that act as graph sinks/filters:
// receivers of a batch arriving on one of their input gates.
type ProcessBatcher interface {
	ProcessBatch(ctx *RunContext, batch *packet.Batch)
}

// TaskResult is what RunTask reports back to the Scheduler each time it
// runs.
type TaskResult struct {
	Block   bool
	Packets uint64
	Bits    uint64
}

// TaskRunner is implemented by modules that act as sources: the Scheduler
// invokes RunTask through a Task owned by exactly one LeafTrafficClass.
type TaskRunner interface {
	RunTask(ctx *RunContext, scratch *packet.Batch, arg any) TaskResult
}

// Command is one named, invocable control-plane operation a module exposes,
// tagged thread_safe (runnable while workers run) or thread_unsafe
// (requires all workers paused).
type Command struct {
	Name       string
	Schema     string
	ThreadSafe bool
	Handler    func(inst Instance, arg any) (any, error)
}

// CommandProvider is implemented by modules exposing named commands.
type CommandProvider interface {
	Commands() []Command
}

// Class is a module's factory: a zero-arg constructor plus the gate-count
// maxima the module class declares.
type Class interface {
	New() Instance
	NumIGates() int
	NumOGates() int
}

// Node is one instantiated module in the graph: a Class instance plus its
// ordered gate vectors and owned tasks. Nodes live in the
// pipeline's module table, addressed by name; edges reference a Node's
// gates by (module name, gate index) rather than by pointer.
type Node struct {
	Name     string
	Class    string
	Instance Instance

	IGates []*gate.IGate
	OGates []*gate.OGate

	Tasks []*Task
}

// NewNode instantiates inst under name, allocating its igate/ogate vectors
// per the Class's declared maxima. Gate vectors are sized to the class
// maximum but only index 0..n-1 are ever actually wired; unused high
// indices simply never see Connect/Link calls.
func NewNode(name string, className string, class Class) *Node {
	inst := class.New()
	n := &Node{
		Name:     name,
		Class:    className,
		Instance: inst,
		IGates:   make([]*gate.IGate, class.NumIGates()),
		OGates:   make([]*gate.OGate, class.NumOGates()),
	}
	id := gate.ModuleID(name)
	for i := range n.IGates {
		// Non-mergeable by default: emissions ride the chained fast-path
		// register. Merge-deferred delivery is opt-in per igate.
		n.IGates[i] = gate.NewIGate(id, i, 0, false)
	}
	for i := range n.OGates {
		n.OGates[i] = gate.NewOGate(id, i)
	}
	return n
}

// ID returns this node's ModuleID (its name, used as the gate-package's
// opaque module key).
func (n *Node) ID() gate.ModuleID { return gate.ModuleID(n.Name) }

// Task is the (module, opaque arg) pair the Scheduler drives through a
// LeafTrafficClass.
type Task struct {
	Module *Node
	Arg    any

	// Parent is set once the Task is attached to a LeafTrafficClass; nil
	// means orphaned (not yet attached, or detached pending destruction).
	Parent any
}
