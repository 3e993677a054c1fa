package pipeline

import (
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/sched"
	"github.com/flowmesh/dataplane/internal/worker"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// CreatePriorityTC creates an orphan Priority class under name.
// Orphan classes live in a single control-plane-owned list until explicitly
// attached to a parent or a worker.
func (p *Pipeline) CreatePriorityTC(name string) (*sched.TrafficClass, error) {
	return p.createOrphan(name, func() *sched.TrafficClass { return sched.NewPriorityTC(name) })
}

// CreateWeightedFairTC creates an orphan WeightedFair class measuring resource.
func (p *Pipeline) CreateWeightedFairTC(name string, resource sched.Resource) (*sched.TrafficClass, error) {
	return p.createOrphan(name, func() *sched.TrafficClass { return sched.NewWeightedFairTC(name, resource) })
}

// CreateRoundRobinTC creates an orphan RoundRobin class.
func (p *Pipeline) CreateRoundRobinTC(name string) (*sched.TrafficClass, error) {
	return p.createOrphan(name, func() *sched.TrafficClass { return sched.NewRoundRobinTC(name) })
}

// CreateRateLimitTC creates an orphan RateLimit class. limitPerSec/maxBurst
// are in resource units/second; tscHz is the owning worker's TSC frequency,
// typically the value the eventual owning worker was launched with.
func (p *Pipeline) CreateRateLimitTC(name string, resource sched.Resource, limitPerSec, maxBurst, tscHz uint64) (*sched.TrafficClass, error) {
	return p.createOrphan(name, func() *sched.TrafficClass {
		return sched.NewRateLimitTC(name, resource, limitPerSec, maxBurst, tscHz)
	})
}

// CreateLeafTC creates an orphan Leaf class wrapping a new Task that drives
// moduleName via RunTask with the given opaque arg.
func (p *Pipeline) CreateLeafTC(name, moduleName string, arg any) (*sched.TrafficClass, error) {
	p.mu.Lock()
	node, ok := p.modules[moduleName]
	p.mu.Unlock()
	if !ok {
		return nil, coreerrors.NotFoundf("module %q not found", moduleName)
	}
	if _, ok := node.Instance.(module.TaskRunner); !ok {
		return nil, coreerrors.InvalidArgumentf("module %q does not implement RunTask", moduleName)
	}
	if len(node.Tasks) >= module.MaxTasksPerModule {
		return nil, coreerrors.InvalidArgumentf("module %q already owns %d tasks", moduleName, module.MaxTasksPerModule)
	}
	task := &module.Task{Module: node, Arg: arg}
	tc, err := p.createOrphan(name, func() *sched.TrafficClass { return sched.NewLeafTC(name, task) })
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	node.Tasks = append(node.Tasks, task)
	p.mu.Unlock()
	return tc, nil
}

func (p *Pipeline) createOrphan(name string, build func() *sched.TrafficClass) (*sched.TrafficClass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return nil, err
	}
	if _, exists := p.tcs[name]; exists {
		return nil, coreerrors.AlreadyExistsf("traffic class %q already exists", name)
	}
	tc := build()
	p.tcs[name] = tc
	p.orphans[name] = true
	return tc, nil
}

// AttachToParent attaches the orphan traffic class childName under
// parentName. childName must currently be an orphan; parentName may be an
// orphan or already attached somewhere in a tree.
func (p *Pipeline) AttachToParent(childName, parentName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	child, ok := p.tcs[childName]
	if !ok {
		return coreerrors.NotFoundf("traffic class %q not found", childName)
	}
	if !p.orphans[childName] {
		return coreerrors.InvalidArgumentf("traffic class %q is already attached", childName)
	}
	parent, ok := p.tcs[parentName]
	if !ok {
		return coreerrors.NotFoundf("traffic class %q not found", parentName)
	}
	if err := parent.AddChild(child); err != nil {
		return err
	}
	delete(p.orphans, childName)
	return nil
}

// AttachToWorker installs the orphan traffic class tcName as workerID's
// scheduling root.
func (p *Pipeline) AttachToWorker(tcName string, workerID int) error {
	p.mu.Lock()
	if err := p.requireAllPaused(); err != nil {
		p.mu.Unlock()
		return err
	}
	tc, ok := p.tcs[tcName]
	if !ok {
		p.mu.Unlock()
		return coreerrors.NotFoundf("traffic class %q not found", tcName)
	}
	if !p.orphans[tcName] {
		p.mu.Unlock()
		return coreerrors.InvalidArgumentf("traffic class %q is already attached", tcName)
	}
	var w *worker.Worker
	for _, ww := range p.workers {
		if ww.ID == workerID {
			w = ww
			break
		}
	}
	if w == nil {
		p.mu.Unlock()
		return coreerrors.NotFoundf("worker %d not found", workerID)
	}
	delete(p.orphans, tcName)
	p.mu.Unlock()
	return w.SetRoot(tc)
}

// DestroyTrafficClass removes an orphan traffic class with no remaining
// children that is no worker's scheduling root; a leaf's task is detached
// from its module.
func (p *Pipeline) DestroyTrafficClass(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	tc, ok := p.tcs[name]
	if !ok {
		return coreerrors.NotFoundf("traffic class %q not found", name)
	}
	if !p.orphans[name] && tc.Parent != nil {
		return coreerrors.Busyf("traffic class %q is still attached to a parent", name)
	}
	if tc.HasChildren() {
		return coreerrors.Busyf("traffic class %q still has attached children", name)
	}
	for _, w := range p.workers {
		if w.Scheduler != nil && w.Scheduler.Root == tc {
			return coreerrors.Busyf("traffic class %q is worker %d's scheduling root", name, w.ID)
		}
	}
	if tc.IsLeaf() && tc.Task != nil {
		for i, t := range tc.Task.Module.Tasks {
			if t == tc.Task {
				tc.Task.Module.Tasks = append(tc.Task.Module.Tasks[:i], tc.Task.Module.Tasks[i+1:]...)
				break
			}
		}
	}
	delete(p.tcs, name)
	delete(p.orphans, name)
	return nil
}

// TrafficClass returns the named TC, for read-only control-surface queries.
func (p *Pipeline) TrafficClass(name string) (*sched.TrafficClass, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tc, ok := p.tcs[name]
	return tc, ok
}

// TrafficClassNames lists every currently registered TC name.
func (p *Pipeline) TrafficClassNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.tcs))
	for name := range p.tcs {
		names = append(names, name)
	}
	return names
}
