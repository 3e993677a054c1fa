// Package pipeline owns the process-wide mutable state a dataplane process
// manages: the module name table, the traffic-class name table, and the
// worker list, plus every mutation operation gated on the all-workers-paused
// invariant.
package pipeline

import (
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
	"github.com/flowmesh/dataplane/internal/sched"
	"github.com/flowmesh/dataplane/internal/worker"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// Pipeline is the single process-wide dataplane instance. It
// implements module.Resolver so the module package's gate-draining logic can
// resolve a ModuleID to its live Node without importing this package.
type Pipeline struct {
	mu sync.RWMutex

	registry *module.Registry
	modules  map[string]*module.Node
	tcs      map[string]*sched.TrafficClass
	orphans  map[string]bool // names of TCs in tcs with no parent and no worker
	pools    map[int]packet.Pool
	workers  []*worker.Worker

	log zerolog.Logger
}

// New builds an empty Pipeline. pools maps NUMA socket id to the packet pool
// local to it.
func New(registry *module.Registry, pools map[int]packet.Pool, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		modules:  make(map[string]*module.Node),
		tcs:      make(map[string]*sched.TrafficClass),
		orphans:  make(map[string]bool),
		pools:    pools,
		log:      log,
	}
}

// Lookup implements module.Resolver.
func (p *Pipeline) Lookup(id gate.ModuleID) (*module.Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.modules[string(id)]
	return n, ok
}

// Workers returns the current worker list (for control-surface listing).
func (p *Pipeline) Workers() []*worker.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*worker.Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// AddWorker registers an already-launched worker with the pipeline. Refuses
// a worker pinned to a core already in use by another worker.
func (p *Pipeline) AddWorker(w *worker.Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.workers {
		if existing.Core == w.Core {
			return coreerrors.AlreadyExistsf("core %d already has a worker", w.Core)
		}
	}
	p.workers = append(p.workers, w)
	return nil
}

// RemoveWorker drops a finished worker from the pipeline's list.
func (p *Pipeline) RemoveWorker(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		if w.ID == id {
			if w.Status() != worker.StatusFinished {
				return coreerrors.Busyf("worker %d has not quit", id)
			}
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return nil
		}
	}
	return coreerrors.NotFoundf("worker %d not found", id)
}

// PauseAll requests every worker pause and busy-waits for the transition to
// become observable: every worker must be seen in Paused before any
// mutation proceeds.
func (p *Pipeline) PauseAll() {
	p.mu.RLock()
	workers := make([]*worker.Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.RUnlock()

	for _, w := range workers {
		w.Pause()
	}
	for _, w := range workers {
		for w.Status() != worker.StatusPaused && w.Status() != worker.StatusFinished {
			runtime.Gosched()
		}
	}
}

// ResumeAll releases every paused worker back to Running.
func (p *Pipeline) ResumeAll() {
	p.mu.RLock()
	workers := make([]*worker.Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.RUnlock()

	for _, w := range workers {
		w.Resume()
	}
}

// AnyWorkerRunning reports whether at least one worker is not Paused/Finished.
func (p *Pipeline) AnyWorkerRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.anyWorkerRunningLocked()
}

// anyWorkerRunningLocked is AnyWorkerRunning for callers already holding
// p.mu in either mode.
func (p *Pipeline) anyWorkerRunningLocked() bool {
	for _, w := range p.workers {
		if w.Status() == worker.StatusRunning || w.Status() == worker.StatusPausing {
			return true
		}
	}
	return false
}

// requireAllPaused is the universal precondition for every mutation
// operation in this package: "the engine rejects mutation with a
// structured EBUSY error otherwise." Callers hold p.mu.
func (p *Pipeline) requireAllPaused() error {
	if p.anyWorkerRunningLocked() {
		return coreerrors.Busyf("all workers must be paused before mutating the pipeline")
	}
	return nil
}

// DestroyWorkers quits every worker and empties the worker list. Workers
// must already be paused; a running worker cannot be torn down safely.
func (p *Pipeline) DestroyWorkers() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	for _, w := range p.workers {
		w.Quit()
	}
	p.workers = nil
	return nil
}

// ResetTCs zeroes the accumulated statistics of every traffic class without
// touching tree structure.
func (p *Pipeline) ResetTCs() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	for _, tc := range p.tcs {
		tc.Stats = sched.Usage{}
		tc.CntThrottled = 0
	}
	return nil
}

// ResetAll tears the whole dataplane back to an empty pipeline: every edge
// disconnected, every traffic class destroyed, every module deinitialized,
// every worker quit. Requires all workers paused.
func (p *Pipeline) ResetAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireAllPaused(); err != nil {
		return err
	}
	for _, node := range p.modules {
		for _, og := range node.OGates {
			target, igateIdx, connected := og.Target()
			if !connected {
				continue
			}
			var dst *gate.IGate
			if dstNode, ok := p.modules[string(target)]; ok && igateIdx < len(dstNode.IGates) {
				dst = dstNode.IGates[igateIdx]
			}
			gate.Unlink(og, dst)
		}
	}
	for name, tc := range p.tcs {
		if tc.IsLeaf() && tc.Task != nil {
			tc.Task.Module.Tasks = nil
		}
		delete(p.tcs, name)
		delete(p.orphans, name)
	}
	for name, node := range p.modules {
		if err := node.Instance.Deinit(); err != nil {
			p.log.Warn().Err(err).Str("module", name).Msg("deinit failed during reset")
		}
		delete(p.modules, name)
	}
	for _, w := range p.workers {
		w.Quit()
	}
	p.workers = nil
	return nil
}
