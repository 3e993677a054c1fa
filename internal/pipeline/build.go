package pipeline

import (
	"github.com/rs/zerolog"

	"github.com/flowmesh/dataplane/internal/config"
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
	"github.com/flowmesh/dataplane/internal/sched"
	"github.com/flowmesh/dataplane/internal/worker"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// Build assembles a Pipeline from a validated config.PipelineConfig: it
// launches every worker, instantiates every module, wires the configured
// graph edges, builds every traffic class, and applies the tree's
// parent/child and worker-root attachments. A newly launched worker starts in
// Pausing, which does not satisfy the all-workers-paused mutation
// precondition, so Build waits (PauseAll) until every worker has reached
// Paused before its first mutation; the caller needs no extra
// synchronization. The returned Pipeline's workers are left Paused; the
// caller (cmd/dataplaned) decides when to ResumeAll.
func Build(cfg *config.PipelineConfig, registry *module.Registry, pools map[int]packet.Pool, log zerolog.Logger) (*Pipeline, error) {
	p := New(registry, pools, log)

	for _, wc := range cfg.Workers {
		pool, ok := pools[socketForCore(wc.Core)]
		if !ok {
			pool, ok = pools[0]
		}
		if !ok {
			return nil, coreerrors.InvalidArgumentf("no packet pool configured for worker %d", wc.ID)
		}
		w, err := worker.Launch(wc.ID, wc.Core, pool, p, cfg.TSCHz, log)
		if err != nil {
			return nil, coreerrors.InternalFailuref("launching worker %d on core %d: %v", wc.ID, wc.Core, err)
		}
		if err := p.AddWorker(w); err != nil {
			return nil, err
		}
	}
	p.PauseAll()

	for _, mc := range cfg.Modules {
		if _, err := p.CreateModule(mc.Name, mc.Class, mc.Config); err != nil {
			return nil, err
		}
	}

	for _, cc := range cfg.Connections {
		if err := p.ConnectModules(cc.Src, cc.OGate, cc.Dst, cc.IGate); err != nil {
			return nil, err
		}
		if cc.Mergeable {
			if err := p.SetMergeable(cc.Dst, cc.IGate, true); err != nil {
				return nil, err
			}
		}
	}

	for _, tcc := range cfg.TrafficClasses {
		if err := p.createConfiguredTC(tcc); err != nil {
			return nil, err
		}
	}
	for _, tcc := range cfg.TrafficClasses {
		if tcc.Parent != "" {
			if err := p.AttachToParent(tcc.Name, tcc.Parent); err != nil {
				return nil, err
			}
		} else if tcc.Worker != nil {
			if err := p.AttachToWorker(tcc.Name, *tcc.Worker); err != nil {
				return nil, err
			}
		}
	}

	return p, nil
}

// socketForCore is a placeholder NUMA mapping that picks a worker's pool key
// before the worker exists. It returns 0 for every core, so every worker gets
// the socket-0 pool; the worker latches its real socket itself at launch
// (internal/worker.socketOfCore).
func socketForCore(core int) int { return 0 }

func (p *Pipeline) createConfiguredTC(tcc config.TCConfig) error {
	var tc *sched.TrafficClass
	var err error
	switch tcc.Policy {
	case "priority":
		tc, err = p.CreatePriorityTC(tcc.Name)
	case "weighted_fair":
		resource, ok := sched.ParseResource(tcc.ShareResource)
		if !ok {
			resource = sched.ResourcePackets
		}
		tc, err = p.CreateWeightedFairTC(tcc.Name, resource)
	case "round_robin":
		tc, err = p.CreateRoundRobinTC(tcc.Name)
	case "rate_limit":
		resource, ok := sched.ParseResource(tcc.ShareResource)
		if !ok {
			resource = sched.ResourceBits
		}
		tc, err = p.CreateRateLimitTC(tcc.Name, resource, tcc.Limit, tcc.MaxBurst, p.tscHzFor(tcc))
	case "leaf":
		tc, err = p.CreateLeafTC(tcc.Name, tcc.Module, tcc.Arg)
	default:
		return coreerrors.InvalidArgumentf("traffic class %q: unknown policy %q", tcc.Name, tcc.Policy)
	}
	if err != nil {
		return err
	}
	tc.Priority = tcc.Priority
	tc.Share = tcc.Share
	tc.AutoFree = tcc.AutoFree
	return nil
}

// tscHzFor resolves the TSC frequency a RateLimit class's token-bucket math
// should run at. Every worker in a single-clock-domain pipeline shares one
// TSCHz (the config's top-level value); per-TC overrides are not modeled.
func (p *Pipeline) tscHzFor(_ config.TCConfig) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.Scheduler != nil {
			return w.Scheduler.TSCHz()
		}
	}
	return sched.NanoClockHz
}
