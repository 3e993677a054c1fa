// Package worker implements the per-core worker thread: its pause/resume
// state machine, CPU affinity, and the steady-state loop that drives
// a Scheduler once per batch.
package worker

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
	"github.com/flowmesh/dataplane/internal/sched"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// Status is the worker's lifecycle state.
type Status int32

const (
	StatusRunning Status = iota
	StatusPausing
	StatusPaused
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPausing:
		return "pausing"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Signal is what the control plane writes through a worker's wakeup
// channel to release it from a pause.
type Signal int

const (
	SignalResume Signal = iota
	SignalQuit
)

// pauseCheckPeriod is how many scheduler rounds elapse between a worker's
// amortised pause-flag checks.
const pauseCheckPeriod = 256

// Worker is one per-core dataplane thread. Launch pins it to a core and
// starts Run on a dedicated OS thread; the control plane then drives it
// through Pause/Resume/Quit.
type Worker struct {
	ID     int
	Core   int
	Socket int

	Pool      packet.Pool
	Scheduler *sched.Scheduler
	ctx       *module.RunContext
	scratch   packet.Batch

	status      atomic.Int32
	wakeup      chan Signal
	silentDrops atomic.Uint64

	log zerolog.Logger
}

// Launch constructs a Worker bound to core/pool/resolver and starts its loop
// on a dedicated, affinity-pinned OS thread. The returned Worker begins in
// StatusPausing and must be Resume()d before it runs any task.
func Launch(wid, core int, pool packet.Pool, resolver module.Resolver, tscHz uint64, log zerolog.Logger) (*Worker, error) {
	w := &Worker{
		ID:     wid,
		Core:   core,
		Pool:   pool,
		ctx:    module.NewRunContext(resolver, pool),
		wakeup: make(chan Signal, 1),
		log:    log.With().Int("worker", wid).Int("core", core).Logger(),
	}
	w.Scheduler = sched.NewScheduler(nil, sched.NewNanoClock(), tscHz)
	w.status.Store(int32(StatusPausing))

	ready := make(chan error, 1)
	go w.run(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

// SetRoot installs the root traffic class this worker schedules. Only valid
// while the worker is Paused or Pausing.
func (w *Worker) SetRoot(root *sched.TrafficClass) error {
	if w.Status() != StatusPaused && w.Status() != StatusPausing {
		return coreerrors.Busyf("worker %d must be paused to change its scheduling root", w.ID)
	}
	w.Scheduler.Root = root
	return nil
}

// Status returns the worker's current lifecycle state.
func (w *Worker) Status() Status { return Status(w.status.Load()) }

// SilentDrops returns the cumulative count of packets this worker dropped
// on gate.DropGate or an unconnected OGate.
func (w *Worker) SilentDrops() uint64 { return w.silentDrops.Load() }

// Pause requests that the worker transition from Running to Pausing. The
// transition to the observable Paused state happens asynchronously, at the
// worker's next amortised pause check; callers poll Status() (or use
// Pipeline.PauseAll, which busy-waits across every worker) to observe it.
func (w *Worker) Pause() {
	w.status.CompareAndSwap(int32(StatusRunning), int32(StatusPausing))
}

// Resume releases a Paused worker back to Running.
func (w *Worker) Resume() {
	select {
	case w.wakeup <- SignalResume:
	default:
	}
}

// Quit asks the worker to exit its loop entirely.
func (w *Worker) Quit() {
	select {
	case w.wakeup <- SignalQuit:
	default:
	}
}

func (w *Worker) run(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinToCore(w.Core); err != nil {
		ready <- err
		return
	}
	socket, err := socketOfCore(w.Core)
	if err != nil {
		// Socket topology is informational (reported in the control
		// surface's worker listing); failing to read it should not prevent
		// the worker from running.
		w.log.Warn().Err(err).Msg("could not determine socket id for core")
	} else {
		w.Socket = socket
	}
	ready <- nil

	w.log.Info().Msg("worker launched, awaiting resume")
	w.loop()
}

func (w *Worker) loop() {
	var round uint64
	for {
		if round%pauseCheckPeriod == 0 {
			if w.status.Load() == int32(StatusPausing) {
				w.status.Store(int32(StatusPaused))
				w.log.Info().Msg("worker paused")
				if !w.awaitSignal() {
					return
				}
				w.status.Store(int32(StatusRunning))
				w.log.Info().Msg("worker resumed")
			}
		}
		round++

		if w.Scheduler.Root == nil {
			continue
		}
		if w.Scheduler.RunOnce(w.ctx, &w.scratch) && w.ctx.SilentDrops > 0 {
			w.silentDrops.Add(w.ctx.SilentDrops)
		}
	}
}

// awaitSignal blocks the worker on its wakeup channel until resumed or
// asked to quit. Returns false if the worker should exit its loop.
func (w *Worker) awaitSignal() bool {
	for sig := range w.wakeup {
		switch sig {
		case SignalResume:
			return true
		case SignalQuit:
			w.status.Store(int32(StatusFinished))
			w.log.Info().Msg("worker quit")
			return false
		}
	}
	return false
}
