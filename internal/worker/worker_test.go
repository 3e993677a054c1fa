package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/dataplane/internal/gate"
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/packet"
	"github.com/flowmesh/dataplane/internal/sched"
	"github.com/flowmesh/dataplane/pkg/logging"
)

// atomicTask counts its runs from the worker goroutine.
type atomicTask struct {
	runs atomic.Uint64
	drop bool
}

func (a *atomicTask) Init(any) error { return nil }
func (a *atomicTask) Deinit() error  { return nil }

func (a *atomicTask) RunTask(ctx *module.RunContext, _ *packet.Batch, _ any) module.TaskResult {
	a.runs.Add(1)
	if a.drop {
		out := make([]*packet.Packet, 4)
		n, _ := ctx.Pool.AllocBulk(out)
		for i := 0; i < n; i++ {
			ctx.EmitPacket(out[i], gate.DropGate)
		}
		return module.TaskResult{Packets: uint64(n)}
	}
	return module.TaskResult{}
}

type atomicClass struct{ inst module.Instance }

func (c atomicClass) New() module.Instance { return c.inst }
func (c atomicClass) NumIGates() int       { return 0 }
func (c atomicClass) NumOGates() int       { return 1 }

func launchTestWorker(t *testing.T, task *atomicTask) *Worker {
	t.Helper()
	pool := packet.NewSimPool(1024, 0)
	w, err := Launch(0, 0, pool, nil, sched.NanoClockHz, logging.Nop())
	if err != nil {
		t.Skipf("cannot pin to core 0 in this environment: %v", err)
	}
	t.Cleanup(func() {
		w.Pause()
		waitStatus(t, w, StatusPaused)
		w.Quit()
	})

	node := module.NewNode("task-mod", "atomic", atomicClass{inst: task})
	mt := &module.Task{Module: node}
	node.Tasks = append(node.Tasks, mt)
	require.NoError(t, w.SetRoot(sched.NewLeafTC("leaf", mt)))
	return w
}

func waitStatus(t *testing.T, w *Worker, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for w.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("worker never reached %v, stuck in %v", want, w.Status())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLaunchStartsPaused(t *testing.T) {
	task := &atomicTask{}
	w := launchTestWorker(t, task)

	waitStatus(t, w, StatusPaused)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, task.runs.Load(), "task ran before the worker was resumed")
}

func TestResumeRunsTasks(t *testing.T) {
	task := &atomicTask{}
	w := launchTestWorker(t, task)
	waitStatus(t, w, StatusPaused)

	w.Resume()
	waitStatus(t, w, StatusRunning)
	deadline := time.Now().Add(5 * time.Second)
	for task.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Positive(t, task.runs.Load())
}

func TestPauseStopsTaskExecution(t *testing.T) {
	task := &atomicTask{}
	w := launchTestWorker(t, task)
	waitStatus(t, w, StatusPaused)
	w.Resume()
	waitStatus(t, w, StatusRunning)

	w.Pause()
	waitStatus(t, w, StatusPaused)
	at := task.runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, at, task.runs.Load(), "task ran while the worker was paused")

	w.Resume()
	waitStatus(t, w, StatusRunning)
	deadline := time.Now().Add(5 * time.Second)
	for task.runs.Load() == at && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, task.runs.Load(), at)
}

func TestSilentDropsAccumulate(t *testing.T) {
	task := &atomicTask{drop: true}
	w := launchTestWorker(t, task)
	waitStatus(t, w, StatusPaused)
	w.Resume()

	deadline := time.Now().Add(5 * time.Second)
	for w.SilentDrops() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Positive(t, w.SilentDrops())

	w.Pause()
	waitStatus(t, w, StatusPaused)
	assert.Equal(t, w.SilentDrops(), task.runs.Load()*4,
		"every emitted packet must be accounted as exactly one silent drop")
}

func TestQuitFinishesWorker(t *testing.T) {
	task := &atomicTask{}
	pool := packet.NewSimPool(64, 0)
	w, err := Launch(1, 0, pool, nil, sched.NanoClockHz, logging.Nop())
	if err != nil {
		t.Skipf("cannot pin to core 0 in this environment: %v", err)
	}
	node := module.NewNode("task-mod", "atomic", atomicClass{inst: task})
	mt := &module.Task{Module: node}
	require.NoError(t, w.SetRoot(sched.NewLeafTC("leaf", mt)))

	waitStatus(t, w, StatusPaused)
	w.Quit()
	waitStatus(t, w, StatusFinished)
}

func TestSetRootRefusedWhileRunning(t *testing.T) {
	task := &atomicTask{}
	w := launchTestWorker(t, task)
	waitStatus(t, w, StatusPaused)
	w.Resume()
	waitStatus(t, w, StatusRunning)

	err := w.SetRoot(sched.NewRoundRobinTC("other"))
	require.Error(t, err)

	w.Pause()
	waitStatus(t, w, StatusPaused)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "pausing", StatusPausing.String())
	assert.Equal(t, "paused", StatusPaused.String())
	assert.Equal(t, "finished", StatusFinished.String())
}
