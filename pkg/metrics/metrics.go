// Package metrics wires the dataplane's aggregate counters into
// Prometheus: one struct bundling every collector, built and registered
// together by a constructor, with small Record/Update methods hiding the
// label-vector calls from callers. It uses its own prometheus.Registry
// rather than the
// global DefaultRegisterer so a process can run more than one Pipeline (e.g.
// in tests) without a duplicate-registration panic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the dataplane core reports.
type Metrics struct {
	reg *prometheus.Registry

	WorkerIdleRatio  *prometheus.GaugeVec
	WorkerRounds     *prometheus.CounterVec
	WorkerSilentDrop *prometheus.CounterVec

	TCUsagePackets  *prometheus.CounterVec
	TCUsageBits     *prometheus.CounterVec
	TCUsageCycles   *prometheus.CounterVec
	TCThrottleTotal *prometheus.CounterVec

	GateBatches *prometheus.CounterVec
	GatePackets *prometheus.CounterVec

	ModuleCommandTotal *prometheus.CounterVec
}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		WorkerIdleRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataplane_worker_idle_ratio",
				Help: "Fraction of scheduler rounds with no runnable task, per worker.",
			},
			[]string{"worker_id"},
		),
		WorkerRounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_worker_rounds_total",
				Help: "Total scheduler rounds run, per worker.",
			},
			[]string{"worker_id"},
		),
		WorkerSilentDrop: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_worker_silent_drops_total",
				Help: "Packets dropped on gate.DropGate or an unconnected ogate, per worker.",
			},
			[]string{"worker_id"},
		),
		TCUsagePackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_tc_packets_total",
				Help: "Packets accounted against a traffic class.",
			},
			[]string{"tc"},
		),
		TCUsageBits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_tc_bits_total",
				Help: "Bits accounted against a traffic class.",
			},
			[]string{"tc"},
		),
		TCUsageCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_tc_cycles_total",
				Help: "TSC cycles accounted against a traffic class.",
			},
			[]string{"tc"},
		),
		TCThrottleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_tc_throttled_total",
				Help: "Times a rate_limit traffic class transitioned into Blocked.",
			},
			[]string{"tc"},
		),
		GateBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_gate_batches_total",
				Help: "Batches fired through an ogate's MeteringHook.",
			},
			[]string{"module", "ogate"},
		),
		GatePackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_gate_packets_total",
				Help: "Packets fired through an ogate's MeteringHook.",
			},
			[]string{"module", "ogate"},
		),
		ModuleCommandTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_module_commands_total",
				Help: "Commands dispatched to a module, by result.",
			},
			[]string{"module", "command", "result"},
		),
	}

	reg.MustRegister(
		m.WorkerIdleRatio,
		m.WorkerRounds,
		m.WorkerSilentDrop,
		m.TCUsagePackets,
		m.TCUsageBits,
		m.TCUsageCycles,
		m.TCThrottleTotal,
		m.GateBatches,
		m.GatePackets,
		m.ModuleCommandTotal,
	)
	return m
}

// Handler returns the http.Handler to mount at the control surface's
// configured metrics path.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RecordWorkerRound updates a worker's per-round counters after one
// Scheduler.RunOnce call.
func (m *Metrics) RecordWorkerRound(workerID string, idle bool, silentDrops uint64) {
	m.WorkerRounds.WithLabelValues(workerID).Inc()
	if silentDrops > 0 {
		m.WorkerSilentDrop.WithLabelValues(workerID).Add(float64(silentDrops))
	}
	_ = idle
}

// SetWorkerIdleRatio reports a worker's Stats.IdleRatio() snapshot.
func (m *Metrics) SetWorkerIdleRatio(workerID string, ratio float64) {
	m.WorkerIdleRatio.WithLabelValues(workerID).Set(ratio)
}

// RecordTCUsage tallies one FinishAndAccountTowardsRoot's delta against tc.
func (m *Metrics) RecordTCUsage(tc string, packets, bits, cycles uint64) {
	if packets > 0 {
		m.TCUsagePackets.WithLabelValues(tc).Add(float64(packets))
	}
	if bits > 0 {
		m.TCUsageBits.WithLabelValues(tc).Add(float64(bits))
	}
	if cycles > 0 {
		m.TCUsageCycles.WithLabelValues(tc).Add(float64(cycles))
	}
}

// RecordThrottle counts one rate_limit class transitioning into Blocked.
func (m *Metrics) RecordThrottle(tc string) {
	m.TCThrottleTotal.WithLabelValues(tc).Inc()
}

// RecordGateFire mirrors gate.MeteringHook's counters into Prometheus for a
// named module/ogate edge.
func (m *Metrics) RecordGateFire(module, ogate string, batches, packets uint64) {
	m.GateBatches.WithLabelValues(module, ogate).Add(float64(batches))
	m.GatePackets.WithLabelValues(module, ogate).Add(float64(packets))
}

// RecordCommand counts one RunCommand dispatch.
func (m *Metrics) RecordCommand(module, command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModuleCommandTotal.WithLabelValues(module, command, result).Inc()
}
