// Package sched implements the hierarchical traffic-class scheduler:
// the TrafficClass tree, its five policies, token-bucket rate limiting, and
// the per-worker Scheduler main loop that walks the tree once per batch.
package sched

// Resource names the dimension a WeightedFair or RateLimit class measures
// consumption against.
type Resource int

const (
	ResourceCount Resource = iota
	ResourceCycles
	ResourcePackets
	ResourceBits
)

func (r Resource) String() string {
	switch r {
	case ResourceCount:
		return "count"
	case ResourceCycles:
		return "cycles"
	case ResourcePackets:
		return "packets"
	case ResourceBits:
		return "bits"
	default:
		return "unknown"
	}
}

// ParseResource maps a config string to a Resource, defaulting to an error
// reported by the caller (internal/config does the actual validation).
func ParseResource(s string) (Resource, bool) {
	switch s {
	case "count":
		return ResourceCount, true
	case "cycles":
		return ResourceCycles, true
	case "packets":
		return ResourcePackets, true
	case "bits":
		return ResourceBits, true
	default:
		return 0, false
	}
}

// USAGEAmplifierPow is the left-shift applied to resource counts before
// comparing them against token-bucket tokens, so the rate limiter's math
// stays entirely in fixed-point 64-bit integers.
const USAGEAmplifierPow = 32

// Quantum is the stride-scheduling divisor WeightedFair uses when advancing
// a child's pass.
const Quantum = 1 << 10

// Stride1 is the numerator used to convert a child's share into its stride:
// stride = Stride1 / share.
const Stride1 = 1 << 20

// Usage is the resource tuple accumulated per TrafficClass: four
// independent 64-bit saturating counters.
type Usage struct {
	Count   uint64
	Cycles  uint64
	Packets uint64
	Bits    uint64
}

// Value returns the counter named by r.
func (u Usage) Value(r Resource) uint64 {
	switch r {
	case ResourceCount:
		return u.Count
	case ResourceCycles:
		return u.Cycles
	case ResourcePackets:
		return u.Packets
	case ResourceBits:
		return u.Bits
	default:
		return 0
	}
}

func saturatingAdd(a, b uint64) uint64 {
	s := a + b
	if s < a {
		return ^uint64(0)
	}
	return s
}

// Add accumulates other into u, saturating each of the four counters rather
// than wrapping on overflow.
func (u *Usage) Add(other Usage) {
	u.Count = saturatingAdd(u.Count, other.Count)
	u.Cycles = saturatingAdd(u.Cycles, other.Cycles)
	u.Packets = saturatingAdd(u.Packets, other.Packets)
	u.Bits = saturatingAdd(u.Bits, other.Bits)
}
