package gate

import (
	"encoding/binary"
	"os"
	"sync"
	"time"
)

// MeteringHook is the simplest hook kind: it just counts batches and packets,
// readable by the control plane between scheduler rounds.
type MeteringHook struct {
	name     string
	priority int

	mu      sync.Mutex
	batches uint64
	packets uint64
}

func NewMeteringHook(name string, priority int) *MeteringHook {
	return &MeteringHook{name: name, priority: priority}
}

func (h *MeteringHook) Name() string  { return h.name }
func (h *MeteringHook) Priority() int { return h.priority }

func (h *MeteringHook) Process(_ *IGateView, pkts int) {
	h.mu.Lock()
	h.batches++
	h.packets += uint64(pkts)
	h.mu.Unlock()
}

// Snapshot returns the accumulated counters.
func (h *MeteringHook) Snapshot() (batches, packets uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batches, h.packets
}

// TcpdumpHook writes a compact binary record stream to a named pipe (FIFO) so
// an external reader can observe traffic on one gate without perturbing the
// fast path. The stream is not pcap and carries no packet content (opaque to
// the core): each batch through the gate produces one 16-byte record, the
// little-endian wall-clock time in nanoseconds followed by the little-endian
// packet count of the batch.
type TcpdumpHook struct {
	name     string
	priority int
	path     string

	mu   sync.Mutex
	file *os.File
}

// OpenTcpdumpHook opens the FIFO at path for writing. The FIFO itself must
// already exist (mkfifo is a deployment concern); Open fails if it does not.
func OpenTcpdumpHook(name string, priority int, path string) (*TcpdumpHook, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &TcpdumpHook{name: name, priority: priority, path: path, file: f}, nil
}

func (h *TcpdumpHook) Name() string  { return h.name }
func (h *TcpdumpHook) Priority() int { return h.priority }

func (h *TcpdumpHook) Process(_ *IGateView, pkts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return
	}
	var rec [16]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(pkts))
	// Best-effort: a reader closing its end of the FIFO must never wedge or
	// crash the worker, so errors are swallowed: tcpdump is a debugging
	// aid, not a correctness dependency.
	_, _ = h.file.Write(rec[:])
}

// Close releases the underlying FIFO descriptor. Safe to call more than
// once.
func (h *TcpdumpHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
