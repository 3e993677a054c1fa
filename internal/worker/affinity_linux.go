//go:build linux

package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// pinToCore restricts the calling thread's CPU affinity to exactly core.
// Must be called from the goroutine that will become the worker loop, after
// runtime.LockOSThread.
func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return coreerrors.InternalFailuref("SchedSetaffinity(core=%d): %v", core, err)
	}
	return nil
}

// socketOfCore latches the NUMA socket (package) id a core belongs to by
// reading the sysfs topology file.
func socketOfCore(core int) (int, error) {
	path := fmt.Sprintf("/sys/devices/system/cpu/cpu%d/topology/physical_package_id", core)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, coreerrors.InternalFailuref("reading socket id for core %d: %v", core, err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, coreerrors.InternalFailuref("parsing socket id for core %d: %v", core, err)
	}
	return id, nil
}
