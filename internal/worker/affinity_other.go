//go:build !linux

package worker

import coreerrors "github.com/flowmesh/dataplane/pkg/errors"

// pinToCore is Unsupported outside Linux: CPU-set affinity is a Linux-only
// syscall surface.
func pinToCore(core int) error {
	return coreerrors.Unsupportedf("CPU affinity is only implemented on Linux")
}

func socketOfCore(core int) (int, error) {
	return 0, coreerrors.Unsupportedf("socket topology lookup is only implemented on Linux")
}
