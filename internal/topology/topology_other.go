//go:build !linux

package topology

import (
	"runtime"

	"github.com/jturney/Einsums-sub002/internal/mask"
)

// platformDiscover provides a portability-first flat topology (one socket,
// one NUMA node, one PU per core) on platforms without a sysfs-style
// hierarchy. Real multi-socket/NUMA discovery is Linux-only in this
// implementation; see topology_linux.go.
func platformDiscover() (*Topology, error) {
	numPUs := runtime.NumCPU()
	socketOf := make([]int, numPUs)
	numaOf := make([]int, numPUs)
	coreOf := make([]int, numPUs)
	for p := range coreOf {
		coreOf[p] = p
	}
	return buildFromCoreSocketNuma(numPUs, socketOf, numaOf, coreOf, 4096), nil
}

// platformBind is a no-op on platforms without a process-affinity API in
// this implementation; it reports an empty previous mask and does not
// error, and the affinity planner forces the use-process-mask flag off on
// such platforms.
func platformBind(m *mask.Mask) (*mask.Mask, error) {
	return mask.New(m.Width()), nil
}

// platformAllocate falls back to a plain heap allocation; Go's allocator
// already page-aligns large slices in practice but this makes no such
// guarantee explicit the way mmap does on Linux.
func platformAllocate(n, pageSize int) ([]byte, error) {
	if n <= 0 {
		n = pageSize
	}
	size := ((n + pageSize - 1) / pageSize) * pageSize
	return make([]byte, size), nil
}
