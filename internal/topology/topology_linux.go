//go:build linux

package topology

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jturney/Einsums-sub002/internal/mask"
)

const sysCPUDir = "/sys/devices/system/cpu"
const sysNodeDir = "/sys/devices/system/node"

// platformDiscover reads /sys/devices/system/{cpu,node} to build a real
// socket/NUMA/core/PU hierarchy on Linux, falling back to a flat
// one-socket/one-node/one-core-per-PU topology for any PU whose sysfs
// entries are unreadable (e.g. inside some containers).
func platformDiscover() (*Topology, error) {
	numPUs := runtime.NumCPU()

	socketOf := make([]int, numPUs)
	numaOf := make([]int, numPUs)
	coreOf := make([]int, numPUs)

	coreKeyToIndex := map[string]int{}
	nextCore := 0

	for p := 0; p < numPUs; p++ {
		socketOf[p] = readIntFile(filepath.Join(sysCPUDir, cpuName(p), "topology", "physical_package_id"), 0)
		numaOf[p] = cpuNumaNode(p)

		coreID := readIntFile(filepath.Join(sysCPUDir, cpuName(p), "topology", "core_id"), p)
		key := strconv.Itoa(socketOf[p]) + "/" + strconv.Itoa(coreID)
		idx, ok := coreKeyToIndex[key]
		if !ok {
			idx = nextCore
			coreKeyToIndex[key] = idx
			nextCore++
		}
		coreOf[p] = idx
	}

	return buildFromCoreSocketNuma(numPUs, socketOf, numaOf, coreOf, os.Getpagesize()), nil
}

func cpuName(p int) string { return "cpu" + strconv.Itoa(p) }

func readIntFile(path string, fallback int) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return fallback
	}
	return v
}

// cpuNumaNode finds which nodeN directory under sysNodeDir lists p in its
// cpumap, returning 0 if the node topology isn't exposed.
func cpuNumaNode(p int) int {
	entries, err := os.ReadDir(sysNodeDir)
	if err != nil {
		return 0
	}
	var nodes []int
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "node") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node"))
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	for _, n := range nodes {
		link := filepath.Join(sysNodeDir, "node"+strconv.Itoa(n), cpuName(p))
		if _, err := os.Lstat(link); err == nil {
			return n
		}
	}
	return 0
}

// platformBind pins the calling OS thread to m using sched_setaffinity,
// returning its previous mask via sched_getaffinity. The calling goroutine
// must already be locked to its OS thread (runtime.LockOSThread) for this to
// have the intended effect, which is the worker goroutine's responsibility.
func platformBind(m *mask.Mask) (*mask.Mask, error) {
	var prevSet unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prevSet); err != nil {
		return nil, err
	}
	const maxCPUs = 1024 // matches the kernel's default CPU_SETSIZE
	prev := mask.New(maxCPUs)
	for i := 0; i < maxCPUs; i++ {
		if prevSet.IsSet(i) {
			prev.Set(i)
		}
	}

	var newSet unix.CPUSet
	for i := 0; i < m.Width(); i++ {
		if m.Test(i) {
			newSet.Set(i)
		}
	}
	if err := unix.SchedSetaffinity(0, &newSet); err != nil {
		return nil, err
	}
	return prev, nil
}

// platformAllocate returns a page-aligned anonymous mmap of at least n
// bytes.
func platformAllocate(n, pageSize int) ([]byte, error) {
	if n <= 0 {
		n = pageSize
	}
	size := ((n + pageSize - 1) / pageSize) * pageSize
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return b, nil
}
