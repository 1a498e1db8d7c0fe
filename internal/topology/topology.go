// Package topology discovers the machine's socket/NUMA-node/core/PU
// hierarchy and exposes affinity binding and NUMA-aware allocation. The
// snapshot is built once and immutable afterwards; every per-PU lookup is
// a slice index.
package topology

import (
	"fmt"
	"sync"

	"github.com/jturney/Einsums-sub002/internal/errkind"
	"github.com/jturney/Einsums-sub002/internal/mask"
)

// MemPolicy selects how a NUMA-bound allocation is placed.
type MemPolicy int

const (
	PolicyDefault MemPolicy = iota
	PolicyFirstTouch
	PolicyBind
	PolicyInterleave
	PolicyNextTouch
	// PolicyMixed is accepted end-to-end but not exercised by any shipped
	// runtime component; semantics follow the platform.
	PolicyMixed
)

// Topology is an immutable-after-construction snapshot of the machine's
// hardware hierarchy. All lookups are O(1) and lock-free; only the mutating
// platform operations (Bind, Allocate*, membind) are serialized.
type Topology struct {
	numPUs int

	socketOf []int // PU -> socket index
	numaOf   []int // PU -> NUMA node index
	coreOf   []int // PU -> core index (unique across the whole machine)

	socketMask []*mask.Mask // socket index -> PU mask
	numaMask   []*mask.Mask // NUMA node index -> PU mask
	coreMask   []*mask.Mask // core index -> PU mask
	threadMask []*mask.Mask // PU -> {PU} singleton mask

	machineMask *mask.Mask

	pageSize int

	mu sync.Mutex // serializes mutating platform calls only
}

// NumPUs returns the number of logical processing units in the snapshot.
func (t *Topology) NumPUs() int { return t.numPUs }

// MachineMask returns the bitwise-OR of every PU's thread mask.
func (t *Topology) MachineMask() *mask.Mask { return t.machineMask }

// PageSize returns the platform page size cached at discovery time.
func (t *Topology) PageSize() int { return t.pageSize }

// Socket returns the socket index owning PU p.
func (t *Topology) Socket(p int) int { return t.socketOf[p] }

// Numa returns the NUMA node index owning PU p.
func (t *Topology) Numa(p int) int { return t.numaOf[p] }

// Core returns the (machine-wide) core index owning PU p.
func (t *Topology) Core(p int) int { return t.coreOf[p] }

// SocketMask returns the mask of every PU sharing p's socket.
func (t *Topology) SocketMask(p int) *mask.Mask { return t.socketMask[t.socketOf[p]] }

// NumaMask returns the mask of every PU sharing p's NUMA node.
func (t *Topology) NumaMask(p int) *mask.Mask { return t.numaMask[t.numaOf[p]] }

// CoreMask returns the mask of every PU sharing p's core (e.g. SMT siblings).
func (t *Topology) CoreMask(p int) *mask.Mask { return t.coreMask[t.coreOf[p]] }

// ThreadMask returns the singleton mask {p}.
func (t *Topology) ThreadMask(p int) *mask.Mask { return t.threadMask[p] }

// NumSockets reports the number of distinct sockets discovered.
func (t *Topology) NumSockets() int { return len(t.socketMask) }

// NumNumaNodes reports the number of distinct NUMA nodes discovered.
func (t *Topology) NumNumaNodes() int { return len(t.numaMask) }

// NumCores reports the number of distinct cores discovered.
func (t *Topology) NumCores() int { return len(t.coreMask) }

// Discover builds an immutable topology snapshot for the current machine.
// It is safe to call more than once (e.g. in tests); each call performs a
// fresh platform query.
func Discover() (*Topology, error) {
	return platformDiscover()
}

func buildFromCoreSocketNuma(numPUs int, socketOf, numaOf, coreOf []int, pageSize int) *Topology {
	t := &Topology{
		numPUs:   numPUs,
		socketOf: socketOf,
		numaOf:   numaOf,
		coreOf:   coreOf,
		pageSize: pageSize,
	}

	maxSocket, maxNuma, maxCore := -1, -1, -1
	for p := 0; p < numPUs; p++ {
		if socketOf[p] > maxSocket {
			maxSocket = socketOf[p]
		}
		if numaOf[p] > maxNuma {
			maxNuma = numaOf[p]
		}
		if coreOf[p] > maxCore {
			maxCore = coreOf[p]
		}
	}

	t.socketMask = make([]*mask.Mask, maxSocket+1)
	t.numaMask = make([]*mask.Mask, maxNuma+1)
	t.coreMask = make([]*mask.Mask, maxCore+1)
	t.threadMask = make([]*mask.Mask, numPUs)
	for i := range t.socketMask {
		t.socketMask[i] = mask.New(numPUs)
	}
	for i := range t.numaMask {
		t.numaMask[i] = mask.New(numPUs)
	}
	for i := range t.coreMask {
		t.coreMask[i] = mask.New(numPUs)
	}

	t.machineMask = mask.New(numPUs)
	for p := 0; p < numPUs; p++ {
		t.socketMask[socketOf[p]].Set(p)
		t.numaMask[numaOf[p]].Set(p)
		t.coreMask[coreOf[p]].Set(p)
		tm := mask.New(numPUs)
		tm.Set(p)
		t.threadMask[p] = tm
		t.machineMask.Set(p)
	}

	return t
}

// Bind pins the calling OS thread to mask m, returning the thread's
// previous affinity mask. Mutating calls are serialized by an internal
// mutex.
func (t *Topology) Bind(m *mask.Mask) (*mask.Mask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, err := platformBind(m)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadParameter, "topology: bind failed", err)
	}
	return prev, nil
}

// Allocate returns a page-aligned anonymous region of at least n bytes.
func (t *Topology) Allocate(n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := platformAllocate(n, t.pageSize)
	if err != nil {
		return nil, errkind.Wrap(errkind.OutOfMemory, fmt.Sprintf("topology: allocate %d bytes failed", n), err)
	}
	return b, nil
}

// AllocateMembind returns a NUMA-bound region of at least n bytes, following
// policy against the given node set. On platforms without NUMA-bind support
// this degrades to Allocate plus bookkeeping so AreaMembindNodeset/NumaDomain
// still answer consistently for the returned region.
func (t *Topology) AllocateMembind(n int, nodeset *mask.Mask, policy MemPolicy, flags int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := platformAllocate(n, t.pageSize)
	if err != nil {
		return nil, errkind.Wrap(errkind.OutOfMemory, fmt.Sprintf("topology: membind allocate %d bytes failed", n), err)
	}
	recordMembind(b, nodeset, policy)
	return b, nil
}

// AreaMembindNodeset inspects the NUMA binding recorded for an existing
// region returned by AllocateMembind. ok is false if addr wasn't obtained
// that way.
func (t *Topology) AreaMembindNodeset(addr []byte) (nodeset *mask.Mask, policy MemPolicy, ok bool) {
	return lookupMembind(addr)
}

// NumaDomain reports the NUMA node an address currently resides on, per the
// recorded binding (best effort; see platform-specific notes).
func (t *Topology) NumaDomain(addr []byte) (int, error) {
	nodeset, _, ok := lookupMembind(addr)
	if !ok || !nodeset.Any() {
		return -1, errkind.New(errkind.BadParameter, "topology: address has no recorded NUMA binding")
	}
	return nodeset.FindFirst(), nil
}

var (
	membindMu sync.Mutex
	membinds  = map[*byte]membindRecord{}
)

type membindRecord struct {
	nodeset *mask.Mask
	policy  MemPolicy
}

func recordMembind(b []byte, nodeset *mask.Mask, policy MemPolicy) {
	if len(b) == 0 {
		return
	}
	membindMu.Lock()
	membinds[&b[0]] = membindRecord{nodeset: nodeset, policy: policy}
	membindMu.Unlock()
}

func lookupMembind(b []byte) (*mask.Mask, MemPolicy, bool) {
	if len(b) == 0 {
		return nil, PolicyDefault, false
	}
	membindMu.Lock()
	defer membindMu.Unlock()
	r, ok := membinds[&b[0]]
	if !ok {
		return nil, PolicyDefault, false
	}
	return r.nodeset, r.policy, true
}
