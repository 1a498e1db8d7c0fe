package topology

import (
	"testing"

	"github.com/jturney/Einsums-sub002/internal/mask"
)

// TestMachineMaskIsUnionOfThreadMasks checks that the machine mask equals
// the union of every PU's thread mask, and its population count equals
// the PU count.
func TestMachineMaskIsUnionOfThreadMasks(t *testing.T) {
	topo, err := Discover()
	if err != nil {
		t.Fatal(err)
	}
	if topo.NumPUs() == 0 {
		t.Fatal("expected at least one PU")
	}

	union := topo.ThreadMask(0).Clone()
	for p := 1; p < topo.NumPUs(); p++ {
		union = mask.Or(union, topo.ThreadMask(p))
	}
	if !mask.Equal(union, topo.MachineMask()) {
		t.Fatalf("union of thread masks != machine mask")
	}
	if got := topo.MachineMask().Count(); got != topo.NumPUs() {
		t.Fatalf("machine mask count = %d, want %d", got, topo.NumPUs())
	}
}

func TestAncestryConsistency(t *testing.T) {
	topo, err := Discover()
	if err != nil {
		t.Fatal(err)
	}
	for p := 0; p < topo.NumPUs(); p++ {
		if !topo.SocketMask(p).Test(p) {
			t.Fatalf("pu %d not present in its own socket mask", p)
		}
		if !topo.NumaMask(p).Test(p) {
			t.Fatalf("pu %d not present in its own numa mask", p)
		}
		if !topo.CoreMask(p).Test(p) {
			t.Fatalf("pu %d not present in its own core mask", p)
		}
	}
}

func TestAllocate(t *testing.T) {
	topo, err := Discover()
	if err != nil {
		t.Fatal(err)
	}
	b, err := topo.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) < 100 {
		t.Fatalf("allocate returned %d bytes, want >= 100", len(b))
	}
}

func TestAllocateMembindRoundTrip(t *testing.T) {
	topo, err := Discover()
	if err != nil {
		t.Fatal(err)
	}
	nodeset := topo.NumaMask(0)
	b, err := topo.AllocateMembind(64, nodeset, PolicyBind, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, policy, ok := topo.AreaMembindNodeset(b)
	if !ok {
		t.Fatal("expected recorded membind")
	}
	if policy != PolicyBind {
		t.Fatalf("policy = %v, want PolicyBind", policy)
	}
	if !mask.Equal(got, nodeset) {
		t.Fatalf("nodeset mismatch")
	}
}

func TestBindReturnsPreviousMask(t *testing.T) {
	topo, err := Discover()
	if err != nil {
		t.Fatal(err)
	}
	prev, err := topo.Bind(topo.MachineMask())
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil {
		t.Fatal("expected a non-nil previous mask")
	}
}
