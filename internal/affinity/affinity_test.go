package affinity

import (
	"testing"

	"github.com/jturney/Einsums-sub002/internal/topology"
)

func TestPlanNoneYieldsEmptyMasks(t *testing.T) {
	topo, err := topology.Discover()
	if err != nil {
		t.Fatal(err)
	}
	plan, err := Resolve(topo, Request{Workers: 4, Plan: "none"})
	if err != nil {
		t.Fatal(err)
	}
	for i, m := range plan.Masks {
		if m.Any() {
			t.Fatalf("worker %d expected empty mask, got %v", i, m)
		}
	}
}

func TestExplicitPlanMismatchFails(t *testing.T) {
	topo, err := topology.Discover()
	if err != nil {
		t.Fatal(err)
	}
	_, err = Resolve(topo, Request{Workers: 3, Plan: "0x1,0x2"})
	if err == nil {
		t.Fatal("expected error for mismatched worker count")
	}
}

func TestExplicitPlanOK(t *testing.T) {
	topo, err := topology.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if topo.NumPUs() < 2 {
		t.Skip("need at least 2 PUs")
	}
	plan, err := Resolve(topo, Request{Workers: 2, Plan: "0x1,0x2"})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Masks[0].Test(0) {
		t.Fatalf("worker 0 mask should include PU 0")
	}
	if !plan.Masks[1].Test(1) {
		t.Fatalf("worker 1 mask should include PU 1")
	}
}

func TestRoundRobinDomainResolution(t *testing.T) {
	topo, err := topology.Discover()
	if err != nil {
		t.Fatal(err)
	}
	plan, err := Resolve(topo, Request{
		Workers:  topo.NumPUs(),
		PUOffset: 0,
		PUStep:   1,
		Domain:   DomainPU,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Masks) != topo.NumPUs() {
		t.Fatalf("expected %d masks, got %d", topo.NumPUs(), len(plan.Masks))
	}
	for i, m := range plan.Masks {
		if !m.Test(i) {
			t.Fatalf("worker %d expected to include PU %d in round robin, mask=%v", i, i, m)
		}
	}
}

func TestAddPunitTracksMinimumOffset(t *testing.T) {
	plan := NewEmptyPlan(2, 8)
	if off := AddPunit(plan, 0, 5); off != 5 {
		t.Fatalf("offset = %d, want 5", off)
	}
	if off := AddPunit(plan, 1, 3); off != 3 {
		t.Fatalf("offset = %d, want 3", off)
	}
	if !plan.Masks[0].Test(5) || !plan.Masks[1].Test(3) {
		t.Fatal("AddPunit did not set the requested bits")
	}
}

func TestParseDomainPrefixMatch(t *testing.T) {
	cases := map[string]Domain{
		"pu": DomainPU, "p": DomainPU,
		"core": DomainCore, "c": DomainCore,
		"socket": DomainSocket, "s": DomainSocket,
		"machine": DomainMachine, "m": DomainMachine,
		"": DomainCore,
	}
	for in, want := range cases {
		got, err := ParseDomain(in)
		if err != nil {
			t.Fatalf("ParseDomain(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDomain(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseDomain("bogus"); err == nil {
		t.Fatal("expected error for unknown domain")
	}
}

func TestParseOffsetUnspecified(t *testing.T) {
	v, err := ParseOffset("")
	if err != nil || v != Unspecified {
		t.Fatalf("ParseOffset(\"\") = (%d, %v)", v, err)
	}
	v, err = ParseOffset("unspecified")
	if err != nil || v != Unspecified {
		t.Fatalf("ParseOffset(unspecified) = (%d, %v)", v, err)
	}
	v, err = ParseOffset("3")
	if err != nil || v != 3 {
		t.Fatalf("ParseOffset(3) = (%d, %v)", v, err)
	}
}
