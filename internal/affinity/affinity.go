// Package affinity resolves a requested worker count and a handful of
// textual/numeric knobs into a concrete affinity plan: one PU mask per
// worker. Resolution prefers an explicit textual plan, then falls back to
// round-robining PUs through a chosen topology domain (PU, core, socket,
// machine).
package affinity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jturney/Einsums-sub002/internal/errkind"
	"github.com/jturney/Einsums-sub002/internal/mask"
	"github.com/jturney/Einsums-sub002/internal/topology"
)

// Domain selects which ancestor mask a round-robin PU is expanded to.
type Domain int

const (
	DomainPU Domain = iota
	DomainCore
	DomainSocket
	DomainMachine
)

// ParseDomain resolves a domain name by prefix match, so "s" and "sock"
// both select the socket domain.
func ParseDomain(name string) (Domain, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "":
		return DomainCore, nil
	case strings.HasPrefix("pu", name):
		return DomainPU, nil
	case strings.HasPrefix("core", name):
		return DomainCore, nil
	case strings.HasPrefix("socket", name):
		return DomainSocket, nil
	case strings.HasPrefix("machine", name):
		return DomainMachine, nil
	default:
		return 0, errkind.New(errkind.BadParameter, fmt.Sprintf("affinity: unknown domain %q", name))
	}
}

const Unspecified = -1

// Request bundles the planner's inputs.
type Request struct {
	Workers        int
	MaxCores       int
	PUOffset       int // Unspecified to trigger the used-cores default
	PUStep         int
	UsedCores      int
	Domain         Domain
	Plan           string // textual plan; "none" disables affinity; "" means "compute it"
	UseProcessMask bool
	ProcessMask    *mask.Mask // only consulted when UseProcessMask is true
}

// Plan is the resolved, ordered sequence of per-worker PU masks.
type Plan struct {
	Masks []*mask.Mask
}

// Resolve produces the per-worker mask plan: a plan of "none" disables
// affinity, an explicit textual plan must match the worker count exactly,
// and otherwise masks come from the domain round-robin.
func Resolve(topo *topology.Topology, req Request) (*Plan, error) {
	if req.Workers <= 0 {
		return nil, errkind.New(errkind.BadParameter, "affinity: worker count must be positive")
	}

	useProcessMask := req.UseProcessMask
	if useProcessMask && req.ProcessMask == nil {
		// Platforms lacking process-mask support force this flag off.
		useProcessMask = false
	}

	// 1. Plan == "none": every worker gets an empty mask.
	if strings.TrimSpace(req.Plan) == "none" {
		return NewEmptyPlan(req.Workers, topo.NumPUs()), nil
	}

	// 2. Explicit textual plan: parse and require exactly Workers non-empty
	// masks.
	if strings.TrimSpace(req.Plan) != "" {
		masks, err := parseTextualPlan(req.Plan)
		if err != nil {
			return nil, err
		}
		if len(masks) != req.Workers {
			return nil, errkind.New(errkind.BadParameter,
				fmt.Sprintf("affinity: textual plan yields %d masks, want %d", len(masks), req.Workers))
		}
		for i, m := range masks {
			if !m.Any() {
				return nil, errkind.New(errkind.BadParameter,
					fmt.Sprintf("affinity: textual plan entry %d is empty", i))
			}
			masks[i] = intersectProcessMask(m, useProcessMask, req.ProcessMask, topo)
		}
		return &Plan{Masks: masks}, nil
	}

	// 3/4. Domain + offset + step round robin.
	offset := req.PUOffset
	if offset == Unspecified {
		offset = sumFirstUsedCores(topo, req.UsedCores)
	}
	step := req.PUStep
	if step == 0 {
		step = 1
	}
	w := topo.NumPUs()
	if w == 0 {
		return nil, errkind.New(errkind.BadParameter, "affinity: topology has zero PUs")
	}

	plan := NewEmptyPlan(req.Workers, w)
	for i := 0; i < req.Workers; i++ {
		rollover := ((offset + step*i) / w) % step
		puI := mod(offset+step*i+rollover, w)
		m := intersectProcessMask(domainMask(topo, req.Domain, puI), useProcessMask, req.ProcessMask, topo)
		for b := 0; b < m.Width(); b++ {
			if m.Test(b) {
				AddPunit(plan, i, b)
			}
		}
	}
	return plan, nil
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

func sumFirstUsedCores(topo *topology.Topology, usedCores int) int {
	if usedCores <= 0 {
		return 0
	}
	sum := 0
	counted := map[int]bool{}
	for p := 0; p < topo.NumPUs() && len(counted) < usedCores; p++ {
		c := topo.Core(p)
		if !counted[c] {
			counted[c] = true
			sum += topo.CoreMask(p).Count()
		}
	}
	return sum
}

func domainMask(topo *topology.Topology, d Domain, pu int) *mask.Mask {
	switch d {
	case DomainPU:
		return topo.ThreadMask(pu)
	case DomainSocket:
		return topo.SocketMask(pu)
	case DomainMachine:
		return topo.MachineMask()
	default: // DomainCore
		return topo.CoreMask(pu)
	}
}

func intersectProcessMask(m *mask.Mask, use bool, proc *mask.Mask, topo *topology.Topology) *mask.Mask {
	out := mask.And(m, topo.MachineMask())
	if use && proc != nil {
		out = mask.And(out, proc)
	}
	return out
}

// parseTextualPlan parses a comma-separated list of mask strings, one per
// worker, in the same "0x.."/"0b.." grammar as the mask package.
func parseTextualPlan(plan string) ([]*mask.Mask, error) {
	parts := strings.Split(plan, ",")
	masks := make([]*mask.Mask, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		m, err := mask.ParseString(p)
		if err != nil {
			return nil, errkind.Wrap(errkind.BadParameter,
				fmt.Sprintf("affinity: invalid mask at plan entry %d (%q)", i, p), err)
		}
		masks = append(masks, m)
	}
	return masks, nil
}

// GetPUMask resolves the mask for worker i from a resolved plan. By the
// time a Plan exists the domain/offset resolution has already been folded
// in, so the per-worker entry is authoritative.
func GetPUMask(plan *Plan, i int) (*mask.Mask, error) {
	if i < 0 || i >= len(plan.Masks) {
		return nil, errkind.New(errkind.BadParameter, fmt.Sprintf("affinity: worker index %d out of range", i))
	}
	return plan.Masks[i], nil
}

// NewEmptyPlan returns a plan of workers empty masks sized to width bits,
// ready to be filled incrementally with AddPunit; Resolve builds its
// round-robin plans this way.
func NewEmptyPlan(workers, width int) *Plan {
	masks := make([]*mask.Mask, workers)
	for i := range masks {
		masks[i] = mask.New(width)
	}
	return &Plan{Masks: masks}
}

// AddPunit sets bit threadNum in worker virtCore's mask within an
// in-progress plan, and returns the minimum set bit across all workers
// (the plan's cached offset).
func AddPunit(plan *Plan, virtCore, threadNum int) int {
	plan.Masks[virtCore].Set(threadNum)
	min := -1
	for _, m := range plan.Masks {
		if f := m.FindFirst(); f >= 0 && (min == -1 || f < min) {
			min = f
		}
	}
	return min
}

// ParseOffset parses a "pu-offset" CLI value, accepting the literal
// "unspecified" as Unspecified.
func ParseOffset(s string) (int, error) {
	if s == "" || strings.EqualFold(s, "unspecified") {
		return Unspecified, nil
	}
	return strconv.Atoi(s)
}
