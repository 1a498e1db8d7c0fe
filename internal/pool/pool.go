// Package pool implements the runtime's fixed worker pool: a vector of
// (OS-thread, scheduler, PU-mask) workers, a logical state machine, and a
// cross-worker gate used at suspend/resume. Each worker goroutine locks
// itself to an OS thread and binds that thread to its PU mask before
// entering the scheduling loop.
package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jturney/Einsums-sub002/internal/errkind"
	"github.com/jturney/Einsums-sub002/internal/fiber"
	"github.com/jturney/Einsums-sub002/internal/mask"
	"github.com/jturney/Einsums-sub002/internal/scheduler"
	"github.com/jturney/Einsums-sub002/internal/topology"
)

// State is a pool lifecycle state.
type State int32

const (
	Stopped State = iota
	Initialized
	Starting
	Running
	Suspending
	Suspended
	Resuming
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Initialized:
		return "initialized"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Suspending:
		return "suspending"
	case Suspended:
		return "suspended"
	case Resuming:
		return "resuming"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Worker is one (OS-thread, scheduler, PU-mask) triple.
type Worker struct {
	ID        int
	Scheduler *scheduler.Scheduler
	Mask      *mask.Mask
}

// Pool is a fixed vector of workers with indices [0, T).
type Pool struct {
	mu      sync.Mutex
	state   State
	topo    *topology.Topology
	workers []*Worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// suspendGate is closed while running, and replaced with a fresh
	// unclosed channel to arm a suspend; workers block on it at the top of
	// their loop. workersParked counts workers currently blocked at the
	// gate and workersExited counts workers whose loop has returned, so
	// Suspend can rendezvous with every live worker before the pool's
	// state advances to Suspended.
	suspendGate   chan struct{}
	workersParked atomic.Int32
	workersExited atomic.Int32

	finalizeRequested bool
}

// New builds a pool of len(masks) workers bound to topo, one scheduler per
// worker using cfg. The pool starts in state Initialized; construction is
// a separate step from Run.
func New(topo *topology.Topology, masks []*mask.Mask, cfg scheduler.Config) *Pool {
	p := &Pool{
		state:       Initialized,
		topo:        topo,
		suspendGate: make(chan struct{}),
	}
	close(p.suspendGate) // closed = "not suspended", workers pass straight through

	scheds := make([]*scheduler.Scheduler, len(masks))
	p.workers = make([]*Worker, len(masks))
	for i, m := range masks {
		sched := scheduler.New(i, cfg)
		scheds[i] = sched
		p.workers[i] = &Worker{ID: i, Scheduler: sched, Mask: m}
	}
	for _, s := range scheds {
		s.SetSiblings(scheds)
	}
	return p
}

// Workers returns the pool's worker vector (read-only use expected).
func (p *Pool) Workers() []*Worker { return p.workers }

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run transitions Initialized -> Starting -> Running, spawning one goroutine
// per worker and binding each to its PU mask.
func (p *Pool) Run() error {
	p.mu.Lock()
	if p.state != Initialized {
		p.mu.Unlock()
		return errkind.New(errkind.InvalidStatus, "pool: Run called outside state Initialized").WithState(p.state.String())
	}
	p.state = Starting
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	for _, w := range p.workers {
		p.wg.Add(1)
		go p.runWorker(w)
	}

	p.mu.Lock()
	p.state = Running
	p.mu.Unlock()
	return nil
}

func (p *Pool) runWorker(w *Worker) {
	defer p.wg.Done()
	defer p.workersExited.Add(1)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.Mask != nil && w.Mask.Any() {
		if _, err := p.topo.Bind(w.Mask); err != nil {
			// Binding failure is non-fatal: the worker keeps running
			// unaffined rather than aborting the pool.
			_ = err
		}
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		// Top-of-loop check of the suspend latch.
		p.mu.Lock()
		gate := p.suspendGate
		p.mu.Unlock()
		select {
		case <-gate:
		default:
			// The gate is armed: park at the latch until Resume reopens
			// it, counting ourselves so Suspend knows when every worker
			// has arrived.
			p.workersParked.Add(1)
			select {
			case <-gate:
				p.workersParked.Add(-1)
			case <-p.ctx.Done():
				p.workersParked.Add(-1)
				return
			}
		}

		p.mu.Lock()
		finalize := p.finalizeRequested
		p.mu.Unlock()
		if finalize && !w.Scheduler.HasRunnableWork() {
			return
		}

		if !w.Scheduler.Step(p.ctx) {
			time.Sleep(time.Millisecond)
		}
	}
}

// Suspend arms the latch every worker checks at the top of its loop and
// blocks until every live worker has parked on it; only then does the
// state advance to Suspended. A worker that is mid-fiber keeps running
// until that fiber's next yield point, so Suspend can block for as long
// as the longest in-flight fiber slice.
func (p *Pool) Suspend() error {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return errkind.New(errkind.InvalidStatus, "pool: Suspend called outside state Running").WithState(p.state.String())
	}
	p.state = Suspending
	p.suspendGate = make(chan struct{}) // armed: workers block here
	ctx := p.ctx
	p.mu.Unlock()

	total := int32(len(p.workers))
	for p.workersParked.Load()+p.workersExited.Load() < total {
		select {
		case <-ctx.Done():
			return errkind.New(errkind.InvalidStatus, "pool: stopped while suspending").WithState(Stopping.String())
		default:
		}
		time.Sleep(time.Millisecond)
	}

	p.mu.Lock()
	p.state = Suspended
	p.mu.Unlock()
	return nil
}

// Resume is the inverse of Suspend: reopen the gate and advance back to
// Running.
func (p *Pool) Resume() error {
	p.mu.Lock()
	if p.state != Suspended {
		p.mu.Unlock()
		return errkind.New(errkind.InvalidStatus, "pool: Resume called outside state Suspended").WithState(p.state.String())
	}
	p.state = Resuming
	close(p.suspendGate)
	p.state = Running
	p.mu.Unlock()
	return nil
}

// Finalize sets a flag that causes each worker to return at its next idle
// transition; callable from anywhere, including from a fiber running on
// the pool itself.
func (p *Pool) Finalize() {
	p.mu.Lock()
	p.finalizeRequested = true
	p.mu.Unlock()
}

// Wait blocks the caller until no worker has runnable or in-flight work.
// If called from a fiber running on one of this pool's own workers, the
// caller is expected to exclude that fiber from the count itself. Idleness
// must be observed on consecutive polls before Wait returns, covering the
// window in which a worker has popped a fiber but not yet marked it
// running.
func (p *Pool) Wait() {
	idleStreak := 0
	for {
		idle := true
		for _, w := range p.workers {
			if w.Scheduler.HasRunnableWork() || w.Scheduler.RunningCount() > 0 {
				idle = false
				break
			}
		}
		if !idle {
			idleStreak = 0
		} else {
			idleStreak++
			if idleStreak >= 3 {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop is permitted only from outside the pool and joins all workers,
// transitioning Running|Suspended -> Stopping -> Stopped.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.state != Running && p.state != Suspended {
		p.mu.Unlock()
		return errkind.New(errkind.InvalidStatus, "pool: Stop called outside state Running/Suspended").WithState(p.state.String())
	}
	p.state = Stopping
	p.cancel() // unblocks any worker parked on the suspend gate or idle wait
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.state = Stopped
	p.mu.Unlock()
	return nil
}

// SpawnUserMain runs fn on a fresh fiber scheduled on worker 0; the
// bootstrap sequence uses it to enter the user's entry function.
func (p *Pool) SpawnUserMain(fn fiber.Func) *fiber.Fiber {
	w := p.workers[0]
	f := w.Scheduler.CreateThread(fn, scheduler.Normal, fiber.Medium, scheduler.InitPending)
	return f
}
